package bonding

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/multiplier"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

// Withdrawal describes what a RemoveLiquidity call paid out.
type Withdrawal struct {
	Requested    sdkmath.Int `json:"requested"`
	Corrected    sdkmath.Int `json:"corrected"`
	Reward       sdkmath.Int `json:"reward"`
	Paid         sdkmath.Int `json:"paid"`
	SharesBurned sdkmath.Int `json:"shares_burned"`
	Closed       bool        `json:"closed"`
}

// AddLiquidity renews an unlocked bond: pending reward is compounded into principal, amount is added and
// shares are recomputed on the combined principal for a fresh lock of weeks.
func (c *Controller) AddLiquidity(ctx context.Context, caller string, id types.BondID, amount sdkmath.Int, weeks uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "add_liquidity")
	if err != nil {
		return c.finish(op, err)
	}
	return c.finish(op, c.addLiquidity(op, caller, id, amount, weeks))
}

func (c *Controller) addLiquidity(op *operation, caller string, id types.BondID, amount sdkmath.Int, weeks uint64) error {
	if err := requirePositive(amount, "added amount"); err != nil {
		return err
	}
	if err := c.params.CheckDuration(weeks); err != nil {
		return err
	}
	bond, err := c.ownedBond(op, caller, id)
	if err != nil {
		return err
	}
	if bond.IsLocked(op.block) {
		return fmt.Errorf("%w: bond %d locked until block %d, current block %d", types.ErrStillLocked, id, bond.EndBlock, op.block)
	}

	pending, err := c.ledger.PendingReward(id, bond.RewardDebt)
	if err != nil {
		return err
	}
	addedLp := pending.Add(amount)
	newLp := bond.LpAmount.Add(addedLp)

	oldShares := c.ledger.SharesOf(id)
	newShares, err := multiplier.Shares(newLp, weeks, c.params.MultiplierCoefficient)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	if !newShares.GT(oldShares) {
		return fmt.Errorf("%w: renewal would leave bond %d with %s shares, currently %s", types.ErrInvalidAmount, id, newShares, oldShares)
	}

	// The compounded reward stops being outstanding and becomes principal.
	c.ledger.Claim(pending)
	if err := c.updateBond(id, addedLp, newShares.Sub(oldShares)); err != nil {
		return err
	}

	newEnd := c.registry.LockEnd(op.block+1, weeks)
	if newEnd <= bond.EndBlock {
		return fmt.Errorf("%w: renewal of bond %d would not move end block %d", types.ErrArithmeticInvariant, id, bond.EndBlock)
	}
	if err := c.registry.ExtendLock(id, newEnd); err != nil {
		return err
	}

	if err := c.custody.TransferLP(op.ctx, caller, c.custodyAddr, amount); err != nil {
		return fmt.Errorf("pull %s LP from %s: %w", amount, caller, err)
	}
	c.ledger.Observe(c.ledger.PooledBalance().Add(amount))

	op.emit(types.LiquidityAddedEvent(caller, id, newLp, newShares))
	op.log.Info().
		Uint64("bondId", uint64(id)).
		Str("compounded", pending.String()).
		Str("added", amount.String()).
		Str("lpAmount", newLp.String()).
		Str("shares", newShares.String()).
		Int64("endBlock", newEnd).
		Msg("Liquidity added")
	return nil
}

// RemoveLiquidity withdraws amount of principal from an unlocked bond together with all of its pending reward.
// When a price reset has left custody short, the principal paid is scaled down pro rata.
func (c *Controller) RemoveLiquidity(ctx context.Context, caller string, id types.BondID, amount sdkmath.Int) (Withdrawal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "remove_liquidity")
	if err != nil {
		return Withdrawal{}, c.finish(op, err)
	}
	w, err := c.removeLiquidity(op, caller, id, amount)
	if err != nil {
		return Withdrawal{}, c.finish(op, err)
	}
	return w, c.finish(op, nil)
}

func (c *Controller) removeLiquidity(op *operation, caller string, id types.BondID, amount sdkmath.Int) (Withdrawal, error) {
	if err := requirePositive(amount, "withdrawal amount"); err != nil {
		return Withdrawal{}, err
	}
	bond, err := c.ownedBond(op, caller, id)
	if err != nil {
		return Withdrawal{}, err
	}
	if bond.IsLocked(op.block) {
		return Withdrawal{}, fmt.Errorf("%w: bond %d locked until block %d, current block %d", types.ErrStillLocked, id, bond.EndBlock, op.block)
	}
	if amount.GT(bond.LpAmount) {
		return Withdrawal{}, fmt.Errorf("%w: bond %d holds %s, requested %s", types.ErrInvalidAmount, id, bond.LpAmount, amount)
	}

	pending, err := c.ledger.PendingReward(id, bond.RewardDebt)
	if err != nil {
		return Withdrawal{}, err
	}
	corrected, err := c.correctedAmount(amount)
	if err != nil {
		return Withdrawal{}, err
	}
	shares := c.ledger.SharesOf(id)
	burn, err := utils.MulDiv(shares, amount, bond.LpAmount)
	if err != nil {
		return Withdrawal{}, fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	paid := corrected.Add(pending)

	c.ledger.Claim(pending)
	if err := c.updateBond(id, amount.Neg(), burn.Neg()); err != nil {
		return Withdrawal{}, err
	}

	closed := amount.Equal(bond.LpAmount)
	if closed {
		if left := c.ledger.SharesOf(id); !left.IsZero() {
			return Withdrawal{}, fmt.Errorf("%w: bond %d emptied with %s shares left", types.ErrArithmeticInvariant, id, left)
		}
		if err := c.registry.Close(id); err != nil {
			return Withdrawal{}, err
		}
	}

	if paid.IsPositive() {
		if err := c.custody.TransferLP(op.ctx, c.custodyAddr, caller, paid); err != nil {
			return Withdrawal{}, fmt.Errorf("pay %s LP to %s: %w", paid, caller, err)
		}
	}
	c.ledger.Observe(utils.PositivePart(c.ledger.PooledBalance(), paid))

	op.emit(types.LiquidityRemovedEvent(caller, id, amount, corrected, pending, burn))
	op.log.Info().
		Uint64("bondId", uint64(id)).
		Str("requested", amount.String()).
		Str("corrected", corrected.String()).
		Str("reward", pending.String()).
		Str("sharesBurned", burn.String()).
		Bool("closed", closed).
		Msg("Liquidity removed")

	return Withdrawal{
		Requested:    amount,
		Corrected:    corrected,
		Reward:       pending,
		Paid:         paid,
		SharesBurned: burn,
		Closed:       closed,
	}, nil
}

// correctedAmount scales a principal withdrawal by the share of owed principal custody can still cover:
//
//	corrected = amount * (balance - rewardsOutstanding - legacyReserved) / totalPrincipal
//
// capped at amount and truncated, so a shortfall is shared pro rata and nobody is ever over-paid.
func (c *Controller) correctedAmount(amount sdkmath.Int) (sdkmath.Int, error) {
	totalPrincipal := c.registry.TotalPrincipal()
	if totalPrincipal.IsZero() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: withdrawal with zero total principal", types.ErrArithmeticInvariant)
	}
	claimable := c.ledger.RewardsOutstanding().Add(c.legacy.Reserved())
	available := utils.PositivePart(c.ledger.PooledBalance(), claimable)
	if available.GTE(totalPrincipal) {
		return amount, nil
	}
	corrected, err := utils.MulDiv(amount, available, totalPrincipal)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	return sdkmath.MinInt(corrected, amount), nil
}

// updateBond applies a principal delta and a share delta to one bond and re-prices its debt at the
// current accumulator. Pending reward must have been paid or compounded by the caller first.
func (c *Controller) updateBond(id types.BondID, deltaLp, deltaShares sdkmath.Int) error {
	switch {
	case deltaShares.IsPositive():
		if err := c.ledger.MintShares(id, deltaShares); err != nil {
			return err
		}
	case deltaShares.IsNegative():
		if err := c.ledger.BurnShares(id, deltaShares.Neg()); err != nil {
			return err
		}
	}
	debt, err := c.ledger.Settle(id)
	if err != nil {
		return err
	}
	return c.registry.UpdateBond(id, deltaLp, debt)
}
