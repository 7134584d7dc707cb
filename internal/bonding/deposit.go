package bonding

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/multiplier"
	"github.com/elys-network/lpbond/internal/types"
)

// Deposit pulls amount of LP from caller into custody and opens a bond locked for weeks.
func (c *Controller) Deposit(ctx context.Context, caller string, amount sdkmath.Int, weeks uint64) (types.BondID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "deposit")
	if err != nil {
		return 0, c.finish(op, err)
	}
	id, err := c.deposit(op, caller, amount, weeks)
	if err != nil {
		return 0, c.finish(op, err)
	}
	return id, c.finish(op, nil)
}

func (c *Controller) deposit(op *operation, caller string, amount sdkmath.Int, weeks uint64) (types.BondID, error) {
	if err := requirePositive(amount, "deposit amount"); err != nil {
		return 0, err
	}
	if err := c.params.CheckDuration(weeks); err != nil {
		return 0, err
	}
	shares, err := multiplier.Shares(amount, weeks, c.params.MultiplierCoefficient)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}

	id, err := c.registry.Create(caller, amount, weeks, op.block)
	if err != nil {
		return 0, err
	}
	op.touch(id)

	if err := c.mintSettled(id, shares); err != nil {
		return 0, err
	}
	bond, err := c.registry.Get(id)
	if err != nil {
		return 0, err
	}

	// The pull is the last fallible step; a failed pull rolls the books back.
	if err := c.custody.TransferLP(op.ctx, caller, c.custodyAddr, amount); err != nil {
		return 0, fmt.Errorf("pull %s LP from %s: %w", amount, caller, err)
	}
	c.ledger.Observe(c.ledger.PooledBalance().Add(amount))

	op.emit(types.DepositedEvent(caller, id, amount, shares, weeks, bond.EndBlock))
	op.log.Info().
		Str("owner", caller).
		Uint64("bondId", uint64(id)).
		Str("amount", amount.String()).
		Str("shares", shares.String()).
		Uint64("weeks", weeks).
		Int64("endBlock", bond.EndBlock).
		Msg("Bond created")
	return id, nil
}

// mintSettled mints shares for a bond that has none and prices them at the current accumulator, so a bond
// created in the same call as a reward arrival earns nothing from it.
func (c *Controller) mintSettled(id types.BondID, shares sdkmath.Int) error {
	if !c.ledger.SharesOf(id).IsZero() {
		return fmt.Errorf("%w: bond %d already holds shares", types.ErrArithmeticInvariant, id)
	}
	if err := c.ledger.MintShares(id, shares); err != nil {
		return err
	}
	debt, err := c.ledger.Settle(id)
	if err != nil {
		return err
	}
	return c.registry.UpdateBond(id, sdkmath.ZeroInt(), debt)
}
