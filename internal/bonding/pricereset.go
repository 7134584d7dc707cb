/*

This file contains the price reset: a privileged withdrawal of pooled LP from custody into a single pool
asset that is forwarded to the treasury. Principal owed to bonds and total shares are left untouched, so
credited share value does not move. The shortfall is realized pro rata when bonds withdraw, through the
corrected amount in RemoveLiquidity.

*/

package bonding

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

// PriceResetResult describes one executed reset.
type PriceResetResult struct {
	Asset     string      `json:"asset"`
	Withdrawn sdkmath.Int `json:"withdrawn"`
	Proceeds  sdkmath.Int `json:"proceeds"`
}

// PriceReset withdraws amount of pooled LP into the asset at assetIndex and sends the proceeds to treasury.
func (c *Controller) PriceReset(ctx context.Context, caller string, amount sdkmath.Int, assetIndex int) (PriceResetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "price_reset")
	if err != nil {
		return PriceResetResult{}, c.finish(op, err)
	}
	res, err := c.priceReset(op, caller, amount, assetIndex)
	if err != nil {
		return PriceResetResult{}, c.finish(op, err)
	}
	return res, c.finish(op, nil)
}

func (c *Controller) priceReset(op *operation, caller string, amount sdkmath.Int, assetIndex int) (PriceResetResult, error) {
	if err := c.requireAdmin(caller); err != nil {
		return PriceResetResult{}, err
	}
	if err := requirePositive(amount, "reset amount"); err != nil {
		return PriceResetResult{}, err
	}
	asset, err := c.custody.AssetDenom(assetIndex)
	if err != nil {
		return PriceResetResult{}, err
	}

	balance := c.ledger.PooledBalance()
	limit := c.resettable()
	if amount.GT(limit) {
		return PriceResetResult{}, fmt.Errorf("%w: reset of %s exceeds resettable %s", types.ErrInvalidAmount, amount, limit)
	}

	// Checks run on the post-reset books before the pool is touched; a failed withdrawal rolls them back.
	outstanding := c.ledger.RewardsOutstanding()
	c.ledger.Observe(balance.Sub(amount))
	if !c.ledger.RewardsOutstanding().Equal(outstanding) {
		return PriceResetResult{}, fmt.Errorf("%w: outstanding reward moved from %s to %s", types.ErrArithmeticInvariant, outstanding, c.ledger.RewardsOutstanding())
	}
	if left := c.resettable(); !left.Equal(limit.Sub(amount)) {
		return PriceResetResult{}, fmt.Errorf("%w: resettable %s after withdrawing %s of %s", types.ErrArithmeticInvariant, left, amount, limit)
	}
	shareValue, err := c.ledger.ShareValue(c.registry.TotalPrincipal())
	if err != nil {
		return PriceResetResult{}, err
	}

	proceeds, err := c.custody.WithdrawTo(op.ctx, c.custodyAddr, c.treasuryAddr, amount, assetIndex)
	if err != nil {
		return PriceResetResult{}, fmt.Errorf("withdraw %s LP into %s for treasury: %w", amount, asset, err)
	}

	op.emit(types.PriceResetEvent(asset, amount, proceeds))
	op.log.Info().
		Str("asset", asset).
		Str("withdrawn", amount.String()).
		Str("proceeds", proceeds.String()).
		Str("treasury", c.treasuryAddr).
		Str("shareValue", shareValue.String()).
		Msg("Price reset executed")

	return PriceResetResult{Asset: asset, Withdrawn: amount, Proceeds: proceeds}, nil
}

// resettable is the pooled LP not earmarked for distributed reward or unmigrated legacy positions.
func (c *Controller) resettable() sdkmath.Int {
	return utils.PositivePart(c.ledger.PooledBalance(), c.ledger.RewardsOutstanding().Add(c.legacy.Reserved()))
}

// QuoteReset prices a reset of amount into assetIndex without executing it.
func (c *Controller) QuoteReset(ctx context.Context, amount sdkmath.Int, assetIndex int) (sdkmath.Int, error) {
	if err := requirePositive(amount, "quote amount"); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return c.custody.Quote(ctx, amount, assetIndex)
}
