package bonding

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
)

// Stats is a point-in-time summary of the books.
type Stats struct {
	Block              int64       `json:"block"`
	OpenBonds          int         `json:"open_bonds"`
	HaltedBonds        int         `json:"halted_bonds"`
	TotalPrincipal     sdkmath.Int `json:"total_principal"`
	TotalShares        sdkmath.Int `json:"total_shares"`
	AccRewardPerShare  sdkmath.Int `json:"acc_reward_per_share"`
	RewardsOutstanding sdkmath.Int `json:"rewards_outstanding"`
	LegacyReserved     sdkmath.Int `json:"legacy_reserved"`
	PooledBalance      sdkmath.Int `json:"pooled_balance"`
	ShareValue         sdkmath.Int `json:"share_value"`
	MigrationEnabled   bool        `json:"migration_enabled"`
}

// BondView is a bond together with its ledger-side figures.
type BondView struct {
	types.Bond
	Shares        sdkmath.Int     `json:"shares"`
	PendingReward sdkmath.Int     `json:"pending_reward"`
	State         types.BondState `json:"state"`
	Halted        bool            `json:"halted"`
}

func (c *Controller) stats() Stats {
	open := 0
	for _, b := range c.registry.All() {
		if !b.Closed {
			open++
		}
	}
	value, err := c.ledger.ShareValue(c.registry.TotalPrincipal())
	if err != nil {
		value = sdkmath.ZeroInt()
	}
	return Stats{
		Block:              c.lastBlock,
		OpenBonds:          open,
		HaltedBonds:        len(c.halted),
		TotalPrincipal:     c.registry.TotalPrincipal(),
		TotalShares:        c.ledger.TotalShares(),
		AccRewardPerShare:  c.ledger.AccRewardPerShare(),
		RewardsOutstanding: c.ledger.RewardsOutstanding(),
		LegacyReserved:     c.legacy.Reserved(),
		PooledBalance:      c.ledger.PooledBalance(),
		ShareValue:         value,
		MigrationEnabled:   c.migrationEnabled,
	}
}

// Stats reports the books as of the last completed call.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats()
}

// Bond returns one bond. Closed bonds remain readable.
func (c *Controller) Bond(id types.BondID, block int64) (BondView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return BondView{}, err
	}
	return c.view(b, block), nil
}

// BondsOf lists the open bonds of owner ordered by id.
func (c *Controller) BondsOf(owner string, block int64) []BondView {
	c.mu.Lock()
	defer c.mu.Unlock()

	bonds := c.registry.BondsOf(owner)
	views := make([]BondView, 0, len(bonds))
	for _, b := range bonds {
		views = append(views, c.view(b, block))
	}
	return views
}

func (c *Controller) view(b types.Bond, block int64) BondView {
	_, halted := c.halted[b.ID]
	pending, err := c.ledger.PendingReward(b.ID, b.RewardDebt)
	if err != nil {
		pending = sdkmath.ZeroInt()
	}
	return BondView{
		Bond:          b,
		Shares:        c.ledger.SharesOf(b.ID),
		PendingReward: pending,
		State:         b.State(block),
		Halted:        halted,
	}
}

// PendingReward is the reward owed to a bond as of the last sync. Reward that arrived since is not included.
func (c *Controller) PendingReward(id types.BondID) (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return c.ledger.PendingReward(id, b.RewardDebt)
}

// PreviewPendingReward includes reward sitting in custody that the next call would distribute.
// Nothing is written.
func (c *Controller) PreviewPendingReward(ctx context.Context, id types.BondID) (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.registry.Get(id)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	balance, err := c.custody.BalanceOf(ctx, c.custodyAddr)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("read custody balance: %w", err)
	}
	acc, err := c.ledger.Preview(balance, c.owed())
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return c.ledger.PendingRewardAt(id, b.RewardDebt, acc)
}

// ShareValue is total principal per 1e18 shares.
func (c *Controller) ShareValue() (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ShareValue(c.registry.TotalPrincipal())
}

func (c *Controller) MigrationEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.migrationEnabled
}

func (c *Controller) Params() types.BondingParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// LegacyPosition returns an imported legacy record.
func (c *Controller) LegacyPosition(id uint64) (types.LegacyPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.legacy.Get(id)
}

// Halted lists halted bonds with the violation that halted them.
func (c *Controller) Halted() map[types.BondID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[types.BondID]string, len(c.halted))
	for id, reason := range c.halted {
		out[id] = reason
	}
	return out
}

// CurrentBlock passes through to custody.
func (c *Controller) CurrentBlock(ctx context.Context) (int64, error) {
	return c.custody.CurrentBlock(ctx)
}
