package bonding

import (
	"context"
	"errors"
	"fmt"

	"github.com/elys-network/lpbond/internal/ledger"
	"github.com/elys-network/lpbond/internal/registry"
	"github.com/elys-network/lpbond/internal/types"
)

// Checkpoint is the full persisted state of a controller after a successful call.
type Checkpoint struct {
	// Seq counts successful calls. A store must never replace a checkpoint with one of lower Seq.
	Seq              uint64
	Block            int64
	Registry         registry.State
	Legacy           registry.LegacyState
	Ledger           ledger.State
	Params           types.BondingParameters
	MigrationEnabled bool
	Halted           map[types.BondID]string
}

func (c *Controller) checkpoint(block int64) Checkpoint {
	halted := make(map[types.BondID]string, len(c.halted))
	for id, reason := range c.halted {
		halted[id] = reason
	}
	return Checkpoint{
		Seq:              c.seq,
		Block:            block,
		Registry:         c.registry.Snapshot(),
		Legacy:           c.legacy.Snapshot(),
		Ledger:           c.ledger.Snapshot(),
		Params:           c.params,
		MigrationEnabled: c.migrationEnabled,
		Halted:           halted,
	}
}

// Snapshot exports the current state as a checkpoint.
func (c *Controller) Snapshot() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint(c.lastBlock)
}

// Restore loads a persisted checkpoint. The checkpoint must be internally consistent and must not move the
// reward accumulator backwards. On any error the controller is left as it was.
func (c *Controller) Restore(ctx context.Context, cp Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := cp.Params.Validate(); err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	prev := c.checkpoint(c.lastBlock)
	undo := func() {
		_ = c.registry.Restore(prev.Registry)
		_ = c.legacy.Restore(prev.Legacy)
		c.ledger.Rollback(prev.Ledger)
		c.params = prev.Params
		c.registry.SetBlocksPerWeek(prev.Params.BlocksPerWeek)
		c.migrationEnabled = prev.MigrationEnabled
		c.halted = prev.Halted
		c.lastBlock = prev.Block
		c.seq = prev.Seq
	}

	err := c.registry.Restore(cp.Registry)
	if err == nil {
		err = c.legacy.Restore(cp.Legacy)
	}
	if err == nil {
		err = c.ledger.Load(cp.Ledger)
	}
	if err != nil {
		undo()
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	c.params = cp.Params
	c.registry.SetBlocksPerWeek(cp.Params.BlocksPerWeek)
	c.migrationEnabled = cp.MigrationEnabled
	c.halted = make(map[types.BondID]string, len(cp.Halted))
	for id, reason := range cp.Halted {
		c.halted[id] = reason
	}
	c.lastBlock = cp.Block
	c.seq = cp.Seq

	if report := c.checkInvariants(c.ledger.PooledBalance()); !report.OK() {
		undo()
		return fmt.Errorf("restore checkpoint: %w: %w", types.ErrArithmeticInvariant, errors.Join(report.errors()...))
	}

	c.log.Info().
		Int64("block", cp.Block).
		Uint64("seq", cp.Seq).
		Int("bonds", len(cp.Registry.Bonds)).
		Int("legacyPositions", len(cp.Legacy.Positions)).
		Int("halted", len(cp.Halted)).
		Str("accRewardPerShare", c.ledger.AccRewardPerShare().String()).
		Msg("Checkpoint restored")
	return nil
}

// ClearHalt lifts the halt on a bond once an operator has confirmed its books are consistent.
func (c *Controller) ClearHalt(ctx context.Context, caller string, id types.BondID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "clear_halt")
	if err != nil {
		return c.finish(op, err)
	}
	if err := c.requireAdmin(caller); err != nil {
		return c.finish(op, err)
	}
	if _, err := c.registry.Get(id); err != nil {
		return c.finish(op, err)
	}
	if _, ok := c.halted[id]; !ok {
		return c.finish(op, fmt.Errorf("%w: id %d", types.ErrNotHalted, id))
	}
	if report := c.checkInvariants(c.ledger.PooledBalance()); !report.OK() {
		return c.finish(op, fmt.Errorf("%w: books still inconsistent: %w", types.ErrBondHalted, errors.Join(report.errors()...)))
	}
	delete(c.halted, id)
	op.log.Warn().Uint64("bondId", uint64(id)).Str("admin", caller).Msg("Bond halt cleared")
	return c.finish(op, nil)
}
