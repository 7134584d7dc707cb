package bonding

import (
	"context"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/multiplier"
	"github.com/elys-network/lpbond/internal/registry"
	"github.com/elys-network/lpbond/internal/types"
)

// ImportLegacy registers legacy positions whose LP sits in custody, reserving that LP from reward
// detection. Import before the LP lands in custody, or the next sync counts it as reward.
func (c *Controller) ImportLegacy(ctx context.Context, caller string, positions []types.LegacyPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "import_legacy")
	if err != nil {
		return c.finish(op, err)
	}
	err = c.requireAdmin(caller)
	for i := 0; err == nil && i < len(positions); i++ {
		err = c.legacy.Put(positions[i])
	}
	if err == nil {
		op.log.Info().Int("count", len(positions)).Str("reserved", c.legacy.Reserved().String()).Msg("Legacy positions imported")
	}
	return c.finish(op, err)
}

// AuthorizeMigration stores a registrar ticket letting ticket.Owner migrate ticket.LegacyID.
func (c *Controller) AuthorizeMigration(ctx context.Context, caller string, ticket types.MigrationTicket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "authorize_migration")
	if err != nil {
		return c.finish(op, err)
	}
	if err := c.requireMigrator(caller); err != nil {
		return c.finish(op, err)
	}
	if err := c.params.CheckDuration(ticket.DurationWeeks); err != nil {
		return c.finish(op, err)
	}
	if err := c.legacy.Authorize(ticket); err != nil {
		return c.finish(op, err)
	}
	op.emit(types.MigrationAuthorizedEvent(ticket))
	return c.finish(op, nil)
}

// SetMigrationEnabled flips the global migration switch.
func (c *Controller) SetMigrationEnabled(ctx context.Context, caller string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "set_migration_enabled")
	if err != nil {
		return c.finish(op, err)
	}
	if err := c.requireAdmin(caller); err != nil {
		return c.finish(op, err)
	}
	c.migrationEnabled = enabled
	op.log.Info().Bool("enabled", enabled).Msg("Migration switch updated")
	return c.finish(op, nil)
}

// Migrate converts caller's legacy position into a bond using the registrar's ticket. The LP is already in
// custody, so nothing moves externally: it stops being reserved and becomes principal.
func (c *Controller) Migrate(ctx context.Context, caller string, legacyID uint64) (types.BondID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "migrate")
	if err != nil {
		return 0, c.finish(op, err)
	}
	id, err := c.migrate(op, caller, legacyID)
	if err != nil {
		return 0, c.finish(op, err)
	}
	return id, c.finish(op, nil)
}

func (c *Controller) migrate(op *operation, caller string, legacyID uint64) (types.BondID, error) {
	if !c.migrationEnabled {
		return 0, fmt.Errorf("%w: migration is disabled", types.ErrNotMigrationEligible)
	}
	ticket, err := c.legacy.Ticket(caller, legacyID)
	if err != nil {
		return 0, err
	}
	pos, err := c.legacy.Get(legacyID)
	if err != nil {
		return 0, err
	}
	conv, err := registry.ConvertLegacy(pos, ticket)
	if err != nil {
		return 0, err
	}
	shares, err := multiplier.Shares(conv.LpAmount, conv.DurationWeeks, c.params.MultiplierCoefficient)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}

	if err := c.legacy.Consume(caller, legacyID); err != nil {
		return 0, err
	}
	id, err := c.registry.CreateMigrated(conv, op.block)
	if err != nil {
		return 0, err
	}
	op.touch(id)
	if err := c.mintSettled(id, shares); err != nil {
		return 0, err
	}

	// Legacy LP beyond the ticket amount is released to holders as reward on the next sync.
	released := pos.LpAmount.Sub(conv.LpAmount)
	op.emit(types.MigratedEvent(caller, id, legacyID))
	op.log.Info().
		Str("owner", caller).
		Uint64("legacyId", legacyID).
		Uint64("bondId", uint64(id)).
		Str("lpAmount", conv.LpAmount.String()).
		Str("shares", shares.String()).
		Str("released", sdkmath.MaxInt(released, sdkmath.ZeroInt()).String()).
		Msg("Legacy position migrated")
	return id, nil
}
