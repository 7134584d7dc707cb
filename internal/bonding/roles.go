package bonding

import (
	"context"
	"fmt"

	"github.com/elys-network/lpbond/internal/types"
)

func (c *Controller) requireAdmin(caller string) error {
	if _, ok := c.admins[caller]; !ok {
		return fmt.Errorf("%w: %q is not an admin", types.ErrNotAuthorized, caller)
	}
	return nil
}

// Admins may also register migration tickets.
func (c *Controller) requireMigrator(caller string) error {
	if _, ok := c.migrators[caller]; ok {
		return nil
	}
	if _, ok := c.admins[caller]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q is not a migrator", types.ErrNotAuthorized, caller)
}

// IsAdmin reports whether addr holds the admin role.
func (c *Controller) IsAdmin(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.admins[addr]
	return ok
}

// TransferBond moves a whole bond to a new owner. Shares, debt and lock window travel with it.
func (c *Controller) TransferBond(ctx context.Context, caller string, id types.BondID, to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "transfer_bond")
	if err != nil {
		return c.finish(op, err)
	}
	if _, err := c.ownedBond(op, caller, id); err != nil {
		return c.finish(op, err)
	}
	if err := c.registry.Transfer(id, caller, to); err != nil {
		return c.finish(op, err)
	}
	op.emit(types.BondTransferredEvent(id, caller, to))
	return c.finish(op, nil)
}

// UpdateParameters replaces the bonding parameters. Existing bonds keep their shares and lock windows.
func (c *Controller) UpdateParameters(ctx context.Context, caller string, params types.BondingParameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, err := c.begin(ctx, "update_parameters")
	if err != nil {
		return c.finish(op, err)
	}
	if err := c.requireAdmin(caller); err != nil {
		return c.finish(op, err)
	}
	if err := params.Validate(); err != nil {
		return c.finish(op, fmt.Errorf("%w: %w", types.ErrInvalidDuration, err))
	}
	c.params = params
	c.registry.SetBlocksPerWeek(params.BlocksPerWeek)
	op.log.Info().
		Int64("blocksPerWeek", params.BlocksPerWeek).
		Str("coefficient", params.MultiplierCoefficient.String()).
		Uint64("minLockWeeks", params.MinLockWeeks).
		Uint64("maxLockWeeks", params.MaxLockWeeks).
		Msg("Bonding parameters updated")
	return c.finish(op, nil)
}
