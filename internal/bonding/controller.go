/*

This file contains the bonding controller, the only component allowed to move LP in or out of custody.

Every public mutating call runs the same frame:

 1. take the controller lock and snapshot registry, legacy registry and ledger
 2. read the current block
 3. sync the ledger against the custody balance
 4. run the operation
 5. on failure restore the snapshot; on success emit events and checkpoint

Invariant violations are surfaced as types.ErrArithmeticInvariant. The bonds involved are halted and
refuse further mutation until an operator restores a clean checkpoint.

*/

package bonding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/ledger"
	"github.com/elys-network/lpbond/internal/logger"
	"github.com/elys-network/lpbond/internal/registry"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/vault"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidConfig = errors.New("invalid controller configuration")
	ErrNoCustody     = errors.New("custody collaborator is nil")
)

// Config holds the static wiring of a controller.
type Config struct {
	CustodyAddress   string
	TreasuryAddress  string
	Admins           []string
	Migrators        []string
	Params           types.BondingParameters
	MigrationEnabled bool
}

func (c Config) validate() error {
	if c.CustodyAddress == "" {
		return errors.Join(ErrInvalidConfig, errors.New("custody address cannot be empty"))
	}
	if c.TreasuryAddress == "" {
		return errors.Join(ErrInvalidConfig, errors.New("treasury address cannot be empty"))
	}
	if c.TreasuryAddress == c.CustodyAddress {
		return errors.Join(ErrInvalidConfig, errors.New("treasury and custody must differ"))
	}
	if len(c.Admins) == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("at least one admin is required"))
	}
	if err := c.Params.Validate(); err != nil {
		return errors.Join(ErrInvalidConfig, err)
	}
	return nil
}

// Checkpointer persists controller state after each successful call.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Observer receives per-call telemetry.
type Observer interface {
	OperationCompleted(op string, err error, elapsed time.Duration)
	InvariantViolated(op string)
	StateChanged(stats Stats)
}

type noopObserver struct{}

func (noopObserver) OperationCompleted(string, error, time.Duration) {}
func (noopObserver) InvariantViolated(string)                        {}
func (noopObserver) StateChanged(Stats)                              {}

// Option customizes a Controller.
type Option func(*Controller)

func WithEmitter(e types.Emitter) Option { return func(c *Controller) { c.emitter = e } }

func WithCheckpointer(cp Checkpointer) Option { return func(c *Controller) { c.checkpointer = cp } }

func WithObserver(o Observer) Option { return func(c *Controller) { c.observer = o } }

// Controller orchestrates deposits, liquidity changes, migration and price resets.
type Controller struct {
	mu sync.Mutex

	custodyAddr  string
	treasuryAddr string
	params       types.BondingParameters
	admins       map[string]struct{}
	migrators    map[string]struct{}

	migrationEnabled bool
	halted           map[types.BondID]string
	lastBlock        int64
	seq              uint64

	custody  vault.Custody
	registry *registry.Registry
	legacy   *registry.LegacyRegistry
	ledger   *ledger.Ledger

	emitter      types.Emitter
	checkpointer Checkpointer
	observer     Observer
	log          zerolog.Logger
}

// New creates a controller with empty books.
func New(cfg Config, custody vault.Custody, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if custody == nil {
		return nil, ErrNoCustody
	}

	c := &Controller{
		custodyAddr:      cfg.CustodyAddress,
		treasuryAddr:     cfg.TreasuryAddress,
		params:           cfg.Params,
		admins:           toSet(cfg.Admins),
		migrators:        toSet(cfg.Migrators),
		migrationEnabled: cfg.MigrationEnabled,
		halted:           make(map[types.BondID]string),
		custody:          custody,
		registry:         registry.New(cfg.Params.BlocksPerWeek),
		legacy:           registry.NewLegacy(),
		ledger:           ledger.New(),
		emitter:          types.NoopEmitter{},
		observer:         noopObserver{},
		log:              logger.GetForComponent("bonding_controller"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log.Info().
		Str("custody", c.custodyAddr).
		Str("treasury", c.treasuryAddr).
		Int64("blocksPerWeek", c.params.BlocksPerWeek).
		Str("coefficient", c.params.MultiplierCoefficient.String()).
		Bool("migrationEnabled", c.migrationEnabled).
		Msg("Bonding controller initialized")

	return c, nil
}

func toSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return set
}

// snapshot is everything a failed call has to put back.
type snapshot struct {
	registry         registry.State
	legacy           registry.LegacyState
	ledger           ledger.State
	params           types.BondingParameters
	migrationEnabled bool
}

// operation is the frame of one public call.
type operation struct {
	name    string
	id      string
	ctx     context.Context
	block   int64
	started time.Time
	snap    snapshot
	touched []types.BondID
	events  []types.Event
	log     zerolog.Logger
}

func (o *operation) touch(id types.BondID) { o.touched = append(o.touched, id) }

func (o *operation) emit(evt types.Event) { o.events = append(o.events, evt) }

// begin opens a frame and syncs the ledger. Callers must hold c.mu.
func (c *Controller) begin(ctx context.Context, name string) (*operation, error) {
	op := &operation{
		name:    name,
		id:      uuid.NewString(),
		ctx:     ctx,
		started: time.Now(),
	}
	op.log = c.log.With().Str("op", name).Str("operationId", op.id).Logger()

	op.snap = snapshot{
		registry:         c.registry.Snapshot(),
		legacy:           c.legacy.Snapshot(),
		ledger:           c.ledger.Snapshot(),
		params:           c.params,
		migrationEnabled: c.migrationEnabled,
	}

	block, err := c.custody.CurrentBlock(ctx)
	if err != nil {
		return op, fmt.Errorf("read current block: %w", err)
	}
	op.block = block

	if err := c.sync(op); err != nil {
		return op, err
	}
	return op, nil
}

// sync folds LP that arrived since the last call into the accumulator.
func (c *Controller) sync(op *operation) error {
	balance, err := c.custody.BalanceOf(op.ctx, c.custodyAddr)
	if err != nil {
		return fmt.Errorf("read custody balance: %w", err)
	}
	arrived, err := c.ledger.Sync(balance, c.owed())
	if err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	if arrived.IsPositive() {
		op.log.Debug().
			Str("arrived", arrived.String()).
			Str("accRewardPerShare", c.ledger.AccRewardPerShare().String()).
			Msg("Reward folded into accumulator")
	}
	return nil
}

// owed is the custody balance that belongs to someone: live principal plus unmigrated legacy LP.
func (c *Controller) owed() sdkmath.Int {
	return c.registry.TotalPrincipal().Add(c.legacy.Reserved())
}

// finish closes a frame. It rolls back on error and returns err unchanged.
func (c *Controller) finish(op *operation, err error) error {
	elapsed := time.Since(op.started)
	if err != nil {
		c.rollback(op)
		if types.IsFatal(err) {
			for _, id := range op.touched {
				// Bonds created by the failed call no longer exist after rollback.
				if _, getErr := c.registry.Get(id); getErr == nil {
					c.halted[id] = err.Error()
				}
			}
			c.observer.InvariantViolated(op.name)
			op.log.Error().
				Err(err).
				Bool("fatal", true).
				Interface("haltedBonds", op.touched).
				Msg("Invariant violation, affected bonds halted")
		} else {
			op.log.Warn().Err(err).Str("reason", types.Reason(err)).Msg("Operation rejected")
		}
		c.observer.OperationCompleted(op.name, err, elapsed)
		return err
	}

	for _, evt := range op.events {
		evt.Block = op.block
		evt.OperationID = op.id
		c.emitter.Emit(evt)
	}

	c.seq++
	if c.checkpointer != nil {
		if cpErr := c.checkpointer.SaveCheckpoint(op.ctx, c.checkpoint(op.block)); cpErr != nil {
			// State is already applied in memory; the next successful call checkpoints again.
			op.log.Error().Err(cpErr).Msg("Failed to persist checkpoint")
		}
	}

	c.lastBlock = op.block
	op.log.Info().Int64("block", op.block).Dur("elapsed", elapsed).Msg("Operation completed")
	c.observer.OperationCompleted(op.name, nil, elapsed)
	c.observer.StateChanged(c.stats())
	return nil
}

func (c *Controller) rollback(op *operation) {
	if err := c.registry.Restore(op.snap.registry); err != nil {
		op.log.Error().Err(err).Msg("Failed to roll back registry")
	}
	if err := c.legacy.Restore(op.snap.legacy); err != nil {
		op.log.Error().Err(err).Msg("Failed to roll back legacy registry")
	}
	c.ledger.Rollback(op.snap.ledger)
	c.params = op.snap.params
	c.registry.SetBlocksPerWeek(c.params.BlocksPerWeek)
	c.migrationEnabled = op.snap.migrationEnabled
}

// ownedBond loads a bond the caller may mutate.
func (c *Controller) ownedBond(op *operation, caller string, id types.BondID) (types.Bond, error) {
	b, err := c.registry.Get(id)
	if err != nil {
		return types.Bond{}, err
	}
	if b.Closed {
		return types.Bond{}, fmt.Errorf("%w: id %d", types.ErrBondClosed, id)
	}
	if reason, halted := c.halted[id]; halted {
		return types.Bond{}, fmt.Errorf("%w: id %d: %s", types.ErrBondHalted, id, reason)
	}
	if b.Owner != caller {
		return types.Bond{}, fmt.Errorf("%w: %s does not own bond %d", types.ErrNotOwner, caller, id)
	}
	op.touch(id)
	return b, nil
}

func requirePositive(amount sdkmath.Int, what string) error {
	if amount.IsNil() || !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", types.ErrInvalidAmount, what, amount)
	}
	return nil
}
