package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/ledger"
	"github.com/elys-network/lpbond/internal/registry"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

var (
	// ErrNoCheckpoint is returned by LoadCheckpoint on an empty database.
	ErrNoCheckpoint = errors.New("no checkpoint stored")
	// ErrStaleCheckpoint is returned by SaveCheckpoint when a newer checkpoint is already stored.
	ErrStaleCheckpoint = errors.New("stored checkpoint is newer")
)

// Store persists controller checkpoints, events, parameter versions and audit reports.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open pool. Pass state.DB once InitDB has succeeded.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrDBNotInitialized
	}
	return &Store{db: db}, nil
}

// SaveCheckpoint writes cp in a single transaction, replacing the stored checkpoint unless that one has a
// higher sequence number.
func (s *Store) SaveCheckpoint(ctx context.Context, cp bonding.Checkpoint) (err error) {
	paramsJSON, err := json.Marshal(cp.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_globals (
			id, seq, block, next_bond_id, total_shares, acc_reward_per_share,
			rewards_outstanding, pooled_balance, migration_enabled, params, updated_at
		) VALUES (1, $9, $1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET
			seq = EXCLUDED.seq,
			block = EXCLUDED.block,
			next_bond_id = EXCLUDED.next_bond_id,
			total_shares = EXCLUDED.total_shares,
			acc_reward_per_share = EXCLUDED.acc_reward_per_share,
			rewards_outstanding = EXCLUDED.rewards_outstanding,
			pooled_balance = EXCLUDED.pooled_balance,
			migration_enabled = EXCLUDED.migration_enabled,
			params = EXCLUDED.params,
			updated_at = EXCLUDED.updated_at
		WHERE ledger_globals.seq <= EXCLUDED.seq;`,
		cp.Block, int64(cp.Registry.NextID),
		numeric(cp.Ledger.TotalShares), numeric(cp.Ledger.AccRewardPerShare),
		numeric(cp.Ledger.RewardsOutstanding), numeric(cp.Ledger.PooledBalance),
		cp.MigrationEnabled, paramsJSON, int64(cp.Seq),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger globals: %w", err)
	}
	written, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read upsert result: %w", err)
	}
	if written == 0 {
		return fmt.Errorf("%w: refusing checkpoint seq %d", ErrStaleCheckpoint, cp.Seq)
	}

	if err = saveBonds(ctx, tx, cp.Registry.Bonds, cp.Halted); err != nil {
		return err
	}
	if err = saveShares(ctx, tx, cp.Ledger.Shares); err != nil {
		return err
	}
	if err = saveLegacy(ctx, tx, cp.Legacy); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	log.Debug().
		Uint64("seq", cp.Seq).
		Int64("block", cp.Block).
		Int("bonds", len(cp.Registry.Bonds)).
		Int("legacyPositions", len(cp.Legacy.Positions)).
		Msg("Checkpoint saved")
	return nil
}

func saveBonds(ctx context.Context, tx *sql.Tx, bonds []types.Bond, halted map[types.BondID]string) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bonds (
			bond_id, owner, minter, lp_amount, lp_first_deposited, creation_block, end_block,
			reward_debt, partially_withdrawn, closed, migrated_from, halted_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (bond_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			lp_amount = EXCLUDED.lp_amount,
			lp_first_deposited = EXCLUDED.lp_first_deposited,
			end_block = EXCLUDED.end_block,
			reward_debt = EXCLUDED.reward_debt,
			partially_withdrawn = EXCLUDED.partially_withdrawn,
			closed = EXCLUDED.closed,
			halted_reason = EXCLUDED.halted_reason;`)
	if err != nil {
		return fmt.Errorf("failed to prepare bond upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(bonds))
	for _, b := range bonds {
		var reason sql.NullString
		if r, ok := halted[b.ID]; ok {
			reason = sql.NullString{String: r, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			int64(b.ID), b.Owner, b.Minter, numeric(b.LpAmount), numeric(b.LpFirstDeposited),
			b.CreationBlock, b.EndBlock, numeric(b.RewardDebt), b.PartiallyWithdrawn, b.Closed,
			int64(b.MigratedFrom), reason,
		); err != nil {
			return fmt.Errorf("failed to upsert bond %d: %w", b.ID, err)
		}
		ids = append(ids, int64(b.ID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bonds WHERE NOT (bond_id = ANY($1));`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune bonds: %w", err)
	}
	return nil
}

func saveShares(ctx context.Context, tx *sql.Tx, shares map[types.BondID]sdkmath.Int) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bond_shares (bond_id, shares) VALUES ($1, $2)
		ON CONFLICT (bond_id) DO UPDATE SET shares = EXCLUDED.shares;`)
	if err != nil {
		return fmt.Errorf("failed to prepare share upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(shares))
	for id, amount := range shares {
		if _, err := stmt.ExecContext(ctx, int64(id), numeric(amount)); err != nil {
			return fmt.Errorf("failed to upsert shares of bond %d: %w", id, err)
		}
		ids = append(ids, int64(id))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bond_shares WHERE NOT (bond_id = ANY($1));`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune shares: %w", err)
	}
	return nil
}

func saveLegacy(ctx context.Context, tx *sql.Tx, legacy registry.LegacyState) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO legacy_positions (legacy_id, owner, lp_amount, duration_weeks, migrated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (legacy_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			lp_amount = EXCLUDED.lp_amount,
			duration_weeks = EXCLUDED.duration_weeks,
			migrated = EXCLUDED.migrated;`)
	if err != nil {
		return fmt.Errorf("failed to prepare legacy upsert: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(legacy.Positions))
	for _, p := range legacy.Positions {
		if _, err := stmt.ExecContext(ctx, int64(p.ID), p.Owner, numeric(p.LpAmount), int64(p.DurationWeeks), p.Migrated); err != nil {
			return fmt.Errorf("failed to upsert legacy position %d: %w", p.ID, err)
		}
		ids = append(ids, int64(p.ID))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM legacy_positions WHERE NOT (legacy_id = ANY($1));`, pq.Array(ids)); err != nil {
		return fmt.Errorf("failed to prune legacy positions: %w", err)
	}

	// Tickets are few and keyed by (owner, legacy id), so they are rewritten wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM migration_tickets;`); err != nil {
		return fmt.Errorf("failed to clear migration tickets: %w", err)
	}
	for _, t := range legacy.Tickets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO migration_tickets (owner, legacy_id, lp_amount, duration_weeks, consumed)
			VALUES ($1, $2, $3, $4, $5);`,
			t.Owner, int64(t.LegacyID), numeric(t.LpAmount), int64(t.DurationWeeks), t.Consumed,
		); err != nil {
			return fmt.Errorf("failed to insert migration ticket %s/%d: %w", t.Owner, t.LegacyID, err)
		}
	}
	return nil
}

// LoadCheckpoint reads back the last saved checkpoint.
func (s *Store) LoadCheckpoint(ctx context.Context) (bonding.Checkpoint, error) {
	var (
		cp                                    bonding.Checkpoint
		nextID, seq                           int64
		totalShares, acc, outstanding, pooled string
		paramsJSON                            []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, block, next_bond_id, total_shares, acc_reward_per_share, rewards_outstanding,
			pooled_balance, migration_enabled, params
		FROM ledger_globals WHERE id = 1;`,
	).Scan(&seq, &cp.Block, &nextID, &totalShares, &acc, &outstanding, &pooled, &cp.MigrationEnabled, &paramsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bonding.Checkpoint{}, ErrNoCheckpoint
		}
		return bonding.Checkpoint{}, fmt.Errorf("failed to load ledger globals: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &cp.Params); err != nil {
		return bonding.Checkpoint{}, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	cp.Seq = uint64(seq)
	cp.Registry.NextID = types.BondID(nextID)

	cp.Ledger = ledger.State{Shares: map[types.BondID]sdkmath.Int{}}
	for _, f := range []struct {
		raw string
		dst *sdkmath.Int
	}{
		{totalShares, &cp.Ledger.TotalShares},
		{acc, &cp.Ledger.AccRewardPerShare},
		{outstanding, &cp.Ledger.RewardsOutstanding},
		{pooled, &cp.Ledger.PooledBalance},
	} {
		if *f.dst, err = parseNumeric(f.raw); err != nil {
			return bonding.Checkpoint{}, err
		}
	}

	if cp.Registry.Bonds, cp.Halted, err = s.loadBonds(ctx); err != nil {
		return bonding.Checkpoint{}, err
	}
	if err := s.loadShares(ctx, cp.Ledger.Shares); err != nil {
		return bonding.Checkpoint{}, err
	}
	if cp.Legacy, err = s.loadLegacy(ctx); err != nil {
		return bonding.Checkpoint{}, err
	}

	log.Info().
		Int64("block", cp.Block).
		Int("bonds", len(cp.Registry.Bonds)).
		Int("halted", len(cp.Halted)).
		Msg("Loaded checkpoint from database")
	return cp, nil
}

func (s *Store) loadBonds(ctx context.Context) ([]types.Bond, map[types.BondID]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bond_id, owner, minter, lp_amount, lp_first_deposited, creation_block, end_block,
			reward_debt, partially_withdrawn, closed, migrated_from, halted_reason
		FROM bonds ORDER BY bond_id;`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query bonds: %w", err)
	}
	defer rows.Close()

	var bonds []types.Bond
	halted := map[types.BondID]string{}
	for rows.Next() {
		b, reason, err := scanBond(rows)
		if err != nil {
			return nil, nil, err
		}
		if reason.Valid {
			halted[b.ID] = reason.String
		}
		bonds = append(bonds, b)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error during bond iteration: %w", err)
	}
	return bonds, halted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBond(row rowScanner) (types.Bond, sql.NullString, error) {
	var (
		b                types.Bond
		id, migratedFrom int64
		lp, first, debt  string
		reason           sql.NullString
	)
	if err := row.Scan(&id, &b.Owner, &b.Minter, &lp, &first, &b.CreationBlock, &b.EndBlock,
		&debt, &b.PartiallyWithdrawn, &b.Closed, &migratedFrom, &reason); err != nil {
		return types.Bond{}, reason, fmt.Errorf("failed to scan bond row: %w", err)
	}
	b.ID = types.BondID(id)
	b.MigratedFrom = uint64(migratedFrom)

	var err error
	if b.LpAmount, err = parseNumeric(lp); err != nil {
		return types.Bond{}, reason, err
	}
	if b.LpFirstDeposited, err = parseNumeric(first); err != nil {
		return types.Bond{}, reason, err
	}
	if b.RewardDebt, err = parseNumeric(debt); err != nil {
		return types.Bond{}, reason, err
	}
	return b, reason, nil
}

func (s *Store) loadShares(ctx context.Context, into map[types.BondID]sdkmath.Int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT bond_id, shares FROM bond_shares;`)
	if err != nil {
		return fmt.Errorf("failed to query shares: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("failed to scan share row: %w", err)
		}
		amount, err := parseNumeric(raw)
		if err != nil {
			return err
		}
		into[types.BondID(id)] = amount
	}
	return rows.Err()
}

func (s *Store) loadLegacy(ctx context.Context) (registry.LegacyState, error) {
	var state registry.LegacyState

	rows, err := s.db.QueryContext(ctx, `
		SELECT legacy_id, owner, lp_amount, duration_weeks, migrated
		FROM legacy_positions ORDER BY legacy_id;`)
	if err != nil {
		return state, fmt.Errorf("failed to query legacy positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p         types.LegacyPosition
			id, weeks int64
			raw       string
		)
		if err := rows.Scan(&id, &p.Owner, &raw, &weeks, &p.Migrated); err != nil {
			return state, fmt.Errorf("failed to scan legacy position: %w", err)
		}
		p.ID, p.DurationWeeks = uint64(id), uint64(weeks)
		if p.LpAmount, err = parseNumeric(raw); err != nil {
			return state, err
		}
		state.Positions = append(state.Positions, p)
	}
	if err := rows.Err(); err != nil {
		return state, fmt.Errorf("error during legacy iteration: %w", err)
	}

	ticketRows, err := s.db.QueryContext(ctx, `
		SELECT owner, legacy_id, lp_amount, duration_weeks, consumed
		FROM migration_tickets ORDER BY legacy_id, owner;`)
	if err != nil {
		return state, fmt.Errorf("failed to query migration tickets: %w", err)
	}
	defer ticketRows.Close()
	for ticketRows.Next() {
		var (
			t         types.MigrationTicket
			id, weeks int64
			raw       string
		)
		if err := ticketRows.Scan(&t.Owner, &id, &raw, &weeks, &t.Consumed); err != nil {
			return state, fmt.Errorf("failed to scan migration ticket: %w", err)
		}
		t.LegacyID, t.DurationWeeks = uint64(id), uint64(weeks)
		if t.LpAmount, err = parseNumeric(raw); err != nil {
			return state, err
		}
		state.Tickets = append(state.Tickets, t)
	}
	return state, ticketRows.Err()
}

// numeric renders an Int for a NUMERIC column. Nil is stored as zero.
func numeric(i sdkmath.Int) string {
	if i.IsNil() {
		return "0"
	}
	return i.String()
}

func parseNumeric(raw string) (sdkmath.Int, error) {
	i, ok := sdkmath.NewIntFromString(raw)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("invalid integer %q in database", raw)
	}
	return i, nil
}

func parseDec(raw string) (sdkmath.LegacyDec, error) {
	d, err := utils.ParseDec(raw)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("invalid decimal %q in database: %w", raw, err)
	}
	return d, nil
}
