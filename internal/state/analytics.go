package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sdkmath "cosmossdk.io/math"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// StoredEvent is a bond_events row.
type StoredEvent struct {
	EventID int64 `json:"event_id"`
	types.Event
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Type   string
	BondID *types.BondID
	Limit  int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

// ListEvents returns the newest events first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]StoredEvent, error) {
	var bondFilter sql.NullString
	if f.BondID != nil {
		bondFilter = sql.NullString{String: fmt.Sprintf("%d", *f.BondID), Valid: true}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, block, operation_id, attributes
		FROM bond_events
		WHERE ($1::text = '' OR event_type = $1)
		  AND ($2::text IS NULL OR attributes->>'id' = $2)
		ORDER BY event_id DESC
		LIMIT $3;`,
		f.Type, bondFilter, clampLimit(f.Limit),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to query events")
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			evt   StoredEvent
			attrs []byte
		)
		if err := rows.Scan(&evt.EventID, &evt.Type, &evt.Block, &evt.OperationID, &attrs); err != nil {
			log.Error().Err(err).Msg("Failed to scan event row")
			continue // Skip this row and continue with others
		}
		if err := json.Unmarshal(attrs, &evt.Attributes); err != nil {
			log.Error().Err(err).Int64("event_id", evt.EventID).Msg("Failed to unmarshal event attributes")
			continue
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}

// RecentAuditReports returns the newest audits first.
func (s *Store) RecentAuditReports(ctx context.Context, limit int) ([]AuditReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, block, audited_at, params_id,
			balance, owed, claimable, pending_total, shortfall, coverage,
			bonds_audited, holders_seen, halted_present, violated_checks, violations
		FROM audit_reports
		ORDER BY audited_at DESC, report_id DESC
		LIMIT $1;`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query audit reports: %w", err)
	}
	defer rows.Close()

	var reports []AuditReport
	for rows.Next() {
		var (
			a                                                   AuditReport
			paramsID                                            sql.NullInt64
			balance, owed, claimable, pending, shortfall, cover string
			checks                                              []string
			violations                                          []byte
		)
		if err := rows.Scan(&a.ReportID, &a.Block, &a.AuditedAt, &paramsID,
			&balance, &owed, &claimable, &pending, &shortfall, &cover,
			&a.Report.BondsAudited, &a.Report.HoldersSeen, &a.Report.HaltedPresent,
			pq.Array(&checks), &violations,
		); err != nil {
			log.Error().Err(err).Msg("Failed to scan audit report row")
			continue
		}
		if paramsID.Valid {
			a.ParamsID = &paramsID.Int64
		}
		if err := decodeReport(&a.Report, balance, owed, claimable, pending, shortfall, cover, violations); err != nil {
			log.Error().Err(err).Int64("report_id", a.ReportID).Msg("Failed to decode audit report")
			continue
		}
		reports = append(reports, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return reports, nil
}

func decodeReport(r *bonding.InvariantReport, balance, owed, claimable, pending, shortfall, coverage string, violations []byte) error {
	var err error
	for _, f := range []struct {
		raw string
		dst *sdkmath.Int
	}{
		{balance, &r.Balance},
		{owed, &r.Owed},
		{claimable, &r.Claimable},
		{pending, &r.PendingTotal},
		{shortfall, &r.Shortfall},
	} {
		if *f.dst, err = parseNumeric(f.raw); err != nil {
			return err
		}
	}
	if r.Coverage, err = parseDec(coverage); err != nil {
		return err
	}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &r.Violations); err != nil {
			return fmt.Errorf("failed to unmarshal violations: %w", err)
		}
	}
	return nil
}

// Summary is the persisted-side overview shown next to live controller stats.
type Summary struct {
	CheckpointBlock int64 `json:"checkpoint_block"`
	StoredBonds     int   `json:"stored_bonds"`
	OpenBonds       int   `json:"open_bonds"`
	HaltedBonds     int   `json:"halted_bonds"`
	Owners          int   `json:"owners"`
	Events          int64 `json:"events"`
	FailedAudits    int   `json:"failed_audits"`
	LastAuditOK     *bool `json:"last_audit_ok,omitempty"`
}

// GetSummary aggregates the stored tables.
func (s *Store) GetSummary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT block FROM ledger_globals WHERE id = 1), 0),
			(SELECT COUNT(*) FROM bonds),
			(SELECT COUNT(*) FROM bonds WHERE NOT closed),
			(SELECT COUNT(*) FROM bonds WHERE halted_reason IS NOT NULL),
			(SELECT COUNT(DISTINCT owner) FROM bonds WHERE NOT closed),
			(SELECT COUNT(*) FROM bond_events),
			(SELECT COUNT(*) FROM audit_reports WHERE NOT ok);`,
	).Scan(&sum.CheckpointBlock, &sum.StoredBonds, &sum.OpenBonds, &sum.HaltedBonds, &sum.Owners, &sum.Events, &sum.FailedAudits)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to query summary: %w", err)
	}

	var ok bool
	err = s.db.QueryRowContext(ctx, `SELECT ok FROM audit_reports ORDER BY report_id DESC LIMIT 1;`).Scan(&ok)
	switch {
	case err == nil:
		sum.LastAuditOK = &ok
	case err != sql.ErrNoRows:
		return Summary{}, fmt.Errorf("failed to query last audit: %w", err)
	}
	return sum, nil
}
