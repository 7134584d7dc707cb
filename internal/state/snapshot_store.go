package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/elys-network/lpbond/internal/bonding"
)

// AuditReport is a persisted invariant audit.
type AuditReport struct {
	ReportID  int64                   `json:"report_id"`
	Block     int64                   `json:"block"`
	AuditedAt time.Time               `json:"audited_at"`
	ParamsID  *int64                  `json:"params_id,omitempty"`
	Report    bonding.InvariantReport `json:"report"`
}

// SaveAuditReport stores one audit result and returns its report_id.
func (s *Store) SaveAuditReport(ctx context.Context, block int64, paramsID *int64, report bonding.InvariantReport) (int64, error) {
	violationsJSON, err := json.Marshal(report.Violations)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal violations: %w", err)
	}

	checks := make([]string, 0, len(report.Violations))
	for _, v := range report.Violations {
		checks = append(checks, v.Check)
	}

	coverage := "0"
	if !report.Coverage.IsNil() {
		coverage = report.Coverage.String()
	}

	var reportID int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit_reports (
			block, params_id, ok,
			balance, owed, claimable, pending_total, shortfall, coverage,
			bonds_audited, holders_seen, halted_present,
			violated_checks, violations
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING report_id;`,
		block, paramsID, report.OK(),
		numeric(report.Balance), numeric(report.Owed), numeric(report.Claimable),
		numeric(report.PendingTotal), numeric(report.Shortfall), coverage,
		report.BondsAudited, report.HoldersSeen, report.HaltedPresent,
		pq.Array(checks), violationsJSON,
	).Scan(&reportID)
	if err != nil {
		return 0, fmt.Errorf("failed to save audit report: %w", err)
	}

	log.Info().
		Int64("report_id", reportID).
		Int64("block", block).
		Bool("ok", report.OK()).
		Str("coverage", coverage).
		Msg("Audit report saved to database")
	return reportID, nil
}
