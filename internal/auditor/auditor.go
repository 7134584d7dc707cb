package auditor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/logger"
)

// Books is the read side of the bonding controller the auditor needs.
type Books interface {
	CheckInvariants(ctx context.Context) (bonding.InvariantReport, error)
	Stats() bonding.Stats
}

// Store persists audit reports. The Postgres store satisfies it. Checkpoints are written by the controller
// alone, under its lock.
type Store interface {
	SaveAuditReport(ctx context.Context, block int64, paramsID *int64, report bonding.InvariantReport) (int64, error)
	GetActiveBondingParametersID(ctx context.Context, configName string) (*int64, error)
}

// Metrics receives audit results and refreshed stats.
type Metrics interface {
	AuditCompleted(report bonding.InvariantReport, err error)
	StateChanged(stats bonding.Stats)
}

// Config holds the configuration for creating a new Auditor. Store and Metrics are optional.
type Config struct {
	Books      Books
	Store      Store
	Metrics    Metrics
	ConfigName string
}

// Auditor periodically checks the books without mutating them.
type Auditor struct {
	logger     zerolog.Logger
	books      Books
	store      Store
	metrics    Metrics
	configName string

	mu         sync.RWMutex
	cycleCount int
	last       *Result
}

// Result is the outcome of one audit cycle.
type Result struct {
	Cycle    int                     `json:"cycle"`
	CycleID  string                  `json:"cycle_id"`
	Block    int64                   `json:"block"`
	At       time.Time               `json:"at"`
	Report   bonding.InvariantReport `json:"report"`
	ReportID int64                   `json:"report_id,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// NewAuditor creates a new Auditor.
func NewAuditor(cfg Config) (*Auditor, error) {
	if cfg.Books == nil {
		return nil, errors.New("books cannot be nil")
	}
	if cfg.Store != nil && cfg.ConfigName == "" {
		return nil, errors.New("config name cannot be empty when a store is configured")
	}
	a := &Auditor{
		logger:     logger.GetForComponent("auditor"),
		books:      cfg.Books,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		configName: cfg.ConfigName,
	}
	a.logger.Info().
		Bool("persisting", a.store != nil).
		Bool("metrics", a.metrics != nil).
		Msg("Auditor created")
	return a, nil
}

// RunLoop audits immediately and then every interval until ctx is done.
func (a *Auditor) RunLoop(ctx context.Context, interval time.Duration) {
	a.logger.Info().Dur("interval", interval).Msg("Starting audit loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Audit loop stopped due to context cancellation")
			return
		case <-ticker.C:
			a.RunCycle(ctx)
		}
	}
}

// RunCycle performs one audit.
func (a *Auditor) RunCycle(ctx context.Context) Result {
	a.mu.Lock()
	a.cycleCount++
	cycle := a.cycleCount
	a.mu.Unlock()

	res := Result{Cycle: cycle, CycleID: uuid.New().String(), At: time.Now()}
	log := a.logger.With().Int("cycle", cycle).Str("cycle_id", res.CycleID).Logger()

	report, err := a.books.CheckInvariants(ctx)
	stats := a.books.Stats()
	res.Block = stats.Block
	if a.metrics != nil {
		a.metrics.AuditCompleted(report, err)
		a.metrics.StateChanged(stats)
	}
	if err != nil {
		log.Error().Err(err).Msg("Audit could not read the books")
		res.Error = err.Error()
		a.setLast(res)
		return res
	}
	res.Report = report

	event := log.Info()
	if !report.OK() {
		event = log.Error().Bool("fatal", true)
	}
	event.
		Int64("block", res.Block).
		Str("balance", report.Balance.String()).
		Str("owed", report.Owed.String()).
		Str("coverage", report.Coverage.String()).
		Int("violations", len(report.Violations)).
		Int("bondsAudited", report.BondsAudited).
		Msg("Audit completed")

	if a.store != nil {
		if id, err := a.persist(ctx, res.Block, report); err != nil {
			log.Error().Err(err).Msg("Failed to persist audit")
			res.Error = err.Error()
		} else {
			res.ReportID = id
		}
	}

	a.setLast(res)
	return res
}

func (a *Auditor) persist(ctx context.Context, block int64, report bonding.InvariantReport) (int64, error) {
	paramsID, err := a.store.GetActiveBondingParametersID(ctx, a.configName)
	if err != nil {
		return 0, err
	}
	return a.store.SaveAuditReport(ctx, block, paramsID, report)
}

func (a *Auditor) setLast(res Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = &res
}

// Last returns the most recent result, false before the first cycle.
func (a *Auditor) Last() (Result, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return Result{}, false
	}
	return *a.last, true
}
