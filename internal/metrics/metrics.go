package metrics

import (
	"math/big"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/types"
)

const namespace = "lpbond"

// Metrics implements bonding.Observer and carries the auditor's gauges.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	InvariantFailures *prometheus.CounterVec

	OpenBonds          prometheus.Gauge
	HaltedBonds        prometheus.Gauge
	Block              prometheus.Gauge
	TotalPrincipal     prometheus.Gauge
	TotalShares        prometheus.Gauge
	AccRewardPerShare  prometheus.Gauge
	RewardsOutstanding prometheus.Gauge
	LegacyReserved     prometheus.Gauge
	PooledBalance      prometheus.Gauge
	ShareValue         prometheus.Gauge
	MigrationEnabled   prometheus.Gauge

	AuditRuns       *prometheus.CounterVec
	AuditCoverage   prometheus.Gauge
	AuditShortfall  prometheus.Gauge
	AuditViolations prometheus.Gauge
}

var _ bonding.Observer = (*Metrics)(nil)

// New registers every bonding metric on reg. Pass prometheus.DefaultRegisterer in the service.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Controller calls by operation and outcome reason",
		}, []string{"operation", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of controller calls including custody round trips",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"operation"}),
		InvariantFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Fatal arithmetic invariant violations; every increment halted at least one bond",
		}, []string{"operation"}),

		OpenBonds:          gauge("open_bonds", "Bonds that are not closed"),
		HaltedBonds:        gauge("halted_bonds", "Bonds refusing mutation after an invariant violation"),
		Block:              gauge("last_block", "Block of the last successful operation"),
		TotalPrincipal:     gauge("total_principal", "LP owed to bond holders, base units"),
		TotalShares:        gauge("total_shares", "Outstanding shares"),
		AccRewardPerShare:  gauge("acc_reward_per_share", "Reward accumulator scaled by 1e12"),
		RewardsOutstanding: gauge("rewards_outstanding", "Recognized reward LP not yet paid, base units"),
		LegacyReserved:     gauge("legacy_reserved", "LP held for unmigrated legacy positions, base units"),
		PooledBalance:      gauge("pooled_balance", "Cached custody LP balance, base units"),
		ShareValue:         gauge("share_value", "LP value of one share scaled by 1e18"),
		MigrationEnabled:   gauge("migration_enabled", "1 when legacy migration is open"),

		AuditRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_runs_total",
			Help:      "Invariant audits by result",
		}, []string{"result"}),
		AuditCoverage:   gauge("audit_coverage_ratio", "Custody LP available for principal over principal owed"),
		AuditShortfall:  gauge("audit_shortfall", "Principal not covered by custody after price resets, base units"),
		AuditViolations: gauge("audit_violations", "Violations found by the last audit"),
	}
}

// OperationCompleted counts the call under its error reason, "ok" on success.
func (m *Metrics) OperationCompleted(op string, err error, elapsed time.Duration) {
	m.Operations.WithLabelValues(op, types.Reason(err)).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) InvariantViolated(op string) {
	m.InvariantFailures.WithLabelValues(op).Inc()
}

// StateChanged mirrors controller stats into gauges.
func (m *Metrics) StateChanged(s bonding.Stats) {
	m.OpenBonds.Set(float64(s.OpenBonds))
	m.HaltedBonds.Set(float64(s.HaltedBonds))
	m.Block.Set(float64(s.Block))
	m.TotalPrincipal.Set(IntToFloat(s.TotalPrincipal))
	m.TotalShares.Set(IntToFloat(s.TotalShares))
	m.AccRewardPerShare.Set(IntToFloat(s.AccRewardPerShare))
	m.RewardsOutstanding.Set(IntToFloat(s.RewardsOutstanding))
	m.LegacyReserved.Set(IntToFloat(s.LegacyReserved))
	m.PooledBalance.Set(IntToFloat(s.PooledBalance))
	m.ShareValue.Set(IntToFloat(s.ShareValue))
	if s.MigrationEnabled {
		m.MigrationEnabled.Set(1)
	} else {
		m.MigrationEnabled.Set(0)
	}
}

// AuditCompleted records one auditor pass. A failed read counts as "error".
func (m *Metrics) AuditCompleted(report bonding.InvariantReport, err error) {
	switch {
	case err != nil:
		m.AuditRuns.WithLabelValues("error").Inc()
		return
	case report.OK():
		m.AuditRuns.WithLabelValues("ok").Inc()
	default:
		m.AuditRuns.WithLabelValues("violated").Inc()
	}
	m.AuditViolations.Set(float64(len(report.Violations)))
	m.AuditShortfall.Set(IntToFloat(report.Shortfall))
	if !report.Coverage.IsNil() {
		if f, err := report.Coverage.Float64(); err == nil {
			m.AuditCoverage.Set(f)
		}
	}
}

// IntToFloat is lossy above 2^53 and only meant for gauges.
func IntToFloat(i sdkmath.Int) float64 {
	if i.IsNil() {
		return 0
	}
	f, _ := new(big.Float).SetInt(i.BigInt()).Float64()
	return f
}
