package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/types"
)

func TestOperationCompletedLabelsByReason(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OperationCompleted("deposit", nil, 10*time.Millisecond)
	m.OperationCompleted("deposit", nil, 20*time.Millisecond)
	m.OperationCompleted("deposit", fmt.Errorf("wrapped: %w", types.ErrInvalidDuration), time.Millisecond)
	m.OperationCompleted("remove_liquidity", errors.New("rpc down"), time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("deposit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("deposit", "invalid_duration")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration, "lpbond_operation_duration_seconds")-1)
}

func TestInvariantViolated(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.InvariantViolated("remove_liquidity")
	m.InvariantViolated("remove_liquidity")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.InvariantFailures.WithLabelValues("remove_liquidity")))
}

func TestStateChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.StateChanged(bonding.Stats{
		Block:              42,
		OpenBonds:          3,
		HaltedBonds:        1,
		TotalPrincipal:     sdkmath.NewInt(1_000),
		TotalShares:        sdkmath.NewInt(1_200),
		AccRewardPerShare:  sdkmath.NewInt(7),
		RewardsOutstanding: sdkmath.NewInt(5),
		LegacyReserved:     sdkmath.ZeroInt(),
		PooledBalance:      sdkmath.NewInt(1_005),
		ShareValue:         sdkmath.Int{},
		MigrationEnabled:   true,
	})

	assert.Equal(t, 42.0, testutil.ToFloat64(m.Block))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OpenBonds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HaltedBonds))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.TotalPrincipal))
	assert.Equal(t, 1005.0, testutil.ToFloat64(m.PooledBalance))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ShareValue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationEnabled))
}

func TestAuditCompleted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AuditCompleted(bonding.InvariantReport{
		Shortfall: sdkmath.NewInt(50),
		Coverage:  sdkmath.LegacyMustNewDecFromStr("0.75"),
	}, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRuns.WithLabelValues("ok")))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.AuditCoverage))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.AuditShortfall))

	m.AuditCompleted(bonding.InvariantReport{
		Shortfall:  sdkmath.ZeroInt(),
		Violations: []bonding.Violation{{Check: "solvency"}},
	}, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRuns.WithLabelValues("violated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditViolations))

	m.AuditCompleted(bonding.InvariantReport{}, errors.New("balance read failed"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditRuns.WithLabelValues("error")))
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}

func TestIntToFloat(t *testing.T) {
	assert.Equal(t, 0.0, IntToFloat(sdkmath.Int{}))
	assert.Equal(t, 1e18, IntToFloat(sdkmath.NewInt(1_000_000_000_000_000_000)))
}
