package auditor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elys-network/lpbond/internal/bonding"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/vault"
)

// fakeStore doubles as the controller's checkpointer so tests see every checkpoint write.
type fakeStore struct {
	mu          sync.Mutex
	reports     []bonding.InvariantReport
	blocks      []int64
	checkpoints int
	stored      bonding.Checkpoint
	paramsID    *int64
	saveErr     error
}

func (s *fakeStore) SaveAuditReport(_ context.Context, block int64, paramsID *int64, r bonding.InvariantReport) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	s.reports = append(s.reports, r)
	s.blocks = append(s.blocks, block)
	return int64(len(s.reports)), nil
}

func (s *fakeStore) GetActiveBondingParametersID(context.Context, string) (*int64, error) {
	return s.paramsID, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, cp bonding.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints++
	s.stored = cp
	return nil
}

type fakeMetrics struct {
	mu     sync.Mutex
	audits int
	errs   int
	stats  bonding.Stats
}

func (m *fakeMetrics) AuditCompleted(_ bonding.InvariantReport, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits++
	if err != nil {
		m.errs++
	}
}

func (m *fakeMetrics) StateChanged(s bonding.Stats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = s
}

func newBooks(t *testing.T, opts ...bonding.Option) (*bonding.Controller, *vault.MemoryVault) {
	t.Helper()
	mv, err := vault.NewMemoryVault(vault.MemoryConfig{
		Custody:     "elys1custody",
		LpDenom:     "amm/pool/1",
		AssetDenoms: []string{"uusdc"},
		StartBlock:  10,
	})
	require.NoError(t, err)
	ctrl, err := bonding.New(bonding.Config{
		CustodyAddress:  "elys1custody",
		TreasuryAddress: "elys1treasury",
		Admins:          []string{"elys1admin"},
		Params: types.BondingParameters{
			BlocksPerWeek:         100,
			MultiplierCoefficient: sdkmath.LegacyMustNewDecFromStr("0.001"),
			MinLockWeeks:          1,
			MaxLockWeeks:          208,
		},
	}, mv, opts...)
	require.NoError(t, err)

	mv.MintLP("elys1alice", sdkmath.NewInt(1_000))
	mv.Approve("elys1alice", sdkmath.NewInt(1_000))
	_, err = ctrl.Deposit(context.Background(), "elys1alice", sdkmath.NewInt(1_000), 2)
	require.NoError(t, err)
	return ctrl, mv
}

func TestNewAuditorValidates(t *testing.T) {
	_, err := NewAuditor(Config{})
	assert.Error(t, err)

	ctrl, _ := newBooks(t)
	_, err = NewAuditor(Config{Books: ctrl, Store: &fakeStore{}})
	assert.Error(t, err, "a store needs a config name")

	a, err := NewAuditor(Config{Books: ctrl})
	require.NoError(t, err)
	_, ok := a.Last()
	assert.False(t, ok)
}

func TestRunCyclePersistsCleanAudit(t *testing.T) {
	ctrl, _ := newBooks(t)
	paramsID := int64(4)
	store := &fakeStore{paramsID: &paramsID}
	m := &fakeMetrics{}
	a, err := NewAuditor(Config{Books: ctrl, Store: store, Metrics: m, ConfigName: "default"})
	require.NoError(t, err)

	res := a.RunCycle(context.Background())
	assert.Empty(t, res.Error)
	assert.True(t, res.Report.OK())
	assert.Equal(t, 1, res.Cycle)
	assert.Equal(t, int64(1), res.ReportID)
	assert.Equal(t, int64(10), res.Block)
	assert.NotEmpty(t, res.CycleID)

	require.Len(t, store.reports, 1)
	assert.True(t, store.reports[0].Owed.Equal(sdkmath.NewInt(1_000)))
	assert.Zero(t, store.checkpoints, "audits never write checkpoints")
	assert.Equal(t, 1, m.audits)
	assert.Equal(t, 1, m.stats.OpenBonds)

	last, ok := a.Last()
	require.True(t, ok)
	assert.Equal(t, res.CycleID, last.CycleID)
}

type violatedBooks struct{}

func (violatedBooks) CheckInvariants(context.Context) (bonding.InvariantReport, error) {
	id := types.BondID(3)
	return bonding.InvariantReport{
		Balance:      sdkmath.NewInt(10),
		Owed:         sdkmath.NewInt(10),
		Claimable:    sdkmath.NewInt(10),
		PendingTotal: sdkmath.ZeroInt(),
		Shortfall:    sdkmath.ZeroInt(),
		Coverage:     sdkmath.LegacyOneDec(),
		Violations:   []bonding.Violation{{Check: "orphan_shares", BondID: &id}},
	}, nil
}

func (violatedBooks) Stats() bonding.Stats { return bonding.Stats{Block: 77} }

func TestRunCyclePersistsViolation(t *testing.T) {
	store := &fakeStore{}
	a, err := NewAuditor(Config{Books: violatedBooks{}, Store: store, ConfigName: "default"})
	require.NoError(t, err)

	res := a.RunCycle(context.Background())
	assert.False(t, res.Report.OK())
	assert.Equal(t, int64(77), res.Block)
	require.Len(t, store.reports, 1)
	assert.Equal(t, []int64{77}, store.blocks)
}

func TestAuditsBetweenCallsKeepNewestCheckpoint(t *testing.T) {
	store := &fakeStore{}
	ctrl, mv := newBooks(t, bonding.WithCheckpointer(store))
	a, err := NewAuditor(Config{Books: ctrl, Store: store, ConfigName: "default"})
	require.NoError(t, err)
	ctx := context.Background()

	require.Equal(t, 1, store.checkpoints)
	a.RunCycle(ctx)

	mv.MintLP("elys1bob", sdkmath.NewInt(500))
	mv.Approve("elys1bob", sdkmath.NewInt(500))
	_, err = ctrl.Deposit(ctx, "elys1bob", sdkmath.NewInt(500), 1)
	require.NoError(t, err)
	a.RunCycle(ctx)

	assert.Equal(t, 2, store.checkpoints, "only the controller checkpoints")
	assert.Len(t, store.stored.Registry.Bonds, 2)
	assert.Equal(t, ctrl.Snapshot().Seq, store.stored.Seq)
	assert.Len(t, store.reports, 2)
}

func TestRunCycleReportsMissingLPAsShortfall(t *testing.T) {
	ctrl, mv := newBooks(t)
	a, err := NewAuditor(Config{Books: ctrl})
	require.NoError(t, err)

	require.NoError(t, mv.TransferLP(context.Background(), "elys1custody", "elys1elsewhere", sdkmath.NewInt(600)))

	res := a.RunCycle(context.Background())
	assert.True(t, res.Report.OK())
	assert.True(t, res.Report.Shortfall.Equal(sdkmath.NewInt(600)))
	assert.Equal(t, "0.400000000000000000", res.Report.Coverage.String())
}

func TestRunCycleReportsStoreFailure(t *testing.T) {
	ctrl, _ := newBooks(t)
	store := &fakeStore{saveErr: errors.New("db down")}
	a, err := NewAuditor(Config{Books: ctrl, Store: store, ConfigName: "default"})
	require.NoError(t, err)

	res := a.RunCycle(context.Background())
	assert.Equal(t, "db down", res.Error)
	assert.True(t, res.Report.OK(), "the audit itself still ran")
}

func TestRunCycleReadFailure(t *testing.T) {
	ctrl, mv := newBooks(t)
	m := &fakeMetrics{}
	a, err := NewAuditor(Config{Books: ctrl, Metrics: m})
	require.NoError(t, err)

	mv.FailNext(vault.OpBalanceOf, errors.New("rpc unavailable"))
	res := a.RunCycle(context.Background())
	assert.Contains(t, res.Error, "rpc unavailable")
	assert.Equal(t, 1, m.errs)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	ctrl, _ := newBooks(t)
	m := &fakeMetrics{}
	a, err := NewAuditor(Config{Books: ctrl, Metrics: m})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.RunLoop(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.audits >= 3
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
