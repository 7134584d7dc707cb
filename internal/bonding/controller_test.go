package bonding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	custodyAddr   = "elys1custody"
	treasuryAddr  = "elys1treasury"
	adminAddr     = "elys1admin"
	registrarAddr = "elys1registrar"
	alice         = "elys1alice"
	bob           = "elys1bob"
	carol         = "elys1carol"

	testBlocksPerWeek = 100
	startBlock        = 10
)

var errRPC = errors.New("rpc unavailable")

func e18(n int64) sdkmath.Int {
	return sdkmath.NewInt(n).Mul(sdkmath.NewInt(1_000_000_000_000_000_000))
}

func testParams() types.BondingParameters {
	return types.BondingParameters{
		BlocksPerWeek:         testBlocksPerWeek,
		MultiplierCoefficient: sdkmath.LegacyMustNewDecFromStr("0.001"),
		MinLockWeeks:          1,
		MaxLockWeeks:          208,
	}
}

type eventRecorder struct{ events []types.Event }

func (r *eventRecorder) Emit(evt types.Event) { r.events = append(r.events, evt) }

func (r *eventRecorder) ofType(typ string) []types.Event {
	var out []types.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type checkpointRecorder struct {
	saved []Checkpoint
	err   error
}

func (r *checkpointRecorder) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, cp)
	return nil
}

func (r *checkpointRecorder) last() Checkpoint { return r.saved[len(r.saved)-1] }

type observerRecorder struct {
	completed  map[string]int
	failed     map[string]int
	violations []string
	lastStats  Stats
}

func newObserverRecorder() *observerRecorder {
	return &observerRecorder{completed: map[string]int{}, failed: map[string]int{}}
}

func (o *observerRecorder) OperationCompleted(op string, err error, _ time.Duration) {
	if err != nil {
		o.failed[op]++
		return
	}
	o.completed[op]++
}

func (o *observerRecorder) InvariantViolated(op string) { o.violations = append(o.violations, op) }
func (o *observerRecorder) StateChanged(s Stats)        { o.lastStats = s }

type harness struct {
	t        *testing.T
	ctx      context.Context
	vault    *vault.MemoryVault
	ctrl     *Controller
	events   *eventRecorder
	cps      *checkpointRecorder
	observer *observerRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mv, err := vault.NewMemoryVault(vault.MemoryConfig{
		Custody:     custodyAddr,
		LpDenom:     "amm/pool/1",
		AssetDenoms: []string{"uusdc", "uelys"},
		StartBlock:  startBlock,
	})
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		vault:    mv,
		events:   &eventRecorder{},
		cps:      &checkpointRecorder{},
		observer: newObserverRecorder(),
	}
	h.ctrl, err = New(Config{
		CustodyAddress:  custodyAddr,
		TreasuryAddress: treasuryAddr,
		Admins:          []string{adminAddr},
		Migrators:       []string{registrarAddr},
		Params:          testParams(),
	}, mv, WithEmitter(h.events), WithCheckpointer(h.cps), WithObserver(h.observer))
	require.NoError(t, err)
	return h
}

// fund mints LP to owner and approves custody to pull it.
func (h *harness) fund(owner string, amount sdkmath.Int) {
	h.vault.MintLP(owner, amount)
	h.vault.Approve(owner, h.vault.Allowance(owner).Add(amount))
}

func (h *harness) deposit(owner string, amount sdkmath.Int, weeks uint64) types.BondID {
	h.t.Helper()
	h.fund(owner, amount)
	id, err := h.ctrl.Deposit(h.ctx, owner, amount, weeks)
	require.NoError(h.t, err)
	return id
}

// reward pushes LP into custody the way the distribution cycle does.
func (h *harness) reward(amount sdkmath.Int) {
	h.vault.MintLP(custodyAddr, amount)
}

// poke runs a no-op privileged call so the ledger syncs.
func (h *harness) poke() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.SetMigrationEnabled(h.ctx, adminAddr, h.ctrl.MigrationEnabled()))
}

func (h *harness) pending(id types.BondID) sdkmath.Int {
	h.t.Helper()
	p, err := h.ctrl.PendingReward(id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) lpBalance(addr string) sdkmath.Int {
	return h.vault.Balance(h.vault.LpDenom(), addr)
}

// assertSameStats compares by value; big.Int internals differ between equal numbers.
func assertSameStats(t *testing.T, want, got Stats) {
	t.Helper()
	assert.Equal(t, fmt.Sprintf("%+v", want), fmt.Sprintf("%+v", got))
}

func (h *harness) assertBooks() {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.AssertInvariants(h.ctx))
}

func TestNewValidatesConfig(t *testing.T) {
	mv, err := vault.NewMemoryVault(vault.MemoryConfig{Custody: custodyAddr, LpDenom: "lp", AssetDenoms: []string{"uusdc"}})
	require.NoError(t, err)

	base := Config{
		CustodyAddress:  custodyAddr,
		TreasuryAddress: treasuryAddr,
		Admins:          []string{adminAddr},
		Params:          testParams(),
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty custody", func(c *Config) { c.CustodyAddress = "" }},
		{"empty treasury", func(c *Config) { c.TreasuryAddress = "" }},
		{"treasury is custody", func(c *Config) { c.TreasuryAddress = custodyAddr }},
		{"no admins", func(c *Config) { c.Admins = nil }},
		{"zero blocks per week", func(c *Config) { c.Params.BlocksPerWeek = 0 }},
		{"inverted lock window", func(c *Config) { c.Params.MinLockWeeks = 300 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := New(cfg, mv)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err = New(base, nil)
	assert.ErrorIs(t, err, ErrNoCustody)
}

func TestFailedCallRollsBack(t *testing.T) {
	h := newHarness(t)
	id := h.deposit(alice, e18(100), 1)
	before := h.ctrl.Snapshot()
	eventsBefore := len(h.events.events)

	h.fund(bob, e18(50))
	h.vault.FailNext(vault.OpTransferLP, errRPC)
	_, err := h.ctrl.Deposit(h.ctx, bob, e18(50), 1)
	require.ErrorIs(t, err, errRPC)
	assert.Equal(t, "external_failure", types.Reason(err))

	after := h.ctrl.Snapshot()
	assert.Equal(t, before.Registry.NextID, after.Registry.NextID)
	assert.True(t, after.Ledger.TotalShares.Equal(before.Ledger.TotalShares))
	assert.Len(t, h.events.events, eventsBefore, "failed calls emit nothing")
	assert.Empty(t, h.ctrl.BondsOf(bob, startBlock))
	assert.Equal(t, 1, h.observer.failed["deposit"])

	_, err = h.ctrl.Bond(id, startBlock)
	require.NoError(t, err)
	h.assertBooks()
}

func TestBlockReadFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, e18(100), 1)
	before := h.ctrl.Stats()

	h.vault.FailNext(vault.OpCurrentBlock, errRPC)
	h.fund(bob, e18(10))
	_, err := h.ctrl.Deposit(h.ctx, bob, e18(10), 1)
	require.ErrorIs(t, err, errRPC)

	assertSameStats(t, before, h.ctrl.Stats())
}

func TestFatalErrorHaltsTouchedBond(t *testing.T) {
	h := newHarness(t)
	id := h.deposit(alice, e18(100), 1)
	h.vault.SetBlock(500)

	h.vault.FailNext(vault.OpTransferLP, errors.Join(types.ErrArithmeticInvariant, errors.New("injected")))
	_, err := h.ctrl.RemoveLiquidity(h.ctx, alice, id, e18(10))
	require.Error(t, err)
	assert.True(t, types.IsFatal(err))
	assert.Equal(t, []string{"remove_liquidity"}, h.observer.violations)
	assert.Contains(t, h.ctrl.Halted(), id)

	_, err = h.ctrl.RemoveLiquidity(h.ctx, alice, id, e18(10))
	assert.ErrorIs(t, err, types.ErrBondHalted)
	view, err := h.ctrl.Bond(id, 500)
	require.NoError(t, err)
	assert.True(t, view.Halted)
	assert.True(t, view.LpAmount.Equal(e18(100)), "halted call was rolled back")

	err = h.ctrl.ClearHalt(h.ctx, alice, id)
	assert.ErrorIs(t, err, types.ErrNotAuthorized)
	require.NoError(t, h.ctrl.ClearHalt(h.ctx, adminAddr, id))
	assert.Empty(t, h.ctrl.Halted())

	err = h.ctrl.ClearHalt(h.ctx, adminAddr, id)
	assert.ErrorIs(t, err, types.ErrNotHalted)
	assert.Equal(t, "not_halted", types.Reason(err))
	assert.ErrorIs(t, h.ctrl.ClearHalt(h.ctx, adminAddr, 99), types.ErrNotFound)

	_, err = h.ctrl.RemoveLiquidity(h.ctx, alice, id, e18(10))
	require.NoError(t, err)
	h.assertBooks()
}

func TestFatalDepositFailureHaltsNothing(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, e18(100), 1)

	h.fund(bob, e18(10))
	h.vault.FailNext(vault.OpTransferLP, errors.Join(types.ErrArithmeticInvariant, errors.New("injected")))
	_, err := h.ctrl.Deposit(h.ctx, bob, e18(10), 1)
	require.True(t, types.IsFatal(err))
	assert.Empty(t, h.ctrl.Halted(), "the bond the call created was rolled back")

	id := h.deposit(bob, e18(10), 1)
	view, err := h.ctrl.Bond(id, startBlock)
	require.NoError(t, err)
	assert.False(t, view.Halted)
	h.assertBooks()
}

func TestCheckpointAfterEachSuccess(t *testing.T) {
	h := newHarness(t)
	id := h.deposit(alice, e18(100), 1)
	require.Len(t, h.cps.saved, 1)

	cp := h.cps.last()
	assert.Equal(t, int64(startBlock), cp.Block)
	assert.Equal(t, uint64(1), cp.Seq)
	require.Len(t, cp.Registry.Bonds, 1)
	assert.Equal(t, id, cp.Registry.Bonds[0].ID)
	assert.True(t, cp.Ledger.Shares[id].Equal(cp.Ledger.TotalShares))

	_, err := h.ctrl.Deposit(h.ctx, bob, sdkmath.ZeroInt(), 1)
	require.Error(t, err)
	assert.Len(t, h.cps.saved, 1, "rejected calls do not checkpoint")
	assert.Equal(t, uint64(1), h.ctrl.Snapshot().Seq)

	h.deposit(bob, e18(10), 1)
	assert.Equal(t, uint64(2), h.cps.last().Seq)
	assert.Equal(t, uint64(2), h.ctrl.Snapshot().Seq)
}

func TestCheckpointFailureDoesNotFailCall(t *testing.T) {
	h := newHarness(t)
	h.cps.err = errors.New("db down")
	id := h.deposit(alice, e18(100), 1)
	_, err := h.ctrl.Bond(id, startBlock)
	assert.NoError(t, err)
}

func TestRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.deposit(alice, e18(100), 1)
	h.deposit(bob, e18(50), 4)
	h.reward(e18(3))
	h.poke()
	cp := h.cps.last()

	other := newHarness(t)
	require.NoError(t, other.ctrl.Restore(context.Background(), cp))

	assertSameStats(t, h.ctrl.Stats(), other.ctrl.Stats())
	pa, err := other.ctrl.PendingReward(a)
	require.NoError(t, err)
	assert.True(t, pa.Equal(h.pending(a)))
	assert.Equal(t, types.BondID(3), other.ctrl.Snapshot().Registry.NextID)
	assert.Equal(t, cp.Seq, other.ctrl.Snapshot().Seq)
}

func TestRestoreRejectsInconsistentCheckpoint(t *testing.T) {
	h := newHarness(t)
	id := h.deposit(alice, e18(100), 1)
	cp := h.cps.last()

	broken := cp
	broken.Ledger.Shares = map[types.BondID]sdkmath.Int{id: cp.Ledger.Shares[id].AddRaw(1)}
	other := newHarness(t)
	err := other.ctrl.Restore(context.Background(), broken)
	assert.ErrorIs(t, err, types.ErrArithmeticInvariant)
	assert.Equal(t, 0, other.ctrl.Stats().OpenBonds, "failed restore leaves the controller untouched")

	// An accumulator behind the live one is refused.
	h.reward(e18(1))
	h.poke()
	err = h.ctrl.Restore(context.Background(), cp)
	assert.ErrorIs(t, err, types.ErrArithmeticInvariant)
}

func TestUpdateParameters(t *testing.T) {
	h := newHarness(t)

	p := testParams()
	p.BlocksPerWeek = 10
	assert.ErrorIs(t, h.ctrl.UpdateParameters(h.ctx, alice, p), types.ErrNotAuthorized)

	bad := p
	bad.MaxLockWeeks = 0
	assert.Error(t, h.ctrl.UpdateParameters(h.ctx, adminAddr, bad))

	require.NoError(t, h.ctrl.UpdateParameters(h.ctx, adminAddr, p))
	assert.Equal(t, int64(10), h.ctrl.Params().BlocksPerWeek)

	id := h.deposit(alice, e18(1), 2)
	view, err := h.ctrl.Bond(id, startBlock)
	require.NoError(t, err)
	assert.Equal(t, int64(startBlock+1+20), view.EndBlock)
}

func TestTransferBond(t *testing.T) {
	h := newHarness(t)
	id := h.deposit(alice, e18(100), 1)

	assert.ErrorIs(t, h.ctrl.TransferBond(h.ctx, bob, id, carol), types.ErrNotOwner)
	require.NoError(t, h.ctrl.TransferBond(h.ctx, alice, id, bob))

	transferred := h.events.ofType(types.EventTypeBondTransferred)
	require.Len(t, transferred, 1)
	assert.Equal(t, alice, transferred[0].Attributes["from"])
	assert.Equal(t, bob, transferred[0].Attributes["to"])

	h.vault.SetBlock(500)
	_, err := h.ctrl.RemoveLiquidity(h.ctx, alice, id, e18(1))
	assert.ErrorIs(t, err, types.ErrNotOwner)
	w, err := h.ctrl.RemoveLiquidity(h.ctx, bob, id, e18(100))
	require.NoError(t, err)
	assert.True(t, w.Closed)
	assert.True(t, h.lpBalance(bob).Equal(e18(100)))
}

func TestEventsCarryBlockAndOperation(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, e18(100), 1)

	deposited := h.events.ofType(types.EventTypeDeposited)
	require.Len(t, deposited, 1)
	evt := deposited[0]
	assert.Equal(t, int64(startBlock), evt.Block)
	assert.NotEmpty(t, evt.OperationID)
	assert.Equal(t, alice, evt.Attributes["owner"])
	assert.Equal(t, "1", evt.Attributes["id"])
	assert.Equal(t, e18(100).String(), evt.Attributes["amount"])
	assert.Equal(t, "100100000000000000000", evt.Attributes["shares"])
	assert.Equal(t, "1", evt.Attributes["duration_weeks"])
	assert.Equal(t, "111", evt.Attributes["end_block"])
}

func TestObserverSeesStats(t *testing.T) {
	h := newHarness(t)
	h.deposit(alice, e18(100), 1)
	assert.Equal(t, 1, h.observer.completed["deposit"])
	assert.Equal(t, 1, h.observer.lastStats.OpenBonds)
	assert.True(t, h.observer.lastStats.TotalPrincipal.Equal(e18(100)))
	assert.Equal(t, int64(startBlock), h.observer.lastStats.Block)
}
