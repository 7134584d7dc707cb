package registry

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blocksPerWeek = 100

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	r := New(blocksPerWeek)

	id1, err := r.Create("alice", sdkmath.NewInt(100), 2, 10)
	require.NoError(t, err)
	id2, err := r.Create("bob", sdkmath.NewInt(50), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, BondID(1), id1)
	assert.Equal(t, BondID(2), id2)
	assert.Equal(t, BondID(3), r.NextID())

	b, err := r.Get(id1)
	require.NoError(t, err)
	assert.Equal(t, "alice", b.Owner)
	assert.Equal(t, "alice", b.Minter)
	assert.Equal(t, int64(11), b.CreationBlock)
	assert.Equal(t, int64(11+2*blocksPerWeek), b.EndBlock)
	assert.True(t, b.LpFirstDeposited.Equal(sdkmath.NewInt(100)))
	assert.True(t, b.RewardDebt.IsZero())
	assert.True(t, r.TotalPrincipal().Equal(sdkmath.NewInt(150)))
}

func TestCreateRejectsZeroAmount(t *testing.T) {
	r := New(blocksPerWeek)
	_, err := r.Create("alice", sdkmath.ZeroInt(), 1, 0)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)
	assert.Equal(t, 0, r.Count())
}

func TestGetUnknown(t *testing.T) {
	r := New(blocksPerWeek)
	_, err := r.Get(42)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUpdateBondTracksTotals(t *testing.T) {
	r := New(blocksPerWeek)
	id, err := r.Create("alice", sdkmath.NewInt(100), 1, 0)
	require.NoError(t, err)

	require.NoError(t, r.UpdateBond(id, sdkmath.NewInt(25), sdkmath.NewInt(7)))
	b, _ := r.Get(id)
	assert.True(t, b.LpAmount.Equal(sdkmath.NewInt(125)))
	assert.True(t, b.RewardDebt.Equal(sdkmath.NewInt(7)))
	assert.False(t, b.PartiallyWithdrawn)

	require.NoError(t, r.UpdateBond(id, sdkmath.NewInt(-25), sdkmath.ZeroInt()))
	b, _ = r.Get(id)
	assert.True(t, b.LpFirstDeposited.Equal(sdkmath.NewInt(100)), "first deposit is frozen")
	assert.True(t, b.PartiallyWithdrawn)
	assert.True(t, r.TotalPrincipal().Equal(sdkmath.NewInt(100)))

	err = r.UpdateBond(id, sdkmath.NewInt(-101), sdkmath.ZeroInt())
	assert.ErrorIs(t, err, types.ErrInvalidAmount)
	assert.True(t, r.TotalPrincipal().Equal(sdkmath.NewInt(100)), "failed update leaves totals alone")
}

func TestExtendLockIsForwardOnly(t *testing.T) {
	r := New(blocksPerWeek)
	id, _ := r.Create("alice", sdkmath.NewInt(1), 1, 0)

	require.NoError(t, r.ExtendLock(id, 500))
	err := r.ExtendLock(id, 499)
	assert.ErrorIs(t, err, types.ErrArithmeticInvariant)

	b, _ := r.Get(id)
	assert.Equal(t, int64(500), b.EndBlock)
}

func TestTransferMovesOwnershipOnly(t *testing.T) {
	r := New(blocksPerWeek)
	id, _ := r.Create("alice", sdkmath.NewInt(10), 3, 5)
	before, _ := r.Get(id)

	assert.ErrorIs(t, r.Transfer(id, "bob", "carol"), types.ErrNotOwner)
	assert.ErrorIs(t, r.Transfer(id, "alice", ""), ErrInvalidRecipient)

	require.NoError(t, r.Transfer(id, "alice", "bob"))
	after, _ := r.Get(id)
	assert.Equal(t, "bob", after.Owner)
	assert.Equal(t, "alice", after.Minter)
	after.Owner = before.Owner
	assert.Equal(t, before, after)

	assert.Empty(t, r.BondsOf("alice"))
	assert.Len(t, r.BondsOf("bob"), 1)
}

func TestCloseRequiresEmptyBond(t *testing.T) {
	r := New(blocksPerWeek)
	id, _ := r.Create("alice", sdkmath.NewInt(10), 1, 0)

	assert.ErrorIs(t, r.Close(id), types.ErrInvalidAmount)

	require.NoError(t, r.UpdateBond(id, sdkmath.NewInt(-10), sdkmath.ZeroInt()))
	require.NoError(t, r.Close(id))

	b, err := r.Get(id)
	require.NoError(t, err, "closed bonds stay readable")
	assert.True(t, b.Closed)
	assert.Empty(t, b.Owner)

	assert.ErrorIs(t, r.UpdateBond(id, sdkmath.NewInt(1), sdkmath.ZeroInt()), types.ErrBondClosed)
	assert.ErrorIs(t, r.Transfer(id, "alice", "bob"), types.ErrBondClosed)
	assert.Empty(t, r.BondsOf("alice"))
}

func TestGetReturnsCopy(t *testing.T) {
	r := New(blocksPerWeek)
	id, _ := r.Create("alice", sdkmath.NewInt(10), 1, 0)

	b, _ := r.Get(id)
	b.Owner = "mallory"
	b.LpAmount = sdkmath.NewInt(999)

	fresh, _ := r.Get(id)
	assert.Equal(t, "alice", fresh.Owner)
	assert.True(t, fresh.LpAmount.Equal(sdkmath.NewInt(10)))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	r := New(blocksPerWeek)
	id1, _ := r.Create("alice", sdkmath.NewInt(10), 1, 0)
	_, _ = r.Create("bob", sdkmath.NewInt(20), 2, 0)
	require.NoError(t, r.UpdateBond(id1, sdkmath.NewInt(-10), sdkmath.ZeroInt()))
	require.NoError(t, r.Close(id1))

	snap := r.Snapshot()
	_, _ = r.Create("carol", sdkmath.NewInt(5), 1, 0)

	require.NoError(t, r.Restore(snap))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, BondID(3), r.NextID())
	assert.True(t, r.TotalPrincipal().Equal(sdkmath.NewInt(20)))
}

func TestRestoreRejectsCorruptState(t *testing.T) {
	r := New(blocksPerWeek)
	err := r.Restore(State{Bonds: []types.Bond{
		{ID: 1, LpAmount: sdkmath.NewInt(1)},
		{ID: 1, LpAmount: sdkmath.NewInt(2)},
	}})
	assert.ErrorIs(t, err, types.ErrArithmeticInvariant)

	err = r.Restore(State{Bonds: []types.Bond{{ID: 3, LpAmount: sdkmath.NewInt(1), Closed: true}}})
	assert.ErrorIs(t, err, types.ErrArithmeticInvariant)
}

func TestRestoreBumpsNextID(t *testing.T) {
	r := New(blocksPerWeek)
	require.NoError(t, r.Restore(State{NextID: 1, Bonds: []types.Bond{{ID: 7, Owner: "a", LpAmount: sdkmath.NewInt(1)}}}))
	assert.Equal(t, BondID(8), r.NextID())
}
