package registry

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededLegacy(t *testing.T) *LegacyRegistry {
	t.Helper()
	l := NewLegacy()
	require.NoError(t, l.Put(types.LegacyPosition{ID: 1, Owner: "alice", LpAmount: sdkmath.NewInt(40), DurationWeeks: 4}))
	require.NoError(t, l.Put(types.LegacyPosition{ID: 2, Owner: "bob", LpAmount: sdkmath.NewInt(60), DurationWeeks: 8}))
	return l
}

func ticket(owner string, id uint64, amount int64, weeks uint64) types.MigrationTicket {
	return types.MigrationTicket{Owner: owner, LegacyID: id, LpAmount: sdkmath.NewInt(amount), DurationWeeks: weeks}
}

func TestPutRejectsDuplicates(t *testing.T) {
	l := seededLegacy(t)
	assert.Error(t, l.Put(types.LegacyPosition{ID: 1, Owner: "x", LpAmount: sdkmath.NewInt(1)}))
}

func TestAuthorizeAndConsume(t *testing.T) {
	l := seededLegacy(t)
	assert.True(t, l.Reserved().Equal(sdkmath.NewInt(100)))

	require.NoError(t, l.Authorize(ticket("alice", 1, 40, 4)))
	require.NoError(t, l.Authorize(ticket("alice", 1, 35, 6)), "unconsumed tickets can be replaced")

	tk, err := l.Ticket("alice", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), tk.DurationWeeks)
	assert.True(t, tk.LpAmount.Equal(sdkmath.NewInt(35)))

	require.NoError(t, l.Consume("alice", 1))
	assert.True(t, l.Reserved().Equal(sdkmath.NewInt(60)))

	pos, _ := l.Get(1)
	assert.True(t, pos.Migrated)

	_, err = l.Ticket("alice", 1)
	assert.ErrorIs(t, err, types.ErrAlreadyMigrated)
	assert.ErrorIs(t, l.Consume("alice", 1), types.ErrAlreadyMigrated)
	assert.ErrorIs(t, l.Authorize(ticket("alice", 1, 1, 1)), types.ErrAlreadyMigrated)
}

func TestAuthorizeFailures(t *testing.T) {
	l := seededLegacy(t)

	assert.ErrorIs(t, l.Authorize(ticket("alice", 9, 1, 1)), types.ErrNotFound)
	assert.ErrorIs(t, l.Authorize(ticket("mallory", 1, 1, 1)), types.ErrNotMigrationEligible)
	assert.ErrorIs(t, l.Authorize(ticket("alice", 1, 0, 1)), types.ErrInvalidAmount)
	assert.ErrorIs(t, l.Authorize(ticket("alice", 1, 41, 1)), types.ErrInvalidAmount)
}

func TestTicketMissing(t *testing.T) {
	l := seededLegacy(t)
	_, err := l.Ticket("bob", 2)
	assert.ErrorIs(t, err, types.ErrNotMigrationEligible)
}

func TestConvertLegacy(t *testing.T) {
	l := seededLegacy(t)
	pos, _ := l.Get(2)

	conv, err := ConvertLegacy(pos, ticket("bob", 2, 60, 8))
	require.NoError(t, err)
	assert.Equal(t, "bob", conv.Owner)
	assert.Equal(t, uint64(2), conv.LegacyID)
	assert.Equal(t, uint64(8), conv.DurationWeeks)
	assert.True(t, conv.LpAmount.Equal(sdkmath.NewInt(60)))

	_, err = ConvertLegacy(pos, ticket("alice", 2, 60, 8))
	assert.ErrorIs(t, err, types.ErrNotMigrationEligible)

	pos.Migrated = true
	_, err = ConvertLegacy(pos, ticket("bob", 2, 60, 8))
	assert.ErrorIs(t, err, types.ErrAlreadyMigrated)

	_, err = ConvertLegacy(types.Bond{ID: 2, Owner: "bob"}, ticket("bob", 2, 60, 8))
	assert.ErrorIs(t, err, types.ErrNotMigrationEligible)
}

func TestCreateMigratedRecordsOrigin(t *testing.T) {
	r := New(blocksPerWeek)
	id, err := r.CreateMigrated(Conversion{Owner: "bob", LegacyID: 2, LpAmount: sdkmath.NewInt(60), DurationWeeks: 8}, 20)
	require.NoError(t, err)

	b, _ := r.Get(id)
	assert.Equal(t, uint64(2), b.MigratedFrom)
	assert.Equal(t, int64(21+8*blocksPerWeek), b.EndBlock)
}

func TestLegacySnapshotRestore(t *testing.T) {
	l := seededLegacy(t)
	require.NoError(t, l.Authorize(ticket("bob", 2, 60, 8)))
	snap := l.Snapshot()

	require.NoError(t, l.Consume("bob", 2))
	require.NoError(t, l.Restore(snap))

	pos, _ := l.Get(2)
	assert.False(t, pos.Migrated)
	_, err := l.Ticket("bob", 2)
	assert.NoError(t, err)
}
