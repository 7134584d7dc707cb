/*

This file contains the bond registry: the authoritative record of every locked position.

The registry owns ids, ownership, principal and the lock window. It keeps a running total of principal
across live bonds so the controller never has to iterate to answer "how much LP do we owe".
Shares are not stored here; they live in the share ledger keyed by the same id.

*/

package registry

import (
	"errors"
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

var ErrInvalidRecipient = errors.New("registry: invalid recipient")

// State is the exported form of the registry used for checkpoints and rollback.
type State struct {
	NextID BondID
	Bonds  []types.Bond
}

// BondID is re-exported for callers that only deal with the registry.
type BondID = types.BondID

// Registry holds bonds keyed by id. It is not safe for concurrent use; the controller serializes access.
type Registry struct {
	blocksPerWeek  int64
	nextID         BondID
	bonds          map[BondID]*types.Bond
	totalPrincipal sdkmath.Int
}

// New creates an empty registry. Ids start at 1.
func New(blocksPerWeek int64) *Registry {
	return &Registry{
		blocksPerWeek:  blocksPerWeek,
		nextID:         1,
		bonds:          make(map[BondID]*types.Bond),
		totalPrincipal: sdkmath.ZeroInt(),
	}
}

// SetBlocksPerWeek changes the lock window length used for bonds created or extended from now on.
func (r *Registry) SetBlocksPerWeek(blocksPerWeek int64) {
	r.blocksPerWeek = blocksPerWeek
}

// LockEnd returns the end block of a lock of weeks starting at startBlock.
func (r *Registry) LockEnd(startBlock int64, weeks uint64) int64 {
	return startBlock + int64(weeks)*r.blocksPerWeek
}

// Create allocates the next id. The bond starts one block after currentBlock, the block the
// creating call is mined in.
func (r *Registry) Create(owner string, lpAmount sdkmath.Int, weeks uint64, currentBlock int64) (BondID, error) {
	if owner == "" {
		return 0, fmt.Errorf("%w: empty owner", ErrInvalidRecipient)
	}
	if lpAmount.IsNil() || !lpAmount.IsPositive() {
		return 0, fmt.Errorf("%w: lp amount must be positive", types.ErrInvalidAmount)
	}

	id := r.nextID
	creation := currentBlock + 1
	r.bonds[id] = &types.Bond{
		ID:               id,
		Owner:            owner,
		Minter:           owner,
		LpAmount:         lpAmount,
		LpFirstDeposited: lpAmount,
		CreationBlock:    creation,
		EndBlock:         r.LockEnd(creation, weeks),
		RewardDebt:       sdkmath.ZeroInt(),
	}
	r.nextID++
	r.totalPrincipal = r.totalPrincipal.Add(lpAmount)
	return id, nil
}

// CreateMigrated creates a bond from a legacy conversion and records where it came from.
func (r *Registry) CreateMigrated(conv Conversion, currentBlock int64) (BondID, error) {
	id, err := r.Create(conv.Owner, conv.LpAmount, conv.DurationWeeks, currentBlock)
	if err != nil {
		return 0, err
	}
	r.bonds[id].MigratedFrom = conv.LegacyID
	return id, nil
}

// Get returns a copy of the bond. Closed bonds are still returned as historical records.
func (r *Registry) Get(id BondID) (types.Bond, error) {
	b, ok := r.bonds[id]
	if !ok {
		return types.Bond{}, fmt.Errorf("%w: id %d", types.ErrNotFound, id)
	}
	return b.Clone(), nil
}

// live returns the mutable record for an open bond.
func (r *Registry) live(id BondID) (*types.Bond, error) {
	b, ok := r.bonds[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", types.ErrNotFound, id)
	}
	if b.Closed {
		return nil, fmt.Errorf("%w: id %d", types.ErrBondClosed, id)
	}
	return b, nil
}

// UpdateBond applies a signed principal delta and stores the new reward debt.
// A negative delta marks the bond as partially withdrawn.
func (r *Registry) UpdateBond(id BondID, deltaLp sdkmath.Int, newRewardDebt sdkmath.Int) error {
	b, err := r.live(id)
	if err != nil {
		return err
	}
	if newRewardDebt.IsNil() || newRewardDebt.IsNegative() {
		return fmt.Errorf("%w: negative reward debt for bond %d", types.ErrArithmeticInvariant, id)
	}
	deltaLp = utils.OrZero(deltaLp)
	next := b.LpAmount.Add(deltaLp)
	if next.IsNegative() {
		return fmt.Errorf("%w: bond %d holds %s, delta %s", types.ErrInvalidAmount, id, b.LpAmount, deltaLp)
	}
	total := r.totalPrincipal.Add(deltaLp)
	if total.IsNegative() {
		return fmt.Errorf("%w: total principal would become %s", types.ErrArithmeticInvariant, total)
	}

	b.LpAmount = next
	b.RewardDebt = newRewardDebt
	if deltaLp.IsNegative() {
		b.PartiallyWithdrawn = true
	}
	r.totalPrincipal = total
	return nil
}

// ExtendLock moves the end block forward. It never moves backwards.
func (r *Registry) ExtendLock(id BondID, newEndBlock int64) error {
	b, err := r.live(id)
	if err != nil {
		return err
	}
	if newEndBlock < b.EndBlock {
		return fmt.Errorf("%w: end block of bond %d would move from %d to %d",
			types.ErrArithmeticInvariant, id, b.EndBlock, newEndBlock)
	}
	b.EndBlock = newEndBlock
	return nil
}

// Transfer moves ownership of the whole bond. Nothing else about the bond changes.
func (r *Registry) Transfer(id BondID, from, to string) error {
	b, err := r.live(id)
	if err != nil {
		return err
	}
	if b.Owner != from {
		return fmt.Errorf("%w: %s does not own bond %d", types.ErrNotOwner, from, id)
	}
	if to == "" || to == from {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, to)
	}
	b.Owner = to
	return nil
}

// Close burns ownership of a fully withdrawn bond. The record stays as history.
func (r *Registry) Close(id BondID) error {
	b, err := r.live(id)
	if err != nil {
		return err
	}
	if !b.LpAmount.IsZero() {
		return fmt.Errorf("%w: bond %d still holds %s", types.ErrInvalidAmount, id, b.LpAmount)
	}
	b.Closed = true
	b.Owner = ""
	b.RewardDebt = sdkmath.ZeroInt()
	return nil
}

// TotalPrincipal is the sum of lpAmount over live bonds.
func (r *Registry) TotalPrincipal() sdkmath.Int {
	return r.totalPrincipal
}

// Count returns the number of bonds ever created, including closed ones.
func (r *Registry) Count() int {
	return len(r.bonds)
}

// NextID returns the id the next Create will allocate.
func (r *Registry) NextID() BondID {
	return r.nextID
}

// BondsOf returns the open bonds currently owned by owner, in id order.
func (r *Registry) BondsOf(owner string) []types.Bond {
	out := make([]types.Bond, 0)
	for _, b := range r.bonds {
		if !b.Closed && b.Owner == owner {
			out = append(out, b.Clone())
		}
	}
	sortBonds(out)
	return out
}

// All returns every bond in id order.
func (r *Registry) All() []types.Bond {
	out := make([]types.Bond, 0, len(r.bonds))
	for _, b := range r.bonds {
		out = append(out, b.Clone())
	}
	sortBonds(out)
	return out
}

// Snapshot exports the registry.
func (r *Registry) Snapshot() State {
	return State{NextID: r.nextID, Bonds: r.All()}
}

// Restore replaces the registry contents with st, recomputing the principal total.
func (r *Registry) Restore(st State) error {
	bonds := make(map[BondID]*types.Bond, len(st.Bonds))
	total := sdkmath.ZeroInt()
	var maxID BondID
	for i := range st.Bonds {
		b := st.Bonds[i].Clone()
		if b.ID == 0 {
			return fmt.Errorf("%w: bond with id 0", types.ErrArithmeticInvariant)
		}
		if _, dup := bonds[b.ID]; dup {
			return fmt.Errorf("%w: duplicate bond id %d", types.ErrArithmeticInvariant, b.ID)
		}
		if b.LpAmount.IsNegative() {
			return fmt.Errorf("%w: bond %d has negative principal", types.ErrArithmeticInvariant, b.ID)
		}
		if b.Closed && !b.LpAmount.IsZero() {
			return fmt.Errorf("%w: closed bond %d holds principal", types.ErrArithmeticInvariant, b.ID)
		}
		bonds[b.ID] = &b
		total = total.Add(b.LpAmount)
		if b.ID > maxID {
			maxID = b.ID
		}
	}
	next := st.NextID
	if next <= maxID {
		next = maxID + 1
	}
	r.bonds = bonds
	r.nextID = next
	r.totalPrincipal = total
	return nil
}

func sortBonds(bonds []types.Bond) {
	sort.Slice(bonds, func(i, j int) bool { return bonds[i].ID < bonds[j].ID })
}
