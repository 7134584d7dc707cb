/*

This file contains the share ledger: the accumulator-per-share reward distribution used by the bonding engine.

Reward arrives passively as LP transferred into custody. Sync detects it as the part of the custody balance
that is neither owed principal nor already-distributed reward, and folds it into accRewardPerShare:

	accRewardPerShare += arrived * 1e12 / totalShares

A bond's unclaimed reward is then shares * accRewardPerShare / 1e12 - rewardDebt. The accumulator only
ever grows. Callers must settle a bond's debt before changing its share count.

*/

package ledger

import (
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
	"github.com/elys-network/lpbond/internal/utils"
)

// State is the exported form of the ledger.
type State struct {
	TotalShares        sdkmath.Int
	AccRewardPerShare  sdkmath.Int
	RewardsOutstanding sdkmath.Int
	PooledBalance      sdkmath.Int
	Shares             map[types.BondID]sdkmath.Int
}

// Ledger is not safe for concurrent use; the controller serializes access.
type Ledger struct {
	totalShares        sdkmath.Int
	accRewardPerShare  sdkmath.Int
	rewardsOutstanding sdkmath.Int
	pooledBalance      sdkmath.Int
	shares             map[types.BondID]sdkmath.Int
}

func New() *Ledger {
	return &Ledger{
		totalShares:        sdkmath.ZeroInt(),
		accRewardPerShare:  sdkmath.ZeroInt(),
		rewardsOutstanding: sdkmath.ZeroInt(),
		pooledBalance:      sdkmath.ZeroInt(),
		shares:             make(map[types.BondID]sdkmath.Int),
	}
}

// Sync folds newly arrived reward into the accumulator and caches balance.
//
// owed is everything in custody that belongs to someone already: live principal plus LP reserved for
// pending migrations. Reward that arrives while no shares exist stays undistributed until shares do.
// So does an amount too small to move the accumulator by one unit.
func (l *Ledger) Sync(balance, owed sdkmath.Int) (sdkmath.Int, error) {
	delta, arrived, err := l.accrual(balance, owed)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	l.pooledBalance = balance
	if delta.IsZero() {
		return sdkmath.ZeroInt(), nil
	}
	acc, err := utils.CheckedAdd(l.accRewardPerShare, delta)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	l.accRewardPerShare = acc
	l.rewardsOutstanding = l.rewardsOutstanding.Add(arrived)
	return arrived, nil
}

// Preview returns the accumulator Sync would produce for balance without changing anything.
func (l *Ledger) Preview(balance, owed sdkmath.Int) (sdkmath.Int, error) {
	delta, _, err := l.accrual(balance, owed)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return l.accRewardPerShare.Add(delta), nil
}

func (l *Ledger) accrual(balance, owed sdkmath.Int) (delta, arrived sdkmath.Int, err error) {
	zero := sdkmath.ZeroInt()
	if balance.IsNil() || balance.IsNegative() || owed.IsNil() || owed.IsNegative() {
		return zero, zero, fmt.Errorf("%w: sync with balance %s owed %s", types.ErrInvalidAmount, balance, owed)
	}
	arrived = utils.PositivePart(balance, owed.Add(l.rewardsOutstanding))
	if arrived.IsZero() || l.totalShares.IsZero() {
		return zero, zero, nil
	}
	delta, err = utils.MulDiv(arrived, utils.AccScale, l.totalShares)
	if err != nil {
		return zero, zero, fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	return delta, arrived, nil
}

// DebtFor is shares priced at the current accumulator.
func (l *Ledger) DebtFor(shares sdkmath.Int) (sdkmath.Int, error) {
	return debtAt(shares, l.accRewardPerShare)
}

func debtAt(shares, acc sdkmath.Int) (sdkmath.Int, error) {
	debt, err := utils.MulDiv(shares, acc, utils.AccScale)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	return debt, nil
}

// Settle returns the reward debt that zeroes id's pending reward at the current accumulator.
func (l *Ledger) Settle(id types.BondID) (sdkmath.Int, error) {
	return l.DebtFor(l.SharesOf(id))
}

// PendingReward is shares(id) * acc / 1e12 - debt. A negative result means the books are corrupt.
func (l *Ledger) PendingReward(id types.BondID, debt sdkmath.Int) (sdkmath.Int, error) {
	return l.PendingRewardAt(id, debt, l.accRewardPerShare)
}

// PendingRewardAt evaluates the pending reward against an arbitrary accumulator, typically one
// returned by Preview.
func (l *Ledger) PendingRewardAt(id types.BondID, debt, acc sdkmath.Int) (sdkmath.Int, error) {
	owed, err := debtAt(l.SharesOf(id), acc)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	debt = utils.OrZero(debt)
	pending := owed.Sub(debt)
	if pending.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: bond %d pending reward %s (owed %s, debt %s)",
			types.ErrArithmeticInvariant, id, pending, owed, debt)
	}
	return pending, nil
}

// MintShares adds amount shares to id.
func (l *Ledger) MintShares(id types.BondID, amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("%w: mint %s shares", types.ErrInvalidAmount, amount)
	}
	total, err := utils.CheckedAdd(l.totalShares, amount)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	l.shares[id] = l.SharesOf(id).Add(amount)
	l.totalShares = total
	return nil
}

// BurnShares removes amount shares from id.
func (l *Ledger) BurnShares(id types.BondID, amount sdkmath.Int) error {
	if amount.IsNil() || amount.IsNegative() {
		return fmt.Errorf("%w: burn %s shares", types.ErrInvalidAmount, amount)
	}
	held := l.SharesOf(id)
	if amount.GT(held) {
		return fmt.Errorf("%w: burn %s shares from bond %d holding %s", types.ErrArithmeticInvariant, amount, id, held)
	}
	if amount.GT(l.totalShares) {
		return fmt.Errorf("%w: burn %s exceeds total shares %s", types.ErrArithmeticInvariant, amount, l.totalShares)
	}
	remaining := held.Sub(amount)
	if remaining.IsZero() {
		delete(l.shares, id)
	} else {
		l.shares[id] = remaining
	}
	l.totalShares = l.totalShares.Sub(amount)
	return nil
}

// Claim removes a paid-out reward from the distributed-but-unclaimed pool. Per-bond truncation can
// leave the pool a few units short of the sum of claims, so it floors at zero.
func (l *Ledger) Claim(amount sdkmath.Int) {
	l.rewardsOutstanding = utils.PositivePart(l.rewardsOutstanding, utils.OrZero(amount))
}

// Observe caches the custody balance after an operation moved LP in or out.
func (l *Ledger) Observe(balance sdkmath.Int) {
	l.pooledBalance = utils.OrZero(balance)
}

// ShareValue is principal * 1e18 / totalShares, or zero when no shares exist.
func (l *Ledger) ShareValue(principal sdkmath.Int) (sdkmath.Int, error) {
	if l.totalShares.IsZero() {
		return sdkmath.ZeroInt(), nil
	}
	v, err := utils.MulDiv(principal, utils.ValueScale, l.totalShares)
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %w", types.ErrArithmeticInvariant, err)
	}
	return v, nil
}

func (l *Ledger) SharesOf(id types.BondID) sdkmath.Int {
	if s, ok := l.shares[id]; ok {
		return s
	}
	return sdkmath.ZeroInt()
}

func (l *Ledger) TotalShares() sdkmath.Int        { return l.totalShares }
func (l *Ledger) AccRewardPerShare() sdkmath.Int  { return l.accRewardPerShare }
func (l *Ledger) RewardsOutstanding() sdkmath.Int { return l.rewardsOutstanding }
func (l *Ledger) PooledBalance() sdkmath.Int      { return l.pooledBalance }

// Holders returns the ids that hold shares, in order.
func (l *Ledger) Holders() []types.BondID {
	ids := make([]types.BondID, 0, len(l.shares))
	for id := range l.shares {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SumShares recomputes the total from the per-bond map.
func (l *Ledger) SumShares() sdkmath.Int {
	sum := sdkmath.ZeroInt()
	for _, s := range l.shares {
		sum = sum.Add(s)
	}
	return sum
}

// Snapshot exports the ledger.
func (l *Ledger) Snapshot() State {
	shares := make(map[types.BondID]sdkmath.Int, len(l.shares))
	for id, s := range l.shares {
		shares[id] = s
	}
	return State{
		TotalShares:        l.totalShares,
		AccRewardPerShare:  l.accRewardPerShare,
		RewardsOutstanding: l.rewardsOutstanding,
		PooledBalance:      l.pooledBalance,
		Shares:             shares,
	}
}

// Rollback restores a snapshot taken earlier in the same call. It is the only way the accumulator
// can move backwards, and only to undo a call that failed.
func (l *Ledger) Rollback(st State) {
	l.apply(st)
}

// Load restores persisted state. It refuses state whose accumulator is behind the live one.
func (l *Ledger) Load(st State) error {
	acc := utils.OrZero(st.AccRewardPerShare)
	if acc.LT(l.accRewardPerShare) {
		return fmt.Errorf("%w: accumulator would move from %s to %s", types.ErrArithmeticInvariant, l.accRewardPerShare, acc)
	}
	sum := sdkmath.ZeroInt()
	for id, s := range st.Shares {
		if s.IsNil() || !s.IsPositive() {
			return fmt.Errorf("%w: bond %d has %s shares", types.ErrArithmeticInvariant, id, s)
		}
		sum = sum.Add(s)
	}
	if !sum.Equal(utils.OrZero(st.TotalShares)) {
		return fmt.Errorf("%w: shares sum %s, total %s", types.ErrArithmeticInvariant, sum, st.TotalShares)
	}
	l.apply(st)
	return nil
}

func (l *Ledger) apply(st State) {
	shares := make(map[types.BondID]sdkmath.Int, len(st.Shares))
	for id, s := range st.Shares {
		shares[id] = s
	}
	l.totalShares = utils.OrZero(st.TotalShares)
	l.accRewardPerShare = utils.OrZero(st.AccRewardPerShare)
	l.rewardsOutstanding = utils.OrZero(st.RewardsOutstanding)
	l.pooledBalance = utils.OrZero(st.PooledBalance)
	l.shares = shares
}
