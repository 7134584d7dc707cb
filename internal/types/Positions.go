/*

This file contains the position types tracked by the bonding engine: the current bond record,
the legacy position it can be migrated from, and the migration ticket that authorizes the move.

*/

package types

import (
	sdkmath "cosmossdk.io/math"
)

// BondID identifies a bond. Ids start at 1 and are never reused.
type BondID uint64

// BondState is the lifecycle stage of a bond at a given block.
type BondState string

const (
	BondStateLocked             BondState = "LOCKED"
	BondStateUnlocked           BondState = "UNLOCKED"
	BondStatePartiallyWithdrawn BondState = "PARTIALLY_WITHDRAWN"
	BondStateClosed             BondState = "CLOSED"
)

// Position is implemented by both registry generations. A LegacyPosition only ever turns into a
// Bond through registry.ConvertLegacy.
type Position interface {
	PositionID() uint64
	Holder() string
	Principal() sdkmath.Int
	isPosition()
}

// Bond is a locked-liquidity record. Shares are kept by the share ledger, not here.
type Bond struct {
	ID                 BondID      `json:"id"`
	Owner              string      `json:"owner"`
	Minter             string      `json:"minter"`
	LpAmount           sdkmath.Int `json:"lp_amount"`
	LpFirstDeposited   sdkmath.Int `json:"lp_first_deposited"`
	CreationBlock      int64       `json:"creation_block"`
	EndBlock           int64       `json:"end_block"`
	RewardDebt         sdkmath.Int `json:"reward_debt"`
	PartiallyWithdrawn bool        `json:"partially_withdrawn"`
	Closed             bool        `json:"closed"`
	MigratedFrom       uint64      `json:"migrated_from,omitempty"` // legacy id, 0 for native deposits
}

func (b Bond) PositionID() uint64 { return uint64(b.ID) }
func (b Bond) Holder() string { return b.Owner }
func (b Bond) Principal() sdkmath.Int { return b.LpAmount }
func (Bond) isPosition() {}

// IsLocked reports whether the lock window still covers block.
func (b Bond) IsLocked(block int64) bool {
	return block <= b.EndBlock
}

// State derives the lifecycle stage at block.
func (b Bond) State(block int64) BondState {
	switch {
	case b.Closed:
		return BondStateClosed
	case b.IsLocked(block):
		return BondStateLocked
	case b.PartiallyWithdrawn:
		return BondStatePartiallyWithdrawn
	default:
		return BondStateUnlocked
	}
}

// Clone returns a deep copy so callers can never alias registry state.
func (b Bond) Clone() Bond {
	c := b
	c.LpAmount = copyInt(b.LpAmount)
	c.LpFirstDeposited = copyInt(b.LpFirstDeposited)
	c.RewardDebt = copyInt(b.RewardDebt)
	return c
}

// LegacyPosition is a record from the previous registry generation.
type LegacyPosition struct {
	ID            uint64      `json:"id"`
	Owner         string      `json:"owner"`
	LpAmount      sdkmath.Int `json:"lp_amount"`
	DurationWeeks uint64      `json:"duration_weeks"`
	Migrated      bool        `json:"migrated"`
}

func (l LegacyPosition) PositionID() uint64 { return l.ID }
func (l LegacyPosition) Holder() string { return l.Owner }
func (l LegacyPosition) Principal() sdkmath.Int { return l.LpAmount }
func (LegacyPosition) isPosition() {}

// Clone returns a deep copy.
func (l LegacyPosition) Clone() LegacyPosition {
	c := l
	c.LpAmount = copyInt(l.LpAmount)
	return c
}

// MigrationTicket is a registrar pre-authorization for one legacy position.
type MigrationTicket struct {
	Owner         string      `json:"owner"`
	LegacyID      uint64      `json:"legacy_id"`
	LpAmount      sdkmath.Int `json:"lp_amount"`
	DurationWeeks uint64      `json:"duration_weeks"`
	Consumed      bool        `json:"consumed"`
}

// Clone returns a deep copy.
func (t MigrationTicket) Clone() MigrationTicket {
	c := t
	c.LpAmount = copyInt(t.LpAmount)
	return c
}

func copyInt(i sdkmath.Int) sdkmath.Int {
	if i.IsNil() {
		return sdkmath.ZeroInt()
	}
	return sdkmath.NewIntFromBigInt(i.BigInt())
}
