/*

This file contains the events emitted by the bonding engine for indexers and tests.
Every event is a flat type plus string attributes so it can be stored as JSONB and compared in tests.

*/

package types

import (
	"strconv"

	sdkmath "cosmossdk.io/math"
)

const (
	EventTypeDeposited           = "bonding.deposited"
	EventTypeLiquidityAdded      = "bonding.liquidity_added"
	EventTypeLiquidityRemoved    = "bonding.liquidity_removed"
	EventTypeMigrated            = "bonding.migrated"
	EventTypeMigrationAuthorized = "bonding.migration_authorized"
	EventTypeBondTransferred     = "bonding.bond_transferred"
	EventTypePriceReset          = "bonding.price_reset"
)

// Event is a single emitted record.
type Event struct {
	Type        string            `json:"type"`
	Block       int64             `json:"block"`
	OperationID string            `json:"operation_id"`
	Attributes  map[string]string `json:"attributes"`
}

// Emitter receives events once an operation has fully succeeded.
type Emitter interface {
	Emit(evt Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// DepositedEvent builds Deposited(owner, id, amount, shares, durationWeeks, endBlock).
func DepositedEvent(owner string, id BondID, amount, shares sdkmath.Int, weeks uint64, endBlock int64) Event {
	return Event{
		Type: EventTypeDeposited,
		Attributes: map[string]string{
			"owner":          owner,
			"id":             formatID(id),
			"amount":         amount.String(),
			"shares":         shares.String(),
			"duration_weeks": strconv.FormatUint(weeks, 10),
			"end_block":      strconv.FormatInt(endBlock, 10),
		},
	}
}

// LiquidityAddedEvent builds LiquidityAdded(owner, id, newTotalLpAmount, newShares).
func LiquidityAddedEvent(owner string, id BondID, newLpAmount, newShares sdkmath.Int) Event {
	return Event{
		Type: EventTypeLiquidityAdded,
		Attributes: map[string]string{
			"owner":      owner,
			"id":         formatID(id),
			"lp_amount":  newLpAmount.String(),
			"new_shares": newShares.String(),
		},
	}
}

// LiquidityRemovedEvent builds LiquidityRemoved(owner, id, requestedAmount, correctedAmount, pendingReward, sharesBurned).
func LiquidityRemovedEvent(owner string, id BondID, requested, corrected, pending, burned sdkmath.Int) Event {
	return Event{
		Type: EventTypeLiquidityRemoved,
		Attributes: map[string]string{
			"owner":            owner,
			"id":               formatID(id),
			"requested_amount": requested.String(),
			"corrected_amount": corrected.String(),
			"pending_reward":   pending.String(),
			"shares_burned":    burned.String(),
		},
	}
}

// MigratedEvent builds Migrated(owner, id).
func MigratedEvent(owner string, id BondID, legacyID uint64) Event {
	return Event{
		Type: EventTypeMigrated,
		Attributes: map[string]string{
			"owner":     owner,
			"id":        formatID(id),
			"legacy_id": strconv.FormatUint(legacyID, 10),
		},
	}
}

// MigrationAuthorizedEvent records a registrar ticket.
func MigrationAuthorizedEvent(t MigrationTicket) Event {
	return Event{
		Type: EventTypeMigrationAuthorized,
		Attributes: map[string]string{
			"owner":          t.Owner,
			"legacy_id":      strconv.FormatUint(t.LegacyID, 10),
			"lp_amount":      t.LpAmount.String(),
			"duration_weeks": strconv.FormatUint(t.DurationWeeks, 10),
		},
	}
}

// BondTransferredEvent records a whole-unit ownership move.
func BondTransferredEvent(id BondID, from, to string) Event {
	return Event{
		Type: EventTypeBondTransferred,
		Attributes: map[string]string{
			"id":   formatID(id),
			"from": from,
			"to":   to,
		},
	}
}

// PriceResetEvent builds PriceReset(assetSent, amountWithdrawn, proceeds).
func PriceResetEvent(asset string, withdrawn, proceeds sdkmath.Int) Event {
	return Event{
		Type: EventTypePriceReset,
		Attributes: map[string]string{
			"asset_sent":       asset,
			"amount_withdrawn": withdrawn.String(),
			"proceeds":         proceeds.String(),
		},
	}
}

func formatID(id BondID) string {
	return strconv.FormatUint(uint64(id), 10)
}
