/*

This file contains the legacy (V1) position registry and the migration tickets that allow a legacy
position to be converted into a bond. Conversion is one way: a converted legacy record is marked
migrated and can never produce a second bond.

*/

package registry

import (
	"fmt"
	"sort"

	sdkmath "cosmossdk.io/math"
	"github.com/elys-network/lpbond/internal/types"
)

type ticketKey struct {
	owner    string
	legacyID uint64
}

// LegacyState is the exported form of the legacy registry.
type LegacyState struct {
	Positions []types.LegacyPosition
	Tickets   []types.MigrationTicket
}

// LegacyRegistry holds V1 positions and the registrar's migration tickets.
type LegacyRegistry struct {
	positions map[uint64]*types.LegacyPosition
	tickets   map[ticketKey]*types.MigrationTicket
}

func NewLegacy() *LegacyRegistry {
	return &LegacyRegistry{
		positions: make(map[uint64]*types.LegacyPosition),
		tickets:   make(map[ticketKey]*types.MigrationTicket),
	}
}

// Put imports a legacy record. Ids must be unique.
func (l *LegacyRegistry) Put(pos types.LegacyPosition) error {
	if pos.ID == 0 {
		return fmt.Errorf("%w: legacy id 0", types.ErrNotFound)
	}
	if _, exists := l.positions[pos.ID]; exists {
		return fmt.Errorf("legacy position %d already registered", pos.ID)
	}
	if pos.LpAmount.IsNil() || pos.LpAmount.IsNegative() {
		return fmt.Errorf("%w: legacy position %d", types.ErrInvalidAmount, pos.ID)
	}
	c := pos.Clone()
	l.positions[pos.ID] = &c
	return nil
}

// Get returns a copy of the legacy record.
func (l *LegacyRegistry) Get(id uint64) (types.LegacyPosition, error) {
	p, ok := l.positions[id]
	if !ok {
		return types.LegacyPosition{}, fmt.Errorf("%w: legacy id %d", types.ErrNotFound, id)
	}
	return p.Clone(), nil
}

// Authorize stores a ticket for (owner, legacyID), replacing an unconsumed one. A ticket may not
// convert more LP than the legacy position holds.
func (l *LegacyRegistry) Authorize(t types.MigrationTicket) error {
	pos, ok := l.positions[t.LegacyID]
	if !ok {
		return fmt.Errorf("%w: legacy id %d", types.ErrNotFound, t.LegacyID)
	}
	if pos.Migrated {
		return fmt.Errorf("%w: legacy id %d", types.ErrAlreadyMigrated, t.LegacyID)
	}
	if pos.Owner != t.Owner {
		return fmt.Errorf("%w: legacy id %d is not held by %s", types.ErrNotMigrationEligible, t.LegacyID, t.Owner)
	}
	if t.LpAmount.IsNil() || !t.LpAmount.IsPositive() || t.LpAmount.GT(pos.LpAmount) {
		return fmt.Errorf("%w: ticket amount %s for legacy position holding %s", types.ErrInvalidAmount, t.LpAmount, pos.LpAmount)
	}
	c := t.Clone()
	c.Consumed = false
	l.tickets[ticketKey{owner: t.Owner, legacyID: t.LegacyID}] = &c
	return nil
}

// Ticket returns the unconsumed ticket held by owner for legacyID.
func (l *LegacyRegistry) Ticket(owner string, legacyID uint64) (types.MigrationTicket, error) {
	t, ok := l.tickets[ticketKey{owner: owner, legacyID: legacyID}]
	if !ok {
		return types.MigrationTicket{}, fmt.Errorf("%w: no ticket for %s on legacy id %d", types.ErrNotMigrationEligible, owner, legacyID)
	}
	if t.Consumed {
		return types.MigrationTicket{}, fmt.Errorf("%w: ticket for legacy id %d already used", types.ErrAlreadyMigrated, legacyID)
	}
	return t.Clone(), nil
}

// Consume marks the ticket used and the legacy record migrated.
func (l *LegacyRegistry) Consume(owner string, legacyID uint64) error {
	if _, err := l.Ticket(owner, legacyID); err != nil {
		return err
	}
	pos, ok := l.positions[legacyID]
	if !ok {
		return fmt.Errorf("%w: legacy id %d", types.ErrNotFound, legacyID)
	}
	if pos.Migrated {
		return fmt.Errorf("%w: legacy id %d", types.ErrAlreadyMigrated, legacyID)
	}
	pos.Migrated = true
	l.tickets[ticketKey{owner: owner, legacyID: legacyID}].Consumed = true
	return nil
}

// Positions returns all legacy records in id order.
func (l *LegacyRegistry) Positions() []types.LegacyPosition {
	out := make([]types.LegacyPosition, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tickets returns all tickets ordered by legacy id then owner.
func (l *LegacyRegistry) Tickets() []types.MigrationTicket {
	out := make([]types.MigrationTicket, 0, len(l.tickets))
	for _, t := range l.tickets {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LegacyID != out[j].LegacyID {
			return out[i].LegacyID < out[j].LegacyID
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

// Reserved is the LP held in custody for legacy positions that have not migrated yet.
func (l *LegacyRegistry) Reserved() sdkmath.Int {
	total := sdkmath.ZeroInt()
	for _, p := range l.positions {
		if !p.Migrated {
			total = total.Add(p.LpAmount)
		}
	}
	return total
}

func (l *LegacyRegistry) Snapshot() LegacyState {
	return LegacyState{Positions: l.Positions(), Tickets: l.Tickets()}
}

func (l *LegacyRegistry) Restore(st LegacyState) error {
	fresh := NewLegacy()
	for _, p := range st.Positions {
		if err := fresh.Put(p); err != nil {
			return err
		}
	}
	for _, t := range st.Tickets {
		if _, ok := fresh.positions[t.LegacyID]; !ok {
			return fmt.Errorf("%w: ticket for unknown legacy id %d", types.ErrNotFound, t.LegacyID)
		}
		c := t.Clone()
		fresh.tickets[ticketKey{owner: t.Owner, legacyID: t.LegacyID}] = &c
	}
	l.positions = fresh.positions
	l.tickets = fresh.tickets
	return nil
}

// Conversion is the validated input for creating a bond out of a legacy position.
type Conversion struct {
	Owner         string
	LegacyID      uint64
	LpAmount      sdkmath.Int
	DurationWeeks uint64
}

// ConvertLegacy checks that ticket authorizes pos and returns the bond parameters it converts into.
// The ticket's amount and duration win over the legacy record; the registrar is the source of truth.
func ConvertLegacy(pos types.Position, ticket types.MigrationTicket) (Conversion, error) {
	legacy, ok := pos.(types.LegacyPosition)
	if !ok {
		return Conversion{}, fmt.Errorf("%w: position %d is not a legacy position", types.ErrNotMigrationEligible, pos.PositionID())
	}
	if legacy.Migrated || ticket.Consumed {
		return Conversion{}, fmt.Errorf("%w: legacy id %d", types.ErrAlreadyMigrated, legacy.ID)
	}
	if ticket.LegacyID != legacy.ID || ticket.Owner != legacy.Owner {
		return Conversion{}, fmt.Errorf("%w: ticket does not match legacy id %d", types.ErrNotMigrationEligible, legacy.ID)
	}
	if ticket.LpAmount.IsNil() || !ticket.LpAmount.IsPositive() {
		return Conversion{}, fmt.Errorf("%w: ticket amount must be positive", types.ErrInvalidAmount)
	}
	return Conversion{
		Owner:         ticket.Owner,
		LegacyID:      legacy.ID,
		LpAmount:      ticket.LpAmount,
		DurationWeeks: ticket.DurationWeeks,
	}, nil
}
