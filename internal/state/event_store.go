package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elys-network/lpbond/internal/types"
)

const eventWriteTimeout = 5 * time.Second

// EventSink appends every emitted event to bond_events. Emit runs after the operation has committed, so a write
// failure is logged and the event is dropped from the table but not from the checkpoint.
type EventSink struct {
	store *Store
	next  types.Emitter
}

// NewEventSink persists events and then forwards them to next, which may be nil.
func (s *Store) NewEventSink(next types.Emitter) *EventSink {
	return &EventSink{store: s, next: next}
}

func (e *EventSink) Emit(evt types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
	defer cancel()

	if _, err := e.store.SaveEvent(ctx, evt); err != nil {
		log.Error().Err(err).Str("type", evt.Type).Str("operationId", evt.OperationID).Msg("Failed to persist event")
	}
	if e.next != nil {
		e.next.Emit(evt)
	}
}

// SaveEvent inserts evt and returns its event_id.
func (s *Store) SaveEvent(ctx context.Context, evt types.Event) (int64, error) {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event attributes: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO bond_events (event_type, block, operation_id, attributes)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id;`,
		evt.Type, evt.Block, evt.OperationID, attrs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}
