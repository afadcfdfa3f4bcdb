package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callcore-backend/internal/database"
	"callcore-backend/internal/domain"
)

// EventRepository is the append-only call event log
type EventRepository struct {
	db *database.CassandraDB
}

// NewEventRepository creates a new EventRepository
func NewEventRepository(db *database.CassandraDB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts an event. EventID and CreatedAt are filled when empty.
func (r *EventRepository) Append(ctx context.Context, event *domain.CallEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	eventID := gocql.UUIDFromTime(event.CreatedAt)
	if event.EventID != "" {
		parsed, err := gocql.ParseUUID(event.EventID)
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", event.EventID, err)
		}
		eventID = parsed
	}
	event.EventID = eventID.String()

	query := `
		INSERT INTO call_events (
			call_id, created_at, event_id, call_type, event_type, user_id, device_id, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.db.Exec(ctx, "insert", "call_events", query,
		gocql.UUID(event.CallID),
		event.CreatedAt,
		eventID,
		string(event.Category),
		string(event.Type),
		gocql.UUID(event.UserID),
		event.DeviceID,
		event.Details,
	)
	if err != nil {
		return fmt.Errorf("failed to save call event: %w", err)
	}
	return nil
}

// ListByCall returns up to limit events of a call, oldest first
func (r *EventRepository) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	query := `
		SELECT call_id, created_at, event_id, call_type, event_type, user_id, device_id, details
		FROM call_events
		WHERE call_id = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	start := time.Now()
	iter := r.db.Query(ctx, query, gocql.UUID(callID), limit).Iter()

	var events []*domain.CallEvent
	for {
		var (
			cid, eid, uid       gocql.UUID
			category, eventType string
		)
		e := &domain.CallEvent{}
		if !iter.Scan(
			&cid,
			&e.CreatedAt,
			&eid,
			&category,
			&eventType,
			&uid,
			&e.DeviceID,
			&e.Details,
		) {
			break
		}
		e.CallID = uuid.UUID(cid)
		e.EventID = eid.String()
		e.Category = domain.CallCategory(category)
		e.Type = domain.CallEventType(eventType)
		e.UserID = uuid.UUID(uid)
		events = append(events, e)
	}

	err := iter.Close()
	r.db.Observe("select", "call_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch call events: %w", err)
	}
	return events, nil
}
