package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/events"
	"github.com/nicolasdb/time-tracker-webapp/internal/observability"
)

// Repository provides Postgres-backed persistence for presence events,
// device keys, tag metadata and time block snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append persists the event and records its outbox entry inside a single transaction.
func (r *Repository) Append(ctx context.Context, ev domain.PresenceEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	const insertEvent = `INSERT INTO presence_events (event_id, tag_id, device_id, event_type, occurred_at, tag_present, tag_type, wifi_status, time_status, relaxed, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING seq`

	err = tx.QueryRow(ctx, insertEvent,
		ev.ID,
		ev.TagID,
		ev.DeviceID,
		string(ev.Type),
		ev.OccurredAt,
		ev.TagPresent,
		nullIfEmpty(ev.TagType),
		nullIfEmpty(ev.WifiStatus),
		nullIfEmpty(ev.TimeStatus),
		ev.Relaxed,
		ev.ReceivedAt,
	).Scan(&ev.Seq)
	if err != nil {
		return "", err
	}

	if err := r.insertOutbox(ctx, tx, ev, events.PresenceRecordedType, events.PresenceRecorded{
		EventID:    ev.ID,
		TagID:      ev.TagID,
		DeviceID:   ev.DeviceID,
		EventType:  string(ev.Type),
		OccurredAt: ev.OccurredAt,
		TagPresent: ev.TagPresent,
		Relaxed:    ev.Relaxed,
		ReceivedAt: ev.ReceivedAt,
	}); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	observability.RecordEventPersisted(ev.ReceivedAt)
	return ev.ID, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, ev domain.PresenceEvent, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"presence_event",
		ev.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(ev),
		body,
		fmt.Sprintf("%s:%s", ev.ID, eventType),
	)
	return err
}

// ListEvents returns a tag's history ordered by occurred_at, ties by insertion order.
func (r *Repository) ListEvents(ctx context.Context, tagID string) ([]domain.PresenceEvent, error) {
	const query = `SELECT event_id, seq, tag_id, device_id, event_type, occurred_at, tag_present,
            COALESCE(tag_type, ''), COALESCE(wifi_status, ''), COALESCE(time_status, ''), relaxed, received_at
        FROM presence_events WHERE tag_id=$1
        ORDER BY occurred_at, seq`

	rows, err := r.pool.Query(ctx, query, tagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PresenceEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row, extra ...any) (domain.PresenceEvent, error) {
	var ev domain.PresenceEvent
	var eventType string
	dest := []any{&ev.ID, &ev.Seq, &ev.TagID, &ev.DeviceID, &eventType, &ev.OccurredAt, &ev.TagPresent,
		&ev.TagType, &ev.WifiStatus, &ev.TimeStatus, &ev.Relaxed, &ev.ReceivedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.PresenceEvent{}, err
	}
	ev.Type = domain.EventType(eventType)
	return ev, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.PresenceEvent) string
}

var eventCatalog = map[string]EventMetadata{
	events.PresenceRecordedType: {
		Topic:         "presence_events",
		SchemaSubject: "presence_events-value",
		PartitionKeyFn: func(ev domain.PresenceEvent) string {
			return ev.TagID
		},
	},
}
