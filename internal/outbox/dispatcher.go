// Package outbox delivers accepted presence events to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/nicolasdb/time-tracker-webapp/internal/events"
)

// Header keys set on every published record.
const (
	HeaderEventType     = "event_type"
	HeaderSchemaSubject = "schema_subject"
	HeaderAggregateID   = "aggregate_id"
)

// defaultClaimLease is how long a claimed row stays invisible to other
// dispatchers before it is considered abandoned.
const defaultClaimLease = 2 * time.Minute

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures optional behaviour for the Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClaimLease sets how long a claim holds before another dispatcher may
// take the row over.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.lease = lease
		}
	}
}

// Dispatcher polls the outbox and publishes presence events framed for the
// Schema Registry. Several dispatchers may share one table.
type Dispatcher struct {
	pool     *pgxpool.Pool
	producer messageWriter
	registry schemaRegistrar
	interval time.Duration
	limit    int
	lease    time.Duration
	logger   *slog.Logger

	schemaIDs sync.Map
	done      chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:     pool,
		producer: producer,
		registry: registry,
		interval: pollInterval,
		limit:    batchSize,
		lease:    defaultClaimLease,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start polls until ctx is cancelled. Run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		// Drain full batches back to back; wait for the ticker once caught up.
		n, err := d.runOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("outbox poll failed", "error", err)
		}
		if err == nil && n == d.limit {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) runOnce(ctx context.Context) (int, error) {
	started := time.Now()
	msgs, err := d.claim(ctx)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	if err := d.deliver(ctx, msgs); err != nil {
		d.logger.Warn("publishing outbox batch failed, parking in dlq", "messages", len(msgs), "error", err)
		return len(msgs), d.park(ctx, msgs, err)
	}
	outcomeCounter.WithLabelValues("delivered").Add(float64(len(msgs)))
	return len(msgs), d.complete(ctx, msgs)
}

// claim stamps up to limit unpublished rows and returns them in event order.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const stmt = `UPDATE outbox SET claimed_at = NOW()
        WHERE event_id IN (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL
              AND (claimed_at IS NULL OR claimed_at < NOW() - $2 * INTERVAL '1 second')
            ORDER BY event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED)
        RETURNING event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

	rows, err := d.pool.Query(ctx, stmt, d.limit, d.lease.Seconds())
	if err != nil {
		return nil, err
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.EventID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Topic, &m.SchemaSubject, &m.PartitionKey, &m.Payload)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].EventID < msgs[j].EventID })
	return msgs, nil
}

// deliver publishes msgs grouped by topic, preserving their relative order.
func (d *Dispatcher) deliver(ctx context.Context, msgs []Message) error {
	var order []string
	byTopic := make(map[string][]kafka.Message)

	for _, m := range msgs {
		entry, ok := schemaCatalog[m.EventType]
		if !ok {
			return fmt.Errorf("no schema metadata for event_type=%s", m.EventType)
		}
		id, err := d.schemaID(ctx, m.SchemaSubject, entry.Schema)
		if err != nil {
			return fmt.Errorf("resolve schema %s: %w", m.SchemaSubject, err)
		}

		if _, seen := byTopic[m.Topic]; !seen {
			order = append(order, m.Topic)
		}
		byTopic[m.Topic] = append(byTopic[m.Topic], kafka.Message{
			Key:   []byte(m.PartitionKey),
			Value: encodeWireFormat(id, m.Payload),
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: HeaderEventType, Value: []byte(m.EventType)},
				{Key: HeaderSchemaSubject, Value: []byte(m.SchemaSubject)},
				{Key: HeaderAggregateID, Value: []byte(m.AggregateID)},
			},
		})
	}

	for _, topic := range order {
		if err := d.producer.WriteMessages(ctx, topic, byTopic[topic]...); err != nil {
			return fmt.Errorf("write %d records to %s: %w", len(byTopic[topic]), topic, err)
		}
	}
	return nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	if id, ok := d.schemaIDs.Load(subject); ok {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(subject, id)
	return id, nil
}

func (d *Dispatcher) complete(ctx context.Context, msgs []Message) error {
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(msgs))
	return err
}

// park copies msgs into the dlq and retires them from the outbox in one
// transaction, so a row is never both pending and parked.
func (d *Dispatcher) park(ctx context.Context, msgs []Message, cause error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		if err := writeDLQ(ctx, tx, m, fmt.Sprintf("%s (topic=%s)", cause, m.Topic)); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(msgs)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, m := range msgs {
		outcomeCounter.WithLabelValues("parked").Inc()
		parkedCounter.WithLabelValues(m.Topic).Inc()
	}
	return nil
}

func eventIDs(msgs []Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.EventID
	}
	return ids
}

// Message is one claimed outbox row.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// encodeWireFormat prefixes payload with the magic byte and the big-endian
// schema id expected by Schema Registry aware consumers.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 0, 5+len(payload))
	frame = append(frame, 0)
	frame = binary.BigEndian.AppendUint32(frame, uint32(schemaID))
	return append(frame, payload...)
}

type catalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]catalogEntry{
	events.PresenceRecordedType: {Schema: presenceRecordedSchema},
}
