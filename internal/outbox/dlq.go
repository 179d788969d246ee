package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxBackoff = time.Hour

// writeDLQ parks msg in outbox_dlq, due for its first retry immediately.
func writeDLQ(ctx context.Context, tx pgx.Tx, msg Message, reason string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())`,
		msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason, msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
	)
	return err
}

// DLQManager moves parked events back into the outbox with exponential
// backoff and quarantines the ones that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// NewDLQManager constructs a DLQManager. Non-positive limits fall back to
// five retries and a one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger *slog.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay, logger: logger}
}

// RunOnce handles up to batchSize due entries and reports how many went back
// to the outbox.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	rows, err := m.pool.Query(ctx,
		`SELECT dlq_id, event_id, event_type, topic, payload, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
           FROM outbox_dlq
          WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
          ORDER BY next_retry_at NULLS FIRST, dlq_id
          LIMIT $1`, batchSize)
	if err != nil {
		return 0, err
	}
	due, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (dlqEntry, error) {
		var e dlqEntry
		err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Topic, &e.Payload,
			&e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount)
		return e, err
	})
	if err != nil {
		return 0, err
	}

	requeued := 0
	var errs error
	for _, entry := range due {
		ok, err := m.process(ctx, entry)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		if ok {
			requeued++
		}
	}
	refreshBacklog(ctx, m.pool)
	return requeued, errs
}

// process quarantines an exhausted entry or requeues it, rescheduling when
// the requeue fails. It reports whether the entry went back to the outbox.
func (m *DLQManager) process(ctx context.Context, entry dlqEntry) (bool, error) {
	if entry.RetryCount >= m.maxRetries {
		if _, err := m.pool.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			fmt.Sprintf("gave up after %d retries", entry.RetryCount), entry.ID); err != nil {
			return false, err
		}
		recordRetry("quarantined", entry)
		m.logger.Warn("presence event quarantined", "dlq_id", entry.ID, "event_id", entry.AggregateID, "retries", entry.RetryCount)
		return false, nil
	}

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if err := requeue(ctx, tx, entry); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		return err
	})
	if err == nil {
		recordRetry("requeued", entry)
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, m.reschedule(ctx, entry, err)
}

func (m *DLQManager) reschedule(ctx context.Context, entry dlqEntry, cause error) error {
	delay := m.backoffDelay(entry.RetryCount + 1)
	if _, err := m.pool.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1, last_attempt_at = NOW(),
                next_retry_at = NOW() + $1 * INTERVAL '1 second', reason = $2
          WHERE dlq_id = $3`,
		delay.Seconds(), cause.Error(), entry.ID); err != nil {
		return err
	}
	recordRetry("rescheduled", entry)
	m.logger.Info("dlq retry rescheduled", "dlq_id", entry.ID, "delay", delay, "error", cause)
	return nil
}

// backoffDelay doubles baseDelay per attempt, capped at maxBackoff.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return min(delay, maxBackoff)
}

func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return errors.New("entry has no schema subject")
	}
	// dedupe_key stays NULL: the original row still holds it.
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}

type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}
