// Package consumer reads presence events from Kafka and refreshes derived
// time blocks off the ingestion path.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerEventType     = "event_type"
	headerSchemaSubject = "schema_subject"
	wireHeaderLen       = 5
)

// Reader is the subset of *kafka.Reader the processor drives.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is a record published by the outbox dispatcher, with the Schema
// Registry framing stripped.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	Key           string
	EventType     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) Option {
	return func(p *Processor) {
		p.fetchBackoff = d
	}
}

// WithHandlerRetries sets how many times a failing message is handed to the
// handler, and the pause between attempts, before it is given up on.
func WithHandlerRetries(attempts int, backoff time.Duration) Option {
	return func(p *Processor) {
		if attempts > 0 {
			p.attempts = attempts
		}
		p.retryBackoff = backoff
	}
}

// Processor fetches records in partition order, hands each to a Handler and
// commits it once handled or given up on.
type Processor struct {
	reader       Reader
	handler      Handler
	logger       *slog.Logger
	fetchBackoff time.Duration
	attempts     int
	retryBackoff time.Duration
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:       reader,
		handler:      handler,
		logger:       slog.Default().With("component", "consumer"),
		fetchBackoff: time.Second,
		attempts:     3,
		retryBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until ctx is cancelled or the reader fails with a
// context error.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Warn("kafka fetch failed", "error", err)
			if !pause(ctx, p.fetchBackoff) {
				return ctx.Err()
			}
			continue
		}

		msg, err := decodeMessage(rec)
		if err != nil {
			// Undecodable records are committed so they cannot wedge the partition.
			p.logger.Warn("dropping undecodable record", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			recordOutcome(rec.Topic, outcomeMalformed)
			p.commit(ctx, rec)
			continue
		}

		outcome, err := p.handle(ctx, msg)
		if err != nil {
			return err
		}
		p.commit(ctx, rec)
		recordOutcome(msg.Topic, outcome)
		if outcome == outcomeHandled && !msg.Timestamp.IsZero() {
			lastMessageGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
		}
	}
}

// handle retries the handler; a message that keeps failing is given up on.
// Only cancellation of ctx is returned.
func (p *Processor) handle(ctx context.Context, msg Message) (string, error) {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err = p.handler.Handle(ctx, msg); err == nil {
			return outcomeHandled, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.logger.Warn("handler failed", "event_type", msg.EventType, "key", msg.Key, "attempt", attempt, "error", err)
		if attempt < p.attempts && !pause(ctx, p.retryBackoff) {
			return "", ctx.Err()
		}
	}
	p.logger.Error("giving up on record", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	return outcomeAbandoned, nil
}

func (p *Processor) commit(ctx context.Context, rec kafka.Message) {
	if err := p.reader.CommitMessages(ctx, rec); err != nil {
		p.logger.Error("offset commit failed", "topic", rec.Topic, "offset", rec.Offset, "error", err)
	}
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func decodeMessage(rec kafka.Message) (Message, error) {
	if len(rec.Value) < wireHeaderLen {
		return Message{}, fmt.Errorf("record of %d bytes is shorter than the wire header", len(rec.Value))
	}
	if magic := rec.Value[0]; magic != 0 {
		return Message{}, fmt.Errorf("unknown wire format magic byte %d", magic)
	}

	msg := Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Time,
		Key:       string(rec.Key),
		SchemaID:  int(binary.BigEndian.Uint32(rec.Value[1:wireHeaderLen])),
		Payload:   json.RawMessage(append([]byte(nil), rec.Value[wireHeaderLen:]...)),
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case headerEventType:
			msg.EventType = string(h.Value)
		case headerSchemaSubject:
			msg.SchemaSubject = string(h.Value)
		}
	}
	if msg.EventType == "" {
		return Message{}, errors.New("missing event_type header")
	}
	return msg, nil
}
