package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func framed(schemaID uint32, payload []byte) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)
	return value
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"tag_id":"tag-1"}`)
	msg := kafka.Message{
		Topic:     "presence_events",
		Partition: 0,
		Offset:    10,
		Time:      time.Now().UTC(),
		Key:       []byte("tag-1"),
		Value:     framed(42, payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("presence.recorded")},
			{Key: "schema_subject", Value: []byte("presence_events-value")},
		},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "presence.recorded", handler.last.EventType)
	require.Equal(t, "tag-1", handler.last.Key)
	require.Equal(t, "presence_events-value", handler.last.SchemaSubject)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorRetriesThenGivesUp(t *testing.T) {
	msg := kafka.Message{
		Topic:   "presence_events",
		Offset:  20,
		Value:   framed(99, []byte(`{}`)),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("presence.recorded")}},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t)), WithHandlerRetries(3, time.Millisecond)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 3, handler.calls)
	require.Equal(t, 1, reader.commitCalls, "an abandoned record is committed so the partition moves on")
	require.Equal(t, 1.0, testutil.ToFloat64(recordsCounter.WithLabelValues("presence_events", outcomeAbandoned)))
}

func TestProcessorRecoversOnRetry(t *testing.T) {
	msg := kafka.Message{
		Topic:   "presence_retry",
		Value:   framed(1, []byte(`{}`)),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("presence.recorded")}},
	}

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{failures: 1, err: errors.New("snapshot table locked")}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t)), WithHandlerRetries(3, 0)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, 1.0, testutil.ToFloat64(recordsCounter.WithLabelValues("presence_retry", outcomeHandled)))
}

func TestProcessorStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	msg := kafka.Message{
		Topic:   "presence_events",
		Value:   framed(1, []byte(`{}`)),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("presence.recorded")}},
	}
	reader := &stubReader{messages: []kafka.Message{msg}}
	handler := &stubHandler{err: errors.New("boom"), onCall: cancel}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t)), WithHandlerRetries(5, time.Hour)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, handler.calls)
	require.Zero(t, reader.commitCalls, "records interrupted by shutdown are redelivered")
}

func TestProcessorCommitsMalformedMessages(t *testing.T) {
	short := kafka.Message{Topic: "presence_events", Offset: 1, Value: []byte{0, 1}}
	noHeader := kafka.Message{Topic: "presence_events", Offset: 2, Value: framed(1, []byte(`{}`))}

	reader := &stubReader{messages: []kafka.Message{short, noHeader}, after: contextCanceled}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t))).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 2, reader.commitCalls)
}

func TestProcessorRetriesFetchErrors(t *testing.T) {
	msg := kafka.Message{
		Topic:   "presence_events",
		Value:   framed(1, []byte(`{}`)),
		Headers: []kafka.Header{{Key: "event_type", Value: []byte("presence.recorded")}},
	}
	reader := &stubReader{
		fetchErrs: []error{errors.New("broker unavailable")},
		messages:  []kafka.Message{msg},
		after:     contextCanceled,
	}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(testLogger(t)), WithFetchBackoff(time.Millisecond)).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, handler.calls)
}

type stubReader struct {
	fetchErrs   []error
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls    int
	err      error
	failures int // fail only the first n calls when positive
	onCall   func()
	last     Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	if h.onCall != nil {
		h.onCall()
	}
	if h.failures > 0 && h.calls > h.failures {
		return nil
	}
	return h.err
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}
