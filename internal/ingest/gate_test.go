package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/memory"
)

const (
	readerKey = "key-reader-01"
	readerID  = "reader-01"
)

var receivedAt = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, opts ...Option) (*Gate, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.PutCredential(readerKey, readerID, true)
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(func() time.Time { return receivedAt }),
	}
	gate := NewGate(store, store, append(base, opts...)...)
	t.Cleanup(gate.Wait)
	return gate, store
}

func insertPayload() Payload {
	return Payload{
		"timestamp":   "2025-03-03T08:59:58.123456+01:00",
		"event_type":  "tag_insert",
		"tag_present": true,
		"tag_id":      "04:A2:19:7F",
		"device_id":   readerID,
		"tag_type":    "ntag215",
		"wifi_status": nil,
	}
}

func apiKey(key string) Credentials {
	return Credentials{Key: key, Source: SourceAPIKey}
}

func requireCode(t *testing.T, err error, sentinel error, reason string) *Error {
	t.Helper()
	require.ErrorIs(t, err, sentinel)
	ingestErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, reason, ingestErr.Reason)
	return ingestErr
}

func TestSubmitAcceptsValidEvent(t *testing.T) {
	gate, store := newTestGate(t, WithIDGenerator(func() string { return "evt-1" }))

	receipt, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	require.NoError(t, err)
	require.Equal(t, "evt-1", receipt.EventID)
	require.Equal(t, readerID, receipt.DeviceID)
	require.False(t, receipt.Relaxed)

	events, err := store.ListEvents(context.Background(), "04:A2:19:7F")
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, domain.EventInserted, ev.Type)
	require.True(t, ev.TagPresent)
	require.Equal(t, "ntag215", ev.TagType)
	require.Empty(t, ev.WifiStatus)
	require.Equal(t, receivedAt, ev.ReceivedAt)
	require.Equal(t, 123456000, ev.OccurredAt.Nanosecond())
	require.True(t, ev.OccurredAt.Equal(time.Date(2025, time.March, 3, 7, 59, 58, 123456000, time.UTC)))

	gate.Wait()
	cred, err := store.Lookup(context.Background(), readerKey)
	require.NoError(t, err)
	require.NotNil(t, cred.LastUsedAt)
}

func TestSubmitRejectsMissingAndAmbiguousCredentials(t *testing.T) {
	gate, store := newTestGate(t)

	_, err := gate.Submit(context.Background(), insertPayload(), Credentials{})
	requireCode(t, err, ErrUnauthenticated, ReasonMissingCredentials)

	_, err = gate.Submit(context.Background(), insertPayload(), Credentials{Ambiguous: true})
	requireCode(t, err, ErrUnauthenticated, ReasonAmbiguousCredentials)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)
}

func TestSubmitRejectsUnknownAndRevokedKeys(t *testing.T) {
	gate, store := newTestGate(t)
	store.PutCredential("key-old", readerID, true)
	store.Revoke("key-old")

	_, err := gate.Submit(context.Background(), insertPayload(), apiKey("nope"))
	requireCode(t, err, ErrUnauthenticated, ReasonUnknownKey)

	_, err = gate.Submit(context.Background(), insertPayload(), apiKey("key-old"))
	requireCode(t, err, ErrUnauthenticated, ReasonRevokedKey)
}

func TestSubmitRejectsDeviceMismatch(t *testing.T) {
	gate, store := newTestGate(t)

	payload := insertPayload()
	payload["device_id"] = "reader-02"

	_, err := gate.Submit(context.Background(), payload, apiKey(readerKey))
	ingestErr := requireCode(t, err, ErrForbidden, ReasonDeviceMismatch)
	require.False(t, ingestErr.Retryable())

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)
}

func TestRejectionsAreLoggedWithDeviceAndReasonButNoKey(t *testing.T) {
	var logs bytes.Buffer
	gate, store := newTestGate(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	store.PutCredential("key-retired", readerID, true)
	store.Revoke("key-retired")

	payload := insertPayload()
	payload["device_id"] = "reader-02"

	cases := []struct {
		key    string
		reason string
	}{
		{key: "key-never-issued", reason: ReasonUnknownKey},
		{key: "key-retired", reason: ReasonRevokedKey},
		{key: readerKey, reason: ReasonDeviceMismatch},
	}
	for _, tc := range cases {
		logs.Reset()
		_, err := gate.Submit(context.Background(), payload, apiKey(tc.key))
		require.Error(t, err)

		line := logs.String()
		require.Contains(t, line, "submission rejected")
		require.Contains(t, line, "device_id=reader-02")
		require.Contains(t, line, "reason="+tc.reason)
		for _, other := range cases {
			require.NotContains(t, line, other.key)
		}
	}

	logs.Reset()
	_, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	require.NoError(t, err)
	gate.Wait()
	require.NotContains(t, logs.String(), readerKey)
}

func TestRejectBodyAuthenticatesFirst(t *testing.T) {
	var logs bytes.Buffer
	gate, store := newTestGate(t, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	err := gate.RejectBody(context.Background(), UnsupportedMediaType("text/plain"), Credentials{})
	requireCode(t, err, ErrUnauthenticated, ReasonMissingCredentials)

	err = gate.RejectBody(context.Background(), UnsupportedMediaType("text/plain"), apiKey(readerKey))
	ingestErr := requireCode(t, err, ErrInvalidPayload, ReasonUnsupportedMedia)
	require.Equal(t, "body", ingestErr.Field)
	require.Contains(t, logs.String(), "reason="+ReasonUnsupportedMedia)
	require.NotContains(t, logs.String(), readerKey)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)
}

func TestSubmitAuthenticatesBeforeValidating(t *testing.T) {
	gate, _ := newTestGate(t)

	payload := insertPayload()
	payload["timestamp"] = "yesterday"

	_, err := gate.Submit(context.Background(), payload, apiKey("nope"))
	requireCode(t, err, ErrUnauthenticated, ReasonUnknownKey)

	_, err = gate.SubmitJSON(context.Background(), strings.NewReader(`{not json`), apiKey("nope"))
	requireCode(t, err, ErrUnauthenticated, ReasonUnknownKey)

	_, err = gate.SubmitJSON(context.Background(), strings.NewReader(`{not json`), apiKey(readerKey))
	ingestErr := requireCode(t, err, ErrInvalidPayload, ReasonMalformedBody)
	require.Equal(t, "body", ingestErr.Field)
}

func TestSubmitRejectsInvalidFields(t *testing.T) {
	cases := []struct {
		name  string
		edit  func(Payload)
		field string
	}{
		{"missing timestamp", func(p Payload) { delete(p, "timestamp") }, "timestamp"},
		{"timestamp without offset", func(p Payload) { p["timestamp"] = "2025-03-03T08:59:58" }, "timestamp"},
		{"unknown event type", func(p Payload) { p["event_type"] = "tag_hover" }, "event_type"},
		{"presence disagrees with type", func(p Payload) { p["tag_present"] = false }, "tag_present"},
		{"presence not bool", func(p Payload) { p["tag_present"] = "true" }, "tag_present"},
		{"empty tag id", func(p Payload) { p["tag_id"] = "" }, "tag_id"},
		{"numeric optional", func(p Payload) { p["time_status"] = 3 }, "time_status"},
		{"missing device id", func(p Payload) { delete(p, "device_id") }, "device_id"},
		{"numeric device id", func(p Payload) { p["device_id"] = 7 }, "device_id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate, store := newTestGate(t)
			payload := insertPayload()
			tc.edit(payload)

			_, err := gate.Submit(context.Background(), payload, apiKey(readerKey))
			ingestErr := requireCode(t, err, ErrInvalidPayload, ReasonInvalidField)
			require.Equal(t, tc.field, ingestErr.Field)

			counts, err := store.Counts(context.Background())
			require.NoError(t, err)
			require.Zero(t, counts.Events)
		})
	}
}

func TestSubmitStoresDuplicatesTwice(t *testing.T) {
	gate, store := newTestGate(t)

	first, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	require.NoError(t, err)
	second, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, second.EventID)

	events, err := store.ListEvents(context.Background(), "04:A2:19:7F")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSubmitRelaxedModeSkipsAuthentication(t *testing.T) {
	gate, store := newTestGate(t, WithRelaxedMode(true))
	require.True(t, gate.Relaxed())

	payload := insertPayload()
	payload["device_id"] = "unregistered-reader"

	receipt, err := gate.Submit(context.Background(), payload, Credentials{})
	require.NoError(t, err)
	require.True(t, receipt.Relaxed)

	events, err := store.ListEvents(context.Background(), "04:A2:19:7F")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, events[0].Relaxed)

	payload["event_type"] = "nope"
	_, err = gate.Submit(context.Background(), payload, Credentials{})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSubmitStoreFailureIsRetryable(t *testing.T) {
	store := memory.NewStore()
	store.PutCredential(readerKey, readerID, true)
	gate := NewGate(store, failingStore{err: errors.New("connection refused")}, WithLogger(discardLogger()))

	_, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	ingestErr := requireCode(t, err, ErrUnavailable, ReasonStoreUnavailable)
	require.True(t, ingestErr.Retryable())
	require.ErrorContains(t, err, "connection refused")
}

func TestSubmitStoreTimeoutIsUnavailable(t *testing.T) {
	store := memory.NewStore()
	store.PutCredential(readerKey, readerID, true)
	gate := NewGate(store, blockingStore{}, WithLogger(discardLogger()), WithTimeout(20*time.Millisecond))

	_, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	requireCode(t, err, ErrUnavailable, ReasonStoreUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitRegistryFailureIsUnavailable(t *testing.T) {
	store := memory.NewStore()
	registry := &stubRegistry{lookupErr: errors.New("registry down")}
	gate := NewGate(registry, store, WithLogger(discardLogger()))

	_, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	requireCode(t, err, ErrUnavailable, ReasonRegistryUnavailable)
}

func TestSubmitSucceedsWhenTouchFails(t *testing.T) {
	store := memory.NewStore()
	registry := &stubRegistry{
		cred:     domain.DeviceCredential{DeviceID: readerID, Active: true},
		touchErr: errors.New("read only"),
	}
	gate := NewGate(registry, store, WithLogger(discardLogger()))

	_, err := gate.Submit(context.Background(), insertPayload(), apiKey(readerKey))
	require.NoError(t, err)
	gate.Wait()
	require.Equal(t, 1, registry.touchCalls())
}

func TestValidateKey(t *testing.T) {
	gate, store := newTestGate(t)

	status, err := gate.ValidateKey(context.Background(), Credentials{Key: readerKey, Source: SourceBearer})
	require.NoError(t, err)
	require.Equal(t, KeyStatus{DeviceID: readerID, Active: true}, status)

	_, err = gate.ValidateKey(context.Background(), apiKey("nope"))
	require.ErrorIs(t, err, ErrUnauthenticated)

	counts, err := store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)
}

type failingStore struct{ err error }

func (s failingStore) Append(context.Context, domain.PresenceEvent) (string, error) {
	return "", s.err
}

func (s failingStore) ListEvents(context.Context, string) ([]domain.PresenceEvent, error) {
	return nil, s.err
}

type blockingStore struct{}

func (blockingStore) Append(ctx context.Context, _ domain.PresenceEvent) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func (blockingStore) ListEvents(ctx context.Context, _ string) ([]domain.PresenceEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type stubRegistry struct {
	cred      domain.DeviceCredential
	lookupErr error
	touchErr  error

	mu      sync.Mutex
	touched int
}

func (s *stubRegistry) Lookup(context.Context, string) (domain.DeviceCredential, error) {
	if s.lookupErr != nil {
		return domain.DeviceCredential{}, s.lookupErr
	}
	return s.cred, nil
}

func (s *stubRegistry) TouchLastUsed(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched++
	return s.touchErr
}

func (s *stubRegistry) touchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}
