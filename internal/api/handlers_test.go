package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicolasdb/time-tracker-webapp/internal/auth"
	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence/memory"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

var (
	now        = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	authConfig = auth.Config{Secret: "test-secret", Issuer: "presence.test"}
)

type fixture struct {
	store   *memory.Store
	handler http.Handler
}

func newFixture(t *testing.T, store *memory.Store, eventStore domain.EventStore) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if eventStore == nil {
		eventStore = store
	}
	store.PutCredential("key-1", "reader-01", true)

	gate := ingest.NewGate(store, eventStore, ingest.WithLogger(logger))
	t.Cleanup(gate.Wait)
	rec := reconstruct.New(store, store, reconstruct.DefaultPolicy(), reconstruct.WithLogger(logger))

	h := NewHandler(gate, rec, store, WithLogger(logger), WithClock(func() time.Time { return now }), WithVersion("test"))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	mw := auth.NewMiddleware(authConfig, auth.SkipUnlessPrefix("/v1/"))
	mw.OnError = WriteAuthError
	return fixture{store: store, handler: mw.Wrap(mux)}
}

func (f fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, scopes ...string) map[string]string {
	token, err := auth.Sign(authConfig, "dashboard", scopes, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

const validEvent = `{
  "timestamp": "2025-03-10T09:00:00Z",
  "event_type": "tag_insert",
  "tag_present": true,
  "tag_id": "tag-1",
  "tag_type": "ntag215",
  "wifi_status": "connected",
  "time_status": null,
  "device_id": "reader-01"
}`

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestDeviceEventCreated(t *testing.T) {
	f := newFixture(t, memory.NewStore(), nil)

	rec := f.do(t, http.MethodPost, "/api/webhook/device-event", validEvent, map[string]string{"X-API-Key": "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp DeviceEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
	require.NotEmpty(t, resp.EventID)
	require.False(t, resp.Relaxed)

	events, err := f.store.ListEvents(context.Background(), "tag-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "connected", events[0].WifiStatus)
}

func TestDeviceEventChecksMediaTypeAfterAuthentication(t *testing.T) {
	f := newFixture(t, memory.NewStore(), nil)
	const path = "/api/webhook/device-event"

	rec := f.do(t, http.MethodPost, path, validEvent, map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, ingest.ReasonMissingCredentials, decodeError(t, rec).Reason)

	rec = f.do(t, http.MethodPost, path, validEvent, map[string]string{"Content-Type": "text/plain", "X-API-Key": "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, ingest.ReasonUnknownKey, decodeError(t, rec).Reason)

	rec = f.do(t, http.MethodPost, path, validEvent, map[string]string{"Content-Type": "text/plain", "X-API-Key": "key-1"})
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, ingest.ReasonUnsupportedMedia, resp.Reason)
	require.False(t, resp.Retryable)

	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)

	rec = f.do(t, http.MethodPost, path, validEvent, map[string]string{"Content-Type": "application/json; charset=utf-8", "X-API-Key": "key-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestDeviceEventRejections(t *testing.T) {
	f := newFixture(t, memory.NewStore(), nil)

	rec := f.do(t, http.MethodPost, "/api/webhook/device-event", validEvent, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, ingest.ReasonMissingCredentials, decodeError(t, rec).Reason)

	rec = f.do(t, http.MethodPost, "/api/webhook/device-event", validEvent, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Invalid API key", decodeError(t, rec).Detail)

	mismatch := strings.Replace(validEvent, `"reader-01"`, `"reader-02"`, 1)
	rec = f.do(t, http.MethodPost, "/api/webhook/device-event", mismatch, map[string]string{"X-API-Key": "key-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	bad := strings.Replace(validEvent, `"tag_insert"`, `"tag_wave"`, 1)
	rec = f.do(t, http.MethodPost, "/api/webhook/device-event", bad, map[string]string{"X-API-Key": "key-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, "event_type", resp.Field)
	require.Contains(t, resp.Errors, "event_type")
	require.False(t, resp.Retryable)

	rec = f.do(t, http.MethodGet, "/api/webhook/device-event", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	counts, err := f.store.Counts(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Events)
}

func TestDeviceEventUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t, memory.NewStore(), brokenStore{})

	rec := f.do(t, http.MethodPost, "/api/webhook/device-event", validEvent, map[string]string{"X-API-Key": "key-1"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, retryAfterSeconds, rec.Header().Get("Retry-After"))

	resp := decodeError(t, rec)
	require.True(t, resp.Retryable)
	require.NotContains(t, resp.Detail, "disk full")
}

func TestValidateKey(t *testing.T) {
	f := newFixture(t, memory.NewStore(), nil)

	rec := f.do(t, http.MethodGet, "/api/webhook/validate-key", "", map[string]string{"Authorization": "Bearer key-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ValidateKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "reader-01", resp.DeviceID)
	require.True(t, resp.Active)

	rec = f.do(t, http.MethodGet, "/api/webhook/validate-key", "", map[string]string{"X-API-Key": "key-1", "Authorization": "Bearer key-1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, ingest.ReasonAmbiguousCredentials, decodeError(t, rec).Reason)
}

func seedBlock(t *testing.T, store *memory.Store, tagID string, start time.Time, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Append(ctx, domain.PresenceEvent{TagID: tagID, DeviceID: "reader-01", Type: domain.EventInserted, TagPresent: true, OccurredAt: start})
	require.NoError(t, err)
	_, err = store.Append(ctx, domain.PresenceEvent{TagID: tagID, DeviceID: "reader-01", Type: domain.EventRemoved, OccurredAt: start.Add(d)})
	require.NoError(t, err)
}

func TestTimeBlocks(t *testing.T) {
	store := memory.NewStore()
	name, category := "Deep work", "focus"
	store.AssignTag("tag-1", domain.TagMetadata{Name: &name, Category: &category})
	seedBlock(t, store, "tag-1", now.Add(-2*time.Hour), 45*time.Minute)
	seedBlock(t, store, "tag-2", now.Add(-3*time.Hour), 10*time.Second)
	seedBlock(t, store, "tag-2", now.Add(-10*24*time.Hour), time.Hour)
	f := newFixture(t, store, nil)

	rec := f.do(t, http.MethodGet, "/v1/time-blocks", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/time-blocks", "", bearer(t, auth.ScopeEventsRead))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/time-blocks", "", bearer(t, auth.ScopeTimeBlocksRead))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TimeBlocksResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, defaultDays, resp.Days)
	require.Len(t, resp.Items, 1)
	require.Equal(t, "tag-1", resp.Items[0].TagID)
	require.Equal(t, 45.0, resp.Items[0].DurationMinutes)
	require.Equal(t, "Deep work", *resp.Items[0].Name)
	require.Equal(t, "2025-03-10", resp.Items[0].ActivityDate)

	rec = f.do(t, http.MethodGet, "/v1/time-blocks?tag_id=tag-2&days=30", "", bearer(t, auth.ScopeTimeBlocksRead))
	require.Equal(t, http.StatusOK, rec.Code)
	resp = TimeBlocksResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Nil(t, resp.Items[0].Name)
	require.Nil(t, resp.Items[0].Category)

	rec = f.do(t, http.MethodGet, "/v1/time-blocks?days=0", "", bearer(t, auth.ScopeTimeBlocksRead))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentEventsPaginates(t *testing.T) {
	store := memory.NewStore()
	seedBlock(t, store, "tag-1", now.Add(-2*time.Hour), time.Hour)
	seedBlock(t, store, "tag-2", now.Add(-time.Hour), time.Minute)
	f := newFixture(t, store, nil)

	rec := f.do(t, http.MethodGet, "/v1/events?limit=3", "", bearer(t, auth.ScopeEventsRead))
	require.Equal(t, http.StatusOK, rec.Code)
	var page RecentEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 3)
	require.Equal(t, "tag-2", page.Items[0].TagID)
	require.Equal(t, "tag_removed", page.Items[0].EventType)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/v1/events?limit=3&cursor="+page.NextCursor, "", bearer(t, auth.ScopeEventsRead))
	require.Equal(t, http.StatusOK, rec.Code)
	var second RecentEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Len(t, second.Items, 1)
	require.Equal(t, "tag-1", second.Items[0].TagID)
	require.Empty(t, second.NextCursor)

	rec = f.do(t, http.MethodGet, "/v1/events?cursor=%21%21%21", "", bearer(t, auth.ScopeEventsRead))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiagnosticsAndHealth(t *testing.T) {
	store := memory.NewStore()
	seedBlock(t, store, "tag-1", now.Add(-2*time.Hour), time.Hour)
	f := newFixture(t, store, nil)

	rec := f.do(t, http.MethodGet, "/v1/diagnostics", "", bearer(t, auth.ScopeEventsRead))
	require.Equal(t, http.StatusOK, rec.Code)
	var diag DiagnosticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diag))
	require.Equal(t, int64(2), diag.Events)
	require.Equal(t, int64(1), diag.Credentials)

	rec = f.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, "test", health.Version)

	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

type brokenStore struct{}

func (brokenStore) Append(context.Context, domain.PresenceEvent) (string, error) {
	return "", errors.New("disk full")
}

func (brokenStore) ListEvents(context.Context, string) ([]domain.PresenceEvent, error) {
	return nil, errors.New("disk full")
}
