// Package api exposes the device webhook and the dashboard read API over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/ingest"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

// Submitter is the ingestion gate as seen by transports.
type Submitter interface {
	SubmitJSON(ctx context.Context, body io.Reader, creds ingest.Credentials) (ingest.Receipt, error)
	RejectBody(ctx context.Context, bodyErr error, creds ingest.Credentials) error
	ValidateKey(ctx context.Context, creds ingest.Credentials) (ingest.KeyStatus, error)
	Relaxed() bool
}

// BlockReader reconstructs time blocks on demand.
type BlockReader interface {
	ForTag(ctx context.Context, tagID string) (reconstruct.Result, error)
	ForTags(ctx context.Context, tagIDs []string) (reconstruct.Batch, error)
}

// Option configures optional behaviour for the Handler.
type Option func(*Handler)

// WithLogger overrides the handler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithClock overrides the clock used for day windows and timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// WithVersion sets the version reported by /api/health.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// Handler coordinates HTTP requests with the gate, the reconstructor and the store.
type Handler struct {
	gate    Submitter
	blocks  BlockReader
	browser domain.EventBrowser
	logger  *slog.Logger
	now     func() time.Time
	version string
}

// NewHandler builds a Handler.
func NewHandler(gate Submitter, blocks BlockReader, browser domain.EventBrowser, opts ...Option) *Handler {
	h := &Handler{
		gate:    gate,
		blocks:  blocks,
		browser: browser,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		version: "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux. deviceMiddleware wraps the
// device-facing POST route only.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, deviceMiddleware ...func(http.Handler) http.Handler) {
	var deviceEvent http.Handler = http.HandlerFunc(h.deviceEvent)
	for i := len(deviceMiddleware) - 1; i >= 0; i-- {
		deviceEvent = deviceMiddleware[i](deviceEvent)
	}

	mux.Handle("/api/webhook/device-event", deviceEvent)
	mux.HandleFunc("/api/webhook/validate-key", h.validateKey)
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/healthz", healthz)
	mux.HandleFunc("/readyz", h.readyz)
	mux.HandleFunc("/v1/time-blocks", h.timeBlocks)
	mux.HandleFunc("/v1/events", h.recentEvents)
	mux.HandleFunc("/v1/diagnostics", h.diagnostics)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.browser.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "not_ready", "store not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Timestamp: h.now(),
		Relaxed:   h.gate.Relaxed(),
	})
}

func (h *Handler) deviceEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	creds := ingest.CredentialsFromHeader(r.Header)
	if ct := r.Header.Get("Content-Type"); !isJSON(ct) {
		writeIngestError(w, h.gate.RejectBody(r.Context(), ingest.UnsupportedMediaType(ct), creds))
		return
	}

	receipt, err := h.gate.SubmitJSON(r.Context(), r.Body, creds)
	if err != nil {
		writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, DeviceEventResponse{
		Status:     "success",
		Message:    "Event stored successfully",
		EventID:    receipt.EventID,
		DeviceID:   receipt.DeviceID,
		Relaxed:    receipt.Relaxed,
		ReceivedAt: receipt.ReceivedAt,
	})
}

// isJSON accepts application/json with parameters. Devices that send no
// Content-Type at all are decoded as JSON.
func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
}

func (h *Handler) validateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	status, err := h.gate.ValidateKey(r.Context(), ingest.CredentialsFromHeader(r.Header))
	if err != nil {
		writeIngestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ValidateKeyResponse{
		Status:    "success",
		Message:   "API key is valid",
		DeviceID:  status.DeviceID,
		Active:    status.Active,
		Timestamp: h.now(),
	})
}
