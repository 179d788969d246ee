// Package ingest authenticates and validates device submissions before they
// reach the event store.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// DefaultTimeout bounds each registry or store call made for one submission.
const DefaultTimeout = 2 * time.Second

// Option configures optional behaviour for the Gate.
type Option func(*Gate)

// WithRelaxedMode disables authentication. Events accepted this way are
// marked relaxed. Never enable it outside local debugging.
func WithRelaxedMode(enabled bool) Option {
	return func(g *Gate) {
		g.relaxed = enabled
	}
}

// WithTimeout overrides the per-dependency timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger overrides the logger used for rejections.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithClock overrides the receive-time clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Gate) {
		g.newID = fn
	}
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	EventID    string
	DeviceID   string
	Relaxed    bool
	ReceivedAt time.Time
}

// KeyStatus describes a key that authenticates.
type KeyStatus struct {
	DeviceID string
	Active   bool
}

// Gate is the single entry point for device submissions.
type Gate struct {
	registry domain.CredentialRegistry
	store    domain.EventStore
	relaxed  bool
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	touches sync.WaitGroup
}

// NewGate constructs a Gate.
func NewGate(registry domain.CredentialRegistry, store domain.EventStore, opts ...Option) *Gate {
	g := &Gate{
		registry: registry,
		store:    store,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.relaxed {
		g.logger.Warn("ingestion running in relaxed mode: device authentication is disabled")
	}
	return g
}

// Relaxed reports whether authentication is bypassed.
func (g *Gate) Relaxed() bool {
	return g.relaxed
}

// Submit authenticates, validates and appends one event.
func (g *Gate) Submit(ctx context.Context, payload Payload, creds Credentials) (Receipt, error) {
	var decodeErr error
	if payload == nil {
		decodeErr = &Error{Code: CodeInvalidPayload, Reason: ReasonMalformedBody, Field: "body", Detail: "empty body"}
	}
	return g.submit(ctx, payload, decodeErr, creds)
}

// SubmitJSON is Submit over a raw JSON body. Body errors are reported only
// once the key has authenticated.
func (g *Gate) SubmitJSON(ctx context.Context, body io.Reader, creds Credentials) (Receipt, error) {
	payload, err := DecodePayload(body)
	return g.submit(ctx, payload, err, creds)
}

// RejectBody reports a body that was refused before decoding. Authentication
// failures still take precedence over bodyErr.
func (g *Gate) RejectBody(ctx context.Context, bodyErr error, creds Credentials) error {
	_, err := g.submit(ctx, nil, bodyErr, creds)
	return err
}

func (g *Gate) submit(ctx context.Context, payload Payload, decodeErr error, creds Credentials) (receipt Receipt, err error) {
	start := time.Now()
	claimed, _ := payload.ClaimedDeviceID()
	defer func() {
		outcome := outcomeLabel(err)
		if err == nil && receipt.Relaxed {
			outcome = "accepted_relaxed"
		}
		submissionsTotal.WithLabelValues(outcome).Inc()
		submitLatency.Observe(time.Since(start).Seconds())
	}()

	if g.relaxed {
		g.logger.Warn("accepting submission without authentication", "device_id", claimed)
	} else {
		cred, authErr := g.authenticate(ctx, creds)
		if authErr != nil {
			return Receipt{}, g.reject(authErr, claimed, creds)
		}
		if decodeErr != nil {
			return Receipt{}, g.reject(decodeErr, claimed, creds)
		}
		deviceID, ok := payload.ClaimedDeviceID()
		if !ok || deviceID == "" {
			return Receipt{}, g.reject(invalidFields([]FieldError{{"device_id", "required non-empty string"}}), claimed, creds)
		}
		if deviceID != cred.DeviceID {
			return Receipt{}, g.reject(&Error{Code: CodeForbidden, Reason: ReasonDeviceMismatch, Field: "device_id"}, claimed, creds)
		}
	}

	if decodeErr != nil {
		return Receipt{}, g.reject(decodeErr, claimed, creds)
	}

	ev, fieldErrs := Validate(payload)
	if len(fieldErrs) > 0 {
		return Receipt{}, g.reject(invalidFields(fieldErrs), claimed, creds)
	}
	ev.ID = g.newID()
	ev.Relaxed = g.relaxed
	ev.ReceivedAt = g.now()

	storeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	id, appendErr := g.store.Append(storeCtx, ev)
	if appendErr != nil {
		return Receipt{}, g.reject(unavailable(ReasonStoreUnavailable, appendErr), claimed, creds)
	}

	if !g.relaxed {
		g.touch(ctx, creds.Key, ev.DeviceID)
	}

	g.logger.Info("presence event accepted",
		"event_id", id,
		"device_id", ev.DeviceID,
		"tag_id", ev.TagID,
		"event_type", string(ev.Type),
		"relaxed", ev.Relaxed,
	)
	return Receipt{EventID: id, DeviceID: ev.DeviceID, Relaxed: ev.Relaxed, ReceivedAt: ev.ReceivedAt}, nil
}

// ValidateKey reports the device bound to an authenticating key. It writes
// nothing.
func (g *Gate) ValidateKey(ctx context.Context, creds Credentials) (KeyStatus, error) {
	cred, err := g.authenticate(ctx, creds)
	if err != nil {
		return KeyStatus{}, g.reject(err, "", creds)
	}
	return KeyStatus{DeviceID: cred.DeviceID, Active: cred.Active}, nil
}

// Wait blocks until pending last-used updates have finished.
func (g *Gate) Wait() {
	g.touches.Wait()
}

func (g *Gate) authenticate(ctx context.Context, creds Credentials) (domain.DeviceCredential, *Error) {
	if creds.Ambiguous {
		return domain.DeviceCredential{}, unauthenticated(ReasonAmbiguousCredentials)
	}
	if creds.Key == "" {
		return domain.DeviceCredential{}, unauthenticated(ReasonMissingCredentials)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cred, err := g.registry.Lookup(lookupCtx, creds.Key)
	if err != nil {
		if errors.Is(err, domain.ErrCredentialNotFound) {
			return domain.DeviceCredential{}, unauthenticated(ReasonUnknownKey)
		}
		return domain.DeviceCredential{}, unavailable(ReasonRegistryUnavailable, err)
	}
	if !cred.Active {
		return domain.DeviceCredential{}, unauthenticated(ReasonRevokedKey)
	}
	return cred, nil
}

func (g *Gate) touch(ctx context.Context, key, deviceID string) {
	g.touches.Add(1)
	go func() {
		defer g.touches.Done()
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		if err := g.registry.TouchLastUsed(touchCtx, key); err != nil {
			touchFailures.Inc()
			g.logger.Warn("failed to update key last-used marker", "device_id", deviceID, "error", err)
		}
	}()
}

func (g *Gate) reject(err error, claimedDevice string, creds Credentials) error {
	ingestErr, ok := AsError(err)
	if !ok {
		ingestErr = unavailable(ReasonStoreUnavailable, err)
	}
	attrs := []any{
		"code", string(ingestErr.Code),
		"reason", ingestErr.Reason,
		"device_id", claimedDevice,
		"credential_source", string(creds.Source),
	}
	if ingestErr.Field != "" {
		attrs = append(attrs, "field", ingestErr.Field)
	}
	if ingestErr.Err != nil {
		attrs = append(attrs, "error", ingestErr.Err)
	}
	if ingestErr.Retryable() {
		g.logger.Error("submission failed", attrs...)
	} else {
		g.logger.Warn("submission rejected", attrs...)
	}
	return ingestErr
}
