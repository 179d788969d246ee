// Package cache notifies dashboards that derived time blocks changed.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Invalidator is told whenever the time blocks of a tag were rebuilt.
type Invalidator interface {
	Invalidate(ctx context.Context, tagID string) error
}

// NoopInvalidator drops every notification.
type NoopInvalidator struct{}

// Invalidate does nothing.
func (NoopInvalidator) Invalidate(context.Context, string) error { return nil }

// HTTPInvalidator posts a JSON notice per refreshed tag to a dashboard webhook.
type HTTPInvalidator struct {
	client   *http.Client
	endpoint string
	token    string
	now      func() time.Time
}

// NewHTTPInvalidator constructs an HTTPInvalidator. An empty token sends no
// Authorization header.
func NewHTTPInvalidator(endpoint, token string, timeout time.Duration) *HTTPInvalidator {
	return &HTTPInvalidator{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		now:      time.Now,
	}
}

type notice struct {
	TagID     string    `json:"tag_id"`
	Resource  string    `json:"resource"`
	EmittedAt time.Time `json:"emitted_at"`
}

// Invalidate implements Invalidator. Any non-2xx answer is an *InvalidationError.
func (h *HTTPInvalidator) Invalidate(ctx context.Context, tagID string) error {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(notice{TagID: tagID, Resource: "time_blocks", EmittedAt: h.now().UTC()}); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", h.endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &InvalidationError{Status: resp.StatusCode}
	}
	return nil
}

// InvalidationError carries the status of a rejected notice.
type InvalidationError struct {
	Status int
}

func (e *InvalidationError) Error() string {
	return fmt.Sprintf("dashboard rejected invalidation: %d %s", e.Status, http.StatusText(e.Status))
}
