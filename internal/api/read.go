package api

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nicolasdb/time-tracker-webapp/internal/auth"
	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

const (
	defaultDays      = 7
	maxDays          = 366
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	switch err := auth.Authorize(r, scope); err {
	case nil:
		return true
	case auth.ErrInsufficientScope:
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
	default:
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
	}
	return false
}

func (h *Handler) timeBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeTimeBlocksRead) {
		return
	}

	days := defaultDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxDays {
			writeError(w, http.StatusBadRequest, "validation_failed", "days must be between 1 and 366")
			return
		}
		days = parsed
	}
	since := h.now().Add(-time.Duration(days) * 24 * time.Hour)

	var (
		blocks   []domain.TimeBlock
		failures []TagFailureView
	)
	if tagID := strings.TrimSpace(r.URL.Query().Get("tag_id")); tagID != "" {
		res, err := h.blocks.ForTag(r.Context(), tagID)
		if err != nil {
			h.logger.Error("reconstruction failed", "tag_id", tagID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "unable to reconstruct time blocks")
			return
		}
		blocks = res.Blocks
	} else {
		tagIDs, err := h.browser.TagIDs(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "unable to list tags")
			return
		}
		batch, err := h.blocks.ForTags(r.Context(), tagIDs)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		blocks = batch.Blocks()
		failures = failureViews(batch)
	}

	blocks = reconstruct.Since(blocks, since)
	items := make([]TimeBlockView, 0, len(blocks))
	for _, b := range blocks {
		items = append(items, toTimeBlockView(b))
	}

	writeJSON(w, http.StatusOK, TimeBlocksResponse{
		Items:    items,
		Days:     days,
		Since:    since,
		Failures: failures,
	})
}

func failureViews(batch reconstruct.Batch) []TagFailureView {
	if len(batch.Failures) == 0 {
		return nil
	}
	out := make([]TagFailureView, 0, len(batch.Failures))
	for tagID, err := range batch.Failures {
		out = append(out, TagFailureView{TagID: tagID, Detail: err.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out
}

func (h *Handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeEventsRead) {
		return
	}

	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxPageLimit)
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.browser.RecentEvents(r.Context(), cursor, limit)
	if err != nil {
		h.logger.Error("live board query failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "unable to load events")
		return
	}

	items := make([]BoardEntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, toBoardEntryView(e))
	}
	writeJSON(w, http.StatusOK, RecentEventsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !requireScope(w, r, auth.ScopeEventsRead) {
		return
	}

	counts, err := h.browser.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "unable to count records")
		return
	}
	writeJSON(w, http.StatusOK, DiagnosticsResponse{
		Events:      counts.Events,
		Credentials: counts.Credentials,
		Tags:        counts.Tags,
		Snapshots:   counts.Snapshots,
		Relaxed:     h.gate.Relaxed(),
		Timestamp:   h.now(),
	})
}
