package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nicolasdb/time-tracker-webapp/internal/cache"
	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/events"
	"github.com/nicolasdb/time-tracker-webapp/internal/reconstruct"
)

// TagReconstructor derives the blocks of one tag.
type TagReconstructor interface {
	ForTag(ctx context.Context, tagID string) (reconstruct.Result, error)
}

// RefreshHandler rebuilds the snapshot of the tag named in each
// presence.recorded message and tells dashboards to reload it.
type RefreshHandler struct {
	reconstructor TagReconstructor
	snapshots     domain.SnapshotWriter
	invalidator   cache.Invalidator
	logger        *slog.Logger
}

// NewRefreshHandler constructs a RefreshHandler. A nil invalidator disables notifications.
func NewRefreshHandler(r TagReconstructor, snapshots domain.SnapshotWriter, invalidator cache.Invalidator, logger *slog.Logger) *RefreshHandler {
	if invalidator == nil {
		invalidator = cache.NoopInvalidator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshHandler{reconstructor: r, snapshots: snapshots, invalidator: invalidator, logger: logger}
}

// Handle implements Handler. Messages of other types are acknowledged untouched.
func (h *RefreshHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != events.PresenceRecordedType {
		return nil
	}

	var payload events.PresenceRecorded
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.EventType, err)
	}
	tagID := payload.TagID
	if tagID == "" {
		tagID = msg.Key
	}
	if tagID == "" {
		return fmt.Errorf("%s message at offset %d carries no tag id", msg.EventType, msg.Offset)
	}

	res, err := h.reconstructor.ForTag(ctx, tagID)
	if err != nil {
		return err
	}
	if err := h.snapshots.ReplaceSnapshots(ctx, tagID, res.Blocks); err != nil {
		return fmt.Errorf("replace snapshots for tag %s: %w", tagID, err)
	}

	if err := h.invalidator.Invalidate(ctx, tagID); err != nil {
		invalidationErrorCounter.Inc()
		h.logger.Warn("cache invalidation failed", "tag_id", tagID, "error", err)
	}
	h.logger.Debug("time blocks refreshed", "tag_id", tagID, "blocks", len(res.Blocks), "orphans", len(res.Orphans))
	return nil
}
