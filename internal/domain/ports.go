package domain

import (
	"context"
	"errors"
)

// ErrCredentialNotFound is returned by a CredentialRegistry for unknown keys.
var ErrCredentialNotFound = errors.New("credential not found")

// EventStore is the append-only presence log.
type EventStore interface {
	Append(ctx context.Context, event PresenceEvent) (string, error)
	// ListEvents returns every event of a tag ordered by OccurredAt, ties by insertion order.
	ListEvents(ctx context.Context, tagID string) ([]PresenceEvent, error)
}

// CredentialRegistry resolves device keys.
type CredentialRegistry interface {
	Lookup(ctx context.Context, key string) (DeviceCredential, error)
	TouchLastUsed(ctx context.Context, key string) error
}

// TagMetadataResolver supplies naming for tags. Unassigned tags resolve to
// the zero TagMetadata without error.
type TagMetadataResolver interface {
	Resolve(ctx context.Context, tagID string) (TagMetadata, error)
}

// EventBrowser exposes read-side queries for presentation and diagnostics.
type EventBrowser interface {
	TagIDs(ctx context.Context) ([]string, error)
	RecentEvents(ctx context.Context, cursor *Cursor, limit int) ([]BoardEntry, *Cursor, error)
	Counts(ctx context.Context) (StoreCounts, error)
	Ping(ctx context.Context) error
}

// SnapshotWriter materialises refreshed time blocks for dashboards.
type SnapshotWriter interface {
	ReplaceSnapshots(ctx context.Context, tagID string, blocks []TimeBlock) error
}
