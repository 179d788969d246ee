// Package memory provides an in-process store for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// Store keeps events, credentials, tag metadata and snapshots in memory.
type Store struct {
	mu        sync.RWMutex
	seq       int64
	events    []domain.PresenceEvent
	creds     map[string]domain.DeviceCredential
	tags      map[string]domain.TagMetadata
	snapshots map[string][]domain.TimeBlock
	now       func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		creds:     make(map[string]domain.DeviceCredential),
		tags:      make(map[string]domain.TagMetadata),
		snapshots: make(map[string][]domain.TimeBlock),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append implements domain.EventStore.
func (s *Store) Append(ctx context.Context, event domain.PresenceEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.now()
	}
	s.seq++
	event.Seq = s.seq
	s.events = append(s.events, event)
	return event.ID, nil
}

// ListEvents implements domain.EventStore.
func (s *Store) ListEvents(ctx context.Context, tagID string) ([]domain.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PresenceEvent, 0)
	for _, ev := range s.events {
		if ev.TagID == tagID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// PutCredential registers key for deviceID.
func (s *Store) PutCredential(key, deviceID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[key] = domain.DeviceCredential{DeviceID: deviceID, Active: active}
}

// Revoke deactivates key if it exists.
func (s *Store) Revoke(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred, ok := s.creds[key]; ok {
		cred.Active = false
		s.creds[key] = cred
	}
}

// Lookup implements domain.CredentialRegistry.
func (s *Store) Lookup(ctx context.Context, key string) (domain.DeviceCredential, error) {
	if err := ctx.Err(); err != nil {
		return domain.DeviceCredential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[key]
	if !ok {
		return domain.DeviceCredential{}, domain.ErrCredentialNotFound
	}
	return cred, nil
}

// TouchLastUsed implements domain.CredentialRegistry.
func (s *Store) TouchLastUsed(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[key]
	if !ok {
		return domain.ErrCredentialNotFound
	}
	now := s.now()
	cred.LastUsedAt = &now
	s.creds[key] = cred
	return nil
}

// AssignTag sets metadata for tagID.
func (s *Store) AssignTag(tagID string, meta domain.TagMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tagID] = meta
}

// Resolve implements domain.TagMetadataResolver.
func (s *Store) Resolve(ctx context.Context, tagID string) (domain.TagMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.TagMetadata{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tags[tagID], nil
}

// TagIDs implements domain.EventBrowser.
func (s *Store) TagIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, ev := range s.events {
		if _, ok := seen[ev.TagID]; ok {
			continue
		}
		seen[ev.TagID] = struct{}{}
		out = append(out, ev.TagID)
	}
	sort.Strings(out)
	return out, nil
}

// RecentEvents implements domain.EventBrowser, newest first.
func (s *Store) RecentEvents(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.BoardEntry, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := make([]domain.PresenceEvent, len(s.events))
	copy(ordered, s.events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.After(ordered[j].OccurredAt)
		}
		return ordered[i].Seq > ordered[j].Seq
	})

	out := make([]domain.BoardEntry, 0, limit)
	for _, ev := range ordered {
		if cursor != nil && !before(ev, *cursor) {
			continue
		}
		out = append(out, domain.BoardEntry{Event: ev, TagName: s.tags[ev.TagID].Name})
		if len(out) == limit {
			break
		}
	}

	var next *domain.Cursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1].Event
		next = &domain.Cursor{OccurredAt: last.OccurredAt, Seq: last.Seq}
	}
	return out, next, nil
}

func before(ev domain.PresenceEvent, c domain.Cursor) bool {
	if !ev.OccurredAt.Equal(c.OccurredAt) {
		return ev.OccurredAt.Before(c.OccurredAt)
	}
	return ev.Seq < c.Seq
}

// Counts implements domain.EventBrowser.
func (s *Store) Counts(ctx context.Context) (domain.StoreCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snaps int64
	for _, blocks := range s.snapshots {
		snaps += int64(len(blocks))
	}
	return domain.StoreCounts{
		Events:      int64(len(s.events)),
		Credentials: int64(len(s.creds)),
		Tags:        int64(len(s.tags)),
		Snapshots:   snaps,
	}, nil
}

// Ping implements domain.EventBrowser.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ReplaceSnapshots implements domain.SnapshotWriter.
func (s *Store) ReplaceSnapshots(ctx context.Context, tagID string, blocks []domain.TimeBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[tagID] = append([]domain.TimeBlock(nil), blocks...)
	return nil
}

// Snapshots returns the last materialised blocks for tagID.
func (s *Store) Snapshots(tagID string) []domain.TimeBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TimeBlock(nil), s.snapshots[tagID]...)
}
