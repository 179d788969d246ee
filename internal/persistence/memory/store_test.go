package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

var base = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func event(tagID string, typ domain.EventType, at time.Time) domain.PresenceEvent {
	return domain.PresenceEvent{
		TagID:      tagID,
		DeviceID:   "reader-01",
		Type:       typ,
		TagPresent: typ == domain.EventInserted,
		OccurredAt: at,
	}
}

func TestAppendAssignsIdentity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	id, err := s.Append(ctx, event("A", domain.EventInserted, base))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	kept, err := s.Append(ctx, domain.PresenceEvent{ID: "fixed", TagID: "A", Type: domain.EventRemoved, OccurredAt: base})
	require.NoError(t, err)
	require.Equal(t, "fixed", kept)

	events, err := s.ListEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, id, events[0].ID, "ties keep insertion order")
	require.Less(t, events[0].Seq, events[1].Seq)
	require.False(t, events[0].ReceivedAt.IsZero())
}

func TestListEventsFiltersAndOrders(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, ev := range []domain.PresenceEvent{
		event("A", domain.EventRemoved, base.Add(time.Hour)),
		event("B", domain.EventInserted, base),
		event("A", domain.EventInserted, base),
	} {
		_, err := s.Append(ctx, ev)
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, "A")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventInserted, events[0].Type)
	require.Equal(t, domain.EventRemoved, events[1].Type)

	none, err := s.ListEvents(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)

	tags, err := s.TagIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, tags)
}

func TestCredentials(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.Lookup(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrCredentialNotFound)
	require.ErrorIs(t, s.TouchLastUsed(ctx, "nope"), domain.ErrCredentialNotFound)

	s.PutCredential("key-1", "reader-01", true)
	cred, err := s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "reader-01", cred.DeviceID)
	require.True(t, cred.Active)
	require.Nil(t, cred.LastUsedAt)

	require.NoError(t, s.TouchLastUsed(ctx, "key-1"))
	cred, err = s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, cred.LastUsedAt)

	s.Revoke("key-1")
	s.Revoke("unknown")
	cred, err = s.Lookup(ctx, "key-1")
	require.NoError(t, err)
	require.False(t, cred.Active)
}

func TestRecentEventsPagination(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	name := "Desk"
	s.AssignTag("A", domain.TagMetadata{Name: &name})

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, event("A", domain.EventInserted, base.Add(time.Duration(i%3)*time.Minute)))
		require.NoError(t, err)
	}

	var seen []int64
	var cursor *domain.Cursor
	for page := 0; page < 5; page++ {
		entries, next, err := s.RecentEvents(ctx, cursor, 2)
		require.NoError(t, err)
		for _, e := range entries {
			seen = append(seen, e.Event.Seq)
			require.Equal(t, "Desk", *e.TagName)
		}
		if next == nil {
			break
		}
		cursor = next
	}
	// offsets are 0,1,2,0,1 minutes for seq 1..5: newest first, ties by seq desc
	require.Equal(t, []int64{3, 5, 2, 4, 1}, seen)
}

func TestSnapshotsAndCounts(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	_, err := s.Append(ctx, event("A", domain.EventInserted, base))
	require.NoError(t, err)
	s.PutCredential("key-1", "reader-01", true)
	s.AssignTag("A", domain.TagMetadata{})

	blocks := []domain.TimeBlock{{TagID: "A", StartEventID: "s1"}, {TagID: "A", StartEventID: "s2"}}
	require.NoError(t, s.ReplaceSnapshots(ctx, "A", blocks))
	blocks[0].StartEventID = "mutated"
	require.Equal(t, "s1", s.Snapshots("A")[0].StartEventID)

	require.NoError(t, s.ReplaceSnapshots(ctx, "A", blocks[:1]))
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StoreCounts{Events: 1, Credentials: 1, Tags: 1, Snapshots: 1}, counts)
	require.NoError(t, s.Ping(ctx))
}

func TestCancelledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, event("A", domain.EventInserted, base))
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Ping(ctx), context.Canceled)
}
