// Package domain defines the core types shared by ingestion and reconstruction.
package domain

import "time"

// EventType is the transition reported by a reader.
type EventType string

const (
	EventInserted EventType = "tag_insert"
	EventRemoved  EventType = "tag_removed"
)

// ParseEventType maps the wire value onto a known EventType.
func ParseEventType(value string) (EventType, bool) {
	switch EventType(value) {
	case EventInserted:
		return EventInserted, true
	case EventRemoved:
		return EventRemoved, true
	}
	return "", false
}

// Valid reports whether t is one of the two accepted transitions.
func (t EventType) Valid() bool {
	_, ok := ParseEventType(string(t))
	return ok
}

// ExpectedPresence is the tag_present value that agrees with t.
func (t EventType) ExpectedPresence() bool {
	return t == EventInserted
}

// PresenceEvent is one accepted transition. It is immutable once stored.
type PresenceEvent struct {
	ID         string
	Seq        int64 // store-assigned insertion order, breaks occurred_at ties
	TagID      string
	DeviceID   string
	Type       EventType
	OccurredAt time.Time
	TagPresent bool

	// Descriptive fields carried through unmodified.
	TagType    string
	WifiStatus string
	TimeStatus string

	// Relaxed marks events persisted without authentication.
	Relaxed    bool
	ReceivedAt time.Time
}

// TagMetadata is the optional naming for a tag; nil fields are unassigned.
type TagMetadata struct {
	Category *string
	Name     *string
}

// DeviceCredential binds one key to one device.
type DeviceCredential struct {
	DeviceID   string
	Active     bool
	LastUsedAt *time.Time
}

// Cursor models the live-board pagination token.
type Cursor struct {
	OccurredAt time.Time
	Seq        int64
}

// BoardEntry is a recent event joined with its tag name.
type BoardEntry struct {
	Event   PresenceEvent
	TagName *string
}

// StoreCounts summarises table sizes for diagnostics.
type StoreCounts struct {
	Events      int64
	Credentials int64
	Tags        int64
	Snapshots   int64
}
