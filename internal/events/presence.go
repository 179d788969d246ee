// Package events defines the payloads published for accepted presence events.
package events

import "time"

// PresenceRecordedType is the outbox event type for accepted transitions.
const PresenceRecordedType = "presence.recorded"

// PresenceRecorded is emitted once per accepted transition.
type PresenceRecorded struct {
	EventID    string    `json:"event_id"`
	TagID      string    `json:"tag_id"`
	DeviceID   string    `json:"device_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	TagPresent bool      `json:"tag_present"`
	Relaxed    bool      `json:"relaxed"`
	ReceivedAt time.Time `json:"received_at"`
}
