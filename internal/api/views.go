package api

import (
	"time"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
)

// HealthResponse is the body of /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	Relaxed   bool      `json:"relaxed_ingestion"`
}

// DeviceEventResponse acknowledges a stored event.
type DeviceEventResponse struct {
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Relaxed    bool      `json:"relaxed"`
	ReceivedAt time.Time `json:"received_at"`
}

// ValidateKeyResponse reports the device bound to a key.
type ValidateKeyResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	DeviceID  string    `json:"device_id"`
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
}

// TimeBlockView is one reconstructed interval.
type TimeBlockView struct {
	TagID           string    `json:"tag_id"`
	DeviceID        string    `json:"device_id"`
	StartEventID    string    `json:"start_event_id"`
	EndEventID      string    `json:"end_event_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	DurationMinutes float64   `json:"duration_minutes"`
	ActivityDate    string    `json:"activity_date"`
	Category        *string   `json:"category"`
	Name            *string   `json:"name"`
}

// TagFailureView names a tag whose reconstruction failed.
type TagFailureView struct {
	TagID  string `json:"tag_id"`
	Detail string `json:"detail"`
}

// TimeBlocksResponse packages /v1/time-blocks.
type TimeBlocksResponse struct {
	Items    []TimeBlockView  `json:"items"`
	Days     int              `json:"days"`
	Since    time.Time        `json:"since"`
	Failures []TagFailureView `json:"failures,omitempty"`
}

// BoardEntryView is one row of the live board.
type BoardEntryView struct {
	EventID    string    `json:"event_id"`
	TagID      string    `json:"tag_id"`
	TagName    *string   `json:"tag_name"`
	DeviceID   string    `json:"device_id"`
	EventType  string    `json:"event_type"`
	TagPresent bool      `json:"tag_present"`
	Timestamp  time.Time `json:"timestamp"`
	TagType    string    `json:"tag_type,omitempty"`
	WifiStatus string    `json:"wifi_status,omitempty"`
	TimeStatus string    `json:"time_status,omitempty"`
	Relaxed    bool      `json:"relaxed"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecentEventsResponse packages the live board page.
type RecentEventsResponse struct {
	Items      []BoardEntryView `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// DiagnosticsResponse reports store sizes.
type DiagnosticsResponse struct {
	Events      int64     `json:"events"`
	Credentials int64     `json:"device_keys"`
	Tags        int64     `json:"tag_assignments"`
	Snapshots   int64     `json:"time_block_snapshots"`
	Relaxed     bool      `json:"relaxed_ingestion"`
	Timestamp   time.Time `json:"timestamp"`
}

func toTimeBlockView(b domain.TimeBlock) TimeBlockView {
	return TimeBlockView{
		TagID:           b.TagID,
		DeviceID:        b.DeviceID,
		StartEventID:    b.StartEventID,
		EndEventID:      b.EndEventID,
		StartTime:       b.StartAt,
		EndTime:         b.EndAt,
		DurationSeconds: b.Duration.Seconds(),
		DurationMinutes: b.DurationMinutes(),
		ActivityDate:    b.ActivityDate,
		Category:        b.Category,
		Name:            b.Name,
	}
}

func toBoardEntryView(e domain.BoardEntry) BoardEntryView {
	ev := e.Event
	return BoardEntryView{
		EventID:    ev.ID,
		TagID:      ev.TagID,
		TagName:    e.TagName,
		DeviceID:   ev.DeviceID,
		EventType:  string(ev.Type),
		TagPresent: ev.TagPresent,
		Timestamp:  ev.OccurredAt,
		TagType:    ev.TagType,
		WifiStatus: ev.WifiStatus,
		TimeStatus: ev.TimeStatus,
		Relaxed:    ev.Relaxed,
		ReceivedAt: ev.ReceivedAt,
	}
}
