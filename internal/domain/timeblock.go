package domain

import "time"

// ActivityDateLayout formats TimeBlock.ActivityDate.
const ActivityDateLayout = "2006-01-02"

// TimeBlock is a derived interval of continuous presence. It is never the
// authoritative record and can always be recomputed from the event log.
type TimeBlock struct {
	TagID        string
	DeviceID     string
	StartEventID string
	EndEventID   string
	StartAt      time.Time
	EndAt        time.Time
	Duration     time.Duration
	ActivityDate string
	Category     *string
	Name         *string
}

// DurationMinutes reports the duration as fractional minutes for rollups.
func (b TimeBlock) DurationMinutes() float64 {
	return b.Duration.Minutes()
}

// WithMetadata returns a copy of b carrying the resolved tag metadata.
func (b TimeBlock) WithMetadata(meta TagMetadata) TimeBlock {
	b.Category = meta.Category
	b.Name = meta.Name
	return b
}
