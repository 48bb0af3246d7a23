package models

import "time"

// Record is the tabular-store view of one respondent, keyed by identity
// within a target table. Fields map tabular field names to values.
type Record struct {
	ID        string            `json:"id"`
	Target    string            `json:"target"`
	Identity  string            `json:"identity"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Well-known record field names written by the engine.
const (
	FieldStatus      = "status"
	FieldSummary     = "summary"
	FieldMeetingTime = "meeting_time"
)

// Record status values, mirrored into the session lifecycle.
const (
	RecordStatusNew        = "new"
	RecordStatusInProgress = "in-progress"
	RecordStatusCompleted  = "completed"
	RecordStatusCancelled  = "cancelled-timeout"
)

// Attachment is a file answer uploaded against a record field.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// Interval is a half-open busy interval [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two half-open intervals intersect.
func (i Interval) Overlaps(other Interval) bool {
	return i.Start.Before(other.End) && other.Start.Before(i.End)
}

// Slot is a candidate bookable interval produced by the availability
// scheduler.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Interval converts the slot to its busy-interval form.
func (s Slot) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// Booking is a committed meeting slot persisted in the calendar store.
type Booking struct {
	ID         string    `json:"id"`
	CalendarID string    `json:"calendar_id"`
	Identity   string    `json:"identity,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CreatedAt  time.Time `json:"created_at"`
}
