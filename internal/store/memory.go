package store

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a map-backed Store for tests and DSN-less development
// runs. Data does not survive a restart.
type InMemoryStore struct {
	mu          sync.Mutex
	records     map[string]*models.Record // by record id
	attachments map[string][]models.Attachment
	bookings    []models.Booking
	seen        map[string]bool
	processed   map[string]bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records:     make(map[string]*models.Record),
		attachments: make(map[string][]models.Attachment),
		seen:        make(map[string]bool),
		processed:   make(map[string]bool),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) FindRecord(ctx context.Context, target, identity string) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Target == target && rec.Identity == identity {
			return copyRecord(rec), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) CreateRecord(ctx context.Context, target, identity string, fields map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	rec := &models.Record{
		ID:        util.GenerateRecordID(),
		Target:    target,
		Identity:  identity,
		Fields:    make(map[string]string, len(fields)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *InMemoryStore) PatchRecord(ctx context.Context, recordID string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return errRecordNotFound(recordID)
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) AddAttachment(ctx context.Context, recordID, field string, att models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return errRecordNotFound(recordID)
	}
	s.attachments[recordID] = append(s.attachments[recordID], att)
	return nil
}

// Attachments returns the attachments stored for a record (for tests).
func (s *InMemoryStore) Attachments(recordID string) []models.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Attachment(nil), s.attachments[recordID]...)
}

func (s *InMemoryStore) BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Interval
	for _, b := range s.bookings {
		if b.CalendarID != calendarID {
			continue
		}
		if b.Start.Before(to) && from.Before(b.End) {
			out = append(out, models.Interval{Start: b.Start, End: b.End})
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateBooking(ctx context.Context, b models.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings = append(s.bookings, b)
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[messageID] {
		return false, nil
	}
	s.seen[messageID] = true
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[messageID] = true
	return nil
}

// Processed reports whether a message id has been marked processed.
func (s *InMemoryStore) Processed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[messageID]
}

func copyRecord(rec *models.Record) *models.Record {
	out := *rec
	out.Fields = make(map[string]string, len(rec.Fields))
	for k, v := range rec.Fields {
		out.Fields[k] = v
	}
	return &out
}

type errRecordNotFound string

func (e errRecordNotFound) Error() string {
	return "record " + string(e) + " not found"
}
