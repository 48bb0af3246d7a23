// Package calendar implements the meeting availability scheduler: candidate
// slot generation under working-hour, buffer, and minimum-notice constraints,
// and a compute-then-verify booking commit.
//
// Slot listing is optimistic: it works on a busy-interval snapshot fetched at
// computation time. The commit path re-fetches the target day's snapshot and
// re-validates before persisting, closing the race where two sessions booked
// against the same stale view.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
	"github.com/BTreeMap/SurveyPipe/internal/util"
)

// DefaultMinimumNotice guards against offering slots that start too soon.
const DefaultMinimumNotice = 2 * time.Hour

// BookingStore is the calendar store boundary: read busy intervals for a
// window, write a single booking.
type BookingStore interface {
	BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error)
	CreateBooking(ctx context.Context, b models.Booking) error
}

// Opts holds configuration options for the Scheduler.
type Opts struct {
	MinimumNotice time.Duration
	Now           func() time.Time
}

// Option defines a configuration option for the Scheduler.
type Option func(*Opts)

// WithMinimumNotice overrides the minimum-notice guard.
func WithMinimumNotice(d time.Duration) Option {
	return func(o *Opts) { o.MinimumNotice = d }
}

// WithClock injects the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Scheduler computes free slots and commits bookings against a BookingStore.
type Scheduler struct {
	store     BookingStore
	minNotice time.Duration
	now       func() time.Time
}

// NewScheduler creates a scheduler over the given booking store.
func NewScheduler(store BookingStore, opts ...Option) *Scheduler {
	cfg := Opts{MinimumNotice: DefaultMinimumNotice, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{store: store, minNotice: cfg.MinimumNotice, now: cfg.Now}
}

// DaysWithAvailability returns the days in [today, today+days_to_show) that
// have at least one bookable slot, in chronological order. Returns
// models.ErrNoAvailability when the whole window is full.
func (s *Scheduler) DaysWithAvailability(ctx context.Context, set *models.CalendarSettings) ([]time.Time, error) {
	loc, err := set.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar timezone: %w", err)
	}

	now := s.now().In(loc)
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	windowEnd := windowStart.AddDate(0, 0, set.DaysToShow)

	busy, err := s.store.BusyIntervals(ctx, set.CalendarID, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch busy intervals: %w", err)
	}

	var days []time.Time
	for day := windowStart; day.Before(windowEnd); day = day.AddDate(0, 0, 1) {
		slots, err := slotsForDay(set, day, busy, now, s.minNotice)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			days = append(days, day)
		}
	}

	if len(days) == 0 {
		slog.Debug("Scheduler.DaysWithAvailability: window is full", "calendar_id", set.CalendarID, "days_to_show", set.DaysToShow)
		return nil, models.ErrNoAvailability
	}
	return days, nil
}

// SlotsForDay returns the bookable slots of one day against a fresh busy
// snapshot, in chronological order. Returns models.ErrNoAvailability when the
// day has none.
func (s *Scheduler) SlotsForDay(ctx context.Context, set *models.CalendarSettings, day time.Time) ([]models.Slot, error) {
	loc, err := set.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar timezone: %w", err)
	}
	day = day.In(loc)
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	busy, err := s.store.BusyIntervals(ctx, set.CalendarID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch busy intervals: %w", err)
	}

	slots, err := slotsForDay(set, dayStart, busy, s.now().In(loc), s.minNotice)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, models.ErrNoAvailability
	}
	return slots, nil
}

// Book commits a chosen slot. It re-fetches the live snapshot for the slot's
// day and re-validates no overlap was introduced since the slot was offered;
// only then the booking is persisted. Returns models.ErrSlotTaken when the
// re-check fails, in which case the caller should recompute and re-prompt.
func (s *Scheduler) Book(ctx context.Context, set *models.CalendarSettings, slot models.Slot, identity string) (models.Booking, error) {
	loc, err := set.Location()
	if err != nil {
		return models.Booking{}, fmt.Errorf("failed to load calendar timezone: %w", err)
	}

	start := slot.Start.In(loc)
	dayStart := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	busy, err := s.store.BusyIntervals(ctx, set.CalendarID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return models.Booking{}, fmt.Errorf("failed to re-fetch busy intervals: %w", err)
	}

	now := s.now().In(loc)
	if start.Before(now.Add(s.minNotice)) {
		return models.Booking{}, models.ErrSlotTaken
	}
	buffer := time.Duration(set.Buffer) * time.Minute
	for _, b := range busy {
		expanded := models.Interval{Start: b.Start.Add(-buffer), End: b.End.Add(buffer)}
		if slot.Interval().Overlaps(expanded) {
			slog.Info("Scheduler.Book: slot conflict on re-check", "calendar_id", set.CalendarID, "slot_start", slot.Start)
			return models.Booking{}, models.ErrSlotTaken
		}
	}

	booking := models.Booking{
		ID:         util.GenerateBookingID(),
		CalendarID: set.CalendarID,
		Identity:   identity,
		Start:      slot.Start,
		End:        slot.End,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateBooking(ctx, booking); err != nil {
		return models.Booking{}, fmt.Errorf("failed to persist booking: %w", err)
	}
	slog.Info("Scheduler.Book: booking committed", "calendar_id", set.CalendarID, "booking_id", booking.ID, "start", booking.Start)
	return booking, nil
}

// slotsForDay generates the candidate slots of one day and filters them
// against the minimum-notice guard and the busy snapshot. Candidates step by
// duration + buffer from the working window's start; each busy interval is
// expanded by the buffer on both sides before the overlap check.
func slotsForDay(set *models.CalendarSettings, dayStart time.Time, busy []models.Interval, now time.Time, minNotice time.Duration) ([]models.Slot, error) {
	weekday := strings.ToLower(dayStart.Weekday().String())
	if set.IsWeekend(weekday) {
		return nil, nil
	}
	window, ok := set.WorkingHours[weekday]
	if !ok {
		return nil, nil
	}

	startOffset, err := survey.ParseTimeOfDay(window.Start)
	if err != nil {
		return nil, fmt.Errorf("malformed working hours for %s: %w", weekday, err)
	}
	endOffset, err := survey.ParseTimeOfDay(window.End)
	if err != nil {
		return nil, fmt.Errorf("malformed working hours for %s: %w", weekday, err)
	}

	duration := time.Duration(set.MeetingDuration) * time.Minute
	buffer := time.Duration(set.Buffer) * time.Minute
	step := duration + buffer
	windowEnd := dayStart.Add(endOffset)
	earliest := now.Add(minNotice)

	var slots []models.Slot
	for start := dayStart.Add(startOffset); !start.Add(duration).After(windowEnd); start = start.Add(step) {
		if start.Before(earliest) {
			continue
		}
		candidate := models.Slot{Start: start, End: start.Add(duration)}
		conflict := false
		for _, b := range busy {
			expanded := models.Interval{Start: b.Start.Add(-buffer), End: b.End.Add(buffer)}
			if candidate.Interval().Overlaps(expanded) {
				conflict = true
				break
			}
		}
		if !conflict {
			slots = append(slots, candidate)
		}
	}
	return slots, nil
}
