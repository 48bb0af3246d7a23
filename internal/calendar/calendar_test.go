package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// fakeBookingStore is an in-memory BookingStore with optional injected
// failures.
type fakeBookingStore struct {
	bookings []models.Booking
	busyErr  error
}

func (f *fakeBookingStore) BusyIntervals(ctx context.Context, calendarID string, from, to time.Time) ([]models.Interval, error) {
	if f.busyErr != nil {
		return nil, f.busyErr
	}
	var out []models.Interval
	for _, b := range f.bookings {
		if b.CalendarID != calendarID {
			continue
		}
		if b.Start.Before(to) && from.Before(b.End) {
			out = append(out, models.Interval{Start: b.Start, End: b.End})
		}
	}
	return out, nil
}

func (f *fakeBookingStore) CreateBooking(ctx context.Context, b models.Booking) error {
	f.bookings = append(f.bookings, b)
	return nil
}

func mondaySettings() *models.CalendarSettings {
	return &models.CalendarSettings{
		CalendarID: "default",
		WorkingHours: map[string]models.WorkingWindow{
			"monday": {Start: "09:00", End: "11:00"},
		},
		MeetingDuration: 30,
		Buffer:          15,
		DaysToShow:      1,
		Timezone:        "UTC",
	}
}

// A Monday well in the future relative to the fixed test clock.
var monday = time.Date(2026, time.September, 7, 0, 0, 0, 0, time.UTC)

// fixedNow is the Friday before, so minimum notice never interferes unless a
// test wants it to.
var fixedNow = time.Date(2026, time.September, 4, 12, 0, 0, 0, time.UTC)

func newTestScheduler(store BookingStore) *Scheduler {
	return NewScheduler(store, WithClock(func() time.Time { return fixedNow }))
}

func TestSlotsForDay_BufferedStepAroundExistingBooking(t *testing.T) {
	// Working hours 09:00-11:00, duration 30, buffer 15, one booking
	// 09:00-09:30: only 09:45 and 10:30 remain bookable.
	store := &fakeBookingStore{bookings: []models.Booking{{
		ID:         "bk_existing",
		CalendarID: "default",
		Start:      monday.Add(9 * time.Hour),
		End:        monday.Add(9*time.Hour + 30*time.Minute),
	}}}
	sched := newTestScheduler(store)

	slots, err := sched.SlotsForDay(context.Background(), mondaySettings(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d: %+v", len(slots), slots)
	}
	wantStarts := []time.Time{
		monday.Add(9*time.Hour + 45*time.Minute),
		monday.Add(10*time.Hour + 30*time.Minute),
	}
	for i, want := range wantStarts {
		if !slots[i].Start.Equal(want) {
			t.Errorf("slot %d starts at %v, want %v", i, slots[i].Start, want)
		}
		if !slots[i].End.Equal(want.Add(30 * time.Minute)) {
			t.Errorf("slot %d ends at %v, want %v", i, slots[i].End, want.Add(30*time.Minute))
		}
	}
}

func TestSlotsForDay_EmptyCalendar(t *testing.T) {
	sched := newTestScheduler(&fakeBookingStore{})

	slots, err := sched.SlotsForDay(context.Background(), mondaySettings(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 09:00, 09:45, 10:30 all fit inside 09:00-11:00.
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d: %+v", len(slots), slots)
	}
	if !slots[0].Start.Equal(monday.Add(9 * time.Hour)) {
		t.Errorf("first slot should start at window start, got %v", slots[0].Start)
	}
}

func TestSlotsForDay_NoSlotOverlapsExpandedBookings(t *testing.T) {
	store := &fakeBookingStore{bookings: []models.Booking{{
		CalendarID: "default",
		Start:      monday.Add(9*time.Hour + 45*time.Minute),
		End:        monday.Add(10*time.Hour + 15*time.Minute),
	}}}
	sched := newTestScheduler(store)

	slots, err := sched.SlotsForDay(context.Background(), mondaySettings(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buffer := 15 * time.Minute
	for _, slot := range slots {
		for _, b := range store.bookings {
			expanded := models.Interval{Start: b.Start.Add(-buffer), End: b.End.Add(buffer)}
			if slot.Interval().Overlaps(expanded) {
				t.Errorf("slot %v overlaps expanded booking %v", slot, expanded)
			}
		}
	}
}

func TestSlotsForDay_MinimumNotice(t *testing.T) {
	store := &fakeBookingStore{}
	// Clock set to 08:30 on the target Monday: with a 2h notice, slots before
	// 10:30 are not offered.
	sameDay := monday.Add(8*time.Hour + 30*time.Minute)
	sched := NewScheduler(store, WithClock(func() time.Time { return sameDay }))

	slots, err := sched.SlotsForDay(context.Background(), mondaySettings(), monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 1 || !slots[0].Start.Equal(monday.Add(10*time.Hour+30*time.Minute)) {
		t.Fatalf("expected only the 10:30 slot, got %+v", slots)
	}
	for _, slot := range slots {
		if slot.Start.Before(sameDay.Add(DefaultMinimumNotice)) {
			t.Errorf("slot %v violates minimum notice", slot.Start)
		}
	}
}

func TestSlotsForDay_UnconfiguredDayAndWeekend(t *testing.T) {
	sched := newTestScheduler(&fakeBookingStore{})

	// Tuesday has no working hours configured.
	tuesday := monday.AddDate(0, 0, 1)
	if _, err := sched.SlotsForDay(context.Background(), mondaySettings(), tuesday); !errors.Is(err, models.ErrNoAvailability) {
		t.Errorf("expected ErrNoAvailability for unconfigured day, got %v", err)
	}

	// Monday flagged as weekend is skipped even with working hours.
	set := mondaySettings()
	set.WeekendDays = []string{"monday"}
	if _, err := sched.SlotsForDay(context.Background(), set, monday); !errors.Is(err, models.ErrNoAvailability) {
		t.Errorf("expected ErrNoAvailability for weekend day, got %v", err)
	}
}

func TestDaysWithAvailability(t *testing.T) {
	set := mondaySettings()
	set.DaysToShow = 7
	set.WorkingHours["wednesday"] = models.WorkingWindow{Start: "09:00", End: "10:00"}

	// Clock inside the window so "today" is the Monday.
	sched := NewScheduler(&fakeBookingStore{}, WithClock(func() time.Time { return monday.Add(6 * time.Hour) }))

	days, err := sched.DaysWithAvailability(context.Background(), set)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(days) != 2 {
		t.Fatalf("expected monday and wednesday, got %+v", days)
	}
	if days[0].Weekday() != time.Monday || days[1].Weekday() != time.Wednesday {
		t.Errorf("unexpected days: %v", days)
	}
}

func TestDaysWithAvailability_FullWindow(t *testing.T) {
	set := mondaySettings()
	// Single booking covering the whole working window leaves nothing.
	store := &fakeBookingStore{bookings: []models.Booking{{
		CalendarID: "default",
		Start:      monday.Add(9 * time.Hour),
		End:        monday.Add(11 * time.Hour),
	}}}
	sched := NewScheduler(store, WithClock(func() time.Time { return monday }))

	if _, err := sched.DaysWithAvailability(context.Background(), set); !errors.Is(err, models.ErrNoAvailability) {
		t.Errorf("expected ErrNoAvailability, got %v", err)
	}
}

func TestBook_CommitsAfterReValidation(t *testing.T) {
	store := &fakeBookingStore{}
	sched := newTestScheduler(store)
	set := mondaySettings()

	slot := models.Slot{Start: monday.Add(9 * time.Hour), End: monday.Add(9*time.Hour + 30*time.Minute)}
	booking, err := sched.Book(context.Background(), set, slot, "+1555")
	if err != nil {
		t.Fatalf("expected booking to succeed, got %v", err)
	}
	if booking.ID == "" || !booking.Start.Equal(slot.Start) {
		t.Errorf("unexpected booking: %+v", booking)
	}
	if len(store.bookings) != 1 {
		t.Fatalf("expected 1 persisted booking, got %d", len(store.bookings))
	}
}

func TestBook_ConflictAfterOfferReturnsSlotTaken(t *testing.T) {
	store := &fakeBookingStore{}
	sched := newTestScheduler(store)
	set := mondaySettings()

	slot := models.Slot{Start: monday.Add(9 * time.Hour), End: monday.Add(9*time.Hour + 30*time.Minute)}

	// Another session books an overlapping slot between offer and commit.
	store.bookings = append(store.bookings, models.Booking{
		CalendarID: "default",
		Start:      monday.Add(9*time.Hour + 15*time.Minute),
		End:        monday.Add(9*time.Hour + 45*time.Minute),
	})

	if _, err := sched.Book(context.Background(), set, slot, "+1555"); !errors.Is(err, models.ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if len(store.bookings) != 1 {
		t.Errorf("conflicting booking must not be persisted, have %d", len(store.bookings))
	}
}

func TestBook_StoreFailureIsNotSlotTaken(t *testing.T) {
	store := &fakeBookingStore{busyErr: errors.New("calendar store down")}
	sched := newTestScheduler(store)

	slot := models.Slot{Start: monday.Add(9 * time.Hour), End: monday.Add(9*time.Hour + 30*time.Minute)}
	_, err := sched.Book(context.Background(), mondaySettings(), slot, "+1555")
	if err == nil || errors.Is(err, models.ErrSlotTaken) {
		t.Errorf("transient store failure must surface as an error, got %v", err)
	}
}
