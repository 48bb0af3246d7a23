package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

func meetingSurvey() *models.SurveyDefinition {
	return &models.SurveyDefinition{
		Name:           "intro-call",
		SinkTarget:     "intro-call",
		TriggerPhrases: []string{"meeting"},
		StopPhrases:    []string{"stop"},
		Questions: []models.Question{
			{ID: "meeting", Type: models.QuestionTypeMeeting, Text: "Which day works for you?"},
		},
		CalendarSettings: &models.CalendarSettings{
			CalendarID: "cal-1",
			WorkingHours: map[string]models.WorkingWindow{
				"monday": {Start: "09:00", End: "11:00"},
			},
			MeetingDuration: 30,
			Buffer:          15,
			DaysToShow:      7,
			Timezone:        "UTC",
		},
	}
}

func TestMeetingSubflowBooksASlot(t *testing.T) {
	def := meetingSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	// Friday noon; the only working day in the window is Monday Sep 7.
	intents := mustHandle(t, f.engine, text("+1555", "meeting please"))
	dayPoll := intents[len(intents)-1]
	if dayPoll.Kind != models.IntentKindPoll {
		t.Fatalf("expected a day poll, got %+v", dayPoll)
	}
	if len(dayPoll.Poll.Options) != 1 || dayPoll.Poll.Options[0] != "Monday, Sep 7" {
		t.Fatalf("unexpected day options: %v", dayPoll.Poll.Options)
	}

	intents = mustHandle(t, f.engine, text("+1555", "1"))
	slotPoll := intents[len(intents)-1]
	want := []string{"09:00", "09:45", "10:30", models.DefaultDifferentDayOption}
	if len(slotPoll.Poll.Options) != len(want) {
		t.Fatalf("unexpected slot options: %v", slotPoll.Poll.Options)
	}
	for i, opt := range want {
		if slotPoll.Poll.Options[i] != opt {
			t.Errorf("slot option %d = %q, want %q", i, slotPoll.Poll.Options[i], opt)
		}
	}

	intents = mustHandle(t, f.engine, text("+1555", "09:45"))
	if intents[0].Text != "Your meeting is booked for Monday, Sep 7 at 09:45. See you then!" {
		t.Errorf("unexpected confirmation: %q", intents[0].Text)
	}
	if got := lastText(t, intents); got != models.DefaultCompletionMessage {
		t.Errorf("expected completion after final question, got %q", got)
	}

	rec, _ := f.mem.FindRecord(ctx, "intro-call", "+1555")
	if rec.Fields[models.FieldMeetingTime] != "Monday, Sep 7 at 09:45" {
		t.Errorf("meeting time not recorded: %+v", rec.Fields)
	}

	busy, _ := f.mem.BusyIntervals(ctx, "cal-1", f.now, f.now.AddDate(0, 0, 7))
	if len(busy) != 1 {
		t.Fatalf("expected one committed booking, got %d", len(busy))
	}
	wantStart := time.Date(2026, 9, 7, 9, 45, 0, 0, time.UTC)
	if !busy[0].Start.Equal(wantStart) {
		t.Errorf("booking start = %v, want %v", busy[0].Start, wantStart)
	}
}

func TestMeetingSlotTakenRecomputesAndReprompts(t *testing.T) {
	def := meetingSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "meeting"))
	mustHandle(t, f.engine, text("+1555", "1"))

	// Another participant grabs 09:45 between the offer and the reply.
	taken := models.Booking{
		ID:         "bk_other",
		CalendarID: "cal-1",
		Start:      time.Date(2026, 9, 7, 9, 45, 0, 0, time.UTC),
		End:        time.Date(2026, 9, 7, 10, 15, 0, 0, time.UTC),
	}
	if err := f.mem.CreateBooking(ctx, taken); err != nil {
		t.Fatal(err)
	}

	intents := mustHandle(t, f.engine, text("+1555", "09:45"))
	if intents[0].Text != models.DefaultSlotTakenMessage {
		t.Fatalf("expected slot-taken message, got %+v", intents)
	}
	refreshed := intents[len(intents)-1]
	want := []string{"09:00", "10:30", models.DefaultDifferentDayOption}
	if len(refreshed.Poll.Options) != len(want) {
		t.Fatalf("unexpected refreshed options: %v", refreshed.Poll.Options)
	}
	for i, opt := range want {
		if refreshed.Poll.Options[i] != opt {
			t.Errorf("refreshed option %d = %q, want %q", i, refreshed.Poll.Options[i], opt)
		}
	}

	// The session is still live and the surviving slot books cleanly.
	intents = mustHandle(t, f.engine, text("+1555", "10:30"))
	if intents[0].Text != "Your meeting is booked for Monday, Sep 7 at 10:30. See you then!" {
		t.Errorf("unexpected confirmation after retry: %q", intents[0].Text)
	}
}

func TestMeetingDifferentDayReturnsToDayPoll(t *testing.T) {
	def := meetingSurvey()
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "meeting"))
	mustHandle(t, f.engine, text("+1555", "1"))

	intents := mustHandle(t, f.engine, text("+1555", models.DefaultDifferentDayOption))
	poll := intents[len(intents)-1]
	if poll.Kind != models.IntentKindPoll || poll.Poll.Question != "Which day works for you?" {
		t.Errorf("expected a fresh day poll, got %+v", poll)
	}
}

func TestMeetingNoAvailabilitySkipsQuestion(t *testing.T) {
	def := meetingSurvey()
	// Only today's morning is configured; by noon every candidate violates
	// the minimum notice, so the window holds nothing.
	def.CalendarSettings.WorkingHours = map[string]models.WorkingWindow{
		"friday": {Start: "08:00", End: "09:00"},
	}
	def.Questions = append(def.Questions, models.Question{ID: "notes", Type: models.QuestionTypeText, Text: "Anything to add?"})
	f := newFixture(t, def, nil)

	intents := mustHandle(t, f.engine, text("+1555", "meeting"))
	if intents[1].Text != models.DefaultNoAvailabilityMessage {
		t.Fatalf("expected capacity message, got %+v", intents)
	}
	if got := lastText(t, intents); got != "Anything to add?" {
		t.Errorf("expected skip to the next question, got %q", got)
	}
	sess, ok := f.sessions.Get("+1555")
	if !ok || sess.CurrentQuestionID != "notes" {
		t.Error("session should sit at the follow-up question")
	}
}

func TestMeetingInvalidSelectionReprompts(t *testing.T) {
	def := meetingSurvey()
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "meeting"))
	intents := mustHandle(t, f.engine, text("+1555", "next century"))
	if intents[0].Text != models.DefaultValidationMessage {
		t.Fatalf("expected validation message, got %+v", intents)
	}
	if intents[1].Kind != models.IntentKindPoll {
		t.Errorf("expected the day poll re-sent, got %+v", intents[1])
	}
}

func TestMeetingBookingSendsCalendarInvitation(t *testing.T) {
	def := meetingSurvey()
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "meeting please"))
	mustHandle(t, f.engine, text("+1555", "1"))
	intents := mustHandle(t, f.engine, text("+1555", "09:45"))

	if len(intents) < 3 {
		t.Fatalf("expected confirmation + invitation + completion, got %+v", intents)
	}
	invitation := intents[1]
	if invitation.Kind != models.IntentKindFile || invitation.File == nil {
		t.Fatalf("expected invitation file after confirmation, got %+v", invitation)
	}
	if invitation.File.Filename != "meeting.ics" || invitation.File.MimeType != "text/calendar" {
		t.Errorf("unexpected invitation metadata: %+v", invitation.File)
	}
	if invitation.File.Caption != models.DefaultInvitationCaption {
		t.Errorf("unexpected caption: %q", invitation.File.Caption)
	}

	body := string(invitation.File.Data)
	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"BEGIN:VEVENT",
		"DTSTART:20260907T094500Z",
		"DTEND:20260907T101500Z",
		"SUMMARY:intro-call",
		"END:VCALENDAR",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("invitation missing %q:\n%s", want, body)
		}
	}
}
