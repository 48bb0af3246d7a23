package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/calendar"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/session"
)

// Wall-clock formats used in the scheduler polls and record fields.
const (
	dayOptionFormat  = "Monday, Jan 2"
	slotOptionFormat = "15:04"
	meetingTimeFmt   = "Monday, Jan 2 at 15:04"
)

// startMeeting enters the two-poll scheduler subflow: a day poll first, then
// a time poll for the chosen day. An empty window skips the question with the
// capacity message.
func (e *Engine) startMeeting(ctx context.Context, sess *session.Session, q *models.Question) ([]models.OutboundIntent, error) {
	def := sess.Survey
	if e.scheduler == nil || def.CalendarSettings == nil {
		slog.Error("Engine.startMeeting: no scheduler configured, skipping question", "survey", def.Name, "question", q.ID)
		return e.skipQuestion(ctx, sess, q, nil)
	}

	days, err := e.scheduler.DaysWithAvailability(ctx, def.CalendarSettings)
	if errors.Is(err, models.ErrNoAvailability) {
		slog.Info("Engine.startMeeting: calendar window is full", "survey", def.Name, "identity", sess.Identity)
		capacity := models.TextIntent(sess.Identity, def.Messages.NoAvailabilityOrDefault())
		return e.skipQuestion(ctx, sess, q, []models.OutboundIntent{capacity})
	}
	if err != nil {
		slog.Error("Engine.startMeeting: availability lookup failed", "survey", def.Name, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	sess.Meeting = &session.MeetingState{OfferedDays: days}
	sess.Awaiting = session.AwaitMeetingDay
	text := e.expand(ctx, sess, q.Text)
	return []models.OutboundIntent{models.PollIntentFor(sess.Identity, text, dayOptions(days))}, nil
}

// handleMeetingDay maps a day-poll reply to a concrete day and offers that
// day's free slots.
func (e *Engine) handleMeetingDay(ctx context.Context, sess *session.Session, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	def := sess.Survey
	q, _ := def.Question(sess.CurrentQuestionID)
	m := sess.Meeting
	if m == nil || len(m.OfferedDays) == 0 {
		return e.startMeeting(ctx, sess, q)
	}

	options := dayOptions(m.OfferedDays)
	canonical, ok := flow.CanonicalPollAnswer(options, ev.Text)
	if !ok {
		poll := models.PollIntentFor(sess.Identity, e.expand(ctx, sess, q.Text), options)
		return e.rejectSelection(ctx, sess, poll)
	}
	day := m.OfferedDays[indexOf(options, canonical)]

	slots, err := e.scheduler.SlotsForDay(ctx, def.CalendarSettings, day)
	if errors.Is(err, models.ErrNoAvailability) {
		// The day filled up since it was offered; start over with fresh days.
		slog.Info("Engine.handleMeetingDay: offered day filled up", "survey", def.Name, "day", day)
		intents := []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.SlotTakenOrDefault())}
		more, err := e.startMeeting(ctx, sess, q)
		if err != nil {
			return intents, err
		}
		return append(intents, more...), nil
	}
	if err != nil {
		slog.Error("Engine.handleMeetingDay: slot lookup failed", "survey", def.Name, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	m.Day = day
	m.OfferedSlots = slots
	sess.Awaiting = session.AwaitMeetingSlot
	return []models.OutboundIntent{e.slotPoll(sess, day, slots)}, nil
}

// handleMeetingSlot maps a time-poll reply to a slot and commits the booking
// through the two-phase verify.
func (e *Engine) handleMeetingSlot(ctx context.Context, sess *session.Session, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	def := sess.Survey
	q, _ := def.Question(sess.CurrentQuestionID)
	m := sess.Meeting
	if m == nil || len(m.OfferedSlots) == 0 {
		return e.startMeeting(ctx, sess, q)
	}

	different := def.Messages.DifferentDayOrDefault()
	options := slotOptions(m.OfferedSlots, different)
	canonical, ok := flow.CanonicalPollAnswer(options, ev.Text)
	if !ok {
		return e.rejectSelection(ctx, sess, e.slotPoll(sess, m.Day, m.OfferedSlots))
	}
	if canonical == different {
		return e.startMeeting(ctx, sess, q)
	}
	slot := m.OfferedSlots[indexOf(options, canonical)]

	booking, err := e.scheduler.Book(ctx, def.CalendarSettings, slot, sess.Identity)
	if errors.Is(err, models.ErrSlotTaken) {
		return e.slotConflict(ctx, sess, q, m)
	}
	if err != nil {
		slog.Error("Engine.handleMeetingSlot: booking failed", "survey", def.Name, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	loc, _ := def.CalendarSettings.Location()
	value := booking.Start.In(loc).Format(meetingTimeFmt)
	intents, err := e.commitAnswer(ctx, sess, q, value, nil)
	if err != nil {
		return intents, err
	}
	confirmed := models.TextIntent(sess.Identity, e.expand(ctx, sess, def.Messages.MeetingBookedOrDefault()))
	invitation := models.OutboundIntent{
		Identity: sess.Identity,
		Kind:     models.IntentKindFile,
		File: &models.FileIntent{
			Filename: calendar.ICSFileName,
			MimeType: calendar.ICSMimeType,
			Caption:  def.Messages.InvitationOrDefault(),
			Data:     calendar.InvitationICS(booking, def.Name),
		},
	}
	return append([]models.OutboundIntent{confirmed, invitation}, intents...), nil
}

// slotConflict handles a verify-time booking race: refresh the day's slots
// and re-prompt, falling back to the day poll when the day is now full.
func (e *Engine) slotConflict(ctx context.Context, sess *session.Session, q *models.Question, m *session.MeetingState) ([]models.OutboundIntent, error) {
	def := sess.Survey
	intents := []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.SlotTakenOrDefault())}

	slots, err := e.scheduler.SlotsForDay(ctx, def.CalendarSettings, m.Day)
	if errors.Is(err, models.ErrNoAvailability) {
		more, err := e.startMeeting(ctx, sess, q)
		if err != nil {
			return intents, err
		}
		return append(intents, more...), nil
	}
	if err != nil {
		slog.Error("Engine.slotConflict: slot refresh failed", "survey", def.Name, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	m.OfferedSlots = slots
	return append(intents, e.slotPoll(sess, m.Day, slots)), nil
}

// rejectSelection re-sends a scheduler poll after an unmatched reply,
// cancelling at the retry cap like any other validation failure.
func (e *Engine) rejectSelection(ctx context.Context, sess *session.Session, poll models.OutboundIntent) ([]models.OutboundIntent, error) {
	def := sess.Survey
	sess.RetryCount++
	if sess.RetryCount >= e.maxRetries {
		slog.Info("Engine.rejectSelection: retry cap reached, cancelling", "survey", def.Name, "identity", sess.Identity)
		e.terminate(ctx, sess, models.RecordStatusCancelled)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}
	return []models.OutboundIntent{
		models.TextIntent(sess.Identity, def.Messages.ValidationOrDefault()),
		poll,
	}, nil
}

// skipQuestion advances past a question that cannot be asked, without
// recording an answer.
func (e *Engine) skipQuestion(ctx context.Context, sess *session.Session, q *models.Question, intents []models.OutboundIntent) ([]models.OutboundIntent, error) {
	def := sess.Survey
	next := def.NextQuestionID(q.ID)
	if next == models.TerminalQuestionID {
		if _, err := e.sink.Upsert(ctx, def.SinkTarget, sess.Identity, map[string]string{models.FieldStatus: models.RecordStatusCompleted}); err != nil {
			slog.Error("Engine.skipQuestion: completion write failed", "survey", def.Name, "identity", sess.Identity, "error", err)
			return append(intents, models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())), nil
		}
		sess.Status = models.RecordStatusCompleted
		e.sessions.Delete(sess.Identity)
		return append(intents, models.TextIntent(sess.Identity, e.expand(ctx, sess, def.Messages.CompletionOrDefault()))), nil
	}
	sess.AdvanceTo(next)
	nq, _ := def.Question(next)
	more, err := e.presentQuestion(ctx, sess, nq)
	if err != nil {
		return intents, err
	}
	return append(intents, more...), nil
}

func (e *Engine) slotPoll(sess *session.Session, day time.Time, slots []models.Slot) models.OutboundIntent {
	def := sess.Survey
	text := fmt.Sprintf("What time works best on %s?", day.Format(dayOptionFormat))
	return models.PollIntentFor(sess.Identity, text, slotOptions(slots, def.Messages.DifferentDayOrDefault()))
}

func dayOptions(days []time.Time) []string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = d.Format(dayOptionFormat)
	}
	return out
}

func slotOptions(slots []models.Slot, differentDay string) []string {
	out := make([]string, 0, len(slots)+1)
	for _, s := range slots {
		out = append(out, s.Start.Format(slotOptionFormat))
	}
	return append(out, differentDay)
}

func indexOf(options []string, canonical string) int {
	for i, o := range options {
		if o == canonical {
			return i
		}
	}
	return 0
}
