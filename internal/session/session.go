// Package session owns the live conversation state: one mutable Session per
// respondent identity, registered in a Store that serializes all work per
// identity.
package session

import (
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Await discriminates what input the session is waiting for.
type Await string

const (
	AwaitAnswer      Await = "answer"
	AwaitMeetingDay  Await = "meeting_day"
	AwaitMeetingSlot Await = "meeting_slot"
)

// MeetingState tracks the in-flight meeting-scheduler subflow: which stage it
// is at and the day/slot choices last offered, so an inbound poll answer can
// be mapped back to a concrete selection.
type MeetingState struct {
	Day          time.Time
	OfferedDays  []time.Time
	OfferedSlots []models.Slot
}

// Answer is one normalized answer in arrival order.
type Answer struct {
	QuestionID string
	Value      string
	AnsweredAt time.Time
}

// Session is the live, mutable conversation state for one respondent. It is
// created on trigger-phrase match and destroyed on completion, cancel, or
// timeout. All mutation happens under the owning Store's per-identity lock.
type Session struct {
	Identity          string
	Survey            *models.SurveyDefinition
	CurrentQuestionID string
	Status            string
	Awaiting          Await
	RetryCount        int
	ReminderSent      bool
	RecordID          string
	Meeting           *MeetingState
	CreatedAt         time.Time
	LastActivityAt    time.Time

	answers []Answer
	byID    map[string]int
}

// New creates a session positioned at the survey's first question.
func New(identity string, def *models.SurveyDefinition, now time.Time) *Session {
	return &Session{
		Identity:          identity,
		Survey:            def,
		CurrentQuestionID: def.Questions[0].ID,
		Status:            models.RecordStatusNew,
		Awaiting:          AwaitAnswer,
		CreatedAt:         now,
		LastActivityAt:    now,
		byID:              make(map[string]int),
	}
}

// Touch records activity, resetting the inactivity clock and any pending
// reminder.
func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now
	s.ReminderSent = false
}

// SetAnswer stores a normalized answer, preserving first-arrival order when a
// question is answered again (e.g. after a flow loop).
func (s *Session) SetAnswer(questionID, value string, now time.Time) {
	if i, ok := s.byID[questionID]; ok {
		s.answers[i].Value = value
		s.answers[i].AnsweredAt = now
		return
	}
	s.byID[questionID] = len(s.answers)
	s.answers = append(s.answers, Answer{QuestionID: questionID, Value: value, AnsweredAt: now})
}

// Answer returns the stored answer for a question id.
func (s *Session) Answer(questionID string) (string, bool) {
	i, ok := s.byID[questionID]
	if !ok {
		return "", false
	}
	return s.answers[i].Value, true
}

// Answers returns the answers in insertion order. The slice is shared; callers
// must not mutate it.
func (s *Session) Answers() []Answer {
	return s.answers
}

// AdvanceTo moves the session to the given question id and resets the
// per-question retry state. The caller is responsible for id validity.
func (s *Session) AdvanceTo(questionID string) {
	s.CurrentQuestionID = questionID
	s.RetryCount = 0
	s.Awaiting = AwaitAnswer
	s.Meeting = nil
}

// Completed reports whether the session reached the terminal marker.
func (s *Session) Completed() bool {
	return s.CurrentQuestionID == models.TerminalQuestionID
}
