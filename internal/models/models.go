// Package models defines the shared data types for SurveyPipe.
//
// It contains the survey definition schema, the normalized event and intent
// types exchanged with messaging transports, and the record/booking types
// used by the storage backends.
package models

import (
	"time"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	QuestionTypeText     QuestionType = "text"
	QuestionTypePoll     QuestionType = "poll"
	QuestionTypeVoice    QuestionType = "voice_file"
	QuestionTypeMeeting  QuestionType = "meeting_scheduler"
	QuestionTypeFile     QuestionType = "file"
	QuestionTypeFileSend QuestionType = "file_to_send"
)

// TerminalQuestionID is the sentinel goto target that completes a survey.
const TerminalQuestionID = "end"

// FlowAction describes what happens when a flow case matches: an optional
// side-message and an optional override of the next question id.
type FlowAction struct {
	Say  string `json:"say,omitempty"`
	Goto string `json:"goto,omitempty"`
}

// FlowCase pairs an answer match with its action. Answer is a single literal;
// AnswerIn is a set-membership alternative. One of the two should be set.
type FlowCase struct {
	Answer   string     `json:"answer,omitempty"`
	AnswerIn []string   `json:"answer_in,omitempty"`
	Then     FlowAction `json:"then"`
}

// FlowBlock is the conditional block attached to a question: one "if" plus an
// ordered list of "else_if" cases. Cases are evaluated strictly in declared
// order; the first match wins.
type FlowBlock struct {
	If     *FlowCase  `json:"if,omitempty"`
	ElseIf []FlowCase `json:"else_if,omitempty"`
}

// QuestionFile is the payload of a file_to_send question: a file the bot
// delivers to the participant, with an optional caption.
type QuestionFile struct {
	Path    string `json:"path"`
	Caption string `json:"caption,omitempty"`
}

// Question is a single survey step.
type Question struct {
	ID           string        `json:"id"`
	Type         QuestionType  `json:"type"`
	Text         string        `json:"text"`
	Options      []string      `json:"options,omitempty"`
	Reflection   string        `json:"reflection,omitempty"`
	Flow         *FlowBlock    `json:"flow,omitempty"`
	AllowedTypes []string      `json:"allowed_types,omitempty"`
	File         *QuestionFile `json:"file,omitempty"`
	Field        string        `json:"field,omitempty"`
}

// WorkingWindow is a day's working-hour window in "HH:MM" wall-clock strings.
type WorkingWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// CalendarSettings configures the availability scheduler for a survey's
// meeting questions. WorkingHours is keyed by lowercase English weekday name.
type CalendarSettings struct {
	CalendarID      string                   `json:"calendar_id"`
	WorkingHours    map[string]WorkingWindow `json:"working_hours"`
	MeetingDuration int                      `json:"meeting_duration"`
	Buffer          int                      `json:"buffer_between_meetings"`
	DaysToShow      int                      `json:"days_to_show"`
	Timezone        string                   `json:"timezone"`
	WeekendDays     []string                 `json:"weekend_days,omitempty"`
}

// Location resolves the configured IANA timezone. An empty timezone means UTC.
func (c *CalendarSettings) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// IsWeekend reports whether the given lowercase weekday name is flagged as a
// weekend day.
func (c *CalendarSettings) IsWeekend(weekday string) bool {
	for _, d := range c.WeekendDays {
		if d == weekday {
			return true
		}
	}
	return false
}

// Messages holds the user-facing message templates of a survey. Empty fields
// fall back to the package defaults below.
type Messages struct {
	Welcome        string `json:"welcome,omitempty"`
	Completion     string `json:"completion,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	Reminder       string `json:"reminder,omitempty"`
	Error          string `json:"error,omitempty"`
	Validation     string `json:"validation,omitempty"`
	NoAvailability string `json:"no_availability,omitempty"`
	SlotTaken      string `json:"slot_taken,omitempty"`
	DifferentDay   string `json:"different_day,omitempty"`
	MeetingBooked  string `json:"meeting_booked,omitempty"`
	Invitation     string `json:"invitation,omitempty"`
}

// Default message templates used when a survey does not override them.
const (
	DefaultWelcomeMessage        = "Hi! Let's get started."
	DefaultCompletionMessage     = "Thank you, that's everything we needed!"
	DefaultTimeoutMessage        = "This conversation timed out due to inactivity. Message us again any time to restart."
	DefaultReminderMessage       = "Just checking in - we're still waiting for your answer."
	DefaultErrorMessage          = "Sorry, something went wrong on our side. Please send that again in a moment."
	DefaultValidationMessage     = "Sorry, I didn't catch that. Please try again."
	DefaultNoAvailabilityMessage = "Unfortunately there are no available meeting times right now."
	DefaultSlotTakenMessage      = "That time was just taken. Here are the updated options:"
	DefaultDifferentDayOption    = "A different day"
	DefaultMeetingBookedMessage  = "Your meeting is booked for {{meeting_time}}. See you then!"
	DefaultInvitationCaption     = "Tap the file to save the meeting to your calendar."
)

func (m Messages) WelcomeOrDefault() string    { return orDefault(m.Welcome, DefaultWelcomeMessage) }
func (m Messages) CompletionOrDefault() string { return orDefault(m.Completion, DefaultCompletionMessage) }
func (m Messages) TimeoutOrDefault() string    { return orDefault(m.Timeout, DefaultTimeoutMessage) }
func (m Messages) ReminderOrDefault() string   { return orDefault(m.Reminder, DefaultReminderMessage) }
func (m Messages) ErrorOrDefault() string      { return orDefault(m.Error, DefaultErrorMessage) }
func (m Messages) ValidationOrDefault() string { return orDefault(m.Validation, DefaultValidationMessage) }
func (m Messages) NoAvailabilityOrDefault() string {
	return orDefault(m.NoAvailability, DefaultNoAvailabilityMessage)
}
func (m Messages) SlotTakenOrDefault() string { return orDefault(m.SlotTaken, DefaultSlotTakenMessage) }
func (m Messages) DifferentDayOrDefault() string {
	return orDefault(m.DifferentDay, DefaultDifferentDayOption)
}
func (m Messages) MeetingBookedOrDefault() string {
	return orDefault(m.MeetingBooked, DefaultMeetingBookedMessage)
}
func (m Messages) InvitationOrDefault() string {
	return orDefault(m.Invitation, DefaultInvitationCaption)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// AISettings controls the optional generative features of a survey.
type AISettings struct {
	SummaryEnabled   bool   `json:"summary_enabled,omitempty"`
	SummaryMaxLength int    `json:"summary_max_length,omitempty"`
	SummaryPrompt    string `json:"summary_prompt,omitempty"`
}

// DefaultMaxFileSizeBytes caps file-type answers at 5 MiB.
const DefaultMaxFileSizeBytes = 5 * 1024 * 1024

// SurveyDefinition is the immutable, validated description of one survey.
// It is loaded once at startup and shared read-only across sessions.
type SurveyDefinition struct {
	Name             string            `json:"name"`
	Questions        []Question        `json:"questions"`
	TriggerPhrases   []string          `json:"trigger_phrases"`
	StopPhrases      []string          `json:"stop_phrases,omitempty"`
	CalendarSettings *CalendarSettings `json:"calendar_settings,omitempty"`
	Messages         Messages          `json:"messages,omitempty"`
	SinkTarget       string            `json:"sink_target"`
	FieldMapping     map[string]string `json:"field_mapping,omitempty"`
	AI               AISettings        `json:"ai,omitempty"`
	MaxFileSizeBytes int64             `json:"max_file_size_bytes,omitempty"`
}

// Question returns the question with the given id, or false when it does not
// exist. TerminalQuestionID never resolves to a question.
func (s *SurveyDefinition) Question(id string) (*Question, bool) {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			return &s.Questions[i], true
		}
	}
	return nil, false
}

// NextQuestionID returns the id of the question following the given one in
// declared order, or TerminalQuestionID when it is the last question.
func (s *SurveyDefinition) NextQuestionID(id string) string {
	for i := range s.Questions {
		if s.Questions[i].ID == id {
			if i+1 < len(s.Questions) {
				return s.Questions[i+1].ID
			}
			return TerminalQuestionID
		}
	}
	return TerminalQuestionID
}

// MaxFileSize returns the configured file size cap with its default applied.
func (s *SurveyDefinition) MaxFileSize() int64 {
	if s.MaxFileSizeBytes > 0 {
		return s.MaxFileSizeBytes
	}
	return DefaultMaxFileSizeBytes
}

// FieldFor maps a question to its tabular field name, honoring the
// survey-level field mapping before the question id itself.
func (s *SurveyDefinition) FieldFor(q *Question) string {
	if name, ok := s.FieldMapping[q.ID]; ok && name != "" {
		return name
	}
	if q.Field != "" {
		return q.Field
	}
	return q.ID
}
