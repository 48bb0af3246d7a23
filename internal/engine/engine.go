// Package engine implements the conversation orchestrator: it consumes
// normalized inbound events, drives each identity's session through its
// survey, and emits outbound intents. The engine never touches a transport;
// delivery belongs to the messaging dispatcher.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/calendar"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/session"
	"github.com/BTreeMap/SurveyPipe/internal/sink"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
	"github.com/BTreeMap/SurveyPipe/internal/tone"
)

const (
	// DefaultMaxRetries caps validation re-prompts per question before the
	// session is cancelled.
	DefaultMaxRetries = 3
	// DefaultReminderAfter is the idle window before a nudge is sent.
	DefaultReminderAfter = 2 * time.Minute
	// DefaultTimeoutAfter is the idle window before a session is terminated.
	DefaultTimeoutAfter = 15 * time.Minute
)

// stopConfirmation acknowledges an explicit cancel command.
const stopConfirmation = "Okay, survey cancelled. Message us again any time to restart."

// AIClient is the generative collaborator. All of its uses are soft-fail:
// reflection, summary, and transcription errors degrade, never abort.
type AIClient interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Transcribe(ctx context.Context, data []byte, filename, mimeType string) (string, error)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Scheduler     *calendar.Scheduler
	Dedup         store.DedupRepo
	AI            AIClient
	Now           func() time.Time
	MaxRetries    int
	ReminderAfter time.Duration
	TimeoutAfter  time.Duration
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithScheduler wires the availability scheduler used by meeting questions.
func WithScheduler(s *calendar.Scheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithDedup wires the inbound message dedup repo.
func WithDedup(d store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = d }
}

// WithAI wires the generative collaborator.
func WithAI(c AIClient) Option {
	return func(o *Opts) { o.AI = c }
}

// WithClock injects the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithMaxRetries overrides the per-question validation retry cap.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithReminderAfter overrides the idle window before a reminder.
func WithReminderAfter(d time.Duration) Option {
	return func(o *Opts) { o.ReminderAfter = d }
}

// WithTimeoutAfter overrides the idle window before termination.
func WithTimeoutAfter(d time.Duration) Option {
	return func(o *Opts) { o.TimeoutAfter = d }
}

// Engine drives survey sessions. All per-identity work runs under the session
// store's identity lock.
type Engine struct {
	registry  *survey.Registry
	sessions  *session.Store
	sink      *sink.Sink
	scheduler *calendar.Scheduler
	dedup     store.DedupRepo
	ai        AIClient

	now           func() time.Time
	maxRetries    int
	reminderAfter time.Duration
	timeoutAfter  time.Duration

	// reflections is shared across identities; reflectMu guards it because
	// the per-identity session lock does not.
	reflectMu   sync.Mutex
	reflections map[string]string
}

// New creates an engine over the survey registry, session store, and sink.
func New(registry *survey.Registry, sessions *session.Store, snk *sink.Sink, opts ...Option) *Engine {
	cfg := Opts{
		Now:           time.Now,
		MaxRetries:    DefaultMaxRetries,
		ReminderAfter: DefaultReminderAfter,
		TimeoutAfter:  DefaultTimeoutAfter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		registry:      registry,
		sessions:      sessions,
		sink:          snk,
		scheduler:     cfg.Scheduler,
		dedup:         cfg.Dedup,
		ai:            cfg.AI,
		now:           cfg.Now,
		maxRetries:    cfg.MaxRetries,
		reminderAfter: cfg.ReminderAfter,
		timeoutAfter:  cfg.TimeoutAfter,
		reflections:   make(map[string]string),
	}
}

// HandleEvent processes one inbound event and returns the intents to deliver.
// Duplicate message ids are dropped before any state change. A nil intent
// slice with a nil error means the event was ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	if ev.Identity == "" {
		return nil, fmt.Errorf("inbound event has no identity")
	}

	if e.dedup != nil && ev.MessageID != "" {
		first, err := e.dedup.RecordInbound(ctx, ev.MessageID, ev.Identity)
		if err != nil {
			// A broken dedup store must not stall the conversation.
			slog.Warn("Engine.HandleEvent: dedup check failed", "message_id", ev.MessageID, "error", err)
		} else if !first {
			slog.Debug("Engine.HandleEvent: duplicate message dropped", "message_id", ev.MessageID, "identity", ev.Identity)
			return nil, nil
		}
	}

	unlock := e.sessions.Lock(ev.Identity)
	defer unlock()

	sess, ok := e.sessions.Get(ev.Identity)
	var intents []models.OutboundIntent
	var err error
	if !ok {
		intents, err = e.handleIdle(ctx, ev)
	} else {
		intents, err = e.handleActive(ctx, sess, ev)
	}
	if err == nil && e.dedup != nil && ev.MessageID != "" {
		// Best effort; the inbound row already blocks replays.
		if markErr := e.dedup.MarkProcessed(ctx, ev.MessageID); markErr != nil {
			slog.Warn("Engine.HandleEvent: failed to mark message processed", "message_id", ev.MessageID, "error", markErr)
		}
	}
	return intents, err
}

// handleIdle checks trigger phrases and starts a session on match. Events
// from identities with no session and no trigger are ignored.
func (e *Engine) handleIdle(ctx context.Context, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	if ev.Kind != models.EventKindText {
		return nil, nil
	}
	def, ok := e.registry.MatchTrigger(ev.Text)
	if !ok {
		slog.Debug("Engine.handleIdle: no trigger match", "identity", ev.Identity)
		return nil, nil
	}

	recordID, err := e.sink.Upsert(ctx, def.SinkTarget, ev.Identity, map[string]string{
		models.FieldStatus: models.RecordStatusNew,
	})
	if err != nil {
		slog.Error("Engine.handleIdle: failed to create record", "survey", def.Name, "identity", ev.Identity, "error", err)
		return []models.OutboundIntent{models.TextIntent(ev.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	sess := session.New(ev.Identity, def, e.now())
	sess.RecordID = recordID
	e.sessions.Put(sess)
	slog.Info("Engine.handleIdle: session started", "survey", def.Name, "identity", ev.Identity, "record_id", recordID)

	intents := []models.OutboundIntent{
		models.TextIntent(ev.Identity, e.expand(ctx, sess, def.Messages.WelcomeOrDefault())),
	}
	q, _ := def.Question(sess.CurrentQuestionID)
	more, err := e.presentQuestion(ctx, sess, q)
	if err != nil {
		return intents, err
	}
	return append(intents, more...), nil
}

// handleActive routes an event for a live session: stop phrases first, then
// whatever input the session is awaiting.
func (e *Engine) handleActive(ctx context.Context, sess *session.Session, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	def := sess.Survey

	if ev.Kind == models.EventKindText && survey.IsStopPhrase(def, ev.Text) {
		slog.Info("Engine.handleActive: stop phrase received", "survey", def.Name, "identity", sess.Identity)
		e.terminate(ctx, sess, models.RecordStatusCancelled)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, stopConfirmation)}, nil
	}

	sess.Touch(e.now())

	switch sess.Awaiting {
	case session.AwaitMeetingDay:
		return e.handleMeetingDay(ctx, sess, ev)
	case session.AwaitMeetingSlot:
		return e.handleMeetingSlot(ctx, sess, ev)
	default:
		return e.handleAnswer(ctx, sess, ev)
	}
}

// handleAnswer validates and normalizes the event against the current
// question, then runs the shared commit path.
func (e *Engine) handleAnswer(ctx context.Context, sess *session.Session, ev models.InboundEvent) ([]models.OutboundIntent, error) {
	def := sess.Survey
	q, ok := def.Question(sess.CurrentQuestionID)
	if !ok {
		// Definitions are immutable after load; this indicates a programming error.
		e.sessions.Delete(sess.Identity)
		return nil, fmt.Errorf("session %s points at unknown question %q", sess.Identity, sess.CurrentQuestionID)
	}

	value, att, err := e.normalizeAnswer(ctx, q, def, ev)
	if err != nil {
		if models.IsValidationError(err) {
			return e.rejectAnswer(ctx, sess, q, err)
		}
		return nil, err
	}
	return e.commitAnswer(ctx, sess, q, value, att)
}

// normalizeAnswer converts a raw event into the canonical answer value for
// the question type, plus an optional attachment to upload.
func (e *Engine) normalizeAnswer(ctx context.Context, q *models.Question, def *models.SurveyDefinition, ev models.InboundEvent) (string, *models.Attachment, error) {
	switch q.Type {
	case models.QuestionTypePoll:
		canonical, ok := flow.CanonicalPollAnswer(q.Options, ev.Text)
		if !ok {
			return "", nil, models.NewValidationError("answer %q does not match any option", strings.TrimSpace(ev.Text))
		}
		return canonical, nil, nil

	case models.QuestionTypeVoice:
		if ev.File == nil {
			return "", nil, models.NewValidationError("expected a voice message")
		}
		if !strings.HasPrefix(strings.ToLower(ev.File.MimeType), "audio/") {
			return "", nil, models.NewValidationError("expected an audio recording, got %q", ev.File.MimeType)
		}
		if e.ai == nil {
			return "", nil, models.NewValidationError("voice answers are not enabled right now")
		}
		transcript, err := e.ai.Transcribe(ctx, ev.File.Data, ev.File.Filename, ev.File.MimeType)
		if err != nil {
			slog.Warn("Engine.normalizeAnswer: transcription failed", "question", q.ID, "error", err)
			return "", nil, models.NewValidationError("could not understand the recording, please try again")
		}
		att := &models.Attachment{Filename: ev.File.Filename, MimeType: ev.File.MimeType, URL: ev.File.URL, Data: ev.File.Data}
		return transcript, att, nil

	case models.QuestionTypeFile:
		if err := flow.ValidateFileAnswer(q, def.MaxFileSize(), ev.File); err != nil {
			return "", nil, err
		}
		att := &models.Attachment{Filename: ev.File.Filename, MimeType: ev.File.MimeType, URL: ev.File.URL, Data: ev.File.Data}
		return ev.File.Filename, att, nil

	default:
		if ev.Kind == models.EventKindFile {
			return "", nil, models.NewValidationError("expected a text answer")
		}
		value, err := flow.ValidateTextAnswer(ev.Text)
		return value, nil, err
	}
}

// rejectAnswer re-prompts after a validation failure, cancelling the session
// once the retry cap is exhausted.
func (e *Engine) rejectAnswer(ctx context.Context, sess *session.Session, q *models.Question, cause error) ([]models.OutboundIntent, error) {
	def := sess.Survey
	sess.RetryCount++
	slog.Debug("Engine.rejectAnswer: invalid answer", "survey", def.Name, "question", q.ID, "attempt", sess.RetryCount, "cause", cause)

	if sess.RetryCount >= e.maxRetries {
		slog.Info("Engine.rejectAnswer: retry cap reached, cancelling", "survey", def.Name, "identity", sess.Identity, "question", q.ID)
		e.terminate(ctx, sess, models.RecordStatusCancelled)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	intents := []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ValidationOrDefault())}
	more, err := e.presentQuestion(ctx, sess, q)
	if err != nil {
		return intents, err
	}
	return append(intents, more...), nil
}

// commitAnswer is the shared path for every accepted answer: the flow
// resolver decides the next step, the sink write happens before any session
// mutation so a storage outage leaves the session replayable, then the
// session advances (or completes).
func (e *Engine) commitAnswer(ctx context.Context, sess *session.Session, q *models.Question, value string, att *models.Attachment) ([]models.OutboundIntent, error) {
	def := sess.Survey
	now := e.now()

	outcome, err := flow.Resolve(def, q, value)
	if err != nil {
		slog.Error("Engine.commitAnswer: flow resolution failed", "survey", def.Name, "question", q.ID, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	fields := map[string]string{def.FieldFor(q): value}
	if q.Type == models.QuestionTypeMeeting {
		fields[models.FieldMeetingTime] = value
	}
	if sess.Status == models.RecordStatusNew {
		fields[models.FieldStatus] = models.RecordStatusInProgress
	}

	var summary string
	if outcome.Completed {
		fields[models.FieldStatus] = models.RecordStatusCompleted
		if summary = e.summarize(ctx, sess, q, value); summary != "" {
			fields[models.FieldSummary] = summary
		}
	}

	if _, err := e.sink.Upsert(ctx, def.SinkTarget, sess.Identity, fields); err != nil {
		slog.Error("Engine.commitAnswer: sink write failed, session preserved", "survey", def.Name, "identity", sess.Identity, "question", q.ID, "error", err)
		return []models.OutboundIntent{models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault())}, nil
	}

	if att != nil {
		if err := e.sink.Attach(ctx, def.SinkTarget, sess.Identity, def.FieldFor(q), *att); err != nil {
			slog.Warn("Engine.commitAnswer: attachment upload failed", "question", q.ID, "error", err)
		}
	}

	sess.SetAnswer(q.ID, value, now)
	if sess.Status == models.RecordStatusNew {
		sess.Status = models.RecordStatusInProgress
	}

	var intents []models.OutboundIntent
	if text := e.reflect(ctx, q, value); text != "" {
		intents = append(intents, models.TextIntent(sess.Identity, text))
	}
	if outcome.Say != "" {
		intents = append(intents, models.TextIntent(sess.Identity, e.expand(ctx, sess, outcome.Say)))
	}

	if outcome.Completed {
		sess.Status = models.RecordStatusCompleted
		e.sessions.Delete(sess.Identity)
		slog.Info("Engine.commitAnswer: survey completed", "survey", def.Name, "identity", sess.Identity, "answers", len(sess.Answers()))
		return append(intents, models.TextIntent(sess.Identity, e.expand(ctx, sess, def.Messages.CompletionOrDefault()))), nil
	}

	sess.AdvanceTo(outcome.NextID)
	next, _ := def.Question(outcome.NextID)
	more, err := e.presentQuestion(ctx, sess, next)
	if err != nil {
		return intents, err
	}
	return append(intents, more...), nil
}

// presentQuestion renders the session's current question. Meeting questions
// enter the scheduler subflow instead of a direct render, and file_to_send
// questions deliver their payload and advance without waiting for an answer.
func (e *Engine) presentQuestion(ctx context.Context, sess *session.Session, q *models.Question) ([]models.OutboundIntent, error) {
	if q.Type == models.QuestionTypeMeeting {
		return e.startMeeting(ctx, sess, q)
	}
	if q.Type == models.QuestionTypeFileSend {
		return e.sendQuestionFile(ctx, sess, q)
	}
	resolve := func(text string) string { return e.expand(ctx, sess, text) }
	return []models.OutboundIntent{flow.RenderQuestion(sess.Identity, q, resolve)}, nil
}

// sendQuestionFile delivers a file_to_send question: optional text, then the
// file payload, then an immediate advance since there is nothing to answer.
// An unreadable file degrades to an error message so the session does not
// stall on a misconfigured survey.
func (e *Engine) sendQuestionFile(ctx context.Context, sess *session.Session, q *models.Question) ([]models.OutboundIntent, error) {
	def := sess.Survey
	var intents []models.OutboundIntent
	if q.Text != "" {
		intents = append(intents, models.TextIntent(sess.Identity, e.expand(ctx, sess, q.Text)))
	}

	data, err := os.ReadFile(q.File.Path)
	if err != nil {
		slog.Warn("Engine.sendQuestionFile: unreadable file", "survey", def.Name, "question", q.ID, "path", q.File.Path, "error", err)
		intents = append(intents, models.TextIntent(sess.Identity, def.Messages.ErrorOrDefault()))
		return e.skipQuestion(ctx, sess, q, intents)
	}

	filename := filepath.Base(q.File.Path)
	intents = append(intents, models.OutboundIntent{
		Identity: sess.Identity,
		Kind:     models.IntentKindFile,
		File: &models.FileIntent{
			Filename: filename,
			MimeType: mime.TypeByExtension(filepath.Ext(filename)),
			Caption:  q.File.Caption,
			Data:     data,
		},
	})
	return e.skipQuestion(ctx, sess, q, intents)
}

// reflect produces the optional one-line reaction to an answer. Results are
// cached per question+answer so a re-asked question does not spend another
// completion. Failures degrade to no reflection.
func (e *Engine) reflect(ctx context.Context, q *models.Question, value string) string {
	if e.ai == nil || q.Reflection == "" {
		return ""
	}
	key := q.ID + "\x00" + value
	e.reflectMu.Lock()
	cached, ok := e.reflections[key]
	e.reflectMu.Unlock()
	if ok {
		return cached
	}
	system, user := tone.BuildReflectionPrompt(q.Reflection, q.Text, value)
	text, err := e.ai.Generate(ctx, system, user)
	if err != nil {
		slog.Warn("Engine.reflect: generation failed", "question", q.ID, "error", err)
		return ""
	}
	text = strings.TrimSpace(text)
	e.reflectMu.Lock()
	e.reflections[key] = text
	e.reflectMu.Unlock()
	return text
}

// summarize builds the completion summary over the ordered answers, including
// the answer currently being committed. Empty result means no summary.
func (e *Engine) summarize(ctx context.Context, sess *session.Session, current *models.Question, currentValue string) string {
	def := sess.Survey
	if e.ai == nil || !def.AI.SummaryEnabled {
		return ""
	}

	var b strings.Builder
	for _, a := range sess.Answers() {
		if q, ok := def.Question(a.QuestionID); ok {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", q.Text, a.Value)
		}
	}
	if _, done := sess.Answer(current.ID); !done {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n", current.Text, currentValue)
	}

	prompt := def.AI.SummaryPrompt
	if prompt == "" {
		prompt = "Summarize the following survey responses in a few neutral sentences."
	}
	text, err := e.ai.Generate(ctx, prompt, b.String())
	if err != nil {
		slog.Warn("Engine.summarize: generation failed", "survey", def.Name, "error", err)
		return ""
	}
	text = strings.TrimSpace(text)
	if max := def.AI.SummaryMaxLength; max > 0 && len(text) > max {
		text = text[:max]
	}
	return text
}

// terminate writes the terminal status (best effort) and destroys the session.
func (e *Engine) terminate(ctx context.Context, sess *session.Session, status string) {
	if _, err := e.sink.Upsert(ctx, sess.Survey.SinkTarget, sess.Identity, map[string]string{models.FieldStatus: status}); err != nil {
		slog.Warn("Engine.terminate: failed to write terminal status", "identity", sess.Identity, "status", status, "error", err)
	}
	sess.Status = status
	e.sessions.Delete(sess.Identity)
}

// expand substitutes {{field}} placeholders from the session's answers first,
// falling back to the tabular record via the sink's cached read.
func (e *Engine) expand(ctx context.Context, sess *session.Session, text string) string {
	def := sess.Survey
	return flow.ExpandPlaceholders(text, func(field string) (string, bool) {
		for i := range def.Questions {
			if def.FieldFor(&def.Questions[i]) != field {
				continue
			}
			if v, ok := sess.Answer(def.Questions[i].ID); ok {
				return v, true
			}
		}
		if v, ok := sess.Answer(field); ok {
			return v, true
		}
		return e.sink.Field(ctx, def.SinkTarget, sess.Identity, field)
	})
}
