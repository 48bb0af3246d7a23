package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/calendar"
	"github.com/BTreeMap/SurveyPipe/internal/models"
	"github.com/BTreeMap/SurveyPipe/internal/session"
	"github.com/BTreeMap/SurveyPipe/internal/sink"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/survey"
)

type fakeAI struct {
	mu          sync.Mutex
	reflection  string
	summary     string
	transcript  string
	generateErr error
	calls       int
}

func (f *fakeAI) Generate(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.generateErr != nil {
		return "", f.generateErr
	}
	if f.summary != "" {
		return f.summary, nil
	}
	return f.reflection, nil
}

func (f *fakeAI) Transcribe(ctx context.Context, data []byte, filename, mime string) (string, error) {
	if f.transcript == "" {
		return "", errors.New("transcription unavailable")
	}
	return f.transcript, nil
}

// flakyRecords fails record lookups while failures > 0, simulating a sink
// store outage.
type flakyRecords struct {
	store.RecordRepo
	failures int
}

func (f *flakyRecords) FindRecord(ctx context.Context, target, identity string) (*models.Record, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("store unavailable")
	}
	return f.RecordRepo.FindRecord(ctx, target, identity)
}

func linearSurvey() *models.SurveyDefinition {
	return &models.SurveyDefinition{
		Name:           "onboarding",
		SinkTarget:     "onboarding",
		TriggerPhrases: []string{"survey"},
		StopPhrases:    []string{"stop", "cancel"},
		Questions: []models.Question{
			{ID: "name", Type: models.QuestionTypeText, Text: "What is your name?"},
			{ID: "role", Type: models.QuestionTypeText, Text: "What is your role?"},
			{ID: "team", Type: models.QuestionTypeText, Text: "Which team are you joining?"},
		},
	}
}

type fixture struct {
	engine   *Engine
	mem      *store.InMemoryStore
	sessions *session.Store
	now      time.Time
}

func newFixture(t *testing.T, def *models.SurveyDefinition, repo store.RecordRepo, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewInMemoryStore()
	if repo == nil {
		repo = mem
	}
	f := &fixture{mem: mem, sessions: session.NewStore(), now: time.Date(2026, 9, 4, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	snk := sink.New(repo, sink.WithSleep(func(time.Duration) {}))
	sched := calendar.NewScheduler(mem, calendar.WithClock(clock))
	base := []Option{
		WithClock(clock),
		WithDedup(mem),
		WithScheduler(sched),
	}
	f.engine = New(survey.NewRegistry([]*models.SurveyDefinition{def}), f.sessions, snk, append(base, opts...)...)
	return f
}

func text(identity, body string) models.InboundEvent {
	return models.InboundEvent{Identity: identity, Kind: models.EventKindText, Text: body}
}

func mustHandle(t *testing.T, e *Engine, ev models.InboundEvent) []models.OutboundIntent {
	t.Helper()
	intents, err := e.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%q) failed: %v", ev.Text, err)
	}
	return intents
}

func lastText(t *testing.T, intents []models.OutboundIntent) string {
	t.Helper()
	if len(intents) == 0 {
		t.Fatal("expected at least one intent")
	}
	return intents[len(intents)-1].Text
}

func TestLinearSurveyRunsToCompletion(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	intents := mustHandle(t, f.engine, text("+1555", "hi, survey please"))
	if len(intents) != 2 {
		t.Fatalf("expected welcome + first question, got %d intents", len(intents))
	}
	if intents[1].Text != "What is your name?" {
		t.Errorf("unexpected first question: %q", intents[1].Text)
	}

	mustHandle(t, f.engine, text("+1555", "Dana"))
	mustHandle(t, f.engine, text("+1555", "Engineer"))
	final := mustHandle(t, f.engine, text("+1555", "Platform"))

	if got := lastText(t, final); got != models.DefaultCompletionMessage {
		t.Errorf("expected completion message, got %q", got)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session destroyed after completion")
	}

	rec, err := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if err != nil || rec == nil {
		t.Fatalf("record missing: %v", err)
	}
	want := map[string]string{"name": "Dana", "role": "Engineer", "team": "Platform", models.FieldStatus: models.RecordStatusCompleted}
	for k, v := range want {
		if rec.Fields[k] != v {
			t.Errorf("field %q = %q, want %q", k, rec.Fields[k], v)
		}
	}
}

func TestFlowGotoEndSkipsRemainingQuestions(t *testing.T) {
	def := linearSurvey()
	def.Questions[0] = models.Question{
		ID:      "interested",
		Type:    models.QuestionTypePoll,
		Text:    "Are you interested?",
		Options: []string{"Yes", "No"},
		Flow: &models.FlowBlock{
			If: &models.FlowCase{Answer: "No", Then: models.FlowAction{Say: "No problem, thanks anyway.", Goto: "end"}},
		},
	}
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "no"))

	if len(intents) != 2 {
		t.Fatalf("expected side-message + completion, got %d intents: %+v", len(intents), intents)
	}
	if intents[0].Text != "No problem, thanks anyway." {
		t.Errorf("unexpected side-message: %q", intents[0].Text)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session destroyed after goto end")
	}
}

func TestPollAnswerCanonicalization(t *testing.T) {
	def := linearSurvey()
	def.Questions[0] = models.Question{ID: "color", Type: models.QuestionTypePoll, Text: "Pick one", Options: []string{"Red", "Blue"}}
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	mustHandle(t, f.engine, text("+1555", "✅ blue "))

	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields["color"] != "Blue" {
		t.Errorf("expected canonical option text, got %q", rec.Fields["color"])
	}
}

func TestDuplicateMessageIDIsDropped(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))

	ev := text("+1555", "Dana")
	ev.MessageID = "msg-1"
	mustHandle(t, f.engine, ev)
	replay := mustHandle(t, f.engine, ev)

	if replay != nil {
		t.Errorf("expected duplicate to produce no intents, got %+v", replay)
	}
	sess, _ := f.sessions.Get("+1555")
	if sess.CurrentQuestionID != "role" {
		t.Errorf("duplicate must not advance the session, at %q", sess.CurrentQuestionID)
	}
}

func TestHandledMessageIsMarkedProcessed(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)

	ev := text("+1555", "survey")
	ev.MessageID = "msg-1"
	mustHandle(t, f.engine, ev)

	if !f.mem.Processed("msg-1") {
		t.Error("expected the handled message to be marked processed")
	}
	if f.mem.Processed("msg-2") {
		t.Error("unseen message id should not be marked processed")
	}
}

func TestStopPhraseCancelsSession(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", " STOP "))

	if got := lastText(t, intents); got != stopConfirmation {
		t.Errorf("unexpected stop reply: %q", got)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session destroyed on stop")
	}
	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields[models.FieldStatus] != models.RecordStatusCancelled {
		t.Errorf("expected cancelled status, got %q", rec.Fields[models.FieldStatus])
	}
}

func TestValidationRetriesThenCancels(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))

	// Two rejects re-prompt, the third hits the cap.
	for i := 0; i < 2; i++ {
		intents := mustHandle(t, f.engine, text("+1555", "   "))
		if intents[0].Text != models.DefaultValidationMessage {
			t.Fatalf("attempt %d: expected validation message, got %q", i+1, intents[0].Text)
		}
	}
	intents := mustHandle(t, f.engine, text("+1555", "   "))
	if got := lastText(t, intents); got != models.DefaultErrorMessage {
		t.Errorf("expected error message at retry cap, got %q", got)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session cancelled at retry cap")
	}
}

func TestSinkOutagePreservesSession(t *testing.T) {
	def := linearSurvey()
	repo := &flakyRecords{RecordRepo: store.NewInMemoryStore()}
	f := newFixture(t, def, repo)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))

	repo.failures = 100
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))
	if got := lastText(t, intents); got != models.DefaultErrorMessage {
		t.Errorf("expected error message during outage, got %q", got)
	}

	sess, ok := f.sessions.Get("+1555")
	if !ok {
		t.Fatal("session must survive a sink outage")
	}
	if sess.CurrentQuestionID != "name" {
		t.Errorf("session must not advance during outage, at %q", sess.CurrentQuestionID)
	}
	if _, stored := sess.Answer("name"); stored {
		t.Error("answer must not be stored when the write failed")
	}
	if sess.RetryCount != 0 {
		t.Errorf("outage must not count against retries, got %d", sess.RetryCount)
	}

	// Outage clears: the same answer now advances.
	repo.failures = 0
	intents = mustHandle(t, f.engine, text("+1555", "Dana"))
	if got := lastText(t, intents); got != "What is your role?" {
		t.Errorf("expected next question after recovery, got %q", got)
	}
	rec, _ := repo.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields["name"] != "Dana" {
		t.Errorf("answer missing after recovery: %+v", rec.Fields)
	}
}

func TestSweepSendsReminderThenTimesOut(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))

	f.now = f.now.Add(3 * time.Minute)
	intents := f.engine.SweepInactive(ctx)
	if len(intents) != 1 || intents[0].Text != models.DefaultReminderMessage {
		t.Fatalf("expected one reminder, got %+v", intents)
	}
	if again := f.engine.SweepInactive(ctx); len(again) != 0 {
		t.Errorf("expected reminder sent once per idle stretch, got %+v", again)
	}

	f.now = f.now.Add(15 * time.Minute)
	intents = f.engine.SweepInactive(ctx)
	if len(intents) != 1 || intents[0].Text != models.DefaultTimeoutMessage {
		t.Fatalf("expected timeout message, got %+v", intents)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session destroyed on timeout")
	}
	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields[models.FieldStatus] != models.RecordStatusCancelled {
		t.Errorf("expected cancelled status after timeout, got %q", rec.Fields[models.FieldStatus])
	}

	// A timed-out identity starts fresh like any idle one.
	intents = mustHandle(t, f.engine, text("+1555", "survey again"))
	if len(intents) != 2 || intents[0].Text != models.DefaultWelcomeMessage {
		t.Errorf("expected fresh session after timeout, got %+v", intents)
	}
}

func TestAnswerResetsReminderFlag(t *testing.T) {
	def := linearSurvey()
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	f.now = f.now.Add(3 * time.Minute)
	f.engine.SweepInactive(ctx)

	mustHandle(t, f.engine, text("+1555", "Dana"))
	f.now = f.now.Add(3 * time.Minute)
	if intents := f.engine.SweepInactive(ctx); len(intents) != 1 {
		t.Errorf("expected a fresh reminder after activity reset, got %+v", intents)
	}
}

func TestReflectionIsSentAndSoftFails(t *testing.T) {
	def := linearSurvey()
	def.Questions[0].Reflection = "empathetic"
	ai := &fakeAI{reflection: "That sounds great."}
	f := newFixture(t, def, nil, WithAI(ai))

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))
	if intents[0].Text != "That sounds great." {
		t.Errorf("expected reflection before next question, got %+v", intents)
	}

	// Generation failure degrades to no reflection, answer still advances.
	ai.generateErr = errors.New("api down")
	def2 := linearSurvey()
	def2.Questions[0].Reflection = "casual"
	f2 := newFixture(t, def2, nil, WithAI(ai))
	mustHandle(t, f2.engine, text("+1555", "survey"))
	intents = mustHandle(t, f2.engine, text("+1555", "Dana"))
	if len(intents) != 1 || intents[0].Text != "What is your role?" {
		t.Errorf("expected plain advance on reflection failure, got %+v", intents)
	}
}

func TestSummaryWrittenOnCompletion(t *testing.T) {
	def := linearSurvey()
	def.Questions = def.Questions[:1]
	def.AI = models.AISettings{SummaryEnabled: true, SummaryMaxLength: 10}
	ai := &fakeAI{summary: "A very long summary that exceeds the cap"}
	f := newFixture(t, def, nil, WithAI(ai))
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	mustHandle(t, f.engine, text("+1555", "Dana"))

	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if got := rec.Fields[models.FieldSummary]; got != "A very lon" {
		t.Errorf("expected summary truncated to 10 chars, got %q", got)
	}
}

func TestVoiceAnswerIsTranscribed(t *testing.T) {
	def := linearSurvey()
	def.Questions[0] = models.Question{ID: "feedback", Type: models.QuestionTypeVoice, Text: "Tell us how it went"}
	ai := &fakeAI{transcript: "it went well"}
	f := newFixture(t, def, nil, WithAI(ai))
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	ev := models.InboundEvent{
		Identity: "+1555",
		Kind:     models.EventKindFile,
		File:     &models.InboundFile{Filename: "note.ogg", MimeType: "audio/ogg", Data: []byte{1, 2}},
	}
	mustHandle(t, f.engine, ev)

	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields["feedback"] != "it went well" {
		t.Errorf("expected transcript stored, got %q", rec.Fields["feedback"])
	}
	if atts := f.mem.Attachments(rec.ID); len(atts) != 1 {
		t.Errorf("expected voice attachment uploaded, got %d", len(atts))
	}
}

func TestPlaceholdersResolveFromEarlierAnswers(t *testing.T) {
	def := linearSurvey()
	def.Questions[1].Text = "Nice to meet you, {{name}}. What is your role?"
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))
	if got := lastText(t, intents); got != "Nice to meet you, Dana. What is your role?" {
		t.Errorf("placeholder not expanded: %q", got)
	}
}

func TestUntriggeredMessagesAreIgnored(t *testing.T) {
	f := newFixture(t, linearSurvey(), nil)
	if intents := mustHandle(t, f.engine, text("+1555", "hello there")); intents != nil {
		t.Errorf("expected no reaction without a trigger, got %+v", intents)
	}
	if f.sessions.Len() != 0 {
		t.Error("no session should exist")
	}
}

func TestConcurrentIdentitiesReflectSafely(t *testing.T) {
	def := linearSurvey()
	def.Questions[0].Reflection = "empathetic"
	ai := &fakeAI{reflection: "Lovely."}
	f := newFixture(t, def, nil, WithAI(ai))

	// Every identity answers with distinct text so each reflection misses
	// the shared cache and writes into it.
	const identities = 32
	var wg sync.WaitGroup
	for i := 0; i < identities; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("+1555%04d", i)
			if _, err := f.engine.HandleEvent(context.Background(), text(id, "survey")); err != nil {
				t.Errorf("trigger for %s failed: %v", id, err)
				return
			}
			answer := fmt.Sprintf("Dana %d", i)
			intents, err := f.engine.HandleEvent(context.Background(), text(id, answer))
			if err != nil {
				t.Errorf("answer for %s failed: %v", id, err)
				return
			}
			if len(intents) == 0 || intents[0].Text != "Lovely." {
				t.Errorf("expected reflection for %s, got %+v", id, intents)
			}
		}(i)
	}
	wg.Wait()

	if f.sessions.Len() != identities {
		t.Errorf("expected %d active sessions, got %d", identities, f.sessions.Len())
	}
}

func writeSurveyFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestFileToSendDeliversAndAdvances(t *testing.T) {
	payload := []byte("%PDF-1.4 welcome pack")
	path := writeSurveyFile(t, "welcome.pdf", payload)

	def := linearSurvey()
	def.Questions[1] = models.Question{
		ID:   "brochure",
		Type: models.QuestionTypeFileSend,
		Text: "Here is our welcome pack.",
		File: &models.QuestionFile{Path: path, Caption: "Welcome aboard"},
	}
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))

	// Intro text, the file itself, then the next question with no answer
	// awaited in between.
	if len(intents) != 3 {
		t.Fatalf("expected text + file + next question, got %+v", intents)
	}
	if intents[0].Text != "Here is our welcome pack." {
		t.Errorf("unexpected intro text: %q", intents[0].Text)
	}
	file := intents[1]
	if file.Kind != models.IntentKindFile || file.File == nil {
		t.Fatalf("expected file intent, got %+v", file)
	}
	if file.File.Filename != "welcome.pdf" || file.File.Caption != "Welcome aboard" {
		t.Errorf("unexpected file metadata: %+v", file.File)
	}
	if string(file.File.Data) != string(payload) {
		t.Error("file payload does not match the source file")
	}
	if intents[2].Text != "Which team are you joining?" {
		t.Errorf("expected advance to next question, got %q", intents[2].Text)
	}

	sess, ok := f.sessions.Get("+1555")
	if !ok || sess.CurrentQuestionID != "team" {
		t.Errorf("session should be waiting on the question after the file")
	}
}

func TestFileToSendAsTerminalQuestionCompletes(t *testing.T) {
	path := writeSurveyFile(t, "thanks.png", []byte{0x89, 'P', 'N', 'G'})

	def := linearSurvey()
	def.Questions = def.Questions[:2]
	def.Questions[1] = models.Question{
		ID:   "parting-gift",
		Type: models.QuestionTypeFileSend,
		File: &models.QuestionFile{Path: path},
	}
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))

	if len(intents) != 2 || intents[0].Kind != models.IntentKindFile {
		t.Fatalf("expected file + completion, got %+v", intents)
	}
	if got := lastText(t, intents); got != models.DefaultCompletionMessage {
		t.Errorf("expected completion message, got %q", got)
	}
	if f.sessions.Len() != 0 {
		t.Error("expected session destroyed after completion")
	}
	rec, err := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if err != nil || rec.Fields[models.FieldStatus] != models.RecordStatusCompleted {
		t.Errorf("record not completed: %+v, %v", rec, err)
	}
}

func TestFileToSendUnreadableFileStillAdvances(t *testing.T) {
	def := linearSurvey()
	def.Questions[1] = models.Question{
		ID:   "brochure",
		Type: models.QuestionTypeFileSend,
		File: &models.QuestionFile{Path: filepath.Join(t.TempDir(), "missing.pdf")},
	}
	f := newFixture(t, def, nil)

	mustHandle(t, f.engine, text("+1555", "survey"))
	intents := mustHandle(t, f.engine, text("+1555", "Dana"))

	if len(intents) != 2 {
		t.Fatalf("expected error message + next question, got %+v", intents)
	}
	if intents[0].Text != models.DefaultErrorMessage {
		t.Errorf("expected error message first, got %q", intents[0].Text)
	}
	if intents[1].Text != "Which team are you joining?" {
		t.Errorf("expected advance despite unreadable file, got %q", intents[1].Text)
	}
}

func TestFileUploadAnswerIsStored(t *testing.T) {
	def := linearSurvey()
	def.Questions[0] = models.Question{
		ID:           "resume",
		Type:         models.QuestionTypeFile,
		Text:         "Send your resume",
		AllowedTypes: []string{"document"},
	}
	f := newFixture(t, def, nil)
	ctx := context.Background()

	mustHandle(t, f.engine, text("+1555", "survey"))
	ev := models.InboundEvent{
		Identity: "+1555",
		Kind:     models.EventKindFile,
		File:     &models.InboundFile{Filename: "cv.pdf", MimeType: "application/pdf", Data: []byte("pdf")},
	}
	mustHandle(t, f.engine, ev)

	rec, _ := f.mem.FindRecord(ctx, "onboarding", "+1555")
	if rec.Fields["resume"] != "cv.pdf" {
		t.Errorf("expected filename stored, got %q", rec.Fields["resume"])
	}
	if atts := f.mem.Attachments(rec.ID); len(atts) != 1 {
		t.Errorf("expected one uploaded attachment, got %d", len(atts))
	}
}
