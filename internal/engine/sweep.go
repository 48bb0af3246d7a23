package engine

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// SweepInactive scans live sessions and handles inactivity: one reminder per
// idle stretch past the reminder window, termination past the timeout window.
// Each session is handled under its identity lock, so a sweep and an in-flight
// answer cannot interleave; whichever runs second sees the other's state.
func (e *Engine) SweepInactive(ctx context.Context) []models.OutboundIntent {
	now := e.now()
	var intents []models.OutboundIntent

	for _, summary := range e.sessions.Snapshot() {
		identity := summary.Identity
		unlock := e.sessions.Lock(identity)

		sess, ok := e.sessions.Get(identity)
		if !ok {
			unlock()
			continue
		}
		idle := now.Sub(sess.LastActivityAt)

		switch {
		case idle >= e.timeoutAfter:
			slog.Info("Engine.SweepInactive: session timed out", "survey", sess.Survey.Name, "identity", identity, "idle", idle)
			msg := sess.Survey.Messages.TimeoutOrDefault()
			e.terminate(ctx, sess, models.RecordStatusCancelled)
			intents = append(intents, models.TextIntent(identity, msg))

		case idle >= e.reminderAfter && !sess.ReminderSent:
			slog.Debug("Engine.SweepInactive: sending reminder", "survey", sess.Survey.Name, "identity", identity, "idle", idle)
			sess.ReminderSent = true
			intents = append(intents, models.TextIntent(identity, sess.Survey.Messages.ReminderOrDefault()))
		}

		unlock()
	}
	return intents
}
