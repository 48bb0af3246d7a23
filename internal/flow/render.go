package flow

import (
	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// RenderQuestion turns a question into the outbound intent that presents it.
// resolve expands {{field}} placeholders in the question text. Meeting
// questions are rendered by the engine's scheduler subflow, not here.
func RenderQuestion(identity string, q *models.Question, resolve func(string) string) models.OutboundIntent {
	text := resolve(q.Text)
	switch q.Type {
	case models.QuestionTypePoll:
		return models.PollIntentFor(identity, text, q.Options)
	default:
		return models.TextIntent(identity, text)
	}
}
