package survey

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Registry holds the loaded survey definitions and answers trigger-phrase
// lookups. It is populated once at startup and read-only afterwards, so it is
// safe for concurrent use without locking.
type Registry struct {
	surveys []*models.SurveyDefinition
}

// NewRegistry builds a registry over the given definitions.
func NewRegistry(defs []*models.SurveyDefinition) *Registry {
	return &Registry{surveys: defs}
}

// Surveys returns the registered definitions in load order.
func (r *Registry) Surveys() []*models.SurveyDefinition {
	return r.surveys
}

// MatchTrigger returns the first survey whose trigger phrase appears in the
// inbound text. Matching is case-insensitive substring, so "Hi, SURVEY please"
// triggers a survey with phrase "survey".
func (r *Registry) MatchTrigger(text string) (*models.SurveyDefinition, bool) {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return nil, false
	}
	for _, def := range r.surveys {
		for _, phrase := range def.TriggerPhrases {
			if phrase != "" && strings.Contains(lowered, strings.ToLower(phrase)) {
				slog.Debug("Registry.MatchTrigger: trigger matched", "survey", def.Name, "phrase", phrase)
				return def, true
			}
		}
	}
	return nil, false
}

// IsStopPhrase reports whether the inbound text is a cancel command for the
// given survey. Matching is case-insensitive on the trimmed full text.
func IsStopPhrase(def *models.SurveyDefinition, text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, phrase := range def.StopPhrases {
		if phrase != "" && lowered == strings.ToLower(phrase) {
			return true
		}
	}
	return false
}
