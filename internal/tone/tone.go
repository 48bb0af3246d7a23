// Package tone provides the fixed whitelist of reflection tones a survey may
// request, normalization of tone tags from survey definitions, and prompt
// construction for the per-answer reflection feature.
package tone

import (
	"fmt"
	"strings"
)

// ---- Whitelist ----

// AllTones is the hard-coded set of allowed reflection tones.
var AllTones = map[string]bool{
	"empathetic":   true,
	"professional": true,
	"encouraging":  true,
	"casual":       true,
}

// DefaultTone is used when a survey requests reflection without naming a tone,
// or names one outside the whitelist.
const DefaultTone = "professional"

// toneGuides maps each tone to the instruction injected into the system prompt.
var toneGuides = map[string]string{
	"empathetic":   "Respond with warmth. Acknowledge the feeling behind the answer before anything else.",
	"professional": "Keep a neutral, professional register. No emojis, no exclamation marks.",
	"encouraging":  "Be upbeat and affirming. Highlight something positive in the answer.",
	"casual":       "Use relaxed, friendly language, as if texting a colleague you know well.",
}

// ---- Public API ----

// Normalize lowercases and trims a tone tag and falls back to DefaultTone
// when the result is not in the whitelist.
func Normalize(tag string) string {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if AllTones[tag] {
		return tag
	}
	return DefaultTone
}

// BuildReflectionPrompt produces the system and user prompts for a one-line
// reflection on a participant's answer. The tone is normalized first.
func BuildReflectionPrompt(tag, questionText, answer string) (system, user string) {
	tag = Normalize(tag)

	var b strings.Builder
	b.WriteString("You write a single short sentence reacting to a survey answer.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- One sentence, at most 25 words.\n")
	b.WriteString("- Never ask a question; the next question is sent separately.\n")
	b.WriteString("- Never mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("- " + toneGuides[tag] + "\n")

	user = fmt.Sprintf("Question: %s\nAnswer: %s", questionText, answer)
	return b.String(), user
}
