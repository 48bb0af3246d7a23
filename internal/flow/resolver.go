// Package flow implements survey flow resolution: deciding the next question
// from a question's conditional rules and the user's normalized answer, plus
// answer canonicalization and question rendering.
package flow

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Rule is one compiled (predicate, action) pair. Match holds the answer
// literals the rule accepts; Say and Goto come from the case's action.
type Rule struct {
	Match []string
	Say   string
	Goto  string
}

// Matches reports whether the normalized answer satisfies the rule.
// Comparison is case-insensitive on the trimmed answer.
func (r Rule) Matches(answer string) bool {
	for _, m := range r.Match {
		if strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(m)) {
			return true
		}
	}
	return false
}

// CompileRules flattens a question's flow block into an ordered rule list:
// the "if" case first, then each "else_if" in declared order. The nested
// optional-object shape collapses into a plain guarded chain so "first match
// wins" is explicit.
func CompileRules(q *models.Question) []Rule {
	if q.Flow == nil {
		return nil
	}

	var rules []Rule
	appendCase := func(c *models.FlowCase) {
		match := c.AnswerIn
		if c.Answer != "" {
			match = append([]string{c.Answer}, match...)
		}
		rules = append(rules, Rule{Match: match, Say: c.Then.Say, Goto: c.Then.Goto})
	}

	if q.Flow.If != nil {
		appendCase(q.Flow.If)
	}
	for i := range q.Flow.ElseIf {
		appendCase(&q.Flow.ElseIf[i])
	}
	return rules
}

// Outcome is the resolver's decision: an optional side-message, the next
// question id, and whether the survey is complete.
type Outcome struct {
	Say       string
	NextID    string
	Completed bool
}

// Resolve applies a question's rules to the normalized answer. Rules are
// evaluated top-to-bottom and the first match is authoritative; when none
// match, the survey advances to the next question in declared order.
// A goto to an id missing from the survey is a configuration error; it is
// caught at load time, and re-checked here so a stale definition can never
// dangle a session.
func Resolve(def *models.SurveyDefinition, q *models.Question, answer string) (Outcome, error) {
	next := def.NextQuestionID(q.ID)
	out := Outcome{NextID: next}

	for _, rule := range CompileRules(q) {
		if !rule.Matches(answer) {
			continue
		}
		out.Say = rule.Say
		if rule.Goto != "" {
			out.NextID = rule.Goto
		}
		slog.Debug("Flow.Resolve: rule matched", "survey", def.Name, "question", q.ID, "next", out.NextID)
		break
	}

	if out.NextID == models.TerminalQuestionID {
		out.Completed = true
		return out, nil
	}
	if _, ok := def.Question(out.NextID); !ok {
		return Outcome{}, models.NewConfigError(def.Name, "question %q resolves to unknown id %q", q.ID, out.NextID)
	}
	return out, nil
}
