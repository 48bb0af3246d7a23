// Package survey loads survey definitions from JSON documents and validates
// them once at startup.
//
// A definition that fails validation is rejected with a models.ConfigError
// and must never be offered to respondents.
package survey

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// weekdayNames is the set of valid working-hours keys.
var weekdayNames = map[string]bool{
	"monday":    true,
	"tuesday":   true,
	"wednesday": true,
	"thursday":  true,
	"friday":    true,
	"saturday":  true,
	"sunday":    true,
}

// questionTypes is the set of known question type tags.
var questionTypes = map[models.QuestionType]bool{
	models.QuestionTypeText:     true,
	models.QuestionTypePoll:     true,
	models.QuestionTypeVoice:    true,
	models.QuestionTypeMeeting:  true,
	models.QuestionTypeFile:     true,
	models.QuestionTypeFileSend: true,
}

// DefaultStopPhrases are used when a survey does not declare its own.
var DefaultStopPhrases = []string{"stop", "cancel"}

// Load parses a single survey definition file and validates it.
func Load(path string) (*models.SurveyDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read survey file %s: %w", path, err)
	}

	var def models.SurveyDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, models.NewConfigError(filepath.Base(path), "invalid JSON: %v", err)
	}

	applyDefaults(&def)
	if err := Validate(&def); err != nil {
		return nil, err
	}

	slog.Debug("Survey.Load: definition loaded", "path", path, "survey", def.Name, "questions", len(def.Questions))
	return &def, nil
}

// LoadDir loads every .json file in dir. Any invalid definition fails the
// whole load so a misconfigured survey cannot be offered.
func LoadDir(dir string) ([]*models.SurveyDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read survey directory %s: %w", dir, err)
	}

	var defs []*models.SurveyDefinition
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		def, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("no survey definitions found in %s", dir)
	}
	slog.Info("Survey.LoadDir: surveys loaded", "dir", dir, "count", len(defs))
	return defs, nil
}

func applyDefaults(def *models.SurveyDefinition) {
	if len(def.StopPhrases) == 0 {
		def.StopPhrases = append([]string(nil), DefaultStopPhrases...)
	}
	if def.SinkTarget == "" {
		def.SinkTarget = def.Name
	}
}

// Validate checks the structural invariants of a definition: unique question
// ids, known types, resolvable goto targets, well-formed poll options, and
// parseable calendar settings. Returns a models.ConfigError on the first
// violation found.
func Validate(def *models.SurveyDefinition) error {
	if def.Name == "" {
		return models.NewConfigError("", "survey name is required")
	}
	if len(def.TriggerPhrases) == 0 {
		return models.NewConfigError(def.Name, "at least one trigger phrase is required")
	}
	if len(def.Questions) == 0 {
		return models.NewConfigError(def.Name, "at least one question is required")
	}

	ids := make(map[string]bool, len(def.Questions))
	for i := range def.Questions {
		q := &def.Questions[i]
		if q.ID == "" {
			return models.NewConfigError(def.Name, "question at index %d has no id", i)
		}
		if q.ID == models.TerminalQuestionID {
			return models.NewConfigError(def.Name, "question id %q is reserved", q.ID)
		}
		if ids[q.ID] {
			return models.NewConfigError(def.Name, "duplicate question id %q", q.ID)
		}
		ids[q.ID] = true

		if !questionTypes[q.Type] {
			return models.NewConfigError(def.Name, "question %q has unknown type %q", q.ID, q.Type)
		}
		// file_to_send questions may carry only the file; every other type
		// needs text to present.
		if q.Text == "" && q.Type != models.QuestionTypeFileSend {
			return models.NewConfigError(def.Name, "question %q has no text", q.ID)
		}
		if q.Type == models.QuestionTypePoll && len(q.Options) < 2 {
			return models.NewConfigError(def.Name, "poll question %q needs at least two options", q.ID)
		}
		if q.Type == models.QuestionTypeMeeting && def.CalendarSettings == nil {
			return models.NewConfigError(def.Name, "question %q requires calendar_settings", q.ID)
		}
		if q.Type == models.QuestionTypeFileSend && (q.File == nil || q.File.Path == "") {
			return models.NewConfigError(def.Name, "question %q requires a file path", q.ID)
		}
	}

	// Goto targets across the whole flow graph must resolve up front;
	// a dangling target discovered mid-conversation would strand the session.
	for i := range def.Questions {
		q := &def.Questions[i]
		if q.Flow == nil {
			continue
		}
		if q.Flow.If != nil {
			if err := validateCase(def, q.ID, ids, q.Flow.If); err != nil {
				return err
			}
		}
		for j := range q.Flow.ElseIf {
			if err := validateCase(def, q.ID, ids, &q.Flow.ElseIf[j]); err != nil {
				return err
			}
		}
	}

	if def.CalendarSettings != nil {
		if err := validateCalendar(def.Name, def.CalendarSettings); err != nil {
			return err
		}
	}
	return nil
}

func validateCase(def *models.SurveyDefinition, qid string, ids map[string]bool, c *models.FlowCase) error {
	if c.Answer == "" && len(c.AnswerIn) == 0 {
		return models.NewConfigError(def.Name, "question %q has a flow case with no answer match", qid)
	}
	target := c.Then.Goto
	if target == "" || target == models.TerminalQuestionID {
		return nil
	}
	if !ids[target] {
		return models.NewConfigError(def.Name, "question %q goto target %q does not exist", qid, target)
	}
	return nil
}

func validateCalendar(name string, c *models.CalendarSettings) error {
	if c.MeetingDuration <= 0 {
		return models.NewConfigError(name, "meeting_duration must be positive")
	}
	if c.Buffer < 0 {
		return models.NewConfigError(name, "buffer_between_meetings must not be negative")
	}
	if c.DaysToShow < 1 {
		return models.NewConfigError(name, "days_to_show must be at least 1")
	}
	if len(c.WorkingHours) == 0 {
		return models.NewConfigError(name, "working_hours must configure at least one day")
	}
	if _, err := c.Location(); err != nil {
		return models.NewConfigError(name, "invalid timezone %q: %v", c.Timezone, err)
	}
	for day, w := range c.WorkingHours {
		if !weekdayNames[day] {
			return models.NewConfigError(name, "working_hours has unknown weekday %q", day)
		}
		start, err := ParseTimeOfDay(w.Start)
		if err != nil {
			return models.NewConfigError(name, "working_hours %s start: %v", day, err)
		}
		end, err := ParseTimeOfDay(w.End)
		if err != nil {
			return models.NewConfigError(name, "working_hours %s end: %v", day, err)
		}
		if end <= start {
			return models.NewConfigError(name, "working_hours %s end %q must be after start %q", day, w.End, w.Start)
		}
	}
	for _, day := range c.WeekendDays {
		if !weekdayNames[day] {
			return models.NewConfigError(name, "weekend_days has unknown weekday %q", day)
		}
	}
	return nil
}

// ParseTimeOfDay parses an "HH:MM" wall-clock string into an offset from
// midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
