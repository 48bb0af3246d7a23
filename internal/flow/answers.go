package flow

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// CleanAnswer strips emoji and other symbol runes plus surrounding
// whitespace, so a poll answer like "✅ Yes " compares equal to the option
// text "Yes". Letters, digits, punctuation, and inner spaces are preserved.
func CleanAnswer(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.Is(unicode.So, r) || unicode.Is(unicode.Sk, r) || unicode.Is(unicode.Cs, r) {
			continue
		}
		// Variation selectors and zero-width joiners ride along with emoji.
		if r == 0xFE0F || r == 0x200D {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// CanonicalPollAnswer maps a raw poll reply to the canonical text of the
// matched option. It accepts the option text (case-insensitive, emoji
// stripped) or a 1-based index. When several options carry the same text the
// first one wins.
func CanonicalPollAnswer(options []string, raw string) (string, bool) {
	cleaned := CleanAnswer(raw)
	if cleaned == "" {
		return "", false
	}

	if n, err := strconv.Atoi(cleaned); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return "", false
	}

	for _, opt := range options {
		if strings.EqualFold(CleanAnswer(opt), cleaned) {
			return opt, true
		}
	}
	return "", false
}

// ValidateTextAnswer normalizes a free-text answer, rejecting empty input.
func ValidateTextAnswer(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", models.NewValidationError("answer must not be empty")
	}
	return trimmed, nil
}

// mimeClasses groups concrete mime types under the class names a survey's
// allowed_types may use.
var mimeClasses = map[string]string{
	"image":    "image/",
	"audio":    "audio/",
	"video":    "video/",
	"document": "application/",
}

// ValidateFileAnswer checks a file payload against the question's allowed
// type classes and the survey's size cap.
func ValidateFileAnswer(q *models.Question, maxSize int64, f *models.InboundFile) error {
	if f == nil {
		return models.NewValidationError("expected a file")
	}
	size := f.Size
	if size == 0 {
		size = int64(len(f.Data))
	}
	if size > maxSize {
		return models.NewValidationError("file is too large (max %d bytes)", maxSize)
	}
	if len(q.AllowedTypes) == 0 {
		return nil
	}
	for _, class := range q.AllowedTypes {
		prefix, ok := mimeClasses[strings.ToLower(class)]
		if !ok {
			// Allow exact mime types in allowed_types as well.
			if strings.EqualFold(class, f.MimeType) {
				return nil
			}
			continue
		}
		if strings.HasPrefix(strings.ToLower(f.MimeType), prefix) {
			return nil
		}
	}
	return models.NewValidationError("file type %q is not accepted here", f.MimeType)
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ExpandPlaceholders substitutes {{field}} references using the lookup
// function. Unresolvable placeholders are replaced with an empty string so a
// missing external field never leaks template syntax to the user.
func ExpandPlaceholders(text string, lookup func(field string) (string, bool)) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		field := strings.TrimSpace(placeholderRe.FindStringSubmatch(m)[1])
		if v, ok := lookup(field); ok {
			return v
		}
		return ""
	})
}
