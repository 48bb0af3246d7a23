package models

import (
	"errors"
	"fmt"
)

// Sentinel outcomes of the availability scheduler. ErrNoAvailability is a
// normal terminal outcome of slot search, not a failure; ErrSlotTaken signals
// that the two-phase verify found a conflict introduced after slot listing.
var (
	ErrNoAvailability = errors.New("no available slots")
	ErrSlotTaken      = errors.New("slot no longer available")
)

// ConfigError marks a survey definition as unusable. It is fatal at load
// time: a survey with a ConfigError must never be offered.
type ConfigError struct {
	Survey string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Survey == "" {
		return fmt.Sprintf("survey configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("survey %q configuration error: %s", e.Survey, e.Detail)
}

// NewConfigError builds a ConfigError with a formatted detail message.
func NewConfigError(survey, format string, args ...any) *ConfigError {
	return &ConfigError{Survey: survey, Detail: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError marks an answer that does not satisfy the current question.
// It is recovered locally by re-prompting, bounded by the engine's retry cap.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid answer: %s", e.Reason)
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
