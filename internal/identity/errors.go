package identity

import (
	"errors"
	"fmt"
)

// ErrStrategyRequired is returned when a dataset has no idStrategy.
var ErrStrategyRequired = errors.New("idStrategy is required")

// Error represents a failure to derive an ID with a particular strategy.
type Error struct {
	Strategy string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s ID generation failed: %s: %v", e.Strategy, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s ID generation failed: %s", e.Strategy, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// SanitizeError is returned when an external ID fails sanitization.
type SanitizeError struct {
	Value  string
	Reason string
}

func (e *SanitizeError) Error() string {
	return fmt.Sprintf("invalid external ID %q: %s", e.Value, e.Reason)
}
