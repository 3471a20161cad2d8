package transform

import "fmt"

// Error represents a failed rule application on one field.
type Error struct {
	FieldPath string
	Strategy  string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}
