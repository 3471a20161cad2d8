package ingestion

import (
	"errors"
	"fmt"
)

var (
	// ErrFileTooLarge is returned when a source exceeds the configured maximum size.
	ErrFileTooLarge = errors.New("file too large")
	// ErrUnsupportedMIMEType is returned for sources whose sniffed type is not allowed.
	ErrUnsupportedMIMEType = errors.New("unsupported mime type")
	// ErrUnsupportedFormat is returned when no reader handles a file extension.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Error describes a failure reading or acquiring an import source.
type Error struct {
	Path    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: file size %d exceeds maximum %d", ErrFileTooLarge, size, limit)
}

func unsupportedType(mimeType string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedMIMEType, mimeType)
}
