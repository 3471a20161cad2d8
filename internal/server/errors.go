package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/pipeline/jobs"
	"github.com/jonathan/event-importer/internal/schemas"
	"github.com/jonathan/event-importer/internal/store"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation  *ErrValidation
		schemaErr   *schemas.ValidationError
		fieldErrs   validator.ValidationErrors
		maxBytesErr *http.MaxBytesError
		fetchErr    *fetch.Error
	)

	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, ingestion.ErrFileTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingestion.ErrUnsupportedMIMEType), errors.Is(err, ingestion.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, jobs.ErrNotAwaitingApproval):
		return http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &schemaErr), errors.As(err, &fieldErrs):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		if fetchErr.StatusCode == 0 && !fetchErr.Retryable && fetchErr.Cause == nil {
			return http.StatusBadRequest
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
