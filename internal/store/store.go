// Package store persists datasets, import files, import jobs, events and
// schema versions. Memory backs tests and single-process runs; Postgres is
// the durable implementation.
package store

import (
	"context"
	"errors"

	"github.com/jonathan/event-importer/internal/types"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStageConflict is returned by AdvanceImportJob when the stored stage
	// is no longer the one the caller read.
	ErrStageConflict = errors.New("import job stage changed")
)

// EventFilter narrows event queries. Empty fields match everything.
type EventFilter struct {
	DatasetID   string
	ImportJobID string
}

// Store is the persistence contract used by the pipeline.
type Store interface {
	CreateDataset(ctx context.Context, ds *types.Dataset) error
	GetDataset(ctx context.Context, id string) (*types.Dataset, error)
	UpdateDataset(ctx context.Context, ds *types.Dataset) error

	CreateImportFile(ctx context.Context, f *types.ImportFile) error
	GetImportFile(ctx context.Context, id string) (*types.ImportFile, error)

	CreateImportJob(ctx context.Context, job *types.ImportJob) error
	GetImportJob(ctx context.Context, id string) (*types.ImportJob, error)
	UpdateImportJob(ctx context.Context, job *types.ImportJob) error
	// AdvanceImportJob writes job only if the stored job is still at from.
	AdvanceImportJob(ctx context.Context, job *types.ImportJob, from types.Stage) error

	// CreateEvent returns ErrDuplicate when the dataset already has an event with the same UniqueID.
	CreateEvent(ctx context.Context, e *types.Event) error
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
	// EventExists reports whether datasetID has an event with uniqueID, and its ID.
	EventExists(ctx context.Context, datasetID, uniqueID string) (string, bool, error)
	ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*types.Event, error)

	CreateSchemaVersion(ctx context.Context, v *types.SchemaVersion) error
}
