// Package jobs holds the queue handlers that do the work of each import
// stage. Every handler loads its job, does the stage's work, persists the
// job and moves it on through the pipeline.Transitioner.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/event-importer/internal/geocode"
	"github.com/jonathan/event-importer/internal/identity"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/pipeline"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/transform"
	"github.com/jonathan/event-importer/internal/types"
)

// Defaults for Deps.
const (
	DefaultBatchSize  = 1000
	DefaultSampleSize = 500
	// MaxRecordedErrors caps the per-row errors kept on a job.
	MaxRecordedErrors = 1000
)

// Deps are the collaborators shared by all handlers.
type Deps struct {
	Store        store.Store
	Queue        queue.Queue
	Transitioner *pipeline.Transitioner
	Reader       ingestion.Reader
	IDs          *identity.Generator
	Transforms   *transform.Service
	Geocoder     geocode.Geocoder
	// BatchSize is the page size for reading rows and creating events.
	BatchSize int
	// SampleSize is the number of rows schema detection looks at.
	SampleSize int
	Now        func() time.Time
}

// Handlers implements one queue handler per working stage.
type Handlers struct {
	store        store.Store
	queue        queue.Queue
	transitioner *pipeline.Transitioner
	reader       ingestion.Reader
	ids          *identity.Generator
	transforms   *transform.Service
	geocoder     geocode.Geocoder
	batchSize    int
	sampleSize   int
	now          func() time.Time
}

// New creates Handlers, filling in defaults for optional dependencies.
func New(deps Deps) *Handlers {
	if deps.Reader == nil {
		deps.Reader = ingestion.FileReader{}
	}
	if deps.IDs == nil {
		deps.IDs = identity.New()
	}
	if deps.Transforms == nil {
		deps.Transforms = transform.NewService(nil, nil)
	}
	if deps.Geocoder == nil {
		deps.Geocoder = geocode.Noop{}
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = DefaultBatchSize
	}
	if deps.SampleSize <= 0 {
		deps.SampleSize = DefaultSampleSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{
		store:        deps.Store,
		queue:        deps.Queue,
		transitioner: deps.Transitioner,
		reader:       deps.Reader,
		ids:          deps.IDs,
		transforms:   deps.Transforms,
		geocoder:     deps.Geocoder,
		batchSize:    deps.BatchSize,
		sampleSize:   deps.SampleSize,
		now:          deps.Now,
	}
}

// Registrar accepts task handlers.
type Registrar interface {
	Register(task string, handler queue.Handler)
}

// Register binds every stage task to its handler.
func (h *Handlers) Register(r Registrar) {
	r.Register(pipeline.TaskFor(types.StageAnalyzeDuplicates), h.AnalyzeDuplicates)
	r.Register(pipeline.TaskFor(types.StageDetectSchema), h.DetectSchema)
	r.Register(pipeline.TaskFor(types.StageValidateSchema), h.ValidateSchema)
	r.Register(pipeline.TaskFor(types.StageCreateSchemaVersion), h.CreateSchemaVersion)
	r.Register(pipeline.TaskFor(types.StageGeocodeBatch), h.GeocodeBatch)
	r.Register(pipeline.TaskFor(types.StageCreateEvents), h.CreateEvents)
}

// ErrStageMismatch is returned when a handler runs for a job that is not in
// the handler's stage, such as a redelivered job.
var ErrStageMismatch = errors.New("import job is not in the expected stage")

// workItem is a job loaded together with its dataset and file.
type workItem struct {
	job     *types.ImportJob
	dataset *types.Dataset
	file    *types.ImportFile
}

// load reads the job, dataset and file. Any missing record is a hard error;
// when the job itself exists it is marked failed.
func (h *Handlers) load(ctx context.Context, jobID string, stage types.Stage) (*workItem, error) {
	job, err := h.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load import job: %w", err)
	}
	if job.Stage != stage {
		return nil, fmt.Errorf("%w: job %s is at %s, handler expects %s", ErrStageMismatch, job.ID, job.Stage, stage)
	}

	dataset, err := h.store.GetDataset(ctx, job.DatasetID)
	if err != nil {
		err = fmt.Errorf("failed to load dataset: %w", err)
		return nil, h.fail(ctx, job, err)
	}
	file, err := h.store.GetImportFile(ctx, job.ImportFileID)
	if err != nil {
		err = fmt.Errorf("failed to load import file: %w", err)
		return nil, h.fail(ctx, job, err)
	}
	return &workItem{job: job, dataset: dataset, file: file}, nil
}

// fail marks job failed and returns cause for the queue to log.
func (h *Handlers) fail(ctx context.Context, job *types.ImportJob, cause error) error {
	if err := h.transitioner.Fail(ctx, job, cause); err != nil {
		logging.FromContext(ctx).Error("failed to mark import job failed", slog.Any("error", err))
	}
	return cause
}

// advance moves the job on, failing it when the transition is refused. A job
// another worker already moved is left alone.
func (h *Handlers) advance(ctx context.Context, job *types.ImportJob, to types.Stage) error {
	err := h.transitioner.Advance(ctx, job, to)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrStageConflict):
		logging.FromContext(ctx).Warn("skipping stage change", slog.Any("error", err))
		return nil
	default:
		return h.fail(ctx, job, err)
	}
}

// eachRow pages through every row of the job's file in order.
func (h *Handlers) eachRow(ctx context.Context, w *workItem, fn func(index int, row types.Row) error) (int, error) {
	index := 0
	for {
		rows, err := h.reader.ReadBatch(ctx, w.file.Path, ingestion.BatchOptions{
			SheetIndex: w.job.SheetIndex,
			StartRow:   index,
			Limit:      h.batchSize,
		})
		if err != nil {
			return index, err
		}
		for _, row := range rows {
			if err := fn(index, row); err != nil {
				return index, err
			}
			index++
		}
		if len(rows) < h.batchSize {
			return index, nil
		}
	}
}

// recordError appends a per-row error, keeping at most MaxRecordedErrors.
func recordError(job *types.ImportJob, row int, stage types.Stage, err error) {
	if len(job.Errors) >= MaxRecordedErrors {
		return
	}
	job.Errors = append(job.Errors, types.RowError{Row: row, Stage: stage, Error: err.Error()})
}

// ignoreMismatch drops ErrStageMismatch so redelivered jobs end quietly.
func ignoreMismatch(ctx context.Context, err error) error {
	if errors.Is(err, ErrStageMismatch) {
		logging.FromContext(ctx).Warn("skipping job", slog.Any("error", err))
		return nil
	}
	return err
}
