package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/schemas"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

// ErrNotAwaitingApproval is returned by Approve for a job that is not paused for approval.
var ErrNotAwaitingApproval = errors.New("import job is not awaiting approval")

func (h *Handlers) sample(ctx context.Context, w *workItem) ([]types.Row, error) {
	return h.reader.ReadBatch(ctx, w.file.Path, ingestion.BatchOptions{
		SheetIndex: w.job.SheetIndex,
		Limit:      h.sampleSize,
	})
}

// DetectSchema infers field metadata and a JSON Schema from a sample of rows.
func (h *Handlers) DetectSchema(ctx context.Context, in queue.Input) error {
	const stage = types.StageDetectSchema
	w, err := h.load(ctx, in.ImportJobID, stage)
	if err != nil {
		return ignoreMismatch(ctx, err)
	}
	job := w.job

	rows, err := h.sample(ctx, w)
	if err != nil {
		return h.fail(ctx, job, err)
	}

	job.FieldMetadata, job.DetectedSchema = schemas.Detect(rows)
	job.Progress.Set(stage, len(rows), len(rows))

	logging.FromContext(ctx).Info("schema detected", "fields", len(job.FieldMetadata), "sampled_rows", len(rows))
	return h.advance(ctx, job, types.StageValidateSchema)
}

// ValidateSchema compares the detected schema with the dataset's and checks
// sample rows against the dataset schema (or the detected one for a new
// dataset). Row failures are recorded on the job and do not stop it.
// Changes that need a person pause the job at await-approval. Changes that
// may be applied automatically get a new schema version straight away.
func (h *Handlers) ValidateSchema(ctx context.Context, in queue.Input) error {
	const stage = types.StageValidateSchema
	w, err := h.load(ctx, in.ImportJobID, stage)
	if err != nil {
		return ignoreMismatch(ctx, err)
	}
	job, dataset := w.job, w.dataset
	logger := logging.FromContext(ctx)

	job.SchemaChanges = schemas.Compare(dataset.FieldMetadata, job.FieldMetadata)

	target := dataset.Schema
	if target == nil {
		target = job.DetectedSchema
	}
	compiled, err := schemas.Compile(target)
	if err != nil {
		return h.fail(ctx, job, err)
	}

	rows, err := h.sample(ctx, w)
	if err != nil {
		return h.fail(ctx, job, err)
	}
	invalid := 0
	for i, row := range rows {
		if verr := compiled.Validate(row); verr != nil {
			invalid++
			var ve *schemas.ValidationError
			if errors.As(verr, &ve) {
				verr = errors.New(ve.Summary())
			}
			recordError(job, i, stage, verr)
		}
	}
	job.Progress.Set(stage, len(rows), len(rows))

	logger.Info("schema validated", "changes", len(job.SchemaChanges), "invalid_rows", invalid)

	if schemas.RequiresApproval(job.SchemaChanges, dataset.SchemaConfig) {
		return h.advance(ctx, job, types.StageAwaitApproval)
	}
	if len(job.SchemaChanges) > 0 {
		job.Approved = true
		if err := h.createVersion(ctx, w); err != nil {
			return h.fail(ctx, job, err)
		}
	}
	return h.advance(ctx, job, types.StageGeocodeBatch)
}

// Approve releases a job paused at await-approval.
func (h *Handlers) Approve(ctx context.Context, jobID string) (*types.ImportJob, error) {
	job, err := h.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != types.StageAwaitApproval {
		return nil, fmt.Errorf("%w: job %s is at %s", ErrNotAwaitingApproval, job.ID, job.Stage)
	}

	job.Approved = true
	if err := h.transitioner.Advance(ctx, job, types.StageCreateSchemaVersion); err != nil {
		if errors.Is(err, store.ErrStageConflict) {
			return nil, fmt.Errorf("%w: %w", ErrNotAwaitingApproval, err)
		}
		return nil, err
	}
	logging.FromContext(ctx).Info("schema changes approved", "import_job_id", job.ID)
	return job, nil
}

// CreateSchemaVersion stores the approved schema as the dataset's next version.
func (h *Handlers) CreateSchemaVersion(ctx context.Context, in queue.Input) error {
	w, err := h.load(ctx, in.ImportJobID, types.StageCreateSchemaVersion)
	if err != nil {
		return ignoreMismatch(ctx, err)
	}
	if err := h.createVersion(ctx, w); err != nil {
		return h.fail(ctx, w.job, err)
	}
	return h.advance(ctx, w.job, types.StageGeocodeBatch)
}

func (h *Handlers) createVersion(ctx context.Context, w *workItem) error {
	job, dataset := w.job, w.dataset

	metadata := make(map[string]types.FieldMetadata, len(job.FieldMetadata))
	for field, meta := range job.FieldMetadata {
		if old, ok := dataset.FieldMetadata[field]; ok && meta.Type == types.FieldTypeNull {
			meta.Type = old.Type
		}
		metadata[field] = meta
	}

	version := &types.SchemaVersion{
		DatasetID:   dataset.ID,
		Version:     dataset.SchemaVersion + 1,
		Schema:      job.DetectedSchema,
		ImportJobID: job.ID,
		Changes:     job.SchemaChanges,
	}
	if err := h.store.CreateSchemaVersion(ctx, version); err != nil {
		return fmt.Errorf("failed to create schema version: %w", err)
	}

	dataset.Schema = job.DetectedSchema
	dataset.SchemaVersion = version.Version
	dataset.FieldMetadata = metadata
	if err := h.store.UpdateDataset(ctx, dataset); err != nil {
		return fmt.Errorf("failed to update dataset schema: %w", err)
	}

	logging.FromContext(ctx).Info("schema version created",
		"dataset_id", dataset.ID, "version", version.Version, "changes", len(version.Changes))
	return nil
}
