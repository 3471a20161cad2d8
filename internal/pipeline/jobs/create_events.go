package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonathan/event-importer/internal/identity"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/pipeline"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

// BatchResult is the outcome of one create-events batch.
type BatchResult struct {
	BatchNumber   int  `json:"batchNumber"`
	EventsCreated int  `json:"eventsCreated"`
	EventsSkipped int  `json:"eventsSkipped"`
	Errors        int  `json:"errors"`
	HasMore       bool `json:"hasMore"`
	Completed     bool `json:"completed"`
}

// CreateEvents is the queue handler for create-events.
func (h *Handlers) CreateEvents(ctx context.Context, in queue.Input) error {
	_, err := h.ProcessBatch(ctx, in)
	return err
}

// ProcessBatch turns one page of rows into events. A full page chains the
// next batch. A short or empty page finalizes the job as completed.
func (h *Handlers) ProcessBatch(ctx context.Context, in queue.Input) (BatchResult, error) {
	const stage = types.StageCreateEvents
	w, err := h.load(ctx, in.ImportJobID, stage)
	if err != nil {
		return BatchResult{}, ignoreMismatch(ctx, err)
	}
	job, dataset := w.job, w.dataset
	logger := logging.FromContext(ctx).With("batch_number", in.BatchNumber)

	rows, err := h.reader.ReadBatch(ctx, w.file.Path, ingestion.BatchOptions{
		SheetIndex: job.SheetIndex,
		StartRow:   in.BatchNumber * h.batchSize,
		Limit:      h.batchSize,
	})
	if err != nil {
		return BatchResult{}, h.fail(ctx, job, err)
	}

	if len(rows) == 0 {
		if err := h.finalize(ctx, job); err != nil {
			return BatchResult{}, err
		}
		return BatchResult{BatchNumber: in.BatchNumber, Completed: true}, nil
	}

	rules := dataset.EnabledTransformations()
	transforming := dataset.SchemaConfig.AllowTransformations && len(rules) > 0
	result := BatchResult{BatchNumber: in.BatchNumber}
	skip := job.Duplicates.SkipRows()

	for i, row := range rows {
		index := in.BatchNumber*h.batchSize + i

		if _, dup := skip[index]; dup {
			result.EventsSkipped++
			continue
		}

		id, err := h.ids.Generate(row, dataset.ID, dataset.IDStrategy)
		if errors.Is(err, identity.ErrStrategyRequired) {
			return result, h.fail(ctx, job, err)
		}
		if err != nil {
			result.Errors++
			recordError(job, index, stage, err)
			continue
		}

		event := &types.Event{
			DatasetID:        dataset.ID,
			ImportJobID:      job.ID,
			UniqueID:         id.UniqueID,
			ContentHash:      id.ContentHash,
			Data:             row,
			ValidationStatus: types.ValidationPending,
			RowNumber:        index,
		}

		if transforming {
			res := h.transforms.Apply(row, rules)
			event.Data = res.Transformed
			if applied := res.Applied(); len(applied) > 0 {
				event.ValidationStatus = types.ValidationTransformed
				event.Transformations = applied
			}
			for _, change := range res.Failed() {
				recordError(job, index, stage, fmt.Errorf("%s: %s", change.Path, change.Error))
			}
		}

		if geo, ok := job.GeocodingResults[index]; ok {
			event.Geocoding = &geo
			event.Location = &types.Coordinates{Latitude: geo.Latitude, Longitude: geo.Longitude}
		}

		switch err := h.store.CreateEvent(ctx, event); {
		case err == nil:
			result.EventsCreated++
		case errors.Is(err, store.ErrDuplicate):
			result.EventsSkipped++
		default:
			result.Errors++
			recordError(job, index, stage, err)
		}
	}

	job.Progress.EventsCreated += result.EventsCreated
	job.Progress.EventsSkipped += result.EventsSkipped
	job.Progress.Errors += result.Errors
	job.Progress.BatchNumber = in.BatchNumber
	job.Progress.Set(stage, in.BatchNumber*h.batchSize+len(rows), job.Duplicates.Summary.TotalRows)
	if err := h.store.UpdateImportJob(ctx, job); err != nil {
		return result, fmt.Errorf("failed to update import job progress: %w", err)
	}

	logger.Info("event batch processed",
		"rows", len(rows),
		"events_created", result.EventsCreated,
		"events_skipped", result.EventsSkipped,
		"errors", result.Errors,
	)

	if len(rows) == h.batchSize {
		next := queue.Job{
			Task:  pipeline.TaskFor(stage),
			Input: queue.Input{ImportJobID: job.ID, BatchNumber: in.BatchNumber + 1},
		}
		if err := h.queue.Enqueue(ctx, next); err != nil {
			return result, h.fail(ctx, job, fmt.Errorf("failed to queue batch %d: %w", next.Input.BatchNumber, err))
		}
		result.HasMore = true
		return result, nil
	}

	if err := h.finalize(ctx, job); err != nil {
		return result, err
	}
	return result, nil
}

// finalize records the import's final results and completes the job.
func (h *Handlers) finalize(ctx context.Context, job *types.ImportJob) error {
	total, err := h.store.CountEvents(ctx, store.EventFilter{ImportJobID: job.ID})
	if err != nil {
		return h.fail(ctx, job, fmt.Errorf("failed to count events: %w", err))
	}

	job.Results = &types.Results{
		TotalEvents:       total,
		DuplicatesSkipped: job.Duplicates.Summary.Skipped(),
		Geocoded:          len(job.GeocodingResults),
		Errors:            job.Progress.Errors,
		CompletedAt:       h.now(),
	}

	logging.FromContext(ctx).Info("import finished",
		"total_events", total,
		"duplicates_skipped", job.Results.DuplicatesSkipped,
		"geocoded", job.Results.Geocoded,
		"errors", job.Results.Errors,
	)
	if err := h.advance(ctx, job, types.StageCompleted); err != nil {
		logging.FromContext(ctx).Error("failed to complete import job", slog.Any("error", err))
		return err
	}
	return nil
}
