package jobs

import (
	"context"
	"errors"

	"github.com/jonathan/event-importer/internal/identity"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/types"
)

// AnalyzeDuplicates computes every row's unique ID and records rows that
// repeat an earlier row of the file (internal) or an event the dataset
// already has (external). The first occurrence of a repeated ID is kept.
//
// Rows of an auto-strategy dataset are matched on content hash, since
// their IDs never repeat.
func (h *Handlers) AnalyzeDuplicates(ctx context.Context, in queue.Input) error {
	const stage = types.StageAnalyzeDuplicates
	w, err := h.load(ctx, in.ImportJobID, stage)
	if err != nil {
		return ignoreMismatch(ctx, err)
	}
	job, dataset := w.job, w.dataset
	if dataset.IDStrategy == nil {
		return h.fail(ctx, job, identity.ErrStrategyRequired)
	}
	auto := dataset.IDStrategy.Type == types.IDStrategyAuto

	job.Duplicates = types.Duplicates{Internal: []types.DuplicateRow{}, External: []types.DuplicateRow{}}
	job.Errors = nil
	seen := make(map[string]int)
	idErrors := 0

	total, err := h.eachRow(ctx, w, func(index int, row types.Row) error {
		res, genErr := h.ids.Generate(row, dataset.ID, dataset.IDStrategy)
		if genErr != nil {
			idErrors++
			recordError(job, index, stage, genErr)
			return nil
		}
		matchKey := res.UniqueID
		if auto {
			matchKey = res.ContentHash
		}
		if first, dup := seen[matchKey]; dup {
			job.Duplicates.Internal = append(job.Duplicates.Internal, types.DuplicateRow{
				RowNumber:       index,
				UniqueID:        res.UniqueID,
				FirstOccurrence: first,
			})
			return nil
		}
		seen[matchKey] = index

		if auto {
			return nil
		}
		existingID, exists, err := h.store.EventExists(ctx, dataset.ID, res.UniqueID)
		if err != nil {
			return err
		}
		if exists {
			job.Duplicates.External = append(job.Duplicates.External, types.DuplicateRow{
				RowNumber:       index,
				UniqueID:        res.UniqueID,
				ExistingEventID: existingID,
			})
		}
		return nil
	})
	if err != nil {
		return h.fail(ctx, job, err)
	}

	summary := types.DuplicateSummary{
		TotalRows:          total,
		InternalDuplicates: len(job.Duplicates.Internal),
		ExternalDuplicates: len(job.Duplicates.External),
	}
	summary.UniqueRows = total - summary.Skipped() - idErrors
	job.Duplicates.Summary = summary
	job.Progress.Set(stage, total, total)

	logging.FromContext(ctx).Info("duplicate analysis finished",
		"total_rows", summary.TotalRows,
		"internal_duplicates", summary.InternalDuplicates,
		"external_duplicates", summary.ExternalDuplicates,
		"id_errors", idErrors,
	)

	if total == 0 {
		return h.fail(ctx, job, errors.New("import file has no data rows"))
	}
	return h.advance(ctx, job, types.StageDetectSchema)
}
