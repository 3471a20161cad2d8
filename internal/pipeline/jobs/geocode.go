package jobs

import (
	"context"
	"errors"

	"github.com/jonathan/event-importer/internal/geocode"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/types"
)

// GeocodeBatch resolves a location for every row that will become an event.
// Coordinates already in the row win over the address field. Lookups that
// fail are recorded as row errors and the row simply has no location.
func (h *Handlers) GeocodeBatch(ctx context.Context, in queue.Input) error {
	const stage = types.StageGeocodeBatch
	w, err := h.load(ctx, in.ImportJobID, stage)
	if err != nil {
		return ignoreMismatch(ctx, err)
	}
	job, mapping := w.job, w.dataset.GeoFieldMapping
	logger := logging.FromContext(ctx)

	job.GeocodingResults = make(map[int]types.GeocodingResult)
	lookups := make(map[string]*types.GeocodingResult)
	failed := 0
	skip := job.Duplicates.SkipRows()

	total, err := h.eachRow(ctx, w, func(index int, row types.Row) error {
		if _, dup := skip[index]; dup {
			return nil
		}
		if provided, ok := geocode.Provided(row, mapping); ok {
			job.GeocodingResults[index] = *provided
			return nil
		}
		address, ok := geocode.Address(row, mapping)
		if !ok {
			return nil
		}

		result, seen := lookups[address]
		if !seen {
			res, gerr := h.geocoder.Geocode(ctx, address)
			switch {
			case gerr == nil:
				result = res
			case errors.Is(gerr, geocode.ErrNoResult):
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				failed++
				recordError(job, index, stage, gerr)
			}
			lookups[address] = result
		}
		if result != nil {
			job.GeocodingResults[index] = *result
		}
		return nil
	})
	if err != nil {
		return h.fail(ctx, job, err)
	}

	job.Progress.Set(stage, total, total)
	logger.Info("geocoding finished",
		"rows", total, "geocoded", len(job.GeocodingResults), "lookups", len(lookups), "failed", failed)

	return h.advance(ctx, job, types.StageCreateEvents)
}
