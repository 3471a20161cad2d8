package observability

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestPrintImportJob(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	job := &types.ImportJob{
		ID:        "job-1",
		DatasetID: "concerts",
		Stage:     types.StageCompleted,
		Duplicates: types.Duplicates{Summary: types.DuplicateSummary{
			TotalRows: 10, UniqueRows: 7, InternalDuplicates: 2, ExternalDuplicates: 1,
		}},
	}
	job.Progress.Set(types.StageAnalyzeDuplicates, 10, 10)
	job.Progress.Set(types.StageCreateEvents, 7, 10)

	p.PrintImportJob(job)
	output := buf.String()

	assert.Contains(t, output, "IMPORT JOB")
	assert.Contains(t, output, "job-1")
	assert.Contains(t, output, "✅ completed")
	assert.Contains(t, output, "10 (7 unique)")
	assert.Contains(t, output, "Internal: 2")
	assert.Less(t, strings.Index(output, "analyze-duplicates"), strings.Index(output, "create-events"), "stages in pipeline order")
}

func TestPrintImportJob_Failed(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintImportJob(&types.ImportJob{ID: "j", Stage: types.StageFailed, ErrorLog: "import file has no data rows"})

	assert.Contains(t, buf.String(), "❌ failed")
	assert.Contains(t, buf.String(), "import file has no data rows")
	assert.NotContains(t, buf.String(), "Duplicates:")
}

func TestPrintImportJob_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintImportJob(nil)
	assert.Empty(t, buf.String())
}

func TestPrintSchemaChanges(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintSchemaChanges([]types.SchemaChange{
		{Field: "venue", Kind: "added", NewType: "string"},
		{Field: "price", Kind: "type_changed", OldType: "number", NewType: "string", Breaking: true},
		{Field: "legacy", Kind: "removed", Breaking: true},
	})
	output := buf.String()

	assert.Contains(t, output, "SCHEMA CHANGES")
	assert.Contains(t, output, "• venue added (string)")
	assert.Contains(t, output, "⚠ price: number → string")
	assert.Contains(t, output, "⚠ legacy removed")
}

func TestPrintSchemaChanges_Truncated(t *testing.T) {
	var buf bytes.Buffer
	changes := make([]types.SchemaChange, 8)
	for i := range changes {
		changes[i] = types.SchemaChange{Field: fmt.Sprintf("f%d", i), Kind: "added", NewType: "string"}
	}
	NewPrinter(&buf).PrintSchemaChanges(changes)
	assert.Contains(t, buf.String(), "... and 3 more")
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintResults(&types.Results{
		TotalEvents: 7, DuplicatesSkipped: 3, Geocoded: 5, Errors: 1,
		CompletedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	output := buf.String()

	assert.Contains(t, output, "IMPORT RESULTS")
	assert.Contains(t, output, "Events created:     7")
	assert.Contains(t, output, "Duplicates skipped: 3")
	assert.Contains(t, output, "2024-05-01T12:00:00Z")
}

func TestPrintRowErrors(t *testing.T) {
	var buf bytes.Buffer
	errs := make([]types.RowError, 7)
	for i := range errs {
		errs[i] = types.RowError{Row: i, Stage: types.StageCreateEvents, Error: strings.Repeat("x", 80)}
	}
	NewPrinter(&buf).PrintRowErrors(errs)
	output := buf.String()

	assert.Contains(t, output, "Found 7 row errors")
	assert.Contains(t, output, "row 4 (create-events)")
	assert.NotContains(t, output, "row 5 (")
	assert.Contains(t, output, "... and 2 more errors")
	assert.Contains(t, output, "...")
}

func TestPrintCacheStats(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintCacheStats(map[string]cache.Stats{
		"url":     {Entries: 2, TotalSize: 512, Hits: 4, Misses: 1},
		"geocode": {Entries: 1},
	})
	output := buf.String()

	assert.Contains(t, output, "Entries: 2 (512 bytes)")
	assert.Contains(t, output, "Hits/Misses: 4/1")
	assert.Less(t, strings.Index(output, "geocode"), strings.Index(output, "url"))

	buf.Reset()
	NewPrinter(&buf).PrintCacheStats(nil)
	assert.Contains(t, buf.String(), "No caches in use")
}

func TestPrintBox_LinesHaveEqualWidth(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).printBox("TITLE", "short\n"+strings.Repeat("y", 100))

	for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		assert.Equal(t, boxWidth, len([]rune(line)), line)
	}
}
