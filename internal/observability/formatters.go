// Package observability provides formatted output utilities for the CLI.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer writes box-formatted summaries
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncate(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// PrintImportJob outputs the stage, per-stage progress and duplicate summary of job.
func (p *Printer) PrintImportJob(job *types.ImportJob) {
	if job == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Job:      %s\n", job.ID)
	fmt.Fprintf(&sb, "Dataset:  %s\n", job.DatasetID)
	fmt.Fprintf(&sb, "Stage:    %s\n", stageLabel(job.Stage))

	if len(job.Progress.Stages) > 0 {
		sb.WriteString("\nProgress:\n")
		for _, stage := range types.AllStages {
			sp, ok := job.Progress.Stages[stage]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  %-22s %d/%d\n", stage, sp.Current, sp.Total)
		}
	}

	sum := job.Duplicates.Summary
	if sum.TotalRows > 0 {
		sb.WriteString("\nDuplicates:\n")
		fmt.Fprintf(&sb, "  Rows:     %d (%d unique)\n", sum.TotalRows, sum.UniqueRows)
		fmt.Fprintf(&sb, "  Internal: %d\n", sum.InternalDuplicates)
		fmt.Fprintf(&sb, "  External: %d\n", sum.ExternalDuplicates)
	}

	if job.ErrorLog != "" {
		fmt.Fprintf(&sb, "\nError: %s\n", job.ErrorLog)
	}

	p.printBox("IMPORT JOB", strings.TrimSuffix(sb.String(), "\n"))
}

func stageLabel(stage types.Stage) string {
	switch stage {
	case types.StageCompleted:
		return "✅ " + string(stage)
	case types.StageFailed:
		return "❌ " + string(stage)
	case types.StageAwaitApproval:
		return "⏸ " + string(stage)
	default:
		return string(stage)
	}
}

// PrintSchemaChanges outputs the detected schema changes, breaking ones marked.
func (p *Printer) PrintSchemaChanges(changes []types.SchemaChange) {
	if len(changes) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Detected %d changes:\n\n", len(changes))

	count := min(len(changes), maxItemsToShow)
	for _, c := range changes[:count] {
		marker := "•"
		if c.Breaking {
			marker = "⚠"
		}
		switch c.Kind {
		case "type_changed":
			fmt.Fprintf(&sb, "%s %s: %s → %s\n", marker, c.Field, c.OldType, c.NewType)
		case "removed":
			fmt.Fprintf(&sb, "%s %s removed\n", marker, c.Field)
		default:
			fmt.Fprintf(&sb, "%s %s added (%s)\n", marker, c.Field, c.NewType)
		}
	}
	if len(changes) > maxItemsToShow {
		fmt.Fprintf(&sb, "... and %d more", len(changes)-maxItemsToShow)
	}

	p.printBox("SCHEMA CHANGES", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintResults outputs the totals of a completed import.
func (p *Printer) PrintResults(results *types.Results) {
	if results == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Events created:     %d\n", results.TotalEvents)
	fmt.Fprintf(&sb, "Duplicates skipped: %d\n", results.DuplicatesSkipped)
	fmt.Fprintf(&sb, "Geocoded:           %d\n", results.Geocoded)
	fmt.Fprintf(&sb, "Errors:             %d", results.Errors)
	if !results.CompletedAt.IsZero() {
		fmt.Fprintf(&sb, "\nCompleted at:       %s", results.CompletedAt.Format(time.RFC3339))
	}

	p.printBox("IMPORT RESULTS", sb.String())
}

// PrintRowErrors outputs the first recorded row errors.
func (p *Printer) PrintRowErrors(errs []types.RowError) {
	if len(errs) == 0 {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d row errors:\n\n", len(errs))

	count := min(len(errs), maxItemsToShow)
	for i, e := range errs[:count] {
		fmt.Fprintf(&sb, "⚠ row %d (%s)\n", e.Row, e.Stage)
		fmt.Fprintf(&sb, "  %s", truncate(e.Error, 45))
		if i < count-1 {
			sb.WriteString("\n")
		}
	}
	if len(errs) > maxItemsToShow {
		fmt.Fprintf(&sb, "\n\n... and %d more errors", len(errs)-maxItemsToShow)
	}

	p.printBox("ROW ERRORS", sb.String())
}

// PrintCacheStats outputs one section per named cache, sorted by name.
func (p *Printer) PrintCacheStats(stats map[string]cache.Stats) {
	if len(stats) == 0 {
		p.printBox("CACHE STATS", "No caches in use")
		return
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		s := stats[name]
		fmt.Fprintf(&sb, "%s\n", name)
		fmt.Fprintf(&sb, "  Entries: %d (%d bytes)\n", s.Entries, s.TotalSize)
		fmt.Fprintf(&sb, "  Hits/Misses: %d/%d  Evictions: %d", s.Hits, s.Misses, s.Evictions)
		if i < len(names)-1 {
			sb.WriteString("\n\n")
		}
	}

	p.printBox("CACHE STATS", sb.String())
}
