package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jonathan/event-importer/internal/observability"
	"github.com/jonathan/event-importer/internal/types"
)

// startWorkers serves the queue until the returned stop function is called.
func (a *app) startWorkers(ctx context.Context) func() error {
	done := make(chan error, 1)
	go func() { done <- a.queue.Run(ctx) }()
	return func() error {
		a.queue.Stop()
		return <-done
	}
}

// drive waits for jobID to finish or pause. With approve set, a pause for
// schema approval is approved and the job continues.
func (a *app) drive(ctx context.Context, jobID string, approve bool) (*types.ImportJob, error) {
	for {
		if err := a.queue.WaitIdle(ctx); err != nil {
			return nil, err
		}
		job, err := a.store.GetImportJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Stage != types.StageAwaitApproval || !approve {
			return job, nil
		}
		if _, err := a.handlers.Approve(ctx, jobID); err != nil {
			return nil, err
		}
	}
}

// report prints the job summary and returns an error for failed jobs.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func report(out io.Writer, job *types.ImportJob) error {
	p := observability.NewPrinter(out)
	p.PrintImportJob(job)

	switch job.Stage {
	case types.StageAwaitApproval:
		p.PrintSchemaChanges(job.SchemaChanges)
		fmt.Fprintf(out, "Schema changes need approval: importer approve %s\n", job.ID)
	case types.StageFailed:
		p.PrintRowErrors(job.Errors)
		return fmt.Errorf("import %s failed: %s", job.ID, job.ErrorLog)
	default:
		p.PrintResults(job.Results)
		p.PrintRowErrors(job.Errors)
	}
	return nil
}
