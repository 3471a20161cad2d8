// Package queue dispatches pipeline jobs to registered handlers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/event-importer/internal/logging"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("queue stopped")

// Input is the payload of every pipeline job.
type Input struct {
	ImportJobID string `json:"importJobId"`
	BatchNumber int    `json:"batchNumber"`
}

// Job is one unit of queued work.
type Job struct {
	Task  string `json:"task"`
	Input Input  `json:"input"`
}

// Queue accepts jobs for later execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler runs one job.
type Handler func(ctx context.Context, input Input) error

// LocalOptions configures a Local queue.
type LocalOptions struct {
	Workers int
	Logger  *slog.Logger
}

// Local is an in-process FIFO queue served by a fixed pool of workers.
// Enqueue never blocks, so handlers may enqueue follow-up jobs.
// Failed jobs are logged and not retried.
type Local struct {
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	pending  []Job
	inflight int
	stopped  bool
	notify   chan struct{}
}

var _ Queue = (*Local)(nil)

// NewLocal creates a Local queue.
func NewLocal(opts LocalOptions) *Local {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Local{
		workers:  opts.Workers,
		logger:   opts.Logger.With("component", "queue"),
		handlers: make(map[string]Handler),
		notify:   make(chan struct{}, 1),
	}
}

// Register binds task to handler. Registering a task twice replaces the handler.
func (q *Local) Register(task string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = handler
}

// Enqueue appends job to the queue.
func (q *Local) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if _, ok := q.handlers[job.Task]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("no handler registered for task %q", job.Task)
	}
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *Local) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next blocks until a job is available, the queue is stopped and drained, or ctx ends.
func (q *Local) next(ctx context.Context) (Job, Handler, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			q.inflight++
			handler := q.handlers[job.Task]
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return job, handler, true
		}
		stopped := q.stopped
		q.mu.Unlock()

		if stopped {
			q.wake()
			return Job{}, nil, false
		}

		select {
		case <-ctx.Done():
			return Job{}, nil, false
		case <-q.notify:
		}
	}
}

// Run serves jobs with the configured number of workers until ctx ends or
// Stop is called and the queue has drained.
func (q *Local) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		worker := i
		g.Go(func() error {
			q.work(gCtx, worker)
			return nil
		})
	}
	q.logger.Info("queue started", "workers", q.workers)
	err := g.Wait()
	q.logger.Info("queue stopped")
	return err
}

func (q *Local) work(ctx context.Context, worker int) {
	for {
		job, handler, ok := q.next(ctx)
		if !ok {
			return
		}
		q.process(ctx, worker, job, handler)
	}
}

func (q *Local) process(ctx context.Context, worker int, job Job, handler Handler) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.mu.Unlock()
	}()

	ctx = logging.WithAttrs(logging.WithLogger(ctx, q.logger),
		"task", job.Task,
		"import_job_id", job.Input.ImportJobID,
		"batch_number", job.Input.BatchNumber,
		"worker", worker,
	)
	logger := logging.FromContext(ctx)

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, job.Input)
	}()

	if err != nil {
		logger.Error("job failed", slog.Any("error", err), "duration", time.Since(start))
		return
	}
	logger.Debug("job finished", "duration", time.Since(start))
}

// Stop rejects new jobs; Run returns once pending jobs are done.
func (q *Local) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.wake()
}

// Idle reports whether no jobs are pending or running.
func (q *Local) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && q.inflight == 0
}

// WaitIdle blocks until the queue is idle or ctx ends.
func (q *Local) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
