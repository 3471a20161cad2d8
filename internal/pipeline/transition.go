package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

// ErrTransitionInProgress is returned when the identical transition is already running.
//
//nolint:staticcheck // message is matched verbatim by callers
var ErrTransitionInProgress = errors.New("Transition already in progress")

// DefaultMaxLockAge bounds how long a transition lock may live before cleanup removes it.
const DefaultMaxLockAge = 5 * time.Minute

// Result is the outcome of a transition. Failures never panic or return an
// error value; callers decide whether to mark the job failed.
type Result struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	JobQueued bool   `json:"jobQueued"`
	// Err is the underlying error for errors.Is checks.
	Err error `json:"-"`
}

func failure(err error) Result {
	return Result{Success: false, Error: err.Error(), Err: err}
}

type lockKey struct {
	jobID string
	from  types.Stage
	to    types.Stage
}

// lockEntry records who holds a lock. The token is unique per acquisition so
// a holder whose lock was cleared cannot release a later holder's lock.
type lockEntry struct {
	token    uint64
	acquired time.Time
}

// TransitionerOptions configures a Transitioner.
type TransitionerOptions struct {
	Logger     *slog.Logger
	Now        func() time.Time
	MaxLockAge time.Duration
}

// Transitioner validates stage changes, queues the next job and prevents
// the same transition from running twice at once. Locks are process-local.
type Transitioner struct {
	queue      queue.Queue
	store      store.Store
	logger     *slog.Logger
	now        func() time.Time
	maxLockAge time.Duration

	mu        sync.Mutex
	locks     map[lockKey]lockEntry
	lastToken uint64
}

// NewTransitioner creates a Transitioner that enqueues on q and persists through st.
func NewTransitioner(q queue.Queue, st store.Store, opts TransitionerOptions) *Transitioner {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxLockAge <= 0 {
		opts.MaxLockAge = DefaultMaxLockAge
	}
	return &Transitioner{
		queue:      q,
		store:      st,
		logger:     opts.Logger.With("component", "pipeline.transitioner"),
		now:        opts.Now,
		maxLockAge: opts.MaxLockAge,
		locks:      make(map[lockKey]lockEntry),
	}
}

// acquire atomically takes the lock for key and returns its token.
func (t *Transitioner) acquire(key lockKey) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, held := t.locks[key]; held {
		return 0, false
	}
	t.lastToken++
	t.locks[key] = lockEntry{token: t.lastToken, acquired: t.now()}
	return t.lastToken, true
}

// release drops the lock for key if token still owns it.
func (t *Transitioner) release(key lockKey, token uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.locks[key]; ok && entry.token == token {
		delete(t.locks, key)
	}
}

// ProcessStageTransition handles newJob having moved from previousJob's stage
// to its own. A nil previousJob means the job was just created.
func (t *Transitioner) ProcessStageTransition(ctx context.Context, newJob, previousJob *types.ImportJob) Result {
	from := StageStart
	if previousJob != nil {
		from = previousJob.Stage
	}
	to := newJob.Stage

	if from == to {
		return Result{Success: true}
	}

	logger := logging.FromContext(ctx).With(
		"import_job_id", newJob.ID,
		"from_stage", string(from),
		"to_stage", string(to),
	)

	key := lockKey{jobID: newJob.ID, from: from, to: to}
	token, ok := t.acquire(key)
	if !ok {
		logger.Info("stage transition already in progress")
		return failure(ErrTransitionInProgress)
	}
	defer t.release(key, token)

	if err := ValidateTransition(from, to); err != nil {
		logger.Warn("rejected stage transition", slog.Any("error", err))
		return failure(err)
	}

	task := TaskFor(to)
	if task == "" {
		switch to {
		case types.StageAwaitApproval:
			logger.Info("import job awaiting schema approval")
		case types.StageCompleted:
			logger.Info("import job completed")
		case types.StageFailed:
			logger.Warn("import job failed", "error_log", newJob.ErrorLog)
		}
		return Result{Success: true}
	}

	job := queue.Job{Task: task, Input: queue.Input{ImportJobID: newJob.ID, BatchNumber: 0}}
	if err := t.queue.Enqueue(ctx, job); err != nil {
		err = fmt.Errorf("failed to queue %s job: %w", task, err)
		logger.Error("stage transition failed", slog.Any("error", err))
		return failure(err)
	}

	logger.Info("stage transition queued job", "task", task)
	return Result{Success: true, JobQueued: true}
}

// Start queues the first stage of a newly created job.
func (t *Transitioner) Start(ctx context.Context, job *types.ImportJob) error {
	res := t.ProcessStageTransition(ctx, job, nil)
	if !res.Success {
		return res.Err
	}
	return nil
}

// Advance persists job at stage to and processes the transition. An
// invalid edge is rejected before anything is written. The write succeeds
// only while the stored job is still at job.Stage; otherwise the returned
// error wraps store.ErrStageConflict and nothing is queued. Losing a race
// to an identical in-flight transition is not an error.
func (t *Transitioner) Advance(ctx context.Context, job *types.ImportJob, to types.Stage) error {
	previous := *job
	if err := ValidateTransition(previous.Stage, to); err != nil {
		return err
	}

	job.Stage = to
	if err := t.store.AdvanceImportJob(ctx, job, previous.Stage); err != nil {
		job.Stage = previous.Stage
		return fmt.Errorf("failed to update import job %s: %w", job.ID, err)
	}

	res := t.ProcessStageTransition(ctx, job, &previous)
	if res.Success || errors.Is(res.Err, ErrTransitionInProgress) {
		return nil
	}
	return res.Err
}

// Fail marks job failed with cause recorded in its error log.
func (t *Transitioner) Fail(ctx context.Context, job *types.ImportJob, cause error) error {
	previous := *job
	job.ErrorLog = cause.Error()
	job.Stage = types.StageFailed

	if err := t.store.UpdateImportJob(ctx, job); err != nil {
		return fmt.Errorf("failed to mark import job %s failed: %w", job.ID, err)
	}
	t.ProcessStageTransition(ctx, job, &previous)
	return nil
}

// IsTransitioning reports whether jobID has a transition in flight. Empty
// from or to match any stage.
func (t *Transitioner) IsTransitioning(jobID string, from, to types.Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.locks {
		if key.jobID != jobID {
			continue
		}
		if from != "" && key.from != from {
			continue
		}
		if to != "" && key.to != to {
			continue
		}
		return true
	}
	return false
}

// TransitioningCount returns the number of transitions in flight.
func (t *Transitioner) TransitioningCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// ClearTransitionLocks drops every lock. It is an operational reset.
func (t *Transitioner) ClearTransitionLocks() int {
	t.mu.Lock()
	n := len(t.locks)
	t.locks = make(map[lockKey]lockEntry)
	t.mu.Unlock()

	t.logger.Warn("cleared all transition locks", "count", n)
	return n
}

// CleanupOldLocks drops locks held longer than maxAge and returns how many.
func (t *Transitioner) CleanupOldLocks(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = t.maxLockAge
	}
	cutoff := t.now().Add(-maxAge)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, entry := range t.locks {
		if entry.acquired.Before(cutoff) {
			delete(t.locks, key)
			n++
		}
	}
	return n
}

// CleanupTask is the scheduled maintenance entry point.
func (t *Transitioner) CleanupTask(ctx context.Context) int {
	n := t.CleanupOldLocks(t.maxLockAge)
	if n > 0 {
		logging.FromContext(ctx).Warn("removed stale transition locks", "count", n)
	}
	return n
}

// RunCleanup calls CleanupTask every interval until ctx is done.
func (t *Transitioner) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CleanupTask(ctx)
		}
	}
}
