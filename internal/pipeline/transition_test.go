package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
)

// blockingQueue holds every Enqueue until release is closed.
type blockingQueue struct {
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	jobs []queue.Job
}

func newBlockingQueue() *blockingQueue {
	return &blockingQueue{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (q *blockingQueue) Enqueue(_ context.Context, job queue.Job) error {
	q.entered <- struct{}{}
	<-q.release
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

// gatedQueue parks each Enqueue on its own gate so tests choose which call finishes first.
type gatedQueue struct {
	calls chan chan struct{}

	mu   sync.Mutex
	jobs []queue.Job
}

func (q *gatedQueue) Enqueue(_ context.Context, job queue.Job) error {
	gate := make(chan struct{})
	q.calls <- gate
	<-gate
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

func jobAt(id string, stage types.Stage) *types.ImportJob {
	return &types.ImportJob{ID: id, Stage: stage}
}

func TestProcessStageTransition_QueuesTask(t *testing.T) {
	tests := []struct {
		name  string
		from  types.Stage
		to    types.Stage
		task  string
		queue bool
	}{
		{"detect schema", types.StageAnalyzeDuplicates, types.StageDetectSchema, "detect-schema", true},
		{"validate schema", types.StageDetectSchema, types.StageValidateSchema, "validate-schema", true},
		{"geocode", types.StageValidateSchema, types.StageGeocodeBatch, "geocode-batch", true},
		{"create events", types.StageGeocodeBatch, types.StageCreateEvents, "create-events", true},
		{"schema version", types.StageAwaitApproval, types.StageCreateSchemaVersion, "create-schema-version", true},
		{"await approval", types.StageValidateSchema, types.StageAwaitApproval, "", false},
		{"completed", types.StageCreateEvents, types.StageCompleted, "", false},
		{"failed", types.StageGeocodeBatch, types.StageFailed, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &queue.Recorder{}
			tr := NewTransitioner(rec, store.NewMemory(), TransitionerOptions{})

			res := tr.ProcessStageTransition(context.Background(), jobAt("job-1", tt.to), jobAt("job-1", tt.from))

			require.True(t, res.Success, res.Error)
			assert.Equal(t, tt.queue, res.JobQueued)
			if !tt.queue {
				assert.Empty(t, rec.Jobs())
				return
			}
			require.Len(t, rec.Jobs(), 1)
			assert.Equal(t, queue.Job{Task: tt.task, Input: queue.Input{ImportJobID: "job-1", BatchNumber: 0}}, rec.Jobs()[0])
			assert.Zero(t, tr.TransitioningCount())
		})
	}
}

func TestProcessStageTransition_NewJobStartsAnalysis(t *testing.T) {
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, store.NewMemory(), TransitionerOptions{})

	res := tr.ProcessStageTransition(context.Background(), jobAt("job-1", types.StageAnalyzeDuplicates), nil)

	require.True(t, res.Success)
	assert.True(t, res.JobQueued)
	require.Len(t, rec.Jobs(), 1)
	assert.Equal(t, "analyze-duplicates", rec.Jobs()[0].Task)
}

func TestProcessStageTransition_SameStageIsNoop(t *testing.T) {
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, store.NewMemory(), TransitionerOptions{})

	res := tr.ProcessStageTransition(context.Background(), jobAt("job-1", types.StageGeocodeBatch), jobAt("job-1", types.StageGeocodeBatch))

	assert.True(t, res.Success)
	assert.False(t, res.JobQueued)
	assert.Empty(t, rec.Jobs())
}

func TestProcessStageTransition_InvalidEdge(t *testing.T) {
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, store.NewMemory(), TransitionerOptions{})

	res := tr.ProcessStageTransition(context.Background(),
		jobAt("job-1", types.StageCreateEvents), jobAt("job-1", types.StageAnalyzeDuplicates))

	assert.False(t, res.Success)
	assert.Equal(t, "Invalid stage transition from 'analyze-duplicates' to 'create-events'", res.Error)
	assert.False(t, res.JobQueued)
	assert.Empty(t, rec.Jobs())
	assert.Zero(t, tr.TransitioningCount())
}

func TestProcessStageTransition_QueueFailure(t *testing.T) {
	rec := &queue.Recorder{Err: errors.New("queue unavailable")}
	tr := NewTransitioner(rec, store.NewMemory(), TransitionerOptions{})

	res := tr.ProcessStageTransition(context.Background(),
		jobAt("job-1", types.StageDetectSchema), jobAt("job-1", types.StageAnalyzeDuplicates))

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "queue unavailable")
	assert.False(t, res.JobQueued)
	assert.Zero(t, tr.TransitioningCount())
}

func TestProcessStageTransition_MutualExclusion(t *testing.T) {
	q := newBlockingQueue()
	tr := NewTransitioner(q, store.NewMemory(), TransitionerOptions{})
	ctx := context.Background()

	first := make(chan Result, 1)
	go func() {
		first <- tr.ProcessStageTransition(ctx, jobAt("job-1", types.StageDetectSchema), jobAt("job-1", types.StageAnalyzeDuplicates))
	}()
	<-q.entered

	assert.True(t, tr.IsTransitioning("job-1", types.StageAnalyzeDuplicates, types.StageDetectSchema))
	assert.True(t, tr.IsTransitioning("job-1", "", ""))
	assert.False(t, tr.IsTransitioning("job-2", "", ""))

	dup := tr.ProcessStageTransition(ctx, jobAt("job-1", types.StageDetectSchema), jobAt("job-1", types.StageAnalyzeDuplicates))
	assert.False(t, dup.Success)
	assert.Equal(t, "Transition already in progress", dup.Error)
	assert.ErrorIs(t, dup.Err, ErrTransitionInProgress)

	// A different job with the same edge and the same job on a different edge both proceed.
	others := make(chan Result, 2)
	go func() {
		others <- tr.ProcessStageTransition(ctx, jobAt("job-2", types.StageDetectSchema), jobAt("job-2", types.StageAnalyzeDuplicates))
	}()
	go func() {
		others <- tr.ProcessStageTransition(ctx, jobAt("job-1", types.StageFailed), jobAt("job-1", types.StageAnalyzeDuplicates))
	}()
	<-q.entered

	close(q.release)
	assert.True(t, (<-first).Success)
	for i := 0; i < 2; i++ {
		select {
		case res := <-others:
			assert.True(t, res.Success, res.Error)
		case <-time.After(time.Second):
			t.Fatal("concurrent transition blocked")
		}
	}
	assert.Zero(t, tr.TransitioningCount())
	assert.Len(t, q.jobs, 2)
}

func TestProcessStageTransition_ClearedHolderKeepsSuccessorLock(t *testing.T) {
	tests := []struct {
		name  string
		reset func(tr *Transitioner, now *time.Time)
	}{
		{"clear all", func(tr *Transitioner, _ *time.Time) { tr.ClearTransitionLocks() }},
		{"cleanup stale", func(tr *Transitioner, now *time.Time) {
			*now = now.Add(10 * time.Minute)
			tr.CleanupOldLocks(time.Minute)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
			q := &gatedQueue{calls: make(chan chan struct{}, 4)}
			tr := NewTransitioner(q, store.NewMemory(), TransitionerOptions{
				Now: func() time.Time { return now },
			})
			ctx := context.Background()
			newJob := jobAt("job-1", types.StageDetectSchema)
			prevJob := jobAt("job-1", types.StageAnalyzeDuplicates)

			stale := make(chan Result, 1)
			go func() { stale <- tr.ProcessStageTransition(ctx, newJob, prevJob) }()
			staleGate := <-q.calls

			tt.reset(tr, &now)
			require.False(t, tr.IsTransitioning("job-1", "", ""))

			successor := make(chan Result, 1)
			go func() { successor <- tr.ProcessStageTransition(ctx, newJob, prevJob) }()
			successorGate := <-q.calls

			close(staleGate)
			require.True(t, (<-stale).Success)

			assert.True(t, tr.IsTransitioning("job-1", types.StageAnalyzeDuplicates, types.StageDetectSchema))
			dup := tr.ProcessStageTransition(ctx, newJob, prevJob)
			assert.ErrorIs(t, dup.Err, ErrTransitionInProgress)

			close(successorGate)
			require.True(t, (<-successor).Success)
			assert.Zero(t, tr.TransitioningCount())
			assert.Len(t, q.jobs, 2)
		})
	}
}

func TestAdvance_StaleStageIsRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, st, TransitionerOptions{})

	job := &types.ImportJob{DatasetID: "ds", Stage: types.StageAwaitApproval}
	require.NoError(t, st.CreateImportJob(ctx, job))
	first := *job
	second := *job

	require.NoError(t, tr.Advance(ctx, &first, types.StageCreateSchemaVersion))
	err := tr.Advance(ctx, &second, types.StageCreateSchemaVersion)

	require.ErrorIs(t, err, store.ErrStageConflict)
	assert.Equal(t, types.StageAwaitApproval, second.Stage)
	require.Len(t, rec.Jobs(), 1)
	assert.Equal(t, "create-schema-version", rec.Jobs()[0].Task)
}

func TestAdvance_PersistsAndQueues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, st, TransitionerOptions{})

	job := &types.ImportJob{DatasetID: "ds", Stage: types.StageAnalyzeDuplicates}
	require.NoError(t, st.CreateImportJob(ctx, job))

	require.NoError(t, tr.Advance(ctx, job, types.StageDetectSchema))

	stored, err := st.GetImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageDetectSchema, stored.Stage)
	require.Len(t, rec.Jobs(), 1)
	assert.Equal(t, "detect-schema", rec.Jobs()[0].Task)
}

func TestAdvance_RejectsInvalidEdgeWithoutWriting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	rec := &queue.Recorder{}
	tr := NewTransitioner(rec, st, TransitionerOptions{})

	job := &types.ImportJob{DatasetID: "ds", Stage: types.StageAnalyzeDuplicates}
	require.NoError(t, st.CreateImportJob(ctx, job))

	err := tr.Advance(ctx, job, types.StageCreateEvents)
	require.Error(t, err)

	stored, err := st.GetImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageAnalyzeDuplicates, stored.Stage)
	assert.Empty(t, rec.Jobs())
}

func TestFail_RecordsErrorLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := NewTransitioner(&queue.Recorder{}, st, TransitionerOptions{})

	job := &types.ImportJob{DatasetID: "ds", Stage: types.StageGeocodeBatch}
	require.NoError(t, st.CreateImportJob(ctx, job))

	require.NoError(t, tr.Fail(ctx, job, errors.New("geocoder timeout")))

	stored, err := st.GetImportJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageFailed, stored.Stage)
	assert.Equal(t, "geocoder timeout", stored.ErrorLog)
}

func TestLockMaintenance(t *testing.T) {
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	tr := NewTransitioner(&queue.Recorder{}, store.NewMemory(), TransitionerOptions{
		Now:        func() time.Time { return now },
		MaxLockAge: time.Minute,
	})

	_, ok := tr.acquire(lockKey{jobID: "old", from: types.StageDetectSchema, to: types.StageValidateSchema})
	require.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok = tr.acquire(lockKey{jobID: "fresh", from: types.StageDetectSchema, to: types.StageValidateSchema})
	require.True(t, ok)
	assert.Equal(t, 2, tr.TransitioningCount())

	assert.Equal(t, 1, tr.CleanupTask(context.Background()))
	assert.False(t, tr.IsTransitioning("old", "", ""))
	assert.True(t, tr.IsTransitioning("fresh", types.StageDetectSchema, ""))
	assert.False(t, tr.IsTransitioning("fresh", "", types.StageCompleted))

	assert.Equal(t, 1, tr.ClearTransitionLocks())
	assert.Zero(t, tr.TransitioningCount())
}
