package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runQueue(t *testing.T, q *Local) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitIdle(t *testing.T, q *Local) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

func TestLocal_RunsRegisteredHandler(t *testing.T) {
	q := NewLocal(LocalOptions{Workers: 2})

	var mu sync.Mutex
	var seen []Input
	q.Register("detect-schema", func(_ context.Context, in Input) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, in)
		return nil
	})
	runQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Task: "detect-schema", Input: Input{ImportJobID: "job-1"}}))
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Input{{ImportJobID: "job-1"}}, seen)
}

func TestLocal_UnknownTaskRejected(t *testing.T) {
	q := NewLocal(LocalOptions{})
	err := q.Enqueue(context.Background(), Job{Task: "missing"})
	assert.ErrorContains(t, err, `no handler registered for task "missing"`)
}

func TestLocal_HandlersMayChainJobs(t *testing.T) {
	q := NewLocal(LocalOptions{Workers: 1})

	var batches atomic.Int32
	q.Register("create-events", func(ctx context.Context, in Input) error {
		batches.Add(1)
		if in.BatchNumber < 4 {
			return q.Enqueue(ctx, Job{Task: "create-events", Input: Input{ImportJobID: in.ImportJobID, BatchNumber: in.BatchNumber + 1}})
		}
		return nil
	})
	runQueue(t, q)

	require.NoError(t, q.Enqueue(context.Background(), Job{Task: "create-events", Input: Input{ImportJobID: "job"}}))
	waitIdle(t, q)
	assert.Equal(t, int32(5), batches.Load())
}

func TestLocal_FailuresAndPanicsDoNotStopWorkers(t *testing.T) {
	q := NewLocal(LocalOptions{Workers: 1})

	var ok atomic.Int32
	q.Register("fail", func(context.Context, Input) error { return errors.New("boom") })
	q.Register("panic", func(context.Context, Input) error { panic("bad") })
	q.Register("ok", func(context.Context, Input) error {
		ok.Add(1)
		return nil
	})
	runQueue(t, q)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Job{Task: "fail"}))
	require.NoError(t, q.Enqueue(ctx, Job{Task: "panic"}))
	require.NoError(t, q.Enqueue(ctx, Job{Task: "ok"}))
	waitIdle(t, q)
	assert.Equal(t, int32(1), ok.Load())
}

func TestLocal_StopDrainsThenReturns(t *testing.T) {
	q := NewLocal(LocalOptions{Workers: 1})

	var ran atomic.Int32
	q.Register("t", func(context.Context, Input) error {
		time.Sleep(5 * time.Millisecond)
		ran.Add(1)
		return nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Job{Task: "t"}))
	}
	_, done := runQueue(t, q)
	q.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not stop")
	}
	assert.Equal(t, int32(3), ran.Load())
	assert.ErrorIs(t, q.Enqueue(ctx, Job{Task: "t"}), ErrStopped)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()

	require.NoError(t, r.Enqueue(ctx, Job{Task: "a"}))
	assert.Equal(t, []Job{{Task: "a"}}, r.Jobs())

	r.Err = errors.New("queue down")
	assert.Error(t, r.Enqueue(ctx, Job{Task: "b"}))
	assert.Len(t, r.Jobs(), 1)

	r.Reset()
	assert.Empty(t, r.Jobs())
}
