package queue

import (
	"context"
	"sync"
)

// Recorder is a Queue that only records what it is given. Set Err to make
// Enqueue fail.
type Recorder struct {
	mu   sync.Mutex
	jobs []Job
	Err  error
}

var _ Queue = (*Recorder)(nil)

// Enqueue records job or returns r.Err.
func (r *Recorder) Enqueue(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

// Jobs returns a copy of the recorded jobs.
func (r *Recorder) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

// Reset forgets recorded jobs.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = nil
}
