package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/jonathan/event-importer/internal/ratelimit"
)

// HostLimiter throttles outbound requests per host. Callers wait for their
// turn instead of being refused.
type HostLimiter struct {
	rate  float64
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
}

// NewHostLimiter allows ratePerSecond requests per host with the given burst.
// A non-positive rate disables throttling.
func NewHostLimiter(ratePerSecond float64, burst int) *HostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		rate:    ratePerSecond,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*ratelimit.Bucket),
	}
}

// reserve takes a token for host and returns how long to wait before using it.
func (l *HostLimiter) reserve(host string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[host]
	if !ok {
		b = ratelimit.NewBucket(l.burst, l.rate, now)
		l.buckets[host] = b
	}
	return b.Reserve(now)
}

// Wait blocks until a request to host may proceed or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil || l.rate <= 0 {
		return nil
	}

	delay := l.reserve(host)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Hosts returns the number of hosts with a bucket.
func (l *HostLimiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
