// Package ratelimit provides the token buckets behind per-client API limits
// and per-host outbound throttling.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// EndpointConfig overrides the default limit for one route.
type EndpointConfig struct {
	Path   string // exact path, or a prefix when it ends with "/"
	Method string
	Limit  int // requests per Window; zero means unlimited
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config configures a Limiter.
type Config struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	// IdleTTL is how long an unused bucket is kept. Defaults to one hour.
	IdleTTL   time.Duration
	Whitelist map[string]bool
	Blacklist map[string]bool
	Endpoints []EndpointConfig
	Now       func() time.Time
}

// ImportEndpoints limits the routes that accept import sources to limit
// requests per window, with a burst of a tenth of that.
func ImportEndpoints(limit int, window time.Duration) []EndpointConfig {
	burst := max(limit/10, 1)
	return []EndpointConfig{
		{Path: "/imports", Method: "POST", Limit: limit, Window: window, Burst: burst},
		{Path: "/imports/url", Method: "POST", Limit: limit, Window: window, Burst: burst},
		{Path: "/cache/clear", Method: "POST", Limit: limit, Window: window, Burst: burst},
	}
}

// MatchEndpoint returns the configuration for path and method, or nil.
// GET /health is always unlimited.
func MatchEndpoint(path, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/health" && method == "GET" {
		return &EndpointConfig{}
	}

	for i := range configs {
		if configs[i].Path == path && configs[i].Method == method {
			return &configs[i]
		}
	}
	for i := range configs {
		c := &configs[i]
		if c.Method == method && strings.HasSuffix(c.Path, "/") && strings.HasPrefix(path, c.Path) {
			return c
		}
	}
	return nil
}

// Bucket is a token bucket refilled continuously at refillRate tokens per
// second up to capacity. It is not safe for concurrent use; owners guard it.
type Bucket struct {
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// NewBucket returns a full bucket.
func NewBucket(capacity int, refillRate float64, now time.Time) *Bucket {
	return &Bucket{
		capacity:   float64(capacity),
		refillRate: refillRate,
		tokens:     float64(capacity),
		lastRefill: now,
		lastAccess: now,
	}
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
	b.lastAccess = now
}

// Allow takes a token if one is available.
func (b *Bucket) Allow(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Reserve always takes a token, going into debt if needed, and returns how
// long the caller must wait before using it.
func (b *Bucket) Reserve(now time.Time) time.Duration {
	b.refill(now)
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.refillRate * float64(time.Second))
}

// Remaining is the number of whole tokens left.
func (b *Bucket) Remaining() int {
	return max(int(b.tokens), 0)
}

// RetryAfter is how long until the next token is available.
func (b *Bucket) RetryAfter() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

// ResetAt is when the bucket will be full again.
func (b *Bucket) ResetAt(now time.Time) time.Time {
	if b.tokens >= b.capacity {
		return now
	}
	seconds := (b.capacity - b.tokens) / b.refillRate
	return now.Add(time.Duration(seconds * float64(time.Second)))
}

// IdleSince reports when the bucket was last used.
func (b *Bucket) IdleSince() time.Time {
	return b.lastAccess
}

// Info describes the limit state after a call to Allow.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// Limiter holds one bucket per client, path and method.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*Bucket
}

// NewLimiter creates a Limiter.
func NewLimiter(cfg Config) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*Bucket)}
}

// Allow consumes a token for the request if one is available.
func (l *Limiter) Allow(clientID, path, method string) (bool, Info) {
	if !l.cfg.Enabled || l.cfg.Whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.cfg.Blacklist[clientID] {
		return false, Info{}
	}

	endpoint := MatchEndpoint(path, method, l.cfg.Endpoints)
	if endpoint == nil {
		endpoint = &EndpointConfig{Limit: l.cfg.DefaultLimit, Window: l.cfg.DefaultWindow}
	}
	if endpoint.Limit <= 0 || endpoint.Window <= 0 {
		return true, Info{Allowed: true}
	}

	now := l.cfg.Now()
	key := clientID + ":" + path + ":" + method

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		capacity := endpoint.Burst
		if capacity <= 0 {
			capacity = endpoint.Limit
		}
		b = NewBucket(capacity, float64(endpoint.Limit)/endpoint.Window.Seconds(), now)
		l.buckets[key] = b
	}

	allowed := b.Allow(now)
	info := Info{
		Allowed:   allowed,
		Limit:     endpoint.Limit,
		Remaining: b.Remaining(),
		ResetTime: b.ResetAt(now),
	}
	if !allowed {
		info.RetryAfter = b.RetryAfter()
	}
	return allowed, info
}

// Cleanup drops buckets unused for longer than IdleTTL and returns how many.
func (l *Limiter) Cleanup() int {
	cutoff := l.cfg.Now().Add(-l.cfg.IdleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.IdleSince().Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}
