package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jonathan/event-importer/internal/logging"
)

// Default TTL bounds applied when Options leaves them unset.
const (
	DefaultTTL    = time.Hour
	DefaultMaxTTL = 24 * time.Hour
)

// Options configures a Cache view.
type Options struct {
	Prefix     string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// SetOptions controls a single write. A zero TTL means the cache default.
type SetOptions struct {
	TTL      time.Duration
	Tags     []string
	Metadata map[string]any
}

// Cache is a typed view over a Storage backend. Values are stored as JSON.
type Cache[T any] struct {
	storage    Storage
	prefix     string
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     *slog.Logger
	now        func() time.Time
	group      *singleflight.Group
}

// New creates a Cache over storage.
func New[T any](storage Storage, opts Options) *Cache[T] {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.MaxTTL <= 0 {
		opts.MaxTTL = DefaultMaxTTL
	}
	if opts.DefaultTTL > opts.MaxTTL {
		opts.DefaultTTL = opts.MaxTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &Cache[T]{
		storage:    storage,
		prefix:     prefix,
		defaultTTL: opts.DefaultTTL,
		maxTTL:     opts.MaxTTL,
		logger:     opts.Logger,
		now:        opts.Now,
		group:      &singleflight.Group{},
	}
}

// Namespace returns a view sharing this cache's backend under an additional prefix.
func (c *Cache[T]) Namespace(ns string) *Cache[T] {
	child := *c
	child.prefix = c.prefix + ns + ":"
	return &child
}

// Prefix returns the full key prefix of this view.
func (c *Cache[T]) Prefix() string {
	return c.prefix
}

func (c *Cache[T]) fullKey(key string) string {
	return c.prefix + key
}

// ttlFor clamps ttl to (0, maxTTL], substituting the default for zero.
func (c *Cache[T]) ttlFor(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	return ttl
}

// Get returns the cached value. Backend and decode failures are reported as a miss.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	full := c.fullKey(key)

	entry, err := c.storage.Get(ctx, full)
	if err != nil {
		c.logger.Warn("cache get failed", "key", full, slog.Any("error", err))
		return zero, false
	}
	if entry == nil {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(entry.Value, &value); err != nil {
		c.logger.Warn("cache entry undecodable, dropping", "key", full, slog.Any("error", err))
		_, _ = c.storage.Delete(ctx, full)
		return zero, false
	}
	return value, true
}

// Set stores value under key and reports whether the write succeeded.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, opts SetOptions) bool {
	full := c.fullKey(key)

	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache value unencodable", "key", full, slog.Any("error", err))
		return false
	}

	now := c.now()
	entry := &Entry{
		Value:          data,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttlFor(opts.TTL)),
		LastAccessedAt: now,
		Tags:           opts.Tags,
		Metadata:       opts.Metadata,
	}
	if err := c.storage.Set(ctx, full, entry); err != nil {
		c.logger.Warn("cache set failed", "key", full, slog.Any("error", err))
		return false
	}
	return true
}

// GetOrSet returns the cached value or computes, stores and returns it.
// Concurrent callers for the same key share one factory call. Factory errors
// are returned and nothing is cached.
func (c *Cache[T]) GetOrSet(ctx context.Context, key string, factory func(context.Context) (T, error), opts SetOptions) (T, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(c.fullKey(key), func() (any, error) {
		value, err := factory(ctx)
		if err != nil {
			return value, err
		}
		c.Set(ctx, key, value, opts)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	val, _ := v.(T)
	return val, nil
}

// Delete removes key and reports whether it existed.
func (c *Cache[T]) Delete(ctx context.Context, key string) bool {
	ok, err := c.storage.Delete(ctx, c.fullKey(key))
	if err != nil {
		c.logger.Warn("cache delete failed", "key", c.fullKey(key), slog.Any("error", err))
		return false
	}
	return ok
}

// Has reports whether key holds a live entry.
func (c *Cache[T]) Has(ctx context.Context, key string) bool {
	ok, err := c.storage.Has(ctx, c.fullKey(key))
	if err != nil {
		c.logger.Warn("cache has failed", "key", c.fullKey(key), slog.Any("error", err))
		return false
	}
	return ok
}

// Keys lists un-prefixed keys in this view matching pattern (nil matches all).
func (c *Cache[T]) Keys(ctx context.Context, pattern *regexp.Regexp) []string {
	all, err := c.storage.Keys(ctx, nil)
	if err != nil {
		c.logger.Warn("cache keys failed", slog.Any("error", err))
		return nil
	}

	keys := make([]string, 0, len(all))
	for _, full := range all {
		if !strings.HasPrefix(full, c.prefix) {
			continue
		}
		key := strings.TrimPrefix(full, c.prefix)
		if matches(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Clear deletes every key in this view matching pattern and returns the count.
func (c *Cache[T]) Clear(ctx context.Context, pattern *regexp.Regexp) int {
	if c.prefix == "" && pattern == nil {
		n, err := c.storage.Clear(ctx, nil)
		if err != nil {
			c.logger.Warn("cache clear failed", slog.Any("error", err))
		}
		return n
	}

	count := 0
	for _, key := range c.Keys(ctx, pattern) {
		if c.Delete(ctx, key) {
			count++
		}
	}
	return count
}

// InvalidateByTags deletes every entry in this view carrying any of tags.
// It scans the whole view.
func (c *Cache[T]) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	keys := c.Keys(ctx, nil)
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.fullKey(k)
	}

	entries, err := c.storage.GetMany(ctx, full)
	if err != nil {
		c.logger.Warn("cache tag scan failed", slog.Any("error", err))
		return 0
	}

	count := 0
	for key, entry := range entries {
		if !entry.HasAnyTag(tags) {
			continue
		}
		ok, err := c.storage.Delete(ctx, key)
		if err != nil {
			c.logger.Warn("cache delete failed", "key", key, slog.Any("error", err))
			continue
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		c.logger.Debug("invalidated cache entries by tag", "tags", tags, "count", count)
	}
	return count
}

// GetStats reports backend statistics. The backend may be shared by several views.
func (c *Cache[T]) GetStats(ctx context.Context) Stats {
	s, err := c.storage.Stats(ctx)
	if err != nil {
		c.logger.Warn("cache stats failed", slog.Any("error", err))
		return Stats{}
	}
	return s
}

// String implements fmt.Stringer.
func (c *Cache[T]) String() string {
	return fmt.Sprintf("cache(%q)", strings.TrimSuffix(c.prefix, ":"))
}
