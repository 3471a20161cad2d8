// Package cache provides a namespaced key/value cache with TTLs, tag-based
// invalidation and pluggable storage backends (memory and filesystem).
//
// A Cache never fails its caller: backend errors are logged and treated as a
// miss or a no-op. Correctness must never depend on a cache hit.
package cache

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrEntryTooLarge is returned by a backend when one entry exceeds its size budget.
var ErrEntryTooLarge = errors.New("cache entry exceeds maximum size")

// Entry is a stored value and its metadata. Value holds the encoded payload.
type Entry struct {
	Value          []byte         `json:"value"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	AccessCount    int64          `json:"accessCount"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	Size           int64          `json:"size"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
// A zero ExpiresAt never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, have := range e.Tags {
		for _, want := range tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Stats summarizes a backend.
type Stats struct {
	Entries     int       `json:"entries"`
	TotalSize   int64     `json:"totalSize"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	OldestEntry time.Time `json:"oldestEntry,omitempty"`
	NewestEntry time.Time `json:"newestEntry,omitempty"`
}

// EvictReason explains why an entry left a backend without an explicit delete.
type EvictReason string

// Eviction reasons.
const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictCorrupt  EvictReason = "corrupt"
)

// EvictFunc observes evictions. It runs synchronously while the backend holds its lock
// and must not call back into the backend.
type EvictFunc func(key string, entry *Entry, reason EvictReason)

// Storage is the contract implemented by cache backends. Keys are full
// (prefixed) keys; patterns are matched against them. A nil pattern matches all.
type Storage interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) (bool, error)
	Has(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern *regexp.Regexp) (int, error)
	Keys(ctx context.Context, pattern *regexp.Regexp) ([]string, error)
	GetMany(ctx context.Context, keys []string) (map[string]*Entry, error)
	SetMany(ctx context.Context, entries map[string]*Entry) error
	Stats(ctx context.Context) (Stats, error)
	// Cleanup removes expired entries and enforces capacity. It returns the number removed.
	Cleanup(ctx context.Context) (int, error)
	Destroy(ctx context.Context) error
}

func matches(pattern *regexp.Regexp, key string) bool {
	return pattern == nil || pattern.MatchString(key)
}

// entrySize is the metadata "size" if present, otherwise the encoded length.
func entrySize(e *Entry) int64 {
	if e.Metadata != nil {
		switch v := e.Metadata["size"].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return int64(len(e.Value))
}

func cloneEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
