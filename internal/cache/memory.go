package cache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// Memory backend defaults.
const (
	DefaultMaxEntries = 10000
	DefaultMaxSize    = 100 * 1024 * 1024
)

// MemoryOptions configures a Memory backend.
type MemoryOptions struct {
	MaxEntries int
	MaxSize    int64
	OnEvict    EvictFunc
	Now        func() time.Time
}

// Memory is an in-process backend bounded by entry count and total size,
// evicting least recently used entries first.
type Memory struct {
	mu      sync.Mutex
	lru     *lru.Cache
	entries map[string]*Entry
	size    int64
	maxSize int64
	onEvict EvictFunc
	now     func() time.Time

	// reason is attributed to the next lru removal callback; empty means an explicit delete.
	reason EvictReason

	hits      int64
	misses    int64
	evictions int64
}

var _ Storage = (*Memory)(nil)

// NewMemory creates a Memory backend.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Memory{
		entries: make(map[string]*Entry),
		maxSize: opts.MaxSize,
		onEvict: opts.OnEvict,
		now:     opts.Now,
	}
	m.lru = lru.New(opts.MaxEntries)
	m.lru.OnEvicted = m.removed
	return m
}

// removed runs for every entry leaving the lru, with m.mu held.
func (m *Memory) removed(key lru.Key, value interface{}) {
	k := key.(string)
	e := value.(*Entry)
	delete(m.entries, k)
	m.size -= e.Size

	if m.reason == "" {
		return
	}
	m.evictions++
	if m.onEvict != nil {
		m.onEvict(k, cloneEntry(e), m.reason)
	}
}

func (m *Memory) removeLocked(key string, reason EvictReason) {
	m.reason = reason
	m.lru.Remove(key)
	m.reason = ""
}

// Get returns the entry for key, or nil when absent or expired.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key), nil
}

func (m *Memory) getLocked(key string) *Entry {
	v, ok := m.lru.Get(key)
	if !ok {
		m.misses++
		return nil
	}

	e := v.(*Entry)
	now := m.now()
	if e.Expired(now) {
		m.removeLocked(key, EvictExpired)
		m.misses++
		return nil
	}

	e.AccessCount++
	e.LastAccessedAt = now
	m.hits++
	return cloneEntry(e)
}

// Set stores entry under key, evicting least recently used entries as needed.
func (m *Memory) Set(_ context.Context, key string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, entry)
}

func (m *Memory) setLocked(key string, entry *Entry) error {
	e := cloneEntry(entry)
	e.Size = entrySize(e)
	if e.Size > m.maxSize {
		return ErrEntryTooLarge
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}

	if old, ok := m.entries[key]; ok {
		m.size -= old.Size
	}

	m.reason = EvictCapacity
	m.lru.Add(key, e)
	m.reason = ""

	m.entries[key] = e
	m.size += e.Size

	for m.size > m.maxSize && m.lru.Len() > 1 {
		m.reason = EvictCapacity
		m.lru.RemoveOldest()
		m.reason = ""
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	m.removeLocked(key, "")
	return true, nil
}

// Has reports whether a live entry exists for key.
func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if e.Expired(m.now()) {
		m.removeLocked(key, EvictExpired)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry whose key matches pattern.
func (m *Memory) Clear(_ context.Context, pattern *regexp.Regexp) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for key := range m.entries {
		if matches(pattern, key) {
			m.removeLocked(key, "")
			count++
		}
	}
	return count, nil
}

// Keys lists live keys matching pattern.
func (m *Memory) Keys(_ context.Context, pattern *regexp.Regexp) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0, len(m.entries))
	for key, e := range m.entries {
		if !e.Expired(now) && matches(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// GetMany returns the live entries among keys.
func (m *Memory) GetMany(_ context.Context, keys []string) (map[string]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if e := m.getLocked(key); e != nil {
			out[key] = e
		}
	}
	return out, nil
}

// SetMany stores every entry; the first failure is returned after all are attempted.
func (m *Memory) SetMany(_ context.Context, entries map[string]*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key, e := range entries {
		if err := m.setLocked(key, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats summarizes the backend.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Entries:   len(m.entries),
		TotalSize: m.size,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
	for _, e := range m.entries {
		if s.OldestEntry.IsZero() || e.CreatedAt.Before(s.OldestEntry) {
			s.OldestEntry = e.CreatedAt
		}
		if e.CreatedAt.After(s.NewestEntry) {
			s.NewestEntry = e.CreatedAt
		}
	}
	return s, nil
}

// Cleanup removes expired entries.
func (m *Memory) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, e := range m.entries {
		if e.Expired(now) {
			m.removeLocked(key, EvictExpired)
			removed++
		}
	}
	return removed, nil
}

// Destroy drops every entry and resets counters.
func (m *Memory) Destroy(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Clear()
	m.entries = make(map[string]*Entry)
	m.size = 0
	m.hits, m.misses, m.evictions = 0, 0, 0
	return nil
}
