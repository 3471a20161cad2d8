package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/event-importer/internal/logging"
)

const (
	indexFileName = "index.json"
	dataFileExt   = ".cache"
	// evictTarget is the fraction of MaxSize that eviction shrinks the cache to.
	evictTarget = 0.8
	// The index is rewritten after this many unsaved changes, or once the
	// oldest unsaved change is this old.
	indexFlushEvery    = 64
	indexFlushInterval = 5 * time.Second
)

// FileSystemOptions configures a FileSystem backend.
type FileSystemOptions struct {
	Dir        string
	MaxSize    int64
	MaxEntries int
	OnEvict    EvictFunc
	Now        func() time.Time
	Logger     *slog.Logger
}

// indexEntry is what the index keeps about one stored key.
type indexEntry struct {
	File           string    `json:"file"`
	Expires        time.Time `json:"expires"`
	Size           int64     `json:"size"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	AccessCount    int64     `json:"accessCount"`
}

type indexStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

type indexFile struct {
	Entries map[string]*indexEntry `json:"entries"`
	Stats   indexStats             `json:"stats"`
}

// FileSystem stores each entry in its own file under a two-character shard
// directory derived from the SHA-256 of the key. An index.json sidecar maps
// keys to files and is reloaded, minus orphaned entries, on startup. Index
// changes, access times included, are written in batches; Flush and Cleanup
// write them immediately.
type FileSystem struct {
	dir        string
	maxSize    int64
	maxEntries int
	onEvict    EvictFunc
	now        func() time.Time
	logger     *slog.Logger

	mu    sync.Mutex
	index map[string]*indexEntry
	size  int64
	stats indexStats

	dirty      int
	dirtySince time.Time
}

var _ Storage = (*FileSystem)(nil)

// NewFileSystem opens (or creates) a filesystem backend rooted at opts.Dir.
func NewFileSystem(opts FileSystemOptions) (*FileSystem, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", opts.Dir, err)
	}

	fs := &FileSystem{
		dir:        opts.Dir,
		maxSize:    opts.MaxSize,
		maxEntries: opts.MaxEntries,
		onEvict:    opts.OnEvict,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "cache.filesystem", "dir", opts.Dir),
		index:      make(map[string]*indexEntry),
	}
	fs.loadIndex()
	return fs, nil
}

// pathFor returns the relative data file path for key.
func pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(name[:2], name+dataFileExt)
}

func (fs *FileSystem) loadIndex() {
	data, err := os.ReadFile(filepath.Join(fs.dir, indexFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fs.logger.Warn("cache index unreadable, starting empty", "error", err)
		}
		return
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		fs.logger.Warn("cache index corrupt, starting empty", "error", err)
		return
	}

	pruned := 0
	for key, e := range idx.Entries {
		if e == nil || e.File == "" {
			pruned++
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.dir, e.File)); err != nil {
			pruned++
			continue
		}
		fs.index[key] = e
		fs.size += e.Size
	}
	fs.stats = idx.Stats

	if pruned > 0 {
		fs.logger.Info("pruned orphaned cache index entries", "count", pruned)
		_ = fs.saveIndexLocked()
	}
}

// saveIndexLocked writes the index atomically. Failures are logged; the
// in-memory index stays authoritative until the next successful write.
func (fs *FileSystem) saveIndexLocked() error {
	data, err := json.Marshal(indexFile{Entries: fs.index, Stats: fs.stats})
	if err != nil {
		fs.logger.Error("failed to encode cache index", "error", err)
		return fmt.Errorf("encode cache index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(fs.dir, indexFileName), data); err != nil {
		fs.logger.Error("failed to write cache index", "error", err)
		return fmt.Errorf("write cache index: %w", err)
	}
	fs.dirty = 0
	return nil
}

// markDirtyLocked records n unsaved index changes and writes the index once
// the batch is full or old enough.
func (fs *FileSystem) markDirtyLocked(n int) {
	if n <= 0 {
		return
	}
	now := fs.now()
	if fs.dirty == 0 {
		fs.dirtySince = now
	}
	fs.dirty += n
	if fs.dirty >= indexFlushEvery || now.Sub(fs.dirtySince) >= indexFlushInterval {
		_ = fs.saveIndexLocked()
	}
}

// Flush writes pending index changes.
func (fs *FileSystem) Flush(_ context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.dirty == 0 {
		return nil
	}
	return fs.saveIndexLocked()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// removeLocked deletes the data file and index entry. An empty reason is an explicit delete.
func (fs *FileSystem) removeLocked(key string, reason EvictReason) {
	e, ok := fs.index[key]
	if !ok {
		return
	}
	if err := os.Remove(filepath.Join(fs.dir, e.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		fs.logger.Warn("failed to remove cache file", "key", key, "error", err)
	}
	delete(fs.index, key)
	fs.size -= e.Size

	if reason == "" {
		return
	}
	fs.stats.Evictions++
	if fs.onEvict != nil {
		fs.onEvict(key, &Entry{
			CreatedAt:      e.CreatedAt,
			ExpiresAt:      e.Expires,
			Size:           e.Size,
			Tags:           e.Tags,
			AccessCount:    e.AccessCount,
			LastAccessedAt: e.LastAccessedAt,
		}, reason)
	}
}

// Get reads the entry for key. Unreadable entries are dropped and reported as a miss.
func (fs *FileSystem) Get(_ context.Context, key string) (*Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getLocked(key), nil
}

func (fs *FileSystem) getLocked(key string) *Entry {
	ie, ok := fs.index[key]
	if !ok {
		fs.stats.Misses++
		return nil
	}

	now := fs.now()
	if !ie.Expires.IsZero() && !now.Before(ie.Expires) {
		fs.removeLocked(key, EvictExpired)
		fs.markDirtyLocked(1)
		fs.stats.Misses++
		return nil
	}

	entry, err := fs.readEntry(ie.File)
	if err != nil {
		fs.logger.Warn("dropping unreadable cache entry", "key", key, "error", err)
		fs.removeLocked(key, EvictCorrupt)
		fs.markDirtyLocked(1)
		fs.stats.Misses++
		return nil
	}

	ie.AccessCount++
	ie.LastAccessedAt = now
	entry.AccessCount = ie.AccessCount
	entry.LastAccessedAt = now
	fs.stats.Hits++
	fs.markDirtyLocked(1)
	return entry
}

func (fs *FileSystem) readEntry(file string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(fs.dir, file))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache file: %w", err)
	}
	return &entry, nil
}

// Set writes the entry file and updates the index.
func (fs *FileSystem) Set(_ context.Context, key string, entry *Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.setLocked(key, entry); err != nil {
		return err
	}
	fs.markDirtyLocked(1 + fs.evictLocked())
	return nil
}

func (fs *FileSystem) setLocked(key string, entry *Entry) error {
	e := cloneEntry(entry)
	e.Size = entrySize(e)
	if e.Size > fs.maxSize {
		return ErrEntryTooLarge
	}
	if e.LastAccessedAt.IsZero() {
		e.LastAccessedAt = e.CreatedAt
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	rel := pathFor(key)
	abs := filepath.Join(fs.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create shard directory: %w", err)
	}
	if err := writeFileAtomic(abs, data); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	if old, ok := fs.index[key]; ok {
		fs.size -= old.Size
	}
	fs.index[key] = &indexEntry{
		File:           rel,
		Expires:        e.ExpiresAt,
		Size:           e.Size,
		Tags:           e.Tags,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
		AccessCount:    e.AccessCount,
	}
	fs.size += e.Size
	return nil
}

// Delete removes key and reports whether it existed.
func (fs *FileSystem) Delete(_ context.Context, key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.index[key]; !ok {
		return false, nil
	}
	fs.removeLocked(key, "")
	fs.markDirtyLocked(1)
	return true, nil
}

// Has reports whether a live entry exists for key.
func (fs *FileSystem) Has(_ context.Context, key string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ie, ok := fs.index[key]
	if !ok {
		return false, nil
	}
	if !ie.Expires.IsZero() && !fs.now().Before(ie.Expires) {
		return false, nil
	}
	return true, nil
}

// Clear removes every entry whose key matches pattern.
func (fs *FileSystem) Clear(_ context.Context, pattern *regexp.Regexp) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	count := 0
	for key := range fs.index {
		if matches(pattern, key) {
			fs.removeLocked(key, "")
			count++
		}
	}
	fs.markDirtyLocked(count)
	return count, nil
}

// Keys lists live keys matching pattern.
func (fs *FileSystem) Keys(_ context.Context, pattern *regexp.Regexp) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := fs.now()
	keys := make([]string, 0, len(fs.index))
	for key, ie := range fs.index {
		if !ie.Expires.IsZero() && !now.Before(ie.Expires) {
			continue
		}
		if matches(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// GetMany returns the live entries among keys.
func (fs *FileSystem) GetMany(_ context.Context, keys []string) (map[string]*Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	out := make(map[string]*Entry, len(keys))
	for _, key := range keys {
		if e := fs.getLocked(key); e != nil {
			out[key] = e
		}
	}
	return out, nil
}

// SetMany stores every entry and records them as one batch of index changes.
func (fs *FileSystem) SetMany(_ context.Context, entries map[string]*Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	written := 0
	for key, e := range entries {
		if err := fs.setLocked(key, e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		written++
	}
	fs.markDirtyLocked(written + fs.evictLocked())
	return firstErr
}

// Stats summarizes the backend.
func (fs *FileSystem) Stats(_ context.Context) (Stats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s := Stats{
		Entries:   len(fs.index),
		TotalSize: fs.size,
		Hits:      fs.stats.Hits,
		Misses:    fs.stats.Misses,
		Evictions: fs.stats.Evictions,
	}
	for _, ie := range fs.index {
		if s.OldestEntry.IsZero() || ie.CreatedAt.Before(s.OldestEntry) {
			s.OldestEntry = ie.CreatedAt
		}
		if ie.CreatedAt.After(s.NewestEntry) {
			s.NewestEntry = ie.CreatedAt
		}
	}
	return s, nil
}

// Cleanup purges expired entries, then evicts least recently accessed
// entries while the cache is over budget.
func (fs *FileSystem) Cleanup(_ context.Context) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := fs.now()
	removed := 0
	for key, ie := range fs.index {
		if !ie.Expires.IsZero() && !now.Before(ie.Expires) {
			fs.removeLocked(key, EvictExpired)
			removed++
		}
	}
	removed += fs.evictLocked()
	if err := fs.saveIndexLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// evictLocked shrinks the cache to 80% of its budgets once either is exceeded.
func (fs *FileSystem) evictLocked() int {
	overSize := fs.size > fs.maxSize
	overCount := fs.maxEntries > 0 && len(fs.index) > fs.maxEntries
	if !overSize && !overCount {
		return 0
	}

	type candidate struct {
		key      string
		accessed time.Time
	}
	candidates := make([]candidate, 0, len(fs.index))
	for key, ie := range fs.index {
		candidates = append(candidates, candidate{key: key, accessed: ie.LastAccessedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].accessed.Before(candidates[j].accessed)
	})

	targetSize := int64(float64(fs.maxSize) * evictTarget)
	targetCount := int(float64(fs.maxEntries) * evictTarget)

	evicted := 0
	for _, c := range candidates {
		sizeOK := fs.size <= targetSize
		countOK := fs.maxEntries <= 0 || len(fs.index) <= targetCount
		if sizeOK && countOK {
			break
		}
		fs.removeLocked(c.key, EvictCapacity)
		evicted++
	}

	if evicted > 0 {
		fs.logger.Info("evicted cache entries over budget", "count", evicted, "size", fs.size)
	}
	return evicted
}

// Destroy removes every data file and the index.
func (fs *FileSystem) Destroy(_ context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for key := range fs.index {
		fs.removeLocked(key, "")
	}
	fs.index = make(map[string]*indexEntry)
	fs.size = 0
	fs.stats = indexStats{}
	fs.dirty = 0

	if err := os.Remove(filepath.Join(fs.dir, indexFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache index: %w", err)
	}
	return nil
}
