package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/event-importer/internal/logging"
)

// Backend names accepted by ManagerConfig.Backend.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
)

// ManagerConfig is shared by every backend the Manager creates.
type ManagerConfig struct {
	Backend    string
	Dir        string
	MaxEntries int
	MaxSize    int64
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// Manager owns named cache backends. Create one per process and inject it.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu       sync.Mutex
	storages map[string]Storage
}

// NewManager creates a Manager with cfg.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "cache.manager"),
		storages: make(map[string]Storage),
	}
}

// Storage returns the backend registered under name, creating it on first use.
func (m *Manager) Storage(name string) (Storage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.storages[name]; ok {
		return s, nil
	}

	s, err := m.newStorage(name)
	if err != nil {
		return nil, err
	}
	m.storages[name] = s
	m.logger.Debug("cache backend created", "name", name, "backend", m.cfg.Backend)
	return s, nil
}

func (m *Manager) newStorage(name string) (Storage, error) {
	onEvict := func(key string, _ *Entry, reason EvictReason) {
		m.logger.Debug("cache entry evicted", "cache", name, "key", key, "reason", string(reason))
	}

	switch m.cfg.Backend {
	case BackendMemory:
		return NewMemory(MemoryOptions{
			MaxEntries: m.cfg.MaxEntries,
			MaxSize:    m.cfg.MaxSize,
			OnEvict:    onEvict,
			Now:        m.cfg.Now,
		}), nil
	case BackendFilesystem:
		return NewFileSystem(FileSystemOptions{
			Dir:        filepath.Join(m.cfg.Dir, name),
			MaxEntries: m.cfg.MaxEntries,
			MaxSize:    m.cfg.MaxSize,
			OnEvict:    onEvict,
			Now:        m.cfg.Now,
			Logger:     m.cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", m.cfg.Backend)
	}
}

// Get returns a Cache over the backend named name.
func Get[T any](m *Manager, name string) (*Cache[T], error) {
	s, err := m.Storage(name)
	if err != nil {
		return nil, err
	}
	return New[T](s, Options{
		DefaultTTL: m.cfg.DefaultTTL,
		MaxTTL:     m.cfg.MaxTTL,
		Logger:     m.cfg.Logger.With("cache", name),
		Now:        m.cfg.Now,
	}), nil
}

// Names lists registered backends in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.storages))
	for name := range m.storages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() map[string]Storage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Storage, len(m.storages))
	for k, v := range m.storages {
		out[k] = v
	}
	return out
}

// Stats reports statistics for every registered backend.
func (m *Manager) Stats(ctx context.Context) map[string]Stats {
	out := make(map[string]Stats)
	for name, s := range m.snapshot() {
		st, err := s.Stats(ctx)
		if err != nil {
			m.logger.Warn("cache stats failed", "cache", name, slog.Any("error", err))
			continue
		}
		out[name] = st
	}
	return out
}

// Cleanup runs Cleanup on every backend and returns the total removed.
func (m *Manager) Cleanup(ctx context.Context) int {
	total := 0
	for name, s := range m.snapshot() {
		n, err := s.Cleanup(ctx)
		if err != nil {
			m.logger.Warn("cache cleanup failed", "cache", name, slog.Any("error", err))
			continue
		}
		total += n
	}
	if total > 0 {
		m.logger.Info("cache cleanup removed entries", "count", total)
	}
	return total
}

// Clear empties the named backend, or every backend when name is empty.
func (m *Manager) Clear(ctx context.Context, name string) (int, error) {
	storages := m.snapshot()
	if name != "" {
		s, ok := storages[name]
		if !ok {
			return 0, fmt.Errorf("unknown cache %q", name)
		}
		storages = map[string]Storage{name: s}
	}

	total := 0
	for _, s := range storages {
		n, err := s.Clear(ctx, nil)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Run calls Cleanup every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
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
			m.Cleanup(ctx)
		}
	}
}

// Shutdown destroys in-memory backends and forgets every backend.
// Filesystem backends flush their index and keep their files for the next process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.storages {
		switch b := s.(type) {
		case *Memory:
			if err := b.Destroy(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("destroy cache %s: %w", name, err)
			}
		case *FileSystem:
			if err := b.Flush(ctx); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("flush cache %s: %w", name, err)
			}
		}
	}
	m.storages = make(map[string]Storage)
	return firstErr
}

// ClearAll destroys every backend, including persisted filesystem state.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, s := range m.storages {
		if err := s.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy cache %s: %w", name, err)
		}
	}
	m.storages = make(map[string]Storage)
	return firstErr
}
