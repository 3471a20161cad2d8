package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_ReturnsSameBackendByName(t *testing.T) {
	m := NewManager(ManagerConfig{})

	a, err := m.Storage("urls")
	require.NoError(t, err)
	b, err := m.Storage("urls")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = m.Storage("events")
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "urls"}, m.Names())
}

func TestManager_UnknownBackend(t *testing.T) {
	m := NewManager(ManagerConfig{Backend: "redis"})
	_, err := m.Storage("x")
	assert.ErrorContains(t, err, "unknown cache backend")
}

func TestManager_FilesystemBackendUsesSubdirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := NewManager(ManagerConfig{Backend: BackendFilesystem, Dir: dir})

	c, err := Get[string](m, "urls")
	require.NoError(t, err)
	require.True(t, c.Set(ctx, "k", "v", SetOptions{}))

	assert.NoFileExists(t, dir+"/urls/"+indexFileName)

	require.NoError(t, m.Shutdown(ctx))
	assert.FileExists(t, dir+"/urls/"+indexFileName)
	assert.Empty(t, m.Names())
}

func TestManager_StatsCleanupClear(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewManager(ManagerConfig{Now: clock.Now, DefaultTTL: time.Minute})

	urls, err := Get[string](m, "urls")
	require.NoError(t, err)
	jobs, err := Get[int](m, "jobs")
	require.NoError(t, err)

	urls.Set(ctx, "a", "x", SetOptions{})
	urls.Set(ctx, "b", "y", SetOptions{TTL: time.Hour})
	jobs.Set(ctx, "c", 1, SetOptions{})

	stats := m.Stats(ctx)
	assert.Equal(t, 2, stats["urls"].Entries)
	assert.Equal(t, 1, stats["jobs"].Entries)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, m.Cleanup(ctx))

	n, err := m.Clear(ctx, "urls")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Clear(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, m.ClearAll(ctx))
	assert.Empty(t, m.Names())
}

func TestManager_RunStopsWithContext(t *testing.T) {
	m := NewManager(ManagerConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
