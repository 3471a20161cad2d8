package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(LoadOptions{Lookup: env(nil)})
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.CacheBackend)
	assert.Equal(t, time.Hour, cfg.CacheDefaultTTL)
	assert.Equal(t, 24*time.Hour, cfg.CacheMaxTTL)
	assert.Equal(t, 10000, cfg.CacheMaxEntries)
	assert.Equal(t, int64(104857600), cfg.CacheMaxSize)
	assert.Equal(t, 5*time.Minute, cfg.CacheCleanupInterval)
	assert.True(t, cfg.URLCacheRespectCacheControl)
	assert.Equal(t, 60*time.Second, cfg.FetchTimeout)
	assert.InDelta(t, 2.0, cfg.FetchRatePerHost, 1e-9)
	assert.Equal(t, 1000, cfg.ImportBatchSize)
	assert.Equal(t, 4, cfg.QueueWorkers)
	assert.Equal(t, 5*time.Minute, cfg.LockMaxAge)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "importer.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"CACHE_BACKEND": "filesystem",
		"CACHE_MAX_ENTRIES": 50,
		"QUEUE_WORKERS": 2,
		"URL_CACHE_RESPECT_CACHE_CONTROL": false
	}`), 0o644))
	dotEnv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotEnv, []byte("QUEUE_WORKERS=3\nLOG_FORMAT=json\n"), 0o644))

	cfg, err := Load(LoadOptions{
		File:   file,
		DotEnv: dotEnv,
		Lookup: env(map[string]string{"LOG_FORMAT": "text", "IMPORT_BATCH_SIZE": "250"}),
	})
	require.NoError(t, err)

	assert.Equal(t, BackendFilesystem, cfg.CacheBackend, "file overrides default")
	assert.Equal(t, 50, cfg.CacheMaxEntries)
	assert.False(t, cfg.URLCacheRespectCacheControl)
	assert.Equal(t, 3, cfg.QueueWorkers, ".env overrides file")
	assert.Equal(t, "text", cfg.LogFormat, "environment overrides .env")
	assert.Equal(t, 250, cfg.ImportBatchSize)
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	dotEnv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotEnv, []byte("QUEUE_WORKERS=3\nFETCH_TIMEOUT=30s\n"), 0o644))
	t.Setenv("QUEUE_WORKERS", "7")
	t.Setenv("RATE_LIMIT_DEFAULT_WINDOW", "2m")

	cfg, err := Load(LoadOptions{DotEnv: dotEnv})
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.QueueWorkers)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 2*time.Minute, cfg.RateLimitWindow)
}

func TestLoadConfig_ScalarValues(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"CACHE_DIR": "/tmp/c", "QUEUE_WORKERS": 2, "RATE_LIMIT_ENABLED": false}`), 0o644))

	values, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c", values["cache_dir"])
	assert.Equal(t, false, values["rate_limit_enabled"])
	assert.Contains(t, values, "queue_workers")
}

func TestLoad_MissingDotEnvIgnored(t *testing.T) {
	_, err := Load(LoadOptions{DotEnv: filepath.Join(t.TempDir(), ".env"), Lookup: env(nil)})
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown backend", map[string]string{"CACHE_BACKEND": "redis"}, "CacheBackend"},
		{"bad duration", map[string]string{"CACHE_DEFAULT_TTL": "soon"}, "cache_default_ttl"},
		{"bad number", map[string]string{"QUEUE_WORKERS": "many"}, "queue_workers"},
		{"zero workers", map[string]string{"QUEUE_WORKERS": "0"}, "QueueWorkers"},
		{"default above max", map[string]string{"CACHE_DEFAULT_TTL": "48h"}, "exceeds CACHE_MAX_TTL"},
		{"url ttl above max", map[string]string{"URL_CACHE_MAX_TTL": "1m"}, "exceeds URL_CACHE_MAX_TTL"},
		{"bad geocoder url", map[string]string{"GEOCODER_URL": "not a url"}, "GeocoderURL"},
		{"port out of range", map[string]string{"SERVER_PORT": "70000"}, "ServerPort"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "LogLevel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(LoadOptions{Lookup: env(tt.env)})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{ invalid json }`), 0o644))

	cfg, err := LoadConfig(tmpFile)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestLoadConfig_RejectsNestedValues(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"CACHE_DIR": {"path": "x"}}`), 0o644))

	_, err := LoadConfig(tmpFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_DIR")
}
