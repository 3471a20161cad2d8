// Package config loads importer settings from defaults, an optional JSON
// file, an optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Cache backends.
const (
	BackendMemory     = "memory"
	BackendFilesystem = "filesystem"
)

// Config holds every importer setting. Keys are the lowercased
// environment names; CACHE_BACKEND binds to cache_backend.
type Config struct {
	CacheBackend         string        `mapstructure:"cache_backend" validate:"oneof=memory filesystem"`
	CacheDefaultTTL      time.Duration `mapstructure:"cache_default_ttl" validate:"gt=0"`
	CacheMaxTTL          time.Duration `mapstructure:"cache_max_ttl" validate:"gt=0"`
	CacheMaxEntries      int           `mapstructure:"cache_max_entries" validate:"gt=0"`
	CacheMaxSize         int64         `mapstructure:"cache_max_size" validate:"gt=0"`
	CacheDir             string        `mapstructure:"cache_dir" validate:"required_if=CacheBackend filesystem"`
	CacheCleanupInterval time.Duration `mapstructure:"cache_cleanup_interval" validate:"gt=0"`

	URLCacheDefaultTTL          time.Duration `mapstructure:"url_cache_default_ttl" validate:"gt=0"`
	URLCacheMaxTTL              time.Duration `mapstructure:"url_cache_max_ttl" validate:"gt=0"`
	URLCacheRespectCacheControl bool          `mapstructure:"url_cache_respect_cache_control"`

	FetchTimeout     time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	FetchRatePerHost float64       `mapstructure:"fetch_rate_per_host" validate:"gte=0"`

	ImportBatchSize   int    `mapstructure:"import_batch_size" validate:"gt=0"`
	ImportMaxFileSize int64  `mapstructure:"import_max_file_size" validate:"gt=0"`
	ImportUploadDir   string `mapstructure:"import_upload_dir" validate:"required"`

	QueueWorkers int           `mapstructure:"queue_workers" validate:"gt=0"`
	LockMaxAge   time.Duration `mapstructure:"lock_max_age" validate:"gt=0"`

	DatabaseURL string `mapstructure:"database_url"`
	GeocoderURL string `mapstructure:"geocoder_url" validate:"omitempty,url"`

	ServerPort        int           `mapstructure:"server_port" validate:"min=1,max=65535"`
	UploadConcurrency int           `mapstructure:"upload_concurrency" validate:"gt=0"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitDefault  int           `mapstructure:"rate_limit_default_limit" validate:"gt=0"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_default_window" validate:"gt=0"`
	RateLimitImports  int           `mapstructure:"rate_limit_imports" validate:"gt=0"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`
}

// setDefaults registers every key. Unmarshal only sees keys viper knows
// about, so keys without a meaningful default are registered empty.
func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_backend", BackendMemory)
	v.SetDefault("cache_default_ttl", time.Hour)
	v.SetDefault("cache_max_ttl", 24*time.Hour)
	v.SetDefault("cache_max_entries", 10000)
	v.SetDefault("cache_max_size", int64(100<<20))
	v.SetDefault("cache_dir", ".cache/importer")
	v.SetDefault("cache_cleanup_interval", 5*time.Minute)

	v.SetDefault("url_cache_default_ttl", time.Hour)
	v.SetDefault("url_cache_max_ttl", 24*time.Hour)
	v.SetDefault("url_cache_respect_cache_control", true)

	v.SetDefault("fetch_timeout", 60*time.Second)
	v.SetDefault("fetch_rate_per_host", 2.0)

	v.SetDefault("import_batch_size", 1000)
	v.SetDefault("import_max_file_size", int64(100<<20))
	v.SetDefault("import_upload_dir", ".data/uploads")

	v.SetDefault("queue_workers", 4)
	v.SetDefault("lock_max_age", 5*time.Minute)

	v.SetDefault("database_url", "")
	v.SetDefault("geocoder_url", "")

	v.SetDefault("server_port", 8080)
	v.SetDefault("upload_concurrency", 4)
	v.SetDefault("rate_limit_enabled", true)
	v.SetDefault("rate_limit_default_limit", 1000)
	v.SetDefault("rate_limit_default_window", time.Minute)
	v.SetDefault("rate_limit_imports", 30)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadOptions selects the optional sources Load reads.
type LoadOptions struct {
	// File is a JSON object keyed by environment names. Empty skips it.
	File string
	// DotEnv is a .env file. A missing file is ignored.
	DotEnv string
	// Lookup replaces the process environment when set.
	Lookup func(string) (string, bool)
}

// Load builds and validates a Config.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if opts.File != "" {
		values, err := LoadConfig(opts.File)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("config file %s: %w", opts.File, err)
		}
	}

	if opts.DotEnv != "" {
		values, err := godotenv.Read(opts.DotEnv)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", opts.DotEnv, err)
		}
		merged := make(map[string]any, len(values))
		for k, val := range values {
			merged[k] = val
		}
		if err := v.MergeConfigMap(merged); err != nil {
			return nil, fmt.Errorf("%s: %w", opts.DotEnv, err)
		}
	}

	if opts.Lookup == nil {
		v.AutomaticEnv()
	} else {
		for _, key := range v.AllKeys() {
			if val, ok := opts.Lookup(strings.ToUpper(key)); ok && val != "" {
				v.Set(key, val)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads a JSON config file keyed by environment names.
// Returns an error if the file cannot be read or parsed, or if a value is
// not a scalar.
func LoadConfig(path string) (map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	// Resolve path relative to current directory if not absolute
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	values := v.AllSettings()
	for k, val := range values {
		switch val.(type) {
		case string, bool, float64, int, int64:
		default:
			return nil, fmt.Errorf("config error: %s must be a string, number or boolean", strings.ToUpper(k))
		}
	}
	return values, nil
}

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	if c.CacheDefaultTTL > c.CacheMaxTTL {
		return fmt.Errorf("config error: CACHE_DEFAULT_TTL (%s) exceeds CACHE_MAX_TTL (%s)", c.CacheDefaultTTL, c.CacheMaxTTL)
	}
	if c.URLCacheDefaultTTL > c.URLCacheMaxTTL {
		return fmt.Errorf("config error: URL_CACHE_DEFAULT_TTL (%s) exceeds URL_CACHE_MAX_TTL (%s)", c.URLCacheDefaultTTL, c.URLCacheMaxTTL)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.ServerPort)
}
