package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/config"
	"github.com/jonathan/event-importer/internal/fetch"
	"github.com/jonathan/event-importer/internal/geocode"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/pipeline"
	"github.com/jonathan/event-importer/internal/pipeline/jobs"
	"github.com/jonathan/event-importer/internal/queue"
	"github.com/jonathan/event-importer/internal/store"
)

// urlCacheName is the cache backing outbound fetches.
const urlCacheName = "url"

// app is the wired set of collaborators shared by every command.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        store.Store
	caches       *cache.Manager
	fetcher      *fetch.CachedFetcher
	queue        *queue.Local
	transitioner *pipeline.Transitioner
	handlers     *jobs.Handlers
	acquirer     *ingestion.Acquirer

	closeStore func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	caches := cache.NewManager(cache.ManagerConfig{
		Backend:    cfg.CacheBackend,
		Dir:        cfg.CacheDir,
		MaxEntries: cfg.CacheMaxEntries,
		MaxSize:    cfg.CacheMaxSize,
		DefaultTTL: cfg.CacheDefaultTTL,
		MaxTTL:     cfg.CacheMaxTTL,
		Logger:     logger,
	})
	urls, err := cache.Get[fetch.Response](caches, urlCacheName)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to open URL cache: %w", err)
	}

	var limiter *fetch.HostLimiter
	if cfg.FetchRatePerHost > 0 {
		limiter = fetch.NewHostLimiter(cfg.FetchRatePerHost, max(int(cfg.FetchRatePerHost), 1))
	}
	fetcher := fetch.NewCachedFetcher(fetch.CachedFetcherConfig{
		Cache:   urls,
		Limiter: limiter,
		Options: &fetch.Options{Timeout: cfg.FetchTimeout, UserAgent: fetch.DefaultUserAgent},
		Policy: fetch.TTLPolicy{
			DefaultTTL:          cfg.URLCacheDefaultTTL,
			MaxTTL:              cfg.URLCacheMaxTTL,
			RespectCacheControl: cfg.URLCacheRespectCacheControl,
		},
	})

	var geocoder geocode.Geocoder = geocode.Noop{}
	if cfg.GeocoderURL != "" {
		geocoder = geocode.NewNominatim(fetcher, cfg.GeocoderURL)
	}

	q := queue.NewLocal(queue.LocalOptions{Workers: cfg.QueueWorkers, Logger: logger})
	tr := pipeline.NewTransitioner(q, st, pipeline.TransitionerOptions{Logger: logger, MaxLockAge: cfg.LockMaxAge})
	handlers := jobs.New(jobs.Deps{
		Store:        st,
		Queue:        q,
		Transitioner: tr,
		Geocoder:     geocoder,
		BatchSize:    cfg.ImportBatchSize,
	})
	handlers.Register(q)

	acquirer := ingestion.NewAcquirer(ingestion.AcquirerConfig{
		Store:       st,
		Fetcher:     fetcher,
		Starter:     tr,
		UploadDir:   cfg.ImportUploadDir,
		MaxFileSize: cfg.ImportMaxFileSize,
		Logger:      logger,
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		caches:       caches,
		fetcher:      fetcher,
		queue:        q,
		transitioner: tr,
		handlers:     handlers,
		acquirer:     acquirer,
		closeStore:   closeStore,
	}, nil
}

// openStore connects to Postgres when DATABASE_URL is set and falls back to
// an in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// Close releases the store and in-memory caches. Filesystem caches persist.
func (a *app) Close(ctx context.Context) {
	if err := a.caches.Shutdown(ctx); err != nil {
		a.logger.Warn("cache shutdown failed", "error", err)
	}
	a.closeStore()
}
