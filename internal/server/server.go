// Package server provides the HTTP API for submitting and tracking imports.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonathan/event-importer/internal/cache"
	"github.com/jonathan/event-importer/internal/ingestion"
	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/ratelimit"
	"github.com/jonathan/event-importer/internal/store"
	"github.com/jonathan/event-importer/internal/types"
	"golang.org/x/sync/errgroup"
)

// Importer accepts import sources and starts their jobs.
type Importer interface {
	FromUpload(ctx context.Context, up ingestion.Upload) (*types.ImportJob, error)
	FromURL(ctx context.Context, req ingestion.URLImport) (*types.ImportJob, error)
	MaxFileSize() int64
}

// Approver resumes jobs waiting for schema approval.
type Approver interface {
	Approve(ctx context.Context, jobID string) (*types.ImportJob, error)
}

// LockMaintainer exposes the transition lock table.
type LockMaintainer interface {
	TransitioningCount() int
	CleanupOldLocks(maxAge time.Duration) int
}

// DefaultUploadConcurrency bounds simultaneous uploads when Config leaves it unset.
const DefaultUploadConcurrency = 4

// Config holds the server's collaborators and settings.
type Config struct {
	Addr     string
	Store    store.Store
	Importer Importer
	Approver Approver
	Caches   *cache.Manager
	Locks    LockMaintainer
	// Limiter is optional. Nil disables rate limiting.
	Limiter *ratelimit.Limiter
	// UploadConcurrency bounds how many uploads are read at once.
	UploadConcurrency int
	// PollInterval is how often the event stream re-reads a job.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	cfg        Config
	router     *chi.Mux
	httpServer *http.Server
	uploads    chan struct{}
	logger     *slog.Logger
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = DefaultUploadConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		uploads: make(chan struct{}, cfg.UploadConcurrency),
		logger:  cfg.Logger.With("component", "server"),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.router,
		ReadTimeout: 5 * time.Minute, // large uploads
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.withLogging)
	s.router.Use(middleware.Recoverer)
	if s.cfg.Limiter != nil {
		s.router.Use(s.withRateLimit)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/datasets", func(r chi.Router) {
		r.Post("/", s.handleCreateDataset)
		r.Get("/{id}", s.handleGetDataset)
	})

	s.router.Route("/imports", func(r chi.Router) {
		r.Post("/", s.handleCreateImport)
		r.Post("/url", s.handleCreateURLImport)
		r.Get("/{id}", s.handleGetImport)
		r.Get("/{id}/events", s.handleImportEvents)
		r.Post("/{id}/approve", s.handleApproveImport)
	})

	s.router.Route("/cache", func(r chi.Router) {
		r.Get("/stats", s.handleCacheStats)
		r.Post("/clear", s.handleCacheClear)
	})

	s.router.Route("/locks", func(r chi.Router) {
		r.Get("/", s.handleLocks)
		r.Post("/cleanup", s.handleLocksCleanup)
	})
}

// Router returns the HTTP handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server starting", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// withLogging logs each request once it completes.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logging.FromContext(r.Context()).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// withRateLimit rejects clients that exceed their token bucket.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.cfg.Limiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, r, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientID is the caller's IP. RealIP has already applied proxy headers.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

func (s *Server) rateLimitResponse(w http.ResponseWriter, r *http.Request, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}
	if info.RetryAfter > 0 {
		seconds := int(info.RetryAfter.Seconds()) + 1
		response["retry_after"] = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	logging.FromContext(r.Context()).Warn("rate limit exceeded", "client", clientID(r), "path", r.URL.Path)
	s.jsonResponse(w, r, http.StatusTooManyRequests, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.FromContext(r.Context()).Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.jsonResponse(w, r, status, map[string]string{"error": message})
}

// writeError maps err to a status code and writes it. Server errors are logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	s.errorResponse(w, r, status, err.Error())
}
