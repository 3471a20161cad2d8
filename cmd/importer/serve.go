package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/event-importer/internal/logging"
	"github.com/jonathan/event-importer/internal/ratelimit"
	"github.com/jonathan/event-importer/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and pipeline workers",
	Long:  `Start an HTTP server that accepts imports, with the queue workers and maintenance janitors in the same process.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default SERVER_PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if servePort != 0 {
		cfg.ServerPort = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:       cfg.RateLimitEnabled,
		DefaultLimit:  cfg.RateLimitDefault,
		DefaultWindow: cfg.RateLimitWindow,
		Endpoints:     ratelimit.ImportEndpoints(cfg.RateLimitImports, cfg.RateLimitWindow),
	})

	srv := server.New(server.Config{
		Addr:              cfg.Addr(),
		Store:             a.store,
		Importer:          a.acquirer,
		Approver:          a.handlers,
		Caches:            a.caches,
		Locks:             a.transitioner,
		Limiter:           limiter,
		UploadConcurrency: cfg.UploadConcurrency,
		Logger:            logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		a.caches.Run(ctx, cfg.CacheCleanupInterval)
		return nil
	})
	g.Go(func() error {
		a.transitioner.RunCleanup(ctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		limiter.Run(ctx, 5*time.Minute)
		return nil
	})

	return g.Wait()
}
