package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/KimMachineGun/automemlimit"
	_ "go.uber.org/automaxprocs"

	"github.com/scrapeloop/scrapeloop/internal/api"
	"github.com/scrapeloop/scrapeloop/internal/config"
	"github.com/scrapeloop/scrapeloop/internal/errors"
	"github.com/scrapeloop/scrapeloop/internal/observability"
	"github.com/scrapeloop/scrapeloop/internal/registry"
	"github.com/scrapeloop/scrapeloop/internal/scrape"
	"github.com/scrapeloop/scrapeloop/internal/tsdb"
)

func main() {
	// 1. Load and validate config.
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Load the scrape configuration. Unparsable config is fatal.
	scrapeFile, err := config.LoadScrapeFile(cfg.ConfigPath)
	if err != nil {
		slog.Error("invalid scrape configuration", "error", err)
		os.Exit(1)
	}

	// 3. Create context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig)
		cancel()
	}()

	slog.Info("scrapeloop starting",
		"instance_id", cfg.InstanceID,
		"config", cfg.ConfigPath,
		"data_dir", cfg.DataDir,
		"listen_port", cfg.ListenPort,
	)

	// 4. Create shared infrastructure.
	metrics := observability.NewMetrics()
	errCollector := errors.NewCollector(errors.RealClock{})

	// 5. Build the target registry from the scrape configuration.
	reg, err := registry.Load(scrapeFile)
	if err != nil {
		slog.Error("failed to load targets", "error", err)
		os.Exit(1)
	}
	slog.Info("targets loaded", "count", reg.Len())

	// 6. Open the series store. Store-open failure is fatal.
	var policy tsdb.Policy = tsdb.NopPolicy{}
	if cfg.Retention > 0 {
		policy = tsdb.MaxAgePolicy{MaxAge: cfg.Retention}
	}
	store, err := tsdb.Open(tsdb.Options{
		Dir:             cfg.DataDir,
		FlushInterval:   cfg.FlushInterval,
		SegmentMaxBytes: cfg.SegmentMaxBytes,
		Policy:          policy,
		Metrics:         metrics,
		Errors:          errCollector,
	})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	// 7. Start the scrape scheduler.
	scheduler := scrape.NewScheduler(reg, store, cfg.ScrapeTimeout, cfg.ShutdownGrace, metrics, errCollector)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 8. Start the query API server.
	srv := api.NewServer(cfg.ListenPort, metrics, store, reg, scheduler, errCollector, cfg.InstanceID, cfg.DebugEndpoints)
	if err := srv.Start(); err != nil {
		slog.Error("failed to start api server", "error", err)
		os.Exit(1)
	}
	slog.Info("api server listening", "addr", srv.Addr())

	// 9. Block until shutdown.
	<-ctx.Done()

	// 10. Graceful shutdown: stop scraping, then the API, then flush the store.
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("api server shutdown error", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("scrapeloop stopped")
}
