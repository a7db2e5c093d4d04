package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mimir-aip/wardstats/pkg/api"
	"github.com/mimir-aip/wardstats/pkg/config"
	"github.com/mimir-aip/wardstats/pkg/datastore"
	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/query"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting dashboard",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"output_dir", cfg.OutputDir,
		"exclude_codes", cfg.MapExcludeCode,
		"cache_ttl_minutes", cfg.CacheTTLMinutes,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("dashboard failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	output, err := storage.NewOutputStore(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to open output directory: %w", err)
	}

	store, err := datastore.Open(output, datastore.Options{
		ExcludeCodes: cfg.MapExcludeCode,
		CacheTTL:     time.Duration(cfg.CacheTTLMinutes) * time.Minute,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to load pipeline artifacts: %w", err)
	}
	latest, _ := store.LatestMonth()
	logger.Info("loaded pipeline artifacts", "months", len(store.Months()), "latest_month", latest)

	opts := api.Options{Port: cfg.Port, Outcomes: store.Outcomes()}
	// Run history is shown only when the pipeline has already created the metadata database
	if _, err := os.Stat(cfg.MetadataDB); err == nil {
		runs, err := metadatastore.NewSQLiteStore(cfg.MetadataDB)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		defer runs.Close()
		opts.Runs = runs
	} else {
		logger.Warn("metadata database not found, run history disabled", "path", cfg.MetadataDB)
	}

	server := api.NewServer(query.NewService(store, logger), opts, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logger.Info("server shutdown completed")
	return nil
}
