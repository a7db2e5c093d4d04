package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mimir-aip/wardstats/pkg/config"
	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/pipeline"
	"github.com/mimir-aip/wardstats/pkg/scheduler"
	"github.com/mimir-aip/wardstats/pkg/storage"
	"github.com/mimir-aip/wardstats/pkg/warehouse"
)

const usage = `usage: pipeline [flags] <command>

commands:
  boundaries    load ward boundaries and small-area centroids
  incidents     load and spatially join incidents
  demographics  load census, deprivation and transit attributes
  aggregate     count incidents and compute rates and growth
  forecast      read or derive the ward forecast table
  all           run every stage in order
  schedule      run every stage on PIPELINE_SCHEDULE until interrupted
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	trigger := flag.String("trigger", "manual", "trigger type recorded with the run")
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting pipeline",
		"environment", cfg.Environment,
		"command", flag.Arg(0),
		"output_dir", cfg.OutputDir,
		"incident_dir", cfg.IncidentDir,
		"crime_category", cfg.CrimeCategory,
		"agencies", cfg.Agencies,
		"target_crs", cfg.TargetSRID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Arg(0), *trigger, logger); err != nil {
		logger.Error("pipeline failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command, trigger string, logger *slog.Logger) error {
	var stage models.RunStage
	if command != "schedule" {
		var err error
		if stage, err = models.ParseStage(command); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MetadataDB), 0755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}
	store, err := metadatastore.NewSQLiteStore(cfg.MetadataDB)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer store.Close()

	output, err := storage.NewOutputStore(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to open output directory: %w", err)
	}

	svc := pipeline.NewService(cfg, store, output, logger)
	if cfg.WarehouseDSN != "" {
		sink, err := warehouse.Open(ctx, cfg.WarehouseDSN, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to warehouse: %w", err)
		}
		defer sink.Close()
		if err := sink.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare warehouse schema: %w", err)
		}
		svc.SetSink(sink)
		logger.Info("warehouse sink enabled")
	}

	if command == "schedule" {
		return runSchedule(ctx, svc, cfg.PipelineSchedule, logger)
	}

	r, err := svc.Execute(ctx, stage, trigger)
	if err != nil {
		return err
	}
	logger.Info("pipeline run completed", "run_id", r.ID, "stage", r.Stage, "artifacts", r.Artifacts)
	return nil
}

// runSchedule blocks until ctx is cancelled, running every stage on the cron schedule
func runSchedule(ctx context.Context, svc *pipeline.Service, schedule string, logger *slog.Logger) error {
	if schedule == "" {
		return fmt.Errorf("PIPELINE_SCHEDULE is not set")
	}
	sched, err := scheduler.NewService(svc, schedule, models.StageAll, logger)
	if err != nil {
		return err
	}
	sched.Start()
	logger.Info("scheduler started", "schedule", schedule, "next_run", sched.Next())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	return sched.Stop(stopCtx)
}
