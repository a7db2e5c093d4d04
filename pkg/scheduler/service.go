package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// Runner executes a pipeline stage
type Runner interface {
	Execute(ctx context.Context, stage models.RunStage, triggerType string) (*models.Run, error)
}

// Service runs the batch pipeline on a cron schedule
type Service struct {
	runner   Runner
	stage    models.RunStage
	schedule string
	cron     *cron.Cron
	entry    cron.EntryID
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun *models.Run
}

// NewService creates a scheduler for the given cron expression. Runs that
// are still executing when the next tick fires cause that tick to be skipped.
func NewService(runner Runner, schedule string, stage models.RunStage, logger *slog.Logger) (*Service, error) {
	parsed, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	s := &Service{
		runner:   runner,
		stage:    stage,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}
	s.entry = s.cron.Schedule(parsed, cron.FuncJob(func() {
		s.executeJob(context.Background())
	}))
	return s, nil
}

// Start starts the scheduler
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("pipeline scheduler started", "schedule", s.schedule, "stage", s.stage, "next_run", s.Next())
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Service) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("pipeline scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop scheduler: %w", ctx.Err())
	}
}

// Next returns the next scheduled run time, zero before Start
func (s *Service) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// LastRun returns the most recent scheduled run, or nil
func (s *Service) LastRun() *models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// executeJob executes one scheduled run
func (s *Service) executeJob(ctx context.Context) {
	started := time.Now()
	s.logger.Info("executing scheduled pipeline run", "stage", s.stage)

	run, err := s.runner.Execute(ctx, s.stage, "scheduled")
	if run != nil {
		s.mu.Lock()
		s.lastRun = run
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Error("scheduled pipeline run failed", "stage", s.stage, "error", err)
		return
	}
	s.logger.Info("scheduled pipeline run completed", "run_id", run.ID,
		"status", run.Status, "artifacts", len(run.Artifacts), "duration", time.Since(started))
}
