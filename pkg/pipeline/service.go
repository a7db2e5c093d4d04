package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mimir-aip/wardstats/pkg/config"
	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

// StageOrder is the order in which a full run executes the stages
var StageOrder = []models.RunStage{
	models.StageBoundaries,
	models.StageIncidents,
	models.StageDemographics,
	models.StageAggregate,
	models.StageForecast,
}

// Result is what one stage produced
type Result struct {
	Outcomes  []models.Outcome
	Artifacts []string
}

// StageFunc executes one stage against the shared run state
type StageFunc func(ctx context.Context, st *State) (Result, error)

// StatisticsSink receives area statistics after aggregation
type StatisticsSink interface {
	UpsertStatistics(ctx context.Context, level models.Level, stats []models.MonthlyAreaStatistic) error
}

// Service provides batch pipeline execution
type Service struct {
	cfg      *config.Config
	registry *schema.Registry
	store    metadatastore.RunStore
	output   *storage.OutputStore
	sink     StatisticsSink
	stages   map[models.RunStage]StageFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a new pipeline service with the built-in stages registered
func NewService(cfg *config.Config, store metadatastore.RunStore, output *storage.OutputStore, logger *slog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		registry: schema.NewRegistry(cfg.Schema),
		store:    store,
		output:   output,
		stages:   make(map[models.RunStage]StageFunc),
		now:      time.Now,
		logger:   logger,
	}

	s.RegisterStage(models.StageBoundaries, s.boundaries)
	s.RegisterStage(models.StageIncidents, s.incidents)
	s.RegisterStage(models.StageDemographics, s.demographics)
	s.RegisterStage(models.StageAggregate, s.aggregate)
	s.RegisterStage(models.StageForecast, s.forecast)

	return s
}

// RegisterStage replaces the implementation of a stage
func (s *Service) RegisterStage(stage models.RunStage, fn StageFunc) {
	s.stages[stage] = fn
}

// SetSink attaches a warehouse sink for aggregated statistics
func (s *Service) SetSink(sink StatisticsSink) {
	s.sink = sink
}

// Execute runs one stage, or every stage in order for models.StageAll.
// The run and every load outcome are recorded in the run store. A stage
// error stops the run and is returned together with the failed run.
func (s *Service) Execute(ctx context.Context, stage models.RunStage, triggerType string) (*models.Run, error) {
	stages := []models.RunStage{stage}
	if stage == models.StageAll {
		stages = StageOrder
	}
	for _, st := range stages {
		if _, ok := s.stages[st]; !ok {
			return nil, fmt.Errorf("unknown stage: %s", st)
		}
	}

	run := &models.Run{
		ID:          uuid.New().String(),
		Stage:       stage,
		Status:      models.RunStatusRunning,
		TriggerType: triggerType,
		StartedAt:   s.now(),
	}
	if err := s.store.SaveRun(run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	s.logger.Info("pipeline run started", "run_id", run.ID, "stage", stage, "trigger", triggerType)

	state := &State{}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return s.fail(run, st, err)
		}
		started := s.now()
		s.logger.Info("stage started", "run_id", run.ID, "stage", st)

		result, err := s.stages[st](ctx, state)
		run.Outcomes = append(run.Outcomes, result.Outcomes...)
		run.Artifacts = append(run.Artifacts, result.Artifacts...)
		if err != nil {
			return s.fail(run, st, err)
		}
		s.logger.Info("stage completed", "run_id", run.ID, "stage", st,
			"outcomes", len(result.Outcomes), "artifacts", result.Artifacts, "duration", s.now().Sub(started))
	}

	now := s.now()
	run.Status = models.RunStatusCompleted
	run.CompletedAt = &now
	if err := s.store.SaveRun(run); err != nil {
		return run, fmt.Errorf("failed to save run: %w", err)
	}
	s.logger.Info("pipeline run completed", "run_id", run.ID, "artifacts", len(run.Artifacts))
	return run, nil
}

func (s *Service) fail(run *models.Run, stage models.RunStage, cause error) (*models.Run, error) {
	now := s.now()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.Error = fmt.Sprintf("stage %s failed: %v", stage, cause)
	s.logger.Error("pipeline run failed", "run_id", run.ID, "stage", stage, "error", cause)
	if err := s.store.SaveRun(run); err != nil {
		s.logger.Error("failed to save failed run", "run_id", run.ID, "error", err)
	}
	return run, fmt.Errorf("stage %s failed: %w", stage, cause)
}
