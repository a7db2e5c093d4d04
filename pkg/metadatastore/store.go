package metadatastore

import "github.com/mimir-aip/wardstats/pkg/models"

// RunStore is the interface for pipeline run bookkeeping.
// It records when each stage ran, how every source loaded and the latest
// forecast table; statistics live in the output artifacts.
type RunStore interface {
	SaveRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	ListRuns(limit int) ([]*models.Run, error)
	LatestRun(stage models.RunStage) (*models.Run, error)
	ListOutcomes(runID string) ([]models.Outcome, error)
	ReplaceForecasts(forecasts []models.Forecast) error
	ListForecasts() ([]models.Forecast, error)
	Close() error
}
