package models

import (
	"fmt"
	"time"
)

// RunStage names a step of the batch pipeline
type RunStage string

const (
	StageBoundaries   RunStage = "boundaries"
	StageIncidents    RunStage = "incidents"
	StageDemographics RunStage = "demographics"
	StageAggregate    RunStage = "aggregate"
	StageForecast     RunStage = "forecast"
	StageAll          RunStage = "all"
)

// RunStatus represents the status of a pipeline run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents a single execution of the batch pipeline
type Run struct {
	ID          string     `json:"id"`
	Stage       RunStage   `json:"stage"`
	Status      RunStatus  `json:"status"`
	TriggerType string     `json:"trigger_type"` // manual, scheduled
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcomes    []Outcome  `json:"outcomes,omitempty"`
	Artifacts   []string   `json:"artifacts,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ParseStage validates a stage name
func ParseStage(s string) (RunStage, error) {
	switch stage := RunStage(s); stage {
	case StageBoundaries, StageIncidents, StageDemographics, StageAggregate, StageForecast, StageAll:
		return stage, nil
	}
	return "", fmt.Errorf("unknown stage %q", s)
}
