package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []models.RunStage
	trigger string
	err     error
}

func (f *fakeRunner) Execute(ctx context.Context, stage models.RunStage, triggerType string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, stage)
	f.trigger = triggerType
	status := models.RunStatusCompleted
	if f.err != nil {
		status = models.RunStatusFailed
	}
	return &models.Run{ID: "run-1", Stage: stage, Status: status}, f.err
}

func TestNewServiceRejectsInvalidSchedule(t *testing.T) {
	_, err := NewService(&fakeRunner{}, "every tuesday", models.StageAll, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestExecuteJob(t *testing.T) {
	runner := &fakeRunner{}
	s, err := NewService(runner, "0 3 * * *", models.StageAll, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, s.LastRun())

	s.executeJob(context.Background())
	assert.Equal(t, []models.RunStage{models.StageAll}, runner.calls)
	assert.Equal(t, "scheduled", runner.trigger)
	require.NotNil(t, s.LastRun())
	assert.Equal(t, models.RunStatusCompleted, s.LastRun().Status)
}

func TestExecuteJobRecordsFailedRun(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boundary layer missing")}
	s, err := NewService(runner, "@daily", models.StageAggregate, logging.Discard())
	require.NoError(t, err)

	s.executeJob(context.Background())
	require.NotNil(t, s.LastRun())
	assert.Equal(t, models.RunStatusFailed, s.LastRun().Status)
}

func TestStartStop(t *testing.T) {
	s, err := NewService(&fakeRunner{}, "0 3 * * *", models.StageAll, logging.Discard())
	require.NoError(t, err)

	s.Start()
	next := s.Next()
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 3, next.Hour())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
