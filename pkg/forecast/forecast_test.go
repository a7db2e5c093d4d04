package forecast

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

func newTestService() *Service {
	return NewService(schema.NewRegistry(nil), 5, logging.Discard())
}

func TestResource(t *testing.T) {
	s := newTestService()
	assert.Equal(t, 0.0, s.Resource(0))
	assert.Equal(t, 1.0, s.Resource(0.5))
	assert.Equal(t, 3.0, s.Resource(12))
	assert.Equal(t, 0.0, s.Resource(models.Missing()))
}

func TestLoadCSV(t *testing.T) {
	dir := t.TempDir()
	content := "Ward code,Ward name,ds,yhat,yhat_lower,yhat_upper\n" +
		"E05000002,Bishopsgate,2025-04-01,7.2,4.0,10.4\n" +
		"E05000001,Aldgate,2025-04-01,12,,\n" +
		"E05000001,Aldgate,not-a-date,3,,\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forecast_2025-03.csv"), []byte(content), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "forecast_2025-01.csv"), []byte("garbage\n"), 0644))

	forecasts, outcome := newTestService().Load(dir)
	require.True(t, outcome.OK(), outcome.Detail)
	require.Len(t, forecasts, 2)
	assert.Equal(t, 1, outcome.RowsSkipped)

	assert.Equal(t, "E05000001", forecasts[0].WardCode)
	assert.Equal(t, models.MustParseMonth("2025-04"), forecasts[0].TargetMonth)
	assert.Equal(t, 3.0, forecasts[0].Resource)
	assert.True(t, models.IsMissing(forecasts[0].Lower))
	assert.Equal(t, "external", forecasts[0].Model)
	assert.Equal(t, 2.0, forecasts[1].Resource)
}

func TestLoadParquet(t *testing.T) {
	store, err := storage.NewOutputStore(t.TempDir())
	require.NoError(t, err)
	in := []models.Forecast{{WardCode: "W1", TargetMonth: models.MustParseMonth("2025-04"), Point: 4, Resource: 1, Model: TrendModel}}
	require.NoError(t, storage.WriteParquet(store, storage.ForecastFile, storage.ForecastRows(in)))

	out, outcome := newTestService().Load(store.Path(storage.ForecastFile))
	require.True(t, outcome.OK(), outcome.Detail)
	assert.Equal(t, in, out)
}

func TestLoadMissing(t *testing.T) {
	_, outcome := newTestService().Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Equal(t, models.OutcomeNotFound, outcome.Status)

	_, outcome = newTestService().Load(t.TempDir())
	assert.Equal(t, models.OutcomeNotFound, outcome.Status)
}

func TestLinearTrend(t *testing.T) {
	var stats []models.MonthlyAreaStatistic
	for i, c := range []int{10, 12, 14, 16} {
		stats = append(stats, models.MonthlyAreaStatistic{AreaCode: "W1", AreaName: "One", Month: models.MustParseMonth("2024-01").AddMonths(i), Count: c})
	}
	stats = append(stats, models.MonthlyAreaStatistic{AreaCode: "W0", AreaName: "Zero", Month: models.MustParseMonth("2024-01"), Count: 3})

	generated := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := newTestService().LinearTrend(stats, 2, generated)
	require.Len(t, out, 4)

	assert.Equal(t, "W0", out[0].WardCode)
	assert.InDelta(t, 3, out[0].Point, 1e-9)

	w1 := out[2]
	assert.Equal(t, models.MustParseMonth("2024-05"), w1.TargetMonth)
	assert.InDelta(t, 18, w1.Point, 1e-9)
	assert.InDelta(t, 18, w1.Lower, 1e-9, "a perfect fit has no spread")
	assert.Equal(t, 4.0, w1.Resource)
	assert.InDelta(t, 20, out[3].Point, 1e-9)
	assert.Equal(t, TrendModel, w1.Model)
}

func TestSearchAndSort(t *testing.T) {
	forecasts := []models.Forecast{
		{WardCode: "W1", WardName: "Aldgate", Point: 5, Resource: 1},
		{WardCode: "W2", WardName: "Bishopsgate", Point: 12, Resource: 3},
		{WardCode: "W3", WardName: "Cheap", Point: 8, Resource: 4},
	}
	assert.Len(t, Search(forecasts, "GATE"), 2)
	assert.Len(t, Search(forecasts, ""), 3)
	assert.Len(t, Search(forecasts, "w3"), 1)

	byCrime, err := Sort(forecasts, SortCrime)
	require.NoError(t, err)
	assert.Equal(t, "W2", byCrime[0].WardCode)
	assert.Equal(t, "W1", forecasts[0].WardCode, "input is not reordered")

	byResource, err := Sort(forecasts, SortResource)
	require.NoError(t, err)
	assert.Equal(t, "W3", byResource[0].WardCode)

	_, err = Sort(forecasts, "alphabetical")
	assert.Error(t, err)
}
