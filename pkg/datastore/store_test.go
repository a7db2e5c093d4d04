package datastore

import (
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/boundary"
	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

func square(t *testing.T, x, y, size float64) *models.Area {
	t.Helper()
	p, err := geo.NewPolygon([][2]float64{{x, y}, {x + size, y}, {x + size, y + size}, {x, y + size}, {x, y}})
	require.NoError(t, err)
	return &models.Area{Geometry: p}
}

func wardLayer(t *testing.T) *models.Layer {
	a := square(t, -0.10, 51.50, 0.01)
	a.Code, a.Name, a.ParentCode, a.ParentName = "E05000002", "Bishopsgate", "E09000001", "City of London"
	b := square(t, -0.09, 51.50, 0.01)
	b.Code, b.Name, b.ParentCode, b.ParentName = "E05000001", "Aldgate", "E09000001", "City of London"
	c := square(t, -0.08, 51.50, 0.01)
	c.Code, c.Name, c.ParentCode, c.ParentName = "E05012399", "Hidden", "E09000030", "Tower Hamlets"
	return &models.Layer{Name: "wards", SRID: geo.SRIDWGS84, Areas: []models.Area{*a, *b, *c}}
}

func stat(code string, month string, count int) models.MonthlyAreaStatistic {
	return models.MonthlyAreaStatistic{
		AreaCode: code, AreaName: code, Month: models.MustParseMonth(month), Count: count,
		Population: 1000, RatePer1000: float64(count), GrowthPct: math.NaN(),
	}
}

func writeArtifacts(t *testing.T) *storage.OutputStore {
	t.Helper()
	out, err := storage.NewOutputStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, out.Write(storage.WardsGeoJSONFile, func(w io.Writer) error {
		return boundary.WriteGeoJSON(w, wardLayer(t), nil, nil)
	}))
	wardStats := []models.MonthlyAreaStatistic{
		stat("E05000001", "2024-02", 4), stat("E05000001", "2024-01", 2),
		stat("E05000002", "2024-01", 1), stat("E05012399", "2024-01", 9),
	}
	require.NoError(t, storage.WriteParquet(out, storage.WardMonthlyFile, storage.StatisticRows(models.LevelWard, wardStats)))

	jan := models.MustParseMonth("2024-01")
	incidents := []models.JoinedIncident{
		{Incident: models.Incident{CrimeID: "a", Month: jan, Category: "Burglary"}, WardCode: "E05000001"},
		{Incident: models.Incident{CrimeID: "b", Month: models.MustParseMonth("2024-02"), Category: "Burglary"}, WardCode: "E05000001"},
		{Incident: models.Incident{CrimeID: "c", Month: jan, Category: "Burglary"}, WardCode: "E05012399"},
	}
	require.NoError(t, storage.WriteParquet(out, storage.IncidentsFile, storage.IncidentRows(incidents)))

	tables := []*models.AttributeTable{
		{Dataset: "population", Level: models.LevelWard, Columns: []string{"Total"},
			Rows: []models.AttributeRow{{Code: "E05000001", Name: "Aldgate", Values: []float64{1000}}}},
		{Dataset: "deprivation", Level: models.LevelWard, Columns: []string{"Index of Multiple Deprivation (IMD) Score"},
			Rows: []models.AttributeRow{{Code: "E05000001", Name: "Aldgate", Values: []float64{12.5}}}},
	}
	require.NoError(t, storage.WriteParquet(out, storage.WardAttributesFile, storage.AttributeRows(tables...)))
	return out
}

func TestOpen(t *testing.T) {
	out := writeArtifacts(t)
	s, err := Open(out, Options{ExcludeCodes: []string{"E05012399"}}, logging.Discard())
	require.NoError(t, err)

	wards, err := s.Layer(models.LevelWard)
	require.NoError(t, err)
	assert.Equal(t, []string{"E05000001", "E05000002", "E05012399"}, wards.Codes())
	assert.Equal(t, geo.SRIDWGS84, wards.SRID)

	boroughs, err := s.Layer(models.LevelBorough)
	require.NoError(t, err)
	assert.Equal(t, []string{"E09000001", "E09000030"}, boroughs.Codes())

	_, err = s.Layer(models.LevelSmallArea)
	assert.Error(t, err)

	assert.Equal(t, []models.Month{models.MustParseMonth("2024-01"), models.MustParseMonth("2024-02")}, s.Months())
	latest, ok := s.LatestMonth()
	require.True(t, ok)
	assert.Equal(t, "2024-02", latest.String())

	jan := s.Statistics(models.LevelWard, models.MustParseMonth("2024-01"))
	assert.Len(t, jan, 2, "excluded ward is hidden")
	assert.Len(t, s.Statistics(models.LevelWard, models.Month{}), 3)
	assert.Empty(t, s.Statistics(models.LevelBorough, models.Month{}), "borough statistics were not written")

	series := s.AreaStatistics(models.LevelWard, "E05000001")
	require.Len(t, series, 2)
	assert.Equal(t, "2024-01", series[0].Month.String())

	assert.Len(t, s.Incidents(models.MustParseMonth("2024-01")), 1)
	assert.Len(t, s.Incidents(models.MustParseMonth("2024-01")), 1, "cached slice")

	assert.Equal(t, []string{"deprivation", "population"}, s.Datasets(models.LevelWard))
	v, ok := s.Attributes("deprivation", models.LevelWard).Value("E05000001", "Index of Multiple Deprivation (IMD) Score")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)
	assert.Nil(t, s.Attributes("transit", models.LevelWard))

	statuses := map[string]models.OutcomeStatus{}
	for _, o := range s.Outcomes() {
		statuses[o.Source] = o.Status
	}
	assert.Equal(t, models.OutcomeNotFound, statuses[storage.ForecastFile])
	assert.Equal(t, models.OutcomeNotFound, statuses[storage.LookupFile])
	assert.Equal(t, models.OutcomeNotFound, statuses[storage.BoroughMonthlyFile])
	assert.Equal(t, models.OutcomeLoaded, statuses[storage.IncidentsFile])
	assert.Nil(t, s.Lookup())
	assert.True(t, s.Excluded("E05012399"))
}

func TestOpenRequiresWardArtifacts(t *testing.T) {
	out, err := storage.NewOutputStore(t.TempDir())
	require.NoError(t, err)

	_, err = Open(out, Options{}, logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, out.Write(storage.WardsGeoJSONFile, func(w io.Writer) error {
		return boundary.WriteGeoJSON(w, wardLayer(t), nil, nil)
	}))
	_, err = Open(out, Options{}, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ward statistics")
}

func TestNewRequiresWards(t *testing.T) {
	_, err := New(Data{}, Options{}, logging.Discard())
	assert.Error(t, err)
}
