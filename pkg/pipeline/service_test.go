package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimir-aip/wardstats/pkg/config"
	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/logging"
	"github.com/mimir-aip/wardstats/pkg/metadatastore"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

const wardsGeoJSON = `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::27700"}},
  "features": [
    {"type": "Feature", "properties": {"WD24CD": "E05000001", "WD24NM": "Aldgate", "LAD24CD": "E09000001", "LAD24NM": "City of London"},
     "geometry": {"type": "Polygon", "coordinates": [[[530000,180000],[531000,180000],[531000,181000],[530000,181000],[530000,180000]]]}},
    {"type": "Feature", "properties": {"WD24CD": "E05000002", "WD24NM": "Castle Baynard", "LAD24CD": "E09000001", "LAD24NM": "City of London"},
     "geometry": {"type": "Polygon", "coordinates": [[[531000,180000],[532000,180000],[532000,181000],[531000,181000],[531000,180000]]]}},
    {"type": "Feature", "properties": {"WD24CD": "E05009317", "WD24NM": "Spitalfields", "LAD24CD": "E09000030", "LAD24NM": "Tower Hamlets"},
     "geometry": {"type": "Polygon", "coordinates": [[[532000,180000],[533000,180000],[533000,181000],[532000,181000],[532000,180000]]]}},
    {"type": "Feature", "properties": {"WD24CD": "E05011110", "WD24NM": "Dartford West", "LAD24CD": "E07000107", "LAD24NM": "Dartford"},
     "geometry": {"type": "Polygon", "coordinates": [[[553000,174000],[554000,174000],[554000,175000],[553000,175000],[553000,174000]]]}}
  ]
}`

const incidentHeader = "Crime ID,Month,Reported by,Falls within,Longitude,Latitude,Location,LSOA code,LSOA name,Crime type,Last outcome category,Context"

type fixture struct {
	cfg   *config.Config
	store *metadatastore.SQLiteStore
	out   *storage.OutputStore
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func incidentRow(id, month, category, lsoa, lon, lat string) string {
	return fmt.Sprintf("%s,%s,Metropolitan Police Service,Metropolitan Police Service,%s,%s,On or near High Street,%s,,%s,Under investigation,",
		id, month, lon, lat, lsoa, category)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	lon, lat := geo.BNGToWGS84(532500, 180500)
	pt := func(v float64) string { return fmt.Sprintf("%.7f", v) }

	write(t, filepath.Join(root, "boundaries", "wards.geojson"), wardsGeoJSON)
	write(t, filepath.Join(root, "boundaries", "centroids.csv"),
		"LSOA code,LSOA name,X,Y\nE01000001,City of London 001A,530500,180500\nE01004000,Tower Hamlets 001A,532500,180500\n")
	write(t, filepath.Join(root, "crime", "2024-01", "2024-01-metropolitan-street.csv"), strings.Join([]string{
		incidentHeader,
		incidentRow("a1", "2024-01", "Burglary", "E01000001", "", ""),
		incidentRow("a2", "2024-01", "Burglary", "E01000001", "", ""),
		incidentRow("a3", "2024-01", "Burglary", "E01000001", "", ""),
		incidentRow("b1", "2024-01", "Burglary", "E01004000", "", ""),
		incidentRow("b2", "2024-01", "Burglary", "E01004000", "", ""),
		incidentRow("v1", "2024-01", "Vehicle crime", "E01004000", "", ""),
	}, "\n")+"\n")
	write(t, filepath.Join(root, "crime", "2024-02", "2024-02-metropolitan-street.csv"), strings.Join([]string{
		incidentHeader,
		incidentRow("a4", "2024-02", "Burglary", "E01000001", "", ""),
		incidentRow("b3", "2024-02", "Burglary", "", pt(lon), pt(lat)),
	}, "\n")+"\n")
	write(t, filepath.Join(root, "census", "population.csv"),
		"LSOA code,LSOA name,Total\nE01000001,City of London 001A,2000\nE01004000,Tower Hamlets 001A,1000\n")

	cfg := &config.Config{
		OutputDir:             filepath.Join(root, "processed"),
		IncidentDir:           filepath.Join(root, "crime"),
		WardBoundaryPath:      filepath.Join(root, "boundaries", "wards.geojson"),
		CentroidsPath:         filepath.Join(root, "boundaries", "centroids.csv"),
		CensusDir:             filepath.Join(root, "census"),
		DeprivationPath:       filepath.Join(root, "census", "missing.xlsx"),
		DeprivationSheet:      "#1",
		DeprivationLookupPath: "",
		StopsPath:             filepath.Join(root, "census", "Stops.csv"),
		CentroidsSRID:         geo.SRIDBritishNationalGrid,
		PopulationDataset:     "population",
		PopulationColumn:      "Total",
		WardCodeField:         "WD24CD",
		WardNameField:         "WD24NM",
		BoroughCodeField:      "LAD24CD",
		BoroughNameField:      "LAD24NM",
		Agencies:              []string{"metropolitan", "city-of-london"},
		CrimeCategory:         "Burglary",
		StartMonth:            models.MustParseMonth("2024-01"),
		EndMonth:              models.MustParseMonth("2024-02"),
		TargetSRID:            geo.SRIDBritishNationalGrid,
		JoinPredicate:         "intersects",
		MergeParent:           "City of London",
		MergeCode:             "E09000001",
		MergeName:             "City of London",
		MergeAliases:          []string{"Castle Baynard"},
		Boroughs:              config.DefaultBoroughs,
		ForecastHorizon:       2,
		IncidentsPerUnit:      5,
	}

	store, err := metadatastore.NewSQLiteStore(filepath.Join(root, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	out, err := storage.NewOutputStore(cfg.OutputDir)
	require.NoError(t, err)
	return &fixture{cfg: cfg, store: store, out: out}
}

func (f *fixture) service() *Service {
	return NewService(f.cfg, f.store, f.out, logging.Discard())
}

func readWardStats(t *testing.T, out *storage.OutputStore) map[string]models.MonthlyAreaStatistic {
	t.Helper()
	rows, err := storage.ReadParquet[storage.StatisticRow](out.Path(storage.WardMonthlyFile))
	require.NoError(t, err)
	stats, err := storage.Statistics(rows)
	require.NoError(t, err)
	byKey := make(map[string]models.MonthlyAreaStatistic)
	for _, s := range stats {
		byKey[s.AreaCode+"/"+s.Month.String()] = s
	}
	return byKey
}

type recordingSink struct {
	levels []models.Level
	rows   int
}

func (r *recordingSink) UpsertStatistics(ctx context.Context, level models.Level, stats []models.MonthlyAreaStatistic) error {
	r.levels = append(r.levels, level)
	r.rows += len(stats)
	return nil
}

func TestExecuteAll(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	sink := &recordingSink{}
	svc.SetSink(sink)

	run, err := svc.Execute(context.Background(), models.StageAll, "manual")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.NotEmpty(t, run.ID)
	for _, name := range []string{storage.LookupFile, storage.WardsGeoJSONFile, storage.IncidentsFile, storage.WardAttributesFile, storage.WardMonthlyFile, storage.BoroughMonthlyFile, storage.ForecastFile} {
		assert.Contains(t, run.Artifacts, name)
		assert.True(t, f.out.Exists(name), name)
	}

	var notFound int
	for _, o := range run.Outcomes {
		if o.Status == models.OutcomeNotFound {
			notFound++
		}
	}
	assert.Equal(t, 4, notFound, "two city-of-london months, deprivation and stops are missing")

	stats := readWardStats(t, f.out)
	assert.Len(t, stats, 4, "two wards over two months; Dartford is filtered out")

	city := stats["E09000001/2024-01"]
	assert.Equal(t, "City of London", city.AreaName)
	assert.Equal(t, 3, city.Count)
	assert.Equal(t, 2000.0, city.Population)
	assert.InDelta(t, 1.5, city.RatePer1000, 1e-9)

	cityFeb := stats["E09000001/2024-02"]
	assert.Equal(t, 1, cityFeb.Count)
	assert.InDelta(t, -66.67, cityFeb.GrowthPct, 0.01)

	spitalfields := stats["E05009317/2024-02"]
	assert.Equal(t, 1, spitalfields.Count, "incident without a small-area code is joined by coordinates")
	assert.InDelta(t, -50, spitalfields.GrowthPct, 1e-9)

	assert.Equal(t, []models.Level{models.LevelWard, models.LevelBorough}, sink.levels)

	stored, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, stored.Status)
	assert.Len(t, stored.Outcomes, len(run.Outcomes))

	forecasts, err := f.store.ListForecasts()
	require.NoError(t, err)
	assert.Len(t, forecasts, 4)
}

func TestExecuteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().Execute(context.Background(), models.StageAll, "manual")
	require.NoError(t, err)

	files := []string{storage.LookupFile, storage.WardsGeoJSONFile, storage.IncidentsFile, storage.WardMonthlyFile, storage.ForecastFile}
	first := make(map[string][]byte)
	for _, name := range files {
		data, err := os.ReadFile(f.out.Path(name))
		require.NoError(t, err)
		first[name] = data
	}

	_, err = f.service().Execute(context.Background(), models.StageAll, "scheduled")
	require.NoError(t, err)
	for _, name := range files {
		data, err := os.ReadFile(f.out.Path(name))
		require.NoError(t, err)
		assert.Equal(t, first[name], data, name)
	}
}

func TestExecuteSingleStageReadsArtifacts(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().Execute(context.Background(), models.StageAll, "manual")
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.out.Path(storage.WardMonthlyFile)))

	run, err := f.service().Execute(context.Background(), models.StageAggregate, "manual")
	require.NoError(t, err)
	assert.Equal(t, []string{storage.WardMonthlyFile, storage.BoroughMonthlyFile}, run.Artifacts)
	assert.Equal(t, 3, readWardStats(t, f.out)["E09000001/2024-01"].Count)
}

func TestExecuteStageFailure(t *testing.T) {
	f := newFixture(t)
	svc := f.service()
	boom := errors.New("disk full")
	svc.RegisterStage(models.StageIncidents, func(ctx context.Context, st *State) (Result, error) {
		return Result{}, boom
	})

	run, err := svc.Execute(context.Background(), models.StageAll, "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "incidents")

	latest, err := f.store.LatestRun(models.StageAll)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, latest.Status)
	assert.False(t, f.out.Exists(storage.WardMonthlyFile), "later stages do not run")
}

func TestExecuteMissingBoundariesFails(t *testing.T) {
	f := newFixture(t)
	f.cfg.WardBoundaryPath = filepath.Join(t.TempDir(), "none.geojson")

	run, err := f.service().Execute(context.Background(), models.StageBoundaries, "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := f.service().Execute(ctx, models.StageAll, "manual")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestDatasetName(t *testing.T) {
	assert.Equal(t, "age_bands", DatasetName("Age Bands.csv"))
	assert.Equal(t, "population", DatasetName("population.xlsx"))
}
