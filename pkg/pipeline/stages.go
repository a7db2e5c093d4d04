package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/mimir-aip/wardstats/pkg/aggregate"
	"github.com/mimir-aip/wardstats/pkg/boundary"
	"github.com/mimir-aip/wardstats/pkg/demographics"
	"github.com/mimir-aip/wardstats/pkg/forecast"
	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/incident"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/rates"
	"github.com/mimir-aip/wardstats/pkg/schema"
	"github.com/mimir-aip/wardstats/pkg/spatial"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

// Attribute datasets derived by the demographics stage
const (
	DeprivationDataset = "deprivation"
	TransitDataset     = "transit"
	StopsColumn        = "Stops"
)

// State carries intermediate results between the stages of one run.
// Stages fill missing inputs from earlier artifacts when run on their own.
type State struct {
	Wards      *models.Layer
	Boroughs   *models.Layer
	Joiner     *spatial.Joiner
	Lookup     *spatial.LookupTable
	Joined     []models.JoinedIncident
	Attributes []*models.AttributeTable
	WardStats  []models.MonthlyAreaStatistic
}

// MergeRule returns the district merge rule of the configuration
func (s *Service) MergeRule() boundary.MergeRule {
	return boundary.MergeRule{
		Parent:  s.cfg.MergeParent,
		Code:    s.cfg.MergeCode,
		Name:    s.cfg.MergeName,
		Aliases: s.cfg.MergeAliases,
	}
}

func (s *Service) boundaries(ctx context.Context, st *State) (Result, error) {
	var res Result
	if err := s.ensureBoundaries(st, &res); err != nil {
		return res, err
	}

	if err := s.output.Write(storage.LookupFile, func(w io.Writer) error {
		return spatial.WriteLookupCSV(w, st.Lookup)
	}); err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, storage.LookupFile)

	if err := s.output.Write(storage.WardsGeoJSONFile, func(w io.Writer) error {
		return boundary.WriteGeoJSON(w, st.Wards, nil, nil)
	}); err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, storage.WardsGeoJSONFile)
	return res, nil
}

// ensureBoundaries loads the ward layer, applies the borough filter and the
// district merge, and builds the small-area lookup
func (s *Service) ensureBoundaries(st *State, res *Result) error {
	if st.Joiner != nil {
		return nil
	}
	predicate, err := spatial.ParsePredicate(s.cfg.JoinPredicate)
	if err != nil {
		return err
	}

	loader := boundary.NewLoader(s.cfg.TargetSRID, s.logger)
	layer, outcome := loader.Load(s.cfg.WardBoundaryPath, boundary.Fields{
		Code:       s.cfg.WardCodeField,
		Name:       s.cfg.WardNameField,
		ParentCode: s.cfg.BoroughCodeField,
		ParentName: s.cfg.BoroughNameField,
	})
	res.Outcomes = append(res.Outcomes, outcome)
	if !outcome.OK() {
		return fmt.Errorf("failed to load ward boundaries: %w", outcome.Err())
	}

	layer = boundary.FilterParents(layer, s.cfg.Boroughs)
	rule := s.MergeRule()
	if layer, err = rule.ApplyToLayer(layer); err != nil {
		return fmt.Errorf("failed to merge %s: %w", rule.Parent, err)
	}
	boroughs, err := boundary.Dissolve(layer)
	if err != nil {
		return fmt.Errorf("failed to dissolve boroughs: %w", err)
	}
	joiner := spatial.NewJoiner(layer, predicate)

	centroids, outcome := s.loadCentroids()
	res.Outcomes = append(res.Outcomes, outcome)
	lookup, report := spatial.BuildLookup(centroids, joiner)
	lookup = spatial.NewLookupTable(rule.ApplyToLookup(lookup.Rows()))

	s.logger.Info("boundaries ready",
		"wards", len(layer.Areas), "boroughs", len(boroughs.Areas), "lookup_rows", lookup.Len(),
		"interior", report.Interior, "boundary", report.Boundary, "nearest", report.Nearest,
		"duplicated", len(report.Duplicated), "unassigned", len(report.Unassigned))
	if len(report.Unassigned) > 0 {
		s.logger.Warn("small areas without a ward", "codes", report.Unassigned)
	}

	st.Wards, st.Boroughs, st.Joiner, st.Lookup = layer, boroughs, joiner, lookup
	return nil
}

func (s *Service) loadCentroids() ([]models.Centroid, models.Outcome) {
	path := s.cfg.CentroidsPath
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("centroids not found, incidents will be joined by coordinates only", "path", path)
		return nil, models.NotFound(path, err.Error())
	}
	defer f.Close()

	centroids, outcome, err := spatial.ReadCentroids(f, s.registry)
	outcome.Source = path
	if err != nil {
		s.logger.Warn("centroids unreadable", "path", path, "error", err)
		return nil, outcome
	}
	transform, err := geo.TransformFunc(s.cfg.CentroidsSRID, s.cfg.TargetSRID)
	if err != nil {
		return nil, models.Malformed(path, err.Error())
	}
	for i := range centroids {
		centroids[i].X, centroids[i].Y = transform(centroids[i].X, centroids[i].Y)
	}
	return centroids, outcome
}

func (s *Service) incidents(ctx context.Context, st *State) (Result, error) {
	var res Result
	if err := s.ensureBoundaries(st, &res); err != nil {
		return res, err
	}

	loader := incident.NewLoader(s.cfg.IncidentDir, s.cfg.CrimeCategory, s.registry, s.logger)
	incidents, outcomes := loader.LoadRange(ctx, s.cfg.StartMonth, s.cfg.EndMonth, s.cfg.Agencies)
	res.Outcomes = append(res.Outcomes, outcomes...)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	joined, report, err := spatial.JoinIncidents(incidents, st.Lookup, st.Joiner)
	if err != nil {
		return res, err
	}
	s.logger.Info("incidents joined", "total", report.Total, "by_code", report.ByCode,
		"by_point", report.ByPoint, "boundary", report.Boundary, "dropped", report.Dropped)

	if err := storage.WriteParquet(s.output, storage.IncidentsFile, storage.IncidentRows(joined)); err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, storage.IncidentsFile)
	st.Joined = joined
	return res, nil
}

// censusSources lists the census tables in the census directory, skipping
// the deprivation, stops and forecast files that may share it
func (s *Service) censusSources() ([]demographics.Source, error) {
	entries, err := os.ReadDir(s.cfg.CensusDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list census directory: %w", err)
	}
	skip := map[string]bool{}
	for _, p := range []string{s.cfg.DeprivationPath, s.cfg.StopsPath, s.cfg.ForecastPath} {
		if p != "" {
			skip[filepath.Clean(p)] = true
		}
	}

	var sources []demographics.Source
	for _, e := range entries {
		path := filepath.Join(s.cfg.CensusDir, e.Name())
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || skip[filepath.Clean(path)] || (ext != ".csv" && ext != ".xlsx") {
			continue
		}
		sources = append(sources, demographics.Source{
			Name:    DatasetName(e.Name()),
			Path:    path,
			Dataset: schema.DatasetCensus,
		})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}

// DatasetName derives a dataset name from a file name: "Age Bands.csv" is "age_bands"
func DatasetName(file string) string {
	base := strings.TrimSuffix(file, filepath.Ext(file))
	return strings.Join(strings.Fields(strings.ToLower(base)), "_")
}

func (s *Service) demographics(ctx context.Context, st *State) (Result, error) {
	var res Result
	if err := s.ensureBoundaries(st, &res); err != nil {
		return res, err
	}
	svc := demographics.NewService(s.registry, s.logger)

	sources, err := s.censusSources()
	if err != nil {
		return res, err
	}
	var (
		attributes []*models.AttributeTable
		weights    map[string]float64
		names      map[string]string
	)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		table, outcome := svc.LoadTable(src)
		res.Outcomes = append(res.Outcomes, outcome)
		if !outcome.OK() {
			continue
		}
		if src.Name == s.cfg.PopulationDataset {
			weights = table.Column(s.cfg.PopulationColumn)
			names = demographics.Names(table)
		}
		attributes = append(attributes,
			aggregate.Sum(table, st.Lookup, models.LevelWard),
			aggregate.Sum(table, st.Lookup, models.LevelBorough))
	}
	if weights == nil {
		s.logger.Warn("population table not loaded, rates will be missing", "dataset", s.cfg.PopulationDataset)
	}

	if dep := s.loadDeprivation(svc, weights, names, &res); dep != nil {
		attributes = append(attributes,
			demographics.FilterRegion(dep, s.cfg.Boroughs, true),
			aggregate.WeightedMean(dep, weights, st.Lookup, models.LevelWard),
			aggregate.WeightedMean(dep, weights, st.Lookup, models.LevelBorough))
	}

	stops, outcome := svc.LoadStops(s.cfg.StopsPath, demographics.LondonStopPrefix)
	res.Outcomes = append(res.Outcomes, outcome)
	if outcome.OK() {
		ward, borough, err := stopTables(stops, st)
		if err != nil {
			return res, err
		}
		attributes = append(attributes, ward, borough)
	}

	if err := storage.WriteParquet(s.output, storage.WardAttributesFile, storage.AttributeRows(attributes...)); err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, storage.WardAttributesFile)
	st.Attributes = attributes
	return res, nil
}

// loadDeprivation reads the deprivation workbook and moves it onto current
// small-area codes when a lookup file is configured. An older area's weight
// is the current population of the areas it maps onto.
func (s *Service) loadDeprivation(svc *demographics.Service, weights map[string]float64, names map[string]string, res *Result) *models.AttributeTable {
	dep, outcome := svc.LoadTable(demographics.Source{
		Name:    DeprivationDataset,
		Path:    s.cfg.DeprivationPath,
		Sheet:   s.cfg.DeprivationSheet,
		Dataset: schema.DatasetDeprivation,
	})
	res.Outcomes = append(res.Outcomes, outcome)
	if !outcome.OK() {
		return nil
	}
	if s.cfg.DeprivationLookupPath == "" {
		return dep
	}
	lookup, outcome := svc.LoadAreaLookup(s.cfg.DeprivationLookupPath)
	res.Outcomes = append(res.Outcomes, outcome)
	if !outcome.OK() {
		return dep
	}

	oldWeights := make(map[string]float64, len(lookup))
	for from, targets := range lookup {
		for _, to := range targets {
			if w, ok := weights[to]; ok && !models.IsMissing(w) {
				oldWeights[from] += w
			}
		}
	}
	projected := demographics.ReprojectYears(dep, lookup, oldWeights, names)
	projected.Dataset = DeprivationDataset
	return projected
}

func stopTables(stops []models.TransitStop, st *State) (*models.AttributeTable, *models.AttributeTable, error) {
	transform, err := geo.TransformFunc(geo.SRIDWGS84, st.Joiner.SRID())
	if err != nil {
		return nil, nil, err
	}
	points := make([]geom.Coord, len(stops))
	for i, stop := range stops {
		x, y := transform(stop.Longitude, stop.Latitude)
		points[i] = geom.Coord{x, y}
	}
	counts := aggregate.CountPoints(points, st.Joiner)

	ward := &models.AttributeTable{Dataset: TransitDataset, Level: models.LevelWard, Columns: []string{StopsColumn}}
	byBorough := make(map[string]float64)
	for _, a := range st.Wards.Areas {
		n := float64(counts[a.Code])
		ward.Rows = append(ward.Rows, models.AttributeRow{Code: a.Code, Name: a.Name, Values: []float64{n}})
		byBorough[a.ParentCode] += n
	}
	sort.Slice(ward.Rows, func(i, j int) bool { return ward.Rows[i].Code < ward.Rows[j].Code })

	borough := &models.AttributeTable{Dataset: TransitDataset, Level: models.LevelBorough, Columns: []string{StopsColumn}}
	for _, a := range st.Boroughs.Areas {
		borough.Rows = append(borough.Rows, models.AttributeRow{Code: a.Code, Name: a.Name, Values: []float64{byBorough[a.Code]}})
	}
	return ward, borough, nil
}

func (s *Service) ensureJoined(st *State) error {
	if st.Joined != nil {
		return nil
	}
	rows, err := storage.ReadParquet[storage.IncidentRow](s.output.Path(storage.IncidentsFile))
	if err != nil {
		return fmt.Errorf("failed to read joined incidents (run the incidents stage first): %w", err)
	}
	if st.Joined, err = storage.Incidents(rows); err != nil {
		return err
	}
	return nil
}

func (s *Service) ensureAttributes(st *State) {
	if st.Attributes != nil {
		return
	}
	rows, err := storage.ReadParquet[storage.AttributeValueRow](s.output.Path(storage.WardAttributesFile))
	if err != nil {
		s.logger.Warn("ward attributes unavailable, rates will be missing", "error", err)
		return
	}
	st.Attributes = storage.AttributeTables(rows)
}

func (s *Service) aggregate(ctx context.Context, st *State) (Result, error) {
	var res Result
	if err := s.ensureBoundaries(st, &res); err != nil {
		return res, err
	}
	if err := s.ensureJoined(st); err != nil {
		return res, err
	}
	s.ensureAttributes(st)

	months := models.MonthRange(s.cfg.StartMonth, s.cfg.EndMonth)
	levels := []struct {
		level models.Level
		layer *models.Layer
		file  string
	}{
		{models.LevelWard, st.Wards, storage.WardMonthlyFile},
		{models.LevelBorough, st.Boroughs, storage.BoroughMonthlyFile},
	}
	for _, l := range levels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		areas := make([]rates.AreaInfo, len(l.layer.Areas))
		for i, a := range l.layer.Areas {
			areas[i] = rates.AreaInfo{Code: a.Code, Name: a.Name}
		}
		var population map[string]float64
		if t := storage.FindTable(st.Attributes, s.cfg.PopulationDataset, l.level); t != nil {
			population = t.Column(s.cfg.PopulationColumn)
		}

		stats := rates.Monthly(aggregate.CountByAreaMonth(st.Joined, l.level), population, areas, months)
		if err := storage.WriteParquet(s.output, l.file, storage.StatisticRows(l.level, stats)); err != nil {
			return res, err
		}
		res.Artifacts = append(res.Artifacts, l.file)

		if s.sink != nil {
			if err := s.sink.UpsertStatistics(ctx, l.level, stats); err != nil {
				return res, fmt.Errorf("failed to export %s statistics: %w", l.level, err)
			}
		}
		if l.level == models.LevelWard {
			st.WardStats = stats
		}
	}
	return res, nil
}

func (s *Service) forecast(ctx context.Context, st *State) (Result, error) {
	var res Result
	svc := forecast.NewService(s.registry, s.cfg.IncidentsPerUnit, s.logger)

	var forecasts []models.Forecast
	if s.cfg.ForecastPath != "" {
		loaded, outcome := svc.Load(s.cfg.ForecastPath)
		res.Outcomes = append(res.Outcomes, outcome)
		if outcome.OK() {
			forecasts = loaded
		}
	}
	if forecasts == nil {
		if st.WardStats == nil {
			rows, err := storage.ReadParquet[storage.StatisticRow](s.output.Path(storage.WardMonthlyFile))
			if err != nil {
				return res, fmt.Errorf("failed to read ward statistics (run the aggregate stage first): %w", err)
			}
			if st.WardStats, err = storage.Statistics(rows); err != nil {
				return res, err
			}
		}
		// stamped with the first month after the data range
		forecasts = svc.LinearTrend(st.WardStats, s.cfg.ForecastHorizon, s.cfg.EndMonth.Next().Time())
		s.logger.Info("forecast baseline built", "model", forecast.TrendModel, "rows", len(forecasts))
	}

	if err := storage.WriteParquet(s.output, storage.ForecastFile, storage.ForecastRows(forecasts)); err != nil {
		return res, err
	}
	res.Artifacts = append(res.Artifacts, storage.ForecastFile)
	if err := s.store.ReplaceForecasts(forecasts); err != nil {
		return res, err
	}
	return res, nil
}
