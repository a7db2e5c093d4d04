// Package datastore loads the pipeline artifacts once for the presentation
// layer. A Store is read-only after Open and safe for concurrent use.
package datastore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/mimir-aip/wardstats/pkg/boundary"
	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/spatial"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

// Options configures how artifacts are presented
type Options struct {
	// ExcludeCodes are ward codes left out of maps and tables
	ExcludeCodes []string
	// CacheTTL bounds how long derived per-month slices are kept; zero keeps them forever
	CacheTTL time.Duration
}

// Store holds every artifact the views read
type Store struct {
	wards      *models.Layer
	boroughs   *models.Layer
	lookup     *spatial.LookupTable
	stats      map[models.Level][]models.MonthlyAreaStatistic
	incidents  []models.JoinedIncident
	attributes []*models.AttributeTable
	forecasts  []models.Forecast
	months     []models.Month
	exclude    map[string]bool
	outcomes   []models.Outcome
	cache      *cache.Cache
	logger     *slog.Logger
}

// artifactFields are the property names written by boundary.WriteGeoJSON
var artifactFields = boundary.Fields{Code: "code", Name: "name", ParentCode: "parent_code", ParentName: "parent_name"}

// Data is the full set of artifacts a Store serves
type Data struct {
	Wards             *models.Layer
	Lookup            *spatial.LookupTable
	WardStatistics    []models.MonthlyAreaStatistic
	BoroughStatistics []models.MonthlyAreaStatistic
	Incidents         []models.JoinedIncident
	Attributes        []*models.AttributeTable
	Forecasts         []models.Forecast
	Outcomes          []models.Outcome
}

// Open reads the artifacts under out. The ward layer and the ward statistics
// are required; every other artifact is optional and reported as an outcome.
func Open(out *storage.OutputStore, opts Options, logger *slog.Logger) (*Store, error) {
	var d Data
	record := func(name string, rows int, err error) {
		d.Outcomes = append(d.Outcomes, artifactOutcome(name, rows, err, logger))
	}

	wards, outcome := boundary.NewLoader(geo.SRIDWGS84, logger).Load(out.Path(storage.WardsGeoJSONFile), artifactFields)
	d.Outcomes = append(d.Outcomes, outcome)
	if !outcome.OK() {
		return nil, fmt.Errorf("failed to load ward layer: %w", outcome.Err())
	}
	d.Wards = wards

	var err error
	d.WardStatistics, err = readStatistics(out.Path(storage.WardMonthlyFile))
	record(storage.WardMonthlyFile, len(d.WardStatistics), err)
	if err != nil {
		return nil, fmt.Errorf("failed to load ward statistics: %w", err)
	}

	d.BoroughStatistics, err = readStatistics(out.Path(storage.BoroughMonthlyFile))
	record(storage.BoroughMonthlyFile, len(d.BoroughStatistics), err)

	if rows, err := storage.ReadParquet[storage.IncidentRow](out.Path(storage.IncidentsFile)); err == nil {
		d.Incidents, err = storage.Incidents(rows)
		record(storage.IncidentsFile, len(d.Incidents), err)
	} else {
		record(storage.IncidentsFile, 0, err)
	}

	if rows, err := storage.ReadParquet[storage.AttributeValueRow](out.Path(storage.WardAttributesFile)); err == nil {
		d.Attributes = storage.AttributeTables(rows)
		record(storage.WardAttributesFile, len(rows), nil)
	} else {
		record(storage.WardAttributesFile, 0, err)
	}

	if rows, err := storage.ReadParquet[storage.ForecastRow](out.Path(storage.ForecastFile)); err == nil {
		d.Forecasts, err = storage.Forecasts(rows)
		record(storage.ForecastFile, len(d.Forecasts), err)
	} else {
		record(storage.ForecastFile, 0, err)
	}

	d.Lookup, err = readLookup(out.Path(storage.LookupFile))
	n := 0
	if d.Lookup != nil {
		n = d.Lookup.Len()
	}
	record(storage.LookupFile, n, err)

	return New(d, opts, logger)
}

// New builds a Store from artifacts already in memory. The borough layer is
// dissolved from the wards.
func New(d Data, opts Options, logger *slog.Logger) (*Store, error) {
	if d.Wards == nil {
		return nil, errors.New("ward layer is required")
	}
	s := &Store{
		lookup:     d.Lookup,
		stats:      make(map[models.Level][]models.MonthlyAreaStatistic),
		incidents:  d.Incidents,
		attributes: d.Attributes,
		forecasts:  d.Forecasts,
		exclude:    make(map[string]bool, len(opts.ExcludeCodes)),
		outcomes:   d.Outcomes,
		cache:      newCache(opts.CacheTTL),
		logger:     logger,
	}
	for _, code := range opts.ExcludeCodes {
		s.exclude[code] = true
	}

	wards := &models.Layer{Name: d.Wards.Name, SRID: d.Wards.SRID, Areas: append([]models.Area(nil), d.Wards.Areas...)}
	boundary.SortByCode(wards)
	boroughs, err := boundary.Dissolve(wards)
	if err != nil {
		return nil, err
	}
	boundary.SortByCode(boroughs)
	s.wards, s.boroughs = wards, boroughs

	s.stats[models.LevelWard] = s.withoutExcluded(d.WardStatistics)
	s.stats[models.LevelBorough] = d.BoroughStatistics

	seen := make(map[models.Month]bool)
	for _, st := range s.stats[models.LevelWard] {
		if !seen[st.Month] {
			seen[st.Month] = true
			s.months = append(s.months, st.Month)
		}
	}
	sort.Slice(s.months, func(i, j int) bool { return s.months[i].Before(s.months[j]) })

	logger.Info("data store ready", "wards", len(wards.Areas), "boroughs", len(boroughs.Areas),
		"months", len(s.months), "incidents", len(s.incidents), "attribute_tables", len(s.attributes),
		"forecasts", len(s.forecasts))
	return s, nil
}

func newCache(ttl time.Duration) *cache.Cache {
	if ttl <= 0 {
		return cache.New(cache.NoExpiration, 0)
	}
	return cache.New(ttl, 2*ttl)
}

func readStatistics(path string) ([]models.MonthlyAreaStatistic, error) {
	rows, err := storage.ReadParquet[storage.StatisticRow](path)
	if err != nil {
		return nil, err
	}
	return storage.Statistics(rows)
}

func readLookup(path string) (*spatial.LookupTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		return nil, err
	}
	defer f.Close()
	return spatial.ReadLookupCSV(f)
}

// artifactOutcome reports how reading one artifact went
func artifactOutcome(name string, rows int, err error, logger *slog.Logger) models.Outcome {
	switch {
	case err == nil:
		o := models.Loaded(name)
		o.RowsRead, o.RowsKept = rows, rows
		return o
	case errors.Is(err, models.ErrNotFound):
		logger.Warn("artifact not found", "name", name)
		return models.NotFound(name, err.Error())
	default:
		logger.Warn("artifact unreadable", "name", name, "error", err)
		return models.Malformed(name, err.Error())
	}
}

func (s *Store) withoutExcluded(stats []models.MonthlyAreaStatistic) []models.MonthlyAreaStatistic {
	if len(s.exclude) == 0 {
		return stats
	}
	out := make([]models.MonthlyAreaStatistic, 0, len(stats))
	for _, st := range stats {
		if !s.exclude[st.AreaCode] {
			out = append(out, st)
		}
	}
	return out
}

// Outcomes returns the load outcome of every artifact
func (s *Store) Outcomes() []models.Outcome { return s.outcomes }

// ExcludeCodes returns the ward codes hidden from the views, sorted
func (s *Store) ExcludeCodes() []string {
	codes := make([]string, 0, len(s.exclude))
	for c := range s.exclude {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Excluded reports whether a ward code is hidden from the views
func (s *Store) Excluded(code string) bool { return s.exclude[code] }

// Months returns the months with statistics, oldest first
func (s *Store) Months() []models.Month { return s.months }

// LatestMonth returns the most recent month with statistics
func (s *Store) LatestMonth() (models.Month, bool) {
	if len(s.months) == 0 {
		return models.Month{}, false
	}
	return s.months[len(s.months)-1], true
}

// HasMonth reports whether statistics exist for month
func (s *Store) HasMonth(m models.Month) bool {
	for _, x := range s.months {
		if x == m {
			return true
		}
	}
	return false
}

// Layer returns the boundary layer of a level in EPSG:4326
func (s *Store) Layer(level models.Level) (*models.Layer, error) {
	switch level {
	case models.LevelWard:
		return s.wards, nil
	case models.LevelBorough:
		return s.boroughs, nil
	}
	return nil, fmt.Errorf("no boundary layer for level %s", level)
}

// Statistics returns the statistics of a level for one month, or every month when month is zero
func (s *Store) Statistics(level models.Level, month models.Month) []models.MonthlyAreaStatistic {
	all := s.stats[level]
	if month.IsZero() {
		return all
	}
	out := make([]models.MonthlyAreaStatistic, 0, len(all))
	for _, st := range all {
		if st.Month == month {
			out = append(out, st)
		}
	}
	return out
}

// AreaStatistics returns the monthly series of one area, oldest first
func (s *Store) AreaStatistics(level models.Level, code string) []models.MonthlyAreaStatistic {
	var out []models.MonthlyAreaStatistic
	for _, st := range s.stats[level] {
		if st.AreaCode == code {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

// Incidents returns the joined incidents of one month in file order.
// Slices are cached per month and must not be modified.
func (s *Store) Incidents(month models.Month) []models.JoinedIncident {
	key := "incidents:" + month.String()
	if v, ok := s.cache.Get(key); ok {
		return v.([]models.JoinedIncident)
	}
	var out []models.JoinedIncident
	for _, inc := range s.incidents {
		if inc.Month == month && !s.exclude[inc.WardCode] {
			out = append(out, inc)
		}
	}
	s.cache.SetDefault(key, out)
	return out
}

// Attributes returns the attribute table of a dataset at a level, or nil
func (s *Store) Attributes(dataset string, level models.Level) *models.AttributeTable {
	return storage.FindTable(s.attributes, dataset, level)
}

// Datasets returns the names of the attribute datasets available at level, sorted
func (s *Store) Datasets(level models.Level) []string {
	var names []string
	for _, t := range s.attributes {
		if t.Level == level {
			names = append(names, t.Dataset)
		}
	}
	sort.Strings(names)
	return names
}

// Forecasts returns the forecast table
func (s *Store) Forecasts() []models.Forecast { return s.forecasts }

// Lookup returns the small-area lookup, or nil when it was not written
func (s *Store) Lookup() *spatial.LookupTable { return s.lookup }
