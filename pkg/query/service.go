package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/mimir-aip/wardstats/pkg/boundary"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/rates"
)

// ErrInvalidRequest marks a request with an unknown level, filter, month or sort order
var ErrInvalidRequest = errors.New("invalid request")

// Source is the read-only data the views are computed from
type Source interface {
	Months() []models.Month
	LatestMonth() (models.Month, bool)
	HasMonth(m models.Month) bool
	Layer(level models.Level) (*models.Layer, error)
	Statistics(level models.Level, month models.Month) []models.MonthlyAreaStatistic
	AreaStatistics(level models.Level, code string) []models.MonthlyAreaStatistic
	Incidents(month models.Month) []models.JoinedIncident
	Attributes(dataset string, level models.Level) *models.AttributeTable
	Datasets(level models.Level) []string
	Forecasts() []models.Forecast
	ExcludeCodes() []string
}

// Filter selects the value a map view is coloured by
type Filter string

const (
	FilterRate          Filter = "rate"
	FilterCount         Filter = "count"
	FilterIMD           Filter = "imd"
	FilterTransport     Filter = "transport"
	FilterAge           Filter = "age"
	FilterHousehold     Filter = "household"
	FilterAccommodation Filter = "accommodation"
)

// AttributeFilter maps a filter onto an attribute dataset. An empty Column
// colours by the first column of the dataset. A dataset that is not found by
// exact name is matched by the first dataset name containing it.
type AttributeFilter struct {
	Dataset string
	Column  string
}

// DefaultAttributeFilters are the attribute-backed map filters
var DefaultAttributeFilters = map[Filter]AttributeFilter{
	FilterIMD:           {Dataset: "deprivation", Column: "Index of Multiple Deprivation (IMD) Score"},
	FilterTransport:     {Dataset: "transit", Column: "Stops"},
	FilterAge:           {Dataset: "age"},
	FilterHousehold:     {Dataset: "household"},
	FilterAccommodation: {Dataset: "accommodation"},
}

// ParseFilter validates a filter name, defaulting to rate when empty
func ParseFilter(s string) (Filter, error) {
	f := Filter(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "":
		return FilterRate, nil
	case FilterRate, FilterCount:
		return f, nil
	}
	if _, ok := DefaultAttributeFilters[f]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown filter %q", ErrInvalidRequest, s)
}

// Request selects one map view
type Request struct {
	Level  models.Level
	Month  models.Month
	Filter Filter
}

// Row is one area of a view table
type Row struct {
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
	// Value is the number the area is coloured by
	Value float64 `json:"value"`
}

// MarshalJSON encodes missing values as null
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Code   string     `json:"code"`
		Name   string     `json:"name"`
		Values []*float64 `json:"values"`
		Value  *float64   `json:"value"`
	}{r.Code, r.Name, models.NullFloats(r.Values), models.NullFloat(r.Value)})
}

// Result is a tabular part plus a geometry frame joined by area code
type Result struct {
	Level       models.Level               `json:"level"`
	Month       models.Month               `json:"month"`
	Filter      Filter                     `json:"filter"`
	Dataset     string                     `json:"dataset,omitempty"`
	Columns     []string                   `json:"columns"`
	ValueColumn string                     `json:"value_column"`
	Rows        []Row                      `json:"rows"`
	Min         float64                    `json:"min"`
	Max         float64                    `json:"max"`
	Features    *geojson.FeatureCollection `json:"features"`
}

// MarshalJSON encodes an empty value range as null
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}{plain(r), models.NullFloat(r.Min), models.NullFloat(r.Max)})
}

// statisticColumns are the columns of incident-based views
var statisticColumns = []string{"Incidents", "Population", "Rate per 1000", "Growth %"}

// Service computes the presentation views. It never aggregates incidents
// itself; every number comes from the pipeline artifacts.
type Service struct {
	source  Source
	filters map[Filter]AttributeFilter
	logger  *slog.Logger
}

// NewService creates a new query service
func NewService(source Source, logger *slog.Logger) *Service {
	filters := make(map[Filter]AttributeFilter, len(DefaultAttributeFilters))
	for k, v := range DefaultAttributeFilters {
		filters[k] = v
	}
	return &Service{source: source, filters: filters, logger: logger}
}

// SetAttributeFilter overrides the dataset behind an attribute filter
func (s *Service) SetAttributeFilter(f Filter, af AttributeFilter) {
	s.filters[f] = af
}

// Months returns the months with statistics, oldest first
func (s *Service) Months() []models.Month { return s.source.Months() }

// resolveMonth defaults a zero month to the latest one and rejects months without data
func (s *Service) resolveMonth(m models.Month) (models.Month, error) {
	if m.IsZero() {
		latest, ok := s.source.LatestMonth()
		if !ok {
			return m, fmt.Errorf("%w: no statistics loaded", models.ErrNotFound)
		}
		return latest, nil
	}
	if !s.source.HasMonth(m) {
		return m, fmt.Errorf("%w: no statistics for %s", ErrInvalidRequest, m)
	}
	return m, nil
}

// Area returns the table and geometry frame of one map view
func (s *Service) Area(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Level == "" {
		req.Level = models.LevelWard
	}
	if req.Filter == "" {
		req.Filter = FilterRate
	}
	layer, err := s.source.Layer(req.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	month, err := s.resolveMonth(req.Month)
	if err != nil {
		return nil, err
	}

	res := &Result{Level: req.Level, Month: month, Filter: req.Filter}
	var rows map[string]Row
	switch req.Filter {
	case FilterRate, FilterCount:
		rows = s.statisticRows(req.Level, month, req.Filter, res)
	default:
		af, ok := s.filters[req.Filter]
		if !ok {
			return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidRequest, req.Filter)
		}
		if rows, err = s.attributeRows(req.Level, af, res); err != nil {
			return nil, err
		}
	}

	var exclude []string
	if req.Level == models.LevelWard {
		exclude = s.source.ExcludeCodes()
	}
	skip := make(map[string]bool, len(exclude))
	for _, c := range exclude {
		skip[c] = true
	}

	res.Min, res.Max = math.NaN(), math.NaN()
	for _, a := range layer.Areas {
		if skip[a.Code] {
			continue
		}
		row, ok := rows[a.Code]
		if !ok {
			row = Row{Code: a.Code, Name: a.Name, Values: missingValues(len(res.Columns)), Value: math.NaN()}
		}
		if row.Name == "" {
			row.Name = a.Name
		}
		res.Rows = append(res.Rows, row)
		if !math.IsNaN(row.Value) {
			if math.IsNaN(res.Min) || row.Value < res.Min {
				res.Min = row.Value
			}
			if math.IsNaN(res.Max) || row.Value > res.Max {
				res.Max = row.Value
			}
		}
	}

	values := make(map[string]float64, len(res.Rows))
	for _, r := range res.Rows {
		values[r.Code] = r.Value
	}
	res.Features, err = boundary.FeatureCollection(layer, exclude, func(a models.Area) map[string]interface{} {
		v, ok := values[a.Code]
		if !ok {
			v = math.NaN()
		}
		return map[string]interface{}{"value": models.NullFloat(v)}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Service) statisticRows(level models.Level, month models.Month, filter Filter, res *Result) map[string]Row {
	res.Columns = statisticColumns
	res.ValueColumn = "Rate per 1000"
	if filter == FilterCount {
		res.ValueColumn = "Incidents"
	}
	rows := make(map[string]Row)
	for _, st := range s.source.Statistics(level, month) {
		r := Row{
			Code: st.AreaCode,
			Name: st.AreaName,
			Values: []float64{
				float64(st.Count),
				st.Population,
				rates.Round(st.RatePer1000, 2),
				rates.Round(st.GrowthPct, 2),
			},
		}
		if filter == FilterCount {
			r.Value = float64(st.Count)
		} else {
			r.Value = r.Values[2]
		}
		rows[st.AreaCode] = r
	}
	return rows
}

func (s *Service) attributeRows(level models.Level, af AttributeFilter, res *Result) (map[string]Row, error) {
	table := s.findTable(af.Dataset, level)
	if table == nil {
		return nil, fmt.Errorf("%w: no %s attributes at %s level", models.ErrNotFound, af.Dataset, level)
	}
	valueIdx := 0
	if af.Column != "" {
		if valueIdx = table.ColumnIndex(af.Column); valueIdx < 0 {
			return nil, fmt.Errorf("%w: %s has no column %q", models.ErrNotFound, table.Dataset, af.Column)
		}
	}
	res.Dataset = table.Dataset
	res.Columns = table.Columns
	if len(table.Columns) > 0 {
		res.ValueColumn = table.Columns[valueIdx]
	}

	rows := make(map[string]Row, len(table.Rows))
	for _, r := range table.Rows {
		if _, dup := rows[r.Code]; dup {
			continue
		}
		values := make([]float64, len(r.Values))
		for i, v := range r.Values {
			values[i] = rates.Round(v, 2)
		}
		value := math.NaN()
		if valueIdx < len(values) {
			value = values[valueIdx]
		}
		rows[r.Code] = Row{Code: r.Code, Name: r.Name, Values: values, Value: value}
	}
	return rows, nil
}

// findTable resolves a dataset by exact name, then by the first sorted name containing it
func (s *Service) findTable(dataset string, level models.Level) *models.AttributeTable {
	if t := s.source.Attributes(dataset, level); t != nil {
		return t
	}
	names := s.source.Datasets(level)
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(name, dataset) {
			return s.source.Attributes(name, level)
		}
	}
	return nil
}

func missingValues(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
