package forecast

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

// TrendModel labels forecasts produced by the built-in baseline
const TrendModel = "linear_trend"

// Sort orders for the forecast view
const (
	SortNone     = "none"
	SortCrime    = "crime"
	SortResource = "resource"
)

// Service reads externally produced forecasts and builds the baseline
type Service struct {
	registry         *schema.Registry
	incidentsPerUnit float64
	logger           *slog.Logger
}

// NewService creates a new forecast service. incidentsPerUnit converts a
// point estimate into resource units.
func NewService(registry *schema.Registry, incidentsPerUnit float64, logger *slog.Logger) *Service {
	if incidentsPerUnit <= 0 {
		incidentsPerUnit = 1
	}
	return &Service{registry: registry, incidentsPerUnit: incidentsPerUnit, logger: logger}
}

// Resource converts a point estimate into whole resource units
func (s *Service) Resource(point float64) float64 {
	if models.IsMissing(point) || point <= 0 {
		return 0
	}
	return math.Ceil(point / s.incidentsPerUnit)
}

// Load reads forecasts from a CSV or Parquet file. When path is a
// directory, the lexically last forecast file in it is used.
func (s *Service) Load(path string) ([]models.Forecast, models.Outcome) {
	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("forecast source not found", "path", path)
		return nil, models.NotFound(path, "forecast source does not exist")
	}
	if info.IsDir() {
		latest, err := latestFile(path)
		if err != nil {
			return nil, models.NotFound(path, err.Error())
		}
		path = latest
	}

	var forecasts []models.Forecast
	var outcome models.Outcome
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		forecasts, outcome = s.loadParquet(path)
	case ".csv":
		forecasts, outcome = s.loadCSV(path)
	default:
		return nil, models.Malformed(path, fmt.Sprintf("unsupported forecast format %q", filepath.Ext(path)))
	}
	if outcome.OK() {
		sortForecasts(forecasts)
		s.logger.Info("loaded forecasts", "path", path, "rows", len(forecasts))
	}
	return forecasts, outcome
}

func latestFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".csv" || ext == ".parquet") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no forecast files in %s", dir)
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

func (s *Service) loadParquet(path string) ([]models.Forecast, models.Outcome) {
	rows, err := storage.ReadParquet[storage.ForecastRow](path)
	if err != nil {
		return nil, models.Malformed(path, err.Error())
	}
	forecasts, err := storage.Forecasts(rows)
	if err != nil {
		return nil, models.Malformed(path, err.Error())
	}
	outcome := models.Loaded(path)
	outcome.RowsRead, outcome.RowsKept = len(rows), len(forecasts)
	return forecasts, outcome
}

func (s *Service) loadCSV(path string) ([]models.Forecast, models.Outcome) {
	rows, err := schema.ReadCSVFile(path)
	if err != nil {
		return nil, models.Malformed(path, err.Error())
	}
	if len(rows) == 0 {
		return nil, models.Malformed(path, "empty file")
	}
	m := s.registry.Get(schema.DatasetForecasts).Reconcile(rows[0])
	if err := m.Err(); err != nil {
		return nil, models.Malformed(path, err.Error())
	}

	outcome := models.Loaded(path)
	outcome.Warnings = append(outcome.Warnings, m.Warnings()...)
	var forecasts []models.Forecast
	for i, rec := range rows[1:] {
		outcome.RowsRead++
		month, err := parseTargetMonth(m.Get(rec, schema.ColTargetMonth))
		point, ok := m.Number(rec, schema.ColPoint)
		if err != nil || !ok {
			outcome.RowsSkipped++
			outcome.Warn("row %d: unusable month or point estimate", i+2)
			continue
		}
		lower, _ := m.Number(rec, schema.ColLower)
		upper, _ := m.Number(rec, schema.ColUpper)
		resource, ok := m.Number(rec, schema.ColResource)
		if !ok {
			resource = s.Resource(point)
		}
		model := m.Get(rec, schema.ColModel)
		if model == "" {
			model = "external"
		}
		forecasts = append(forecasts, models.Forecast{
			WardCode:    m.Get(rec, schema.ColWardCode),
			WardName:    m.Get(rec, schema.ColWardName),
			TargetMonth: month,
			Point:       point,
			Lower:       lower,
			Upper:       upper,
			Resource:    resource,
			Model:       model,
		})
	}
	outcome.RowsKept = len(forecasts)
	return forecasts, outcome
}

// parseTargetMonth accepts "2025-04" and date forms such as "2025-04-01"
func parseTargetMonth(s string) (models.Month, error) {
	if len(s) > len(models.MonthLayout) {
		s = s[:len(models.MonthLayout)]
	}
	return models.ParseMonth(s)
}

// LinearTrend fits a least-squares line to each ward's monthly counts and
// projects it horizon months past the last month. Bounds are the point
// estimate plus or minus 1.96 residual standard deviations, floored at zero.
func (s *Service) LinearTrend(stats []models.MonthlyAreaStatistic, horizon int, generatedAt time.Time) []models.Forecast {
	type series struct {
		name   string
		months []models.Month
		counts []float64
	}
	byWard := make(map[string]*series)
	var codes []string
	for _, st := range stats {
		sr, ok := byWard[st.AreaCode]
		if !ok {
			sr = &series{name: st.AreaName}
			byWard[st.AreaCode] = sr
			codes = append(codes, st.AreaCode)
		}
		sr.months = append(sr.months, st.Month)
		sr.counts = append(sr.counts, float64(st.Count))
	}
	sort.Strings(codes)

	var out []models.Forecast
	for _, code := range codes {
		sr := byWard[code]
		if len(sr.counts) == 0 {
			continue
		}
		first, last := sr.months[0], sr.months[0]
		for _, m := range sr.months {
			if m.Before(first) {
				first = m
			}
			if last.Before(m) {
				last = m
			}
		}
		xs := make([]float64, len(sr.months))
		for i, m := range sr.months {
			xs[i] = float64(monthsBetween(first, m))
		}

		alpha, beta := stat.Mean(sr.counts, nil), 0.0
		spread := 0.0
		if len(sr.counts) >= 2 {
			alpha, beta = stat.LinearRegression(xs, sr.counts, nil, false)
			residuals := make([]float64, len(xs))
			for i, x := range xs {
				residuals[i] = sr.counts[i] - (alpha + beta*x)
			}
			spread = stat.StdDev(residuals, nil)
		}

		for h := 1; h <= horizon; h++ {
			target := last.AddMonths(h)
			point := math.Max(0, alpha+beta*float64(monthsBetween(first, target)))
			out = append(out, models.Forecast{
				WardCode:    code,
				WardName:    sr.name,
				TargetMonth: target,
				Point:       point,
				Lower:       math.Max(0, point-1.96*spread),
				Upper:       point + 1.96*spread,
				Resource:    s.Resource(point),
				Model:       TrendModel,
				GeneratedAt: generatedAt,
			})
		}
	}
	return out
}

func monthsBetween(a, b models.Month) int {
	return (b.Year-a.Year)*12 + int(b.Month) - int(a.Month)
}

func sortForecasts(f []models.Forecast) {
	sort.SliceStable(f, func(i, j int) bool {
		if f[i].WardCode != f[j].WardCode {
			return f[i].WardCode < f[j].WardCode
		}
		return f[i].TargetMonth.Before(f[j].TargetMonth)
	})
}

// Search keeps forecasts whose ward name or code contains term, ignoring case
func Search(forecasts []models.Forecast, term string) []models.Forecast {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return forecasts
	}
	var out []models.Forecast
	for _, f := range forecasts {
		if strings.Contains(strings.ToLower(f.WardName), term) || strings.Contains(strings.ToLower(f.WardCode), term) {
			out = append(out, f)
		}
	}
	return out
}

// Sort returns a copy ordered by predicted crime or resource allocation,
// highest first. SortNone keeps the input order.
func Sort(forecasts []models.Forecast, by string) ([]models.Forecast, error) {
	out := append([]models.Forecast(nil), forecasts...)
	switch by {
	case "", SortNone:
	case SortCrime:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Point > out[j].Point })
	case SortResource:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Resource > out[j].Resource })
	default:
		return nil, fmt.Errorf("unknown sort order %q", by)
	}
	return out, nil
}

// ForMonth keeps forecasts targeting month
func ForMonth(forecasts []models.Forecast, month models.Month) []models.Forecast {
	var out []models.Forecast
	for _, f := range forecasts {
		if f.TargetMonth == month {
			out = append(out, f)
		}
	}
	return out
}
