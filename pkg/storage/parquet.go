package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// StatisticRow is the columnar form of models.MonthlyAreaStatistic
type StatisticRow struct {
	Level          string  `parquet:"level"`
	AreaCode       string  `parquet:"area_code"`
	AreaName       string  `parquet:"area_name"`
	Month          string  `parquet:"month"`
	Count          int64   `parquet:"count"`
	PreviousCount  int64   `parquet:"previous_count"`
	HasPrevious    bool    `parquet:"has_previous"`
	Population     float64 `parquet:"population"`
	RatePer1000    float64 `parquet:"rate_per_1000"`
	GrowthPct      float64 `parquet:"growth_pct"`
	GrowthFromZero bool    `parquet:"growth_from_zero"`
}

// IncidentRow is the columnar form of models.JoinedIncident
type IncidentRow struct {
	CrimeID       string  `parquet:"crime_id"`
	Month         string  `parquet:"month"`
	ReportedBy    string  `parquet:"reported_by"`
	Category      string  `parquet:"category"`
	Outcome       string  `parquet:"outcome"`
	Location      string  `parquet:"location"`
	Longitude     float64 `parquet:"longitude"`
	Latitude      float64 `parquet:"latitude"`
	HasLocation   bool    `parquet:"has_location"`
	SmallAreaCode string  `parquet:"small_area_code"`
	SmallAreaName string  `parquet:"small_area_name"`
	WardCode      string  `parquet:"ward_code"`
	WardName      string  `parquet:"ward_name"`
	BoroughCode   string  `parquet:"borough_code"`
	BoroughName   string  `parquet:"borough_name"`
}

// AttributeValueRow is one cell of an attribute table in long form
type AttributeValueRow struct {
	Dataset string  `parquet:"dataset"`
	Level   string  `parquet:"level"`
	Code    string  `parquet:"code"`
	Name    string  `parquet:"name"`
	Column  string  `parquet:"column"`
	Value   float64 `parquet:"value"`
}

// ForecastRow is the columnar form of models.Forecast
type ForecastRow struct {
	WardCode    string  `parquet:"ward_code"`
	WardName    string  `parquet:"ward_name"`
	TargetMonth string  `parquet:"target_month"`
	Point       float64 `parquet:"point"`
	Lower       float64 `parquet:"lower"`
	Upper       float64 `parquet:"upper"`
	Resource    float64 `parquet:"resource"`
	Model       string  `parquet:"model"`
	GeneratedAt string  `parquet:"generated_at"`
}

// WriteParquet writes rows as a Parquet artifact
func WriteParquet[T any](s *OutputStore, name string, rows []T) error {
	return s.Write(name, func(w io.Writer) error {
		return parquet.Write(w, rows)
	})
}

// ReadParquet reads every row of a Parquet file. A missing file yields an
// error wrapping models.ErrNotFound.
func ReadParquet[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// StatisticRows converts statistics for one aggregation level
func StatisticRows(level models.Level, stats []models.MonthlyAreaStatistic) []StatisticRow {
	rows := make([]StatisticRow, len(stats))
	for i, s := range stats {
		rows[i] = StatisticRow{
			Level:          string(level),
			AreaCode:       s.AreaCode,
			AreaName:       s.AreaName,
			Month:          s.Month.String(),
			Count:          int64(s.Count),
			PreviousCount:  int64(s.PreviousCount),
			HasPrevious:    s.HasPrevious,
			Population:     s.Population,
			RatePer1000:    s.RatePer1000,
			GrowthPct:      s.GrowthPct,
			GrowthFromZero: s.GrowthFromZero,
		}
	}
	return rows
}

// Statistics converts rows back, failing on an unparseable month
func Statistics(rows []StatisticRow) ([]models.MonthlyAreaStatistic, error) {
	stats := make([]models.MonthlyAreaStatistic, len(rows))
	for i, r := range rows {
		month, err := models.ParseMonth(r.Month)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		stats[i] = models.MonthlyAreaStatistic{
			AreaCode:       r.AreaCode,
			AreaName:       r.AreaName,
			Month:          month,
			Count:          int(r.Count),
			PreviousCount:  int(r.PreviousCount),
			HasPrevious:    r.HasPrevious,
			Population:     r.Population,
			RatePer1000:    r.RatePer1000,
			GrowthPct:      r.GrowthPct,
			GrowthFromZero: r.GrowthFromZero,
		}
	}
	return stats, nil
}

// IncidentRows converts joined incidents
func IncidentRows(incidents []models.JoinedIncident) []IncidentRow {
	rows := make([]IncidentRow, len(incidents))
	for i, in := range incidents {
		rows[i] = IncidentRow{
			CrimeID:       in.CrimeID,
			Month:         in.Month.String(),
			ReportedBy:    in.ReportedBy,
			Category:      in.Category,
			Outcome:       in.Outcome,
			Location:      in.Location,
			Longitude:     in.Longitude,
			Latitude:      in.Latitude,
			HasLocation:   in.HasLocation,
			SmallAreaCode: in.SmallAreaCode,
			SmallAreaName: in.SmallAreaName,
			WardCode:      in.WardCode,
			WardName:      in.WardName,
			BoroughCode:   in.BoroughCode,
			BoroughName:   in.BoroughName,
		}
	}
	return rows
}

// Incidents converts rows back
func Incidents(rows []IncidentRow) ([]models.JoinedIncident, error) {
	out := make([]models.JoinedIncident, len(rows))
	for i, r := range rows {
		month, err := models.ParseMonth(r.Month)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = models.JoinedIncident{
			Incident: models.Incident{
				CrimeID:       r.CrimeID,
				Month:         month,
				ReportedBy:    r.ReportedBy,
				Category:      r.Category,
				Outcome:       r.Outcome,
				Location:      r.Location,
				Longitude:     r.Longitude,
				Latitude:      r.Latitude,
				HasLocation:   r.HasLocation,
				SmallAreaCode: r.SmallAreaCode,
				SmallAreaName: r.SmallAreaName,
			},
			WardCode:    r.WardCode,
			WardName:    r.WardName,
			BoroughCode: r.BoroughCode,
			BoroughName: r.BoroughName,
		}
	}
	return out, nil
}

// AttributeRows flattens attribute tables into long form, table order first,
// then row order, then column order
func AttributeRows(tables ...*models.AttributeTable) []AttributeValueRow {
	var rows []AttributeValueRow
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, r := range t.Rows {
			for c, col := range t.Columns {
				rows = append(rows, AttributeValueRow{
					Dataset: t.Dataset,
					Level:   string(t.Level),
					Code:    r.Code,
					Name:    r.Name,
					Column:  col,
					Value:   r.Values[c],
				})
			}
		}
	}
	return rows
}

// AttributeTables rebuilds the tables from long form, in first-seen order.
// Tables are keyed by dataset and level.
func AttributeTables(rows []AttributeValueRow) []*models.AttributeTable {
	type tableKey struct{ dataset, level string }
	type building struct {
		table *models.AttributeTable
		cols  map[string]int
		rows  map[string]int
	}
	var order []*building
	byKey := make(map[tableKey]*building)

	for _, r := range rows {
		k := tableKey{r.Dataset, r.Level}
		b, ok := byKey[k]
		if !ok {
			b = &building{
				table: &models.AttributeTable{Dataset: r.Dataset, Level: models.Level(r.Level)},
				cols:  make(map[string]int),
				rows:  make(map[string]int),
			}
			byKey[k] = b
			order = append(order, b)
		}
		t := b.table
		ci, ok := b.cols[r.Column]
		if !ok {
			ci = len(t.Columns)
			b.cols[r.Column] = ci
			t.Columns = append(t.Columns, r.Column)
			for i := range t.Rows {
				t.Rows[i].Values = append(t.Rows[i].Values, models.Missing())
			}
		}
		ri, ok := b.rows[r.Code]
		if !ok {
			ri = len(t.Rows)
			b.rows[r.Code] = ri
			values := make([]float64, len(t.Columns))
			for i := range values {
				values[i] = models.Missing()
			}
			t.Rows = append(t.Rows, models.AttributeRow{Code: r.Code, Name: r.Name, Values: values})
		}
		t.Rows[ri].Values[ci] = r.Value
	}

	tables := make([]*models.AttributeTable, len(order))
	for i, b := range order {
		tables[i] = b.table
	}
	return tables
}

// FindTable returns the table of a dataset at a level, or nil
func FindTable(tables []*models.AttributeTable, dataset string, level models.Level) *models.AttributeTable {
	for _, t := range tables {
		if t.Dataset == dataset && t.Level == level {
			return t
		}
	}
	return nil
}

// ForecastRows converts forecasts
func ForecastRows(forecasts []models.Forecast) []ForecastRow {
	rows := make([]ForecastRow, len(forecasts))
	for i, f := range forecasts {
		generated := ""
		if !f.GeneratedAt.IsZero() {
			generated = f.GeneratedAt.UTC().Format(time.RFC3339)
		}
		rows[i] = ForecastRow{
			WardCode:    f.WardCode,
			WardName:    f.WardName,
			TargetMonth: f.TargetMonth.String(),
			Point:       f.Point,
			Lower:       f.Lower,
			Upper:       f.Upper,
			Resource:    f.Resource,
			Model:       f.Model,
			GeneratedAt: generated,
		}
	}
	return rows
}

// Forecasts converts rows back
func Forecasts(rows []ForecastRow) ([]models.Forecast, error) {
	out := make([]models.Forecast, len(rows))
	for i, r := range rows {
		month, err := models.ParseMonth(r.TargetMonth)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		var generated time.Time
		if r.GeneratedAt != "" {
			if generated, err = time.Parse(time.RFC3339, r.GeneratedAt); err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
		}
		out[i] = models.Forecast{
			WardCode:    r.WardCode,
			WardName:    r.WardName,
			TargetMonth: month,
			Point:       r.Point,
			Lower:       r.Lower,
			Upper:       r.Upper,
			Resource:    r.Resource,
			Model:       r.Model,
			GeneratedAt: generated,
		}
	}
	return out, nil
}
