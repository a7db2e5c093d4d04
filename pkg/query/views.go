package query

import (
	"fmt"
	"io"
	"strings"

	"github.com/mimir-aip/wardstats/pkg/aggregate"
	"github.com/mimir-aip/wardstats/pkg/forecast"
	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/rates"
	"github.com/mimir-aip/wardstats/pkg/storage"
)

// Page sizes of the table views
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Page describes one page of a paginated view
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Pages    int `json:"pages"`
	Total    int `json:"total"`
}

// paginate normalises page and size and returns the slice bounds into total items
func paginate(page, size, total int) (Page, int, int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	pages := (total + size - 1) / size
	if page < 1 {
		page = 1
	}
	start := total
	if page <= pages {
		start = (page - 1) * size
	}
	end := start + size
	if end > total {
		end = total
	}
	return Page{Page: page, PageSize: size, Pages: pages, Total: total}, start, end
}

// IncidentRequest selects a page of the incident browser
type IncidentRequest struct {
	Month    models.Month
	Category string
	Page     int
	PageSize int
}

// IncidentPage is the data-by-category browser for one month
type IncidentPage struct {
	Page
	Month      models.Month              `json:"month"`
	Category   string                    `json:"category,omitempty"`
	Categories []aggregate.CategoryCount `json:"categories"`
	Items      []models.JoinedIncident   `json:"items"`
}

// Incidents returns one page of the incidents of a month, optionally of one category
func (s *Service) Incidents(req IncidentRequest) (*IncidentPage, error) {
	month, err := s.resolveMonth(req.Month)
	if err != nil {
		return nil, err
	}
	all := s.source.Incidents(month)
	plain := make([]models.Incident, len(all))
	for i, inc := range all {
		plain[i] = inc.Incident
	}

	items := all
	if req.Category != "" {
		items = nil
		for _, inc := range all {
			if strings.EqualFold(inc.Category, req.Category) {
				items = append(items, inc)
			}
		}
	}
	page, start, end := paginate(req.Page, req.PageSize, len(items))
	return &IncidentPage{
		Page:       page,
		Month:      month,
		Category:   req.Category,
		Categories: aggregate.CountByCategory(plain),
		Items:      append([]models.JoinedIncident{}, items[start:end]...),
	}, nil
}

// Summary returns the ward summary of a month, the latest when month is zero
func (s *Service) Summary(month models.Month) (*rates.Summary, error) {
	month, err := s.resolveMonth(month)
	if err != nil {
		return nil, err
	}
	summary := rates.Summarize(s.source.Statistics(models.LevelWard, month), month)
	return &summary, nil
}

// Statistics returns the statistics of a level, optionally narrowed to one
// month and one area
func (s *Service) Statistics(level models.Level, month models.Month, area string) ([]models.MonthlyAreaStatistic, error) {
	if _, err := s.source.Layer(level); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !month.IsZero() && !s.source.HasMonth(month) {
		return nil, fmt.Errorf("%w: no statistics for %s", ErrInvalidRequest, month)
	}
	var stats []models.MonthlyAreaStatistic
	if area != "" {
		for _, st := range s.source.AreaStatistics(level, area) {
			if month.IsZero() || st.Month == month {
				stats = append(stats, st)
			}
		}
		if len(stats) == 0 {
			return nil, fmt.Errorf("%w: no statistics for area %s", models.ErrNotFound, area)
		}
		return stats, nil
	}
	return s.source.Statistics(level, month), nil
}

// Trend returns the monthly series of one area, oldest first
func (s *Service) Trend(level models.Level, area string) ([]models.MonthlyAreaStatistic, error) {
	if area == "" {
		return nil, fmt.Errorf("%w: area is required", ErrInvalidRequest)
	}
	return s.Statistics(level, models.Month{}, area)
}

// Forecasts returns the forecast table filtered by a ward search term and sorted
func (s *Service) Forecasts(search, sortBy string) ([]models.Forecast, error) {
	out, err := forecast.Sort(forecast.Search(s.source.Forecasts(), search), sortBy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return out, nil
}

// TablePage is one page of an attribute table
type TablePage struct {
	Page
	Dataset string                `json:"dataset"`
	Level   models.Level          `json:"level"`
	Columns []string              `json:"columns"`
	Rows    []models.AttributeRow `json:"rows"`
}

// DeprivationDataset names the deprivation attribute tables
const DeprivationDataset = "deprivation"

// Deprivation returns one page of the small-area deprivation table, falling
// back to the ward means when the small-area table was not written
func (s *Service) Deprivation(page, size int) (*TablePage, error) {
	table := s.source.Attributes(DeprivationDataset, models.LevelSmallArea)
	if table == nil {
		table = s.source.Attributes(DeprivationDataset, models.LevelWard)
	}
	if table == nil {
		return nil, fmt.Errorf("%w: deprivation table not loaded", models.ErrNotFound)
	}
	p, start, end := paginate(page, size, len(table.Rows))
	return &TablePage{
		Page:    p,
		Dataset: table.Dataset,
		Level:   table.Level,
		Columns: table.Columns,
		Rows:    table.Rows[start:end],
	}, nil
}

// Datasets lists the attribute datasets available at a level
func (s *Service) Datasets(level models.Level) []string {
	return s.source.Datasets(level)
}

// Census returns a whole attribute table at a level
func (s *Service) Census(dataset string, level models.Level) (*models.AttributeTable, error) {
	if dataset == "" {
		return nil, fmt.Errorf("%w: dataset is required", ErrInvalidRequest)
	}
	if level == "" {
		level = models.LevelWard
	}
	table := s.source.Attributes(dataset, level)
	if table == nil {
		return nil, fmt.Errorf("%w: no %s table at %s level", models.ErrNotFound, dataset, level)
	}
	return table, nil
}

// Export writes the ward and borough statistics of a month as a workbook,
// every month when month is zero
func (s *Service) Export(w io.Writer, month models.Month) error {
	if !month.IsZero() && !s.source.HasMonth(month) {
		return fmt.Errorf("%w: no statistics for %s", ErrInvalidRequest, month)
	}
	return storage.WriteStatisticsWorkbook(w,
		storage.Sheet{Name: "Wards", Stats: s.source.Statistics(models.LevelWard, month)},
		storage.Sheet{Name: "Boroughs", Stats: s.source.Statistics(models.LevelBorough, month)},
	)
}
