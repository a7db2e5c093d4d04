package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

// Loader reads monthly street-level incident files laid out as
// <root>/<YYYY-MM>/<YYYY-MM>-<agency>-street.csv
type Loader struct {
	root     string
	category string
	schema   *schema.Schema
	logger   *slog.Logger
}

// NewLoader creates a new incident loader. An empty category keeps every record.
func NewLoader(root, category string, registry *schema.Registry, logger *slog.Logger) *Loader {
	return &Loader{
		root:     root,
		category: category,
		schema:   registry.Get(schema.DatasetIncidents),
		logger:   logger,
	}
}

// Path returns the file that holds an agency's incidents for a month
func (l *Loader) Path(month models.Month, agency string) string {
	return filepath.Join(l.root, month.String(), fmt.Sprintf("%s-%s-street.csv", month, agency))
}

// Load returns the incidents of one month and agency that match the category
// filter and have usable geography. Missing files and unreadable headers are
// reported through the outcome and yield an empty result.
func (l *Loader) Load(ctx context.Context, month models.Month, agency string) ([]models.Incident, models.Outcome) {
	path := l.Path(month, agency)
	if err := ctx.Err(); err != nil {
		return nil, models.Malformed(path, err.Error())
	}

	rows, err := schema.ReadCSVFile(path)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			l.logger.Warn("incident file not found", "month", month.String(), "agency", agency, "path", path)
			return nil, models.NotFound(path, "file does not exist")
		}
		l.logger.Warn("incident file unreadable", "path", path, "error", err)
		return nil, models.Malformed(path, err.Error())
	}
	if len(rows) == 0 {
		l.logger.Warn("incident file is empty", "path", path)
		return nil, models.Malformed(path, "empty file")
	}

	mapping := l.schema.Reconcile(rows[0])
	if err := mapping.Err(); err != nil {
		l.logger.Warn("incident file has unexpected header", "path", path, "error", err)
		return nil, models.Malformed(path, err.Error())
	}

	outcome := models.Loaded(path)
	outcome.Warnings = append(outcome.Warnings, mapping.Warnings()...)

	var (
		incidents  []models.Incident
		noGeo      int
		badMonth   int
		wrongWidth int
	)
	for _, record := range rows[1:] {
		outcome.RowsRead++
		if len(record) != mapping.Width {
			wrongWidth++
			continue
		}
		if l.category != "" && !strings.EqualFold(mapping.Get(record, schema.ColCategory), l.category) {
			continue
		}
		inc, ok := l.parse(record, mapping, month, agency)
		if !ok {
			badMonth++
			continue
		}
		if !inc.HasGeography() {
			noGeo++
			continue
		}
		incidents = append(incidents, inc)
	}

	outcome.RowsKept = len(incidents)
	outcome.RowsSkipped = wrongWidth + badMonth + noGeo
	if wrongWidth > 0 {
		outcome.Warn("%d rows with wrong field count skipped", wrongWidth)
	}
	if badMonth > 0 {
		outcome.Warn("%d rows with unparsable month skipped", badMonth)
	}
	if noGeo > 0 {
		outcome.Warn("%d rows without geography dropped", noGeo)
	}
	for _, w := range outcome.Warnings {
		l.logger.Warn(w, "path", path)
	}
	l.logger.Debug("loaded incidents", "month", month.String(), "agency", agency, "kept", len(incidents), "read", outcome.RowsRead)
	return incidents, outcome
}

func (l *Loader) parse(record []string, m schema.Mapping, fileMonth models.Month, agency string) (models.Incident, bool) {
	month := fileMonth
	if raw := m.Get(record, schema.ColMonth); raw != "" {
		parsed, err := models.ParseMonth(raw)
		if err != nil {
			return models.Incident{}, false
		}
		month = parsed
	}

	inc := models.Incident{
		CrimeID:       m.Get(record, schema.ColCrimeID),
		Month:         month,
		ReportedBy:    m.Get(record, schema.ColReportedBy),
		Category:      m.Get(record, schema.ColCategory),
		Outcome:       m.Get(record, schema.ColOutcome),
		Location:      m.Get(record, schema.ColLocation),
		SmallAreaCode: m.Get(record, schema.ColSmallAreaCode),
		SmallAreaName: m.Get(record, schema.ColSmallAreaName),
	}
	if inc.ReportedBy == "" {
		inc.ReportedBy = agency
	}
	lon, okLon := m.Number(record, schema.ColLongitude)
	lat, okLat := m.Number(record, schema.ColLatitude)
	if okLon && okLat && math.Abs(lon) <= 180 && math.Abs(lat) <= 90 {
		inc.Longitude, inc.Latitude, inc.HasLocation = lon, lat, true
	}
	return inc, true
}

// LoadRange loads every month from start to end for each agency, one file
// at a time. It returns the concatenated incidents and one outcome per file.
func (l *Loader) LoadRange(ctx context.Context, start, end models.Month, agencies []string) ([]models.Incident, []models.Outcome) {
	var (
		all      []models.Incident
		outcomes []models.Outcome
	)
	for _, month := range models.MonthRange(start, end) {
		for _, agency := range agencies {
			incidents, outcome := l.Load(ctx, month, agency)
			all = append(all, incidents...)
			outcomes = append(outcomes, outcome)
		}
	}
	return all, outcomes
}

// Months lists the month directories present under the loader root
func (l *Loader) Months() ([]models.Month, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list incident directory: %w", err)
	}
	var months []models.Month
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := models.ParseMonth(e.Name())
		if err != nil {
			continue
		}
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months, nil
}
