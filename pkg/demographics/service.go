package demographics

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/schema"
)

// Source describes one small-area attribute table on disk
type Source struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Sheet   string `json:"sheet,omitempty"` // sheet name, or "#n" for the n-th sheet (0-based)
	Dataset string `json:"dataset"`         // schema.DatasetCensus or schema.DatasetDeprivation
}

// Service loads census, deprivation and transit stop tables
type Service struct {
	registry *schema.Registry
	logger   *slog.Logger
}

// NewService creates a new demographics service
func NewService(registry *schema.Registry, logger *slog.Logger) *Service {
	return &Service{registry: registry, logger: logger}
}

// LoadTable reads a CSV or spreadsheet table keyed by small-area code
func (s *Service) LoadTable(src Source) (*models.AttributeTable, models.Outcome) {
	rows, outcome := s.readRows(src.Path, src.Sheet)
	if !outcome.OK() {
		return nil, outcome
	}
	sch := s.registry.Get(src.Dataset)
	if sch == nil {
		return nil, models.Malformed(src.Path, fmt.Sprintf("unknown dataset %q", src.Dataset))
	}

	idx, mapping, err := schema.FindHeader(rows, sch)
	if err != nil {
		s.logger.Warn("table header not recognised", "source", src.Name, "path", src.Path, "error", err)
		return nil, models.Malformed(src.Path, err.Error())
	}
	if idx > 0 {
		outcome.Warn("%d leading rows before header skipped", idx)
	}
	outcome.Warnings = append(outcome.Warnings, mapping.Warnings()...)

	table := schema.BuildAttributeTable(src.Name, rows[idx+1:], mapping, &outcome)
	for _, w := range outcome.Warnings {
		s.logger.Warn(w, "source", src.Name)
	}
	s.logger.Info("loaded attribute table", "source", src.Name, "rows", len(table.Rows), "columns", len(table.Columns))
	return table, outcome
}

func (s *Service) readRows(path, sheet string) ([][]string, models.Outcome) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("table not found", "path", path)
			return nil, models.NotFound(path, "file does not exist")
		}
		return nil, models.Malformed(path, err.Error())
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := schema.ReadCSVFile(path)
		if err != nil {
			return nil, models.Malformed(path, err.Error())
		}
		return rows, models.Loaded(path)
	case ".xlsx", ".xlsm":
		rows, err := readSheet(path, sheet)
		if err != nil {
			s.logger.Warn("failed to read workbook", "path", path, "sheet", sheet, "error", err)
			return nil, models.Malformed(path, err.Error())
		}
		return rows, models.Loaded(path)
	}
	return nil, models.Malformed(path, fmt.Sprintf("unsupported table format %q", filepath.Ext(path)))
}

func readSheet(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	name := sheets[0]
	switch {
	case strings.HasPrefix(sheet, "#"):
		i, err := strconv.Atoi(sheet[1:])
		if err != nil || i < 0 || i >= len(sheets) {
			return nil, fmt.Errorf("sheet index %q out of range (%d sheets)", sheet, len(sheets))
		}
		name = sheets[i]
	case sheet != "":
		name = sheet
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", name, err)
	}
	return rows, nil
}

// LoadAreaLookup reads a CSV mapping older small-area codes to newer ones
func (s *Service) LoadAreaLookup(path string) (map[string][]string, models.Outcome) {
	rows, outcome := s.readRows(path, "")
	if !outcome.OK() {
		return nil, outcome
	}
	idx, m, err := schema.FindHeader(rows, s.registry.Get(schema.DatasetAreaLookup))
	if err != nil {
		return nil, models.Malformed(path, err.Error())
	}
	out := make(map[string][]string)
	for _, rec := range rows[idx+1:] {
		outcome.RowsRead++
		from, to := m.Get(rec, schema.ColFromCode), m.Get(rec, schema.ColToCode)
		if from == "" || to == "" {
			outcome.RowsSkipped++
			continue
		}
		out[from] = append(out[from], to)
	}
	outcome.RowsKept = outcome.RowsRead - outcome.RowsSkipped
	return out, outcome
}

// ReprojectYears maps a table keyed by older small-area codes onto newer
// codes. Each new area takes the weighted mean of the old areas mapped onto
// it; weights are keyed by old code and missing weights fall back to an
// unweighted mean. names supplies display names for new codes.
func ReprojectYears(table *models.AttributeTable, lookup map[string][]string, weights map[string]float64, names map[string]string) *models.AttributeTable {
	type acc struct{ sum, wsum, plain, n []float64 }
	targets := make(map[string]*acc)
	ncols := len(table.Columns)
	for _, row := range table.Rows {
		w, weighted := weights[row.Code]
		if !(w > 0) {
			weighted = false
		}
		for _, to := range lookup[row.Code] {
			a, ok := targets[to]
			if !ok {
				a = &acc{sum: make([]float64, ncols), wsum: make([]float64, ncols), plain: make([]float64, ncols), n: make([]float64, ncols)}
				targets[to] = a
			}
			for c, v := range row.Values {
				if models.IsMissing(v) {
					continue
				}
				a.plain[c] += v
				a.n[c]++
				if weighted {
					a.sum[c] += v * w
					a.wsum[c] += w
				}
			}
		}
	}

	codes := make([]string, 0, len(targets))
	for code := range targets {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := &models.AttributeTable{Dataset: table.Dataset, Level: models.LevelSmallArea, Columns: append([]string(nil), table.Columns...)}
	for _, code := range codes {
		a := targets[code]
		values := make([]float64, ncols)
		for c := range values {
			switch {
			case a.wsum[c] > 0:
				values[c] = a.sum[c] / a.wsum[c]
			case a.n[c] > 0:
				values[c] = a.plain[c] / a.n[c]
			default:
				values[c] = models.Missing()
			}
		}
		out.Rows = append(out.Rows, models.AttributeRow{Code: code, Name: names[code], Values: values})
	}
	return out
}

var areaSuffix = regexp.MustCompile(`^(.*?)(?: \d{3}[A-Z])?$`)

// RegionOf returns the local authority part of a small-area name such as "Camden 001A"
func RegionOf(name string) string {
	m := areaSuffix.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return name
	}
	return m[1]
}

// FilterRegion keeps rows whose small-area name belongs to one of the named
// local authorities. Rows without a name are kept when keepUnnamed is set.
func FilterRegion(table *models.AttributeTable, authorities []string, keepUnnamed bool) *models.AttributeTable {
	if len(authorities) == 0 {
		return table
	}
	allowed := make(map[string]bool, len(authorities))
	for _, a := range authorities {
		allowed[strings.ToLower(a)] = true
	}
	out := &models.AttributeTable{Dataset: table.Dataset, Level: table.Level, Columns: table.Columns}
	for _, r := range table.Rows {
		if r.Name == "" && keepUnnamed || allowed[strings.ToLower(RegionOf(r.Name))] {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// Names returns the display name of every row keyed by code
func Names(table *models.AttributeTable) map[string]string {
	out := make(map[string]string, len(table.Rows))
	for _, r := range table.Rows {
		out[r.Code] = r.Name
	}
	return out
}
