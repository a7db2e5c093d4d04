package schema

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// headerSearchLimit bounds how many leading rows may precede the header
const headerSearchLimit = 20

// ReadCSV reads every record of a CSV stream, tolerating ragged rows
func ReadCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	return records, nil
}

// ReadCSVFile reads a CSV file. A missing file is reported as models.ErrNotFound.
func ReadCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// FindHeader locates the first row that satisfies every required column of s.
// Census extracts carry title rows above the header, so the first row is not
// assumed to be the header.
func FindHeader(rows [][]string, s *Schema) (int, Mapping, error) {
	limit := headerSearchLimit
	if len(rows) < limit {
		limit = len(rows)
	}
	for i := 0; i < limit; i++ {
		m := s.Reconcile(rows[i])
		if len(m.Missing) == 0 {
			return i, m, nil
		}
	}
	if len(rows) == 0 {
		return -1, Mapping{Schema: s}, fmt.Errorf("%w: %s source is empty", models.ErrMalformed, s.Dataset)
	}
	m := s.Reconcile(rows[0])
	return -1, m, m.Err()
}

// LooksLikeCode reports whether s could be an area code rather than a note or footer
func LooksLikeCode(s string) bool {
	if s == "" || len(s) > 16 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// CleanAreaName removes the dataset prefix some census extracts put on area names
func CleanAreaName(name string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "lsoa2021:"))
}

// BuildAttributeTable converts the rows after a header into an attribute table.
// Rows without a usable area code (footers, notes) are skipped. Cells that do not
// parse become the missing-value marker. Extra columns in which no cell
// parses as a number are dropped and reported.
func BuildAttributeTable(dataset string, rows [][]string, m Mapping, outcome *models.Outcome) *models.AttributeTable {
	table := &models.AttributeTable{Dataset: dataset, Level: models.LevelSmallArea}

	parsed := make([]int, len(m.Extra))
	nonEmpty := make([]int, len(m.Extra))
	var kept [][]float64
	for _, record := range rows {
		outcome.RowsRead++
		code := m.Get(record, ColSmallAreaCode)
		if !LooksLikeCode(code) {
			outcome.RowsSkipped++
			continue
		}
		values := make([]float64, len(m.Extra))
		for j, extra := range m.Extra {
			cell := ""
			if extra.Index < len(record) {
				cell = record[extra.Index]
			}
			v, ok := ParseNumber(cell)
			values[j] = v
			if strings.TrimSpace(cell) != "" {
				nonEmpty[j]++
			}
			if ok {
				parsed[j]++
			}
		}
		table.Rows = append(table.Rows, models.AttributeRow{
			Code: code,
			Name: CleanAreaName(m.Get(record, ColSmallAreaName)),
		})
		kept = append(kept, values)
	}

	var keep []int
	for j, extra := range m.Extra {
		switch {
		case parsed[j] == 0 && nonEmpty[j] > 0:
			outcome.Warn("%s: dropped non-numeric column %q", dataset, extra.Name)
		case parsed[j] < nonEmpty[j]:
			outcome.Warn("%s: %d values in %q coerced to missing", dataset, nonEmpty[j]-parsed[j], extra.Name)
			keep = append(keep, j)
		default:
			keep = append(keep, j)
		}
	}
	for _, j := range keep {
		table.Columns = append(table.Columns, m.Extra[j].Name)
	}
	for i := range table.Rows {
		vals := make([]float64, len(keep))
		for k, j := range keep {
			vals[k] = kept[i][j]
		}
		table.Rows[i].Values = vals
	}
	outcome.RowsKept = len(table.Rows)
	return table
}
