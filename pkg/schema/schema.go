package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// Kind is the value type of a canonical column
type Kind int

const (
	KindString Kind = iota
	KindNumeric
)

// Column is one canonical column of a dataset
type Column struct {
	Name     string
	Aliases  []string
	Kind     Kind
	Required bool
}

// Schema is the canonical record definition for one dataset
type Schema struct {
	Dataset string
	Columns []Column
	// Ignore lists source columns that are expected but not used
	Ignore []string
	// ExtraNumeric keeps every unmatched column as a numeric attribute
	// instead of reporting it as unmapped
	ExtraNumeric bool
}

// ExtraColumn is a source column kept as a numeric attribute
type ExtraColumn struct {
	Name  string
	Index int
}

// Mapping is the result of reconciling a source header against a schema
type Mapping struct {
	Schema   *Schema
	Index    map[string]int
	Extra    []ExtraColumn
	Unmapped []string
	Missing  []string
	Width    int
}

// CleanColumnName trims a source column name and strips parenthetical
// qualifiers such as "(2011)", keeping "(IMD)".
func CleanColumnName(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	var b strings.Builder
	for {
		open := strings.Index(name, "(")
		if open < 0 {
			b.WriteString(name)
			break
		}
		closeIdx := strings.Index(name[open:], ")")
		if closeIdx < 0 {
			b.WriteString(name)
			break
		}
		closeIdx += open
		if name[open:closeIdx+1] == "(IMD)" {
			b.WriteString(name[:closeIdx+1])
		} else {
			b.WriteString(strings.TrimRight(name[:open], " \t"))
		}
		name = name[closeIdx+1:]
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalize folds a column name for comparison
func normalize(name string) string {
	return strings.ToLower(CleanColumnName(name))
}

// Reconcile maps source columns onto the canonical columns of s. Columns
// that match neither a canonical name, an alias nor the ignore list are
// reported in Unmapped; required canonical columns that are absent are
// reported in Missing.
func (s *Schema) Reconcile(header []string) Mapping {
	m := Mapping{Schema: s, Index: make(map[string]int), Width: len(header)}

	lookup := make(map[string]string)
	for _, col := range s.Columns {
		lookup[normalize(col.Name)] = col.Name
		for _, alias := range col.Aliases {
			if _, taken := lookup[normalize(alias)]; !taken {
				lookup[normalize(alias)] = col.Name
			}
		}
	}
	ignored := make(map[string]bool)
	for _, name := range s.Ignore {
		ignored[normalize(name)] = true
	}

	for i, raw := range header {
		key := normalize(raw)
		if key == "" {
			continue
		}
		if canonical, ok := lookup[key]; ok {
			if _, dup := m.Index[canonical]; !dup {
				m.Index[canonical] = i
				continue
			}
		}
		if ignored[key] {
			continue
		}
		if s.ExtraNumeric {
			m.Extra = append(m.Extra, ExtraColumn{Name: CleanColumnName(raw), Index: i})
			continue
		}
		m.Unmapped = append(m.Unmapped, strings.TrimSpace(raw))
	}

	for _, col := range s.Columns {
		if _, ok := m.Index[col.Name]; !ok && col.Required {
			m.Missing = append(m.Missing, col.Name)
		}
	}
	return m
}

// Err reports missing required columns
func (m Mapping) Err() error {
	if len(m.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s missing required columns %s", models.ErrMalformed, m.Schema.Dataset, strings.Join(m.Missing, ", "))
}

// Has reports whether the canonical column is present in the source
func (m Mapping) Has(canonical string) bool {
	_, ok := m.Index[canonical]
	return ok
}

// Get returns the trimmed value of a canonical column, or "" when absent
func (m Mapping) Get(record []string, canonical string) string {
	i, ok := m.Index[canonical]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// Number returns a canonical column parsed as a number. Absent columns and
// values that do not parse yield the missing-value marker and false.
func (m Mapping) Number(record []string, canonical string) (float64, bool) {
	return ParseNumber(m.Get(record, canonical))
}

// Warnings describes unmapped columns for logging
func (m Mapping) Warnings() []string {
	var warnings []string
	for _, c := range m.Unmapped {
		warnings = append(warnings, fmt.Sprintf("%s: unmapped column %q", m.Schema.Dataset, c))
	}
	return warnings
}

// ParseNumber parses a numeric cell. Empty cells and text yield NaN and false;
// text is never read as zero.
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Missing(), false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(v, 0) {
		return models.Missing(), false
	}
	return v, true
}
