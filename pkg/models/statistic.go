package models

import "math"

// Missing returns the missing-value marker used in numeric columns
func Missing() float64 { return math.NaN() }

// IsMissing reports whether v is the missing-value marker
func IsMissing(v float64) bool { return math.IsNaN(v) }

// AreaMonthCount is an incident count for one area in one month
type AreaMonthCount struct {
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`
	Month    Month  `json:"month"`
	Count    int    `json:"count"`
}

// MonthlyAreaStatistic is the derived per-area, per-month statistic.
// RatePer1000 is NaN when population is zero or missing. GrowthPct is 0 when
// the previous count is zero and NaN when the previous month was not loaded.
type MonthlyAreaStatistic struct {
	AreaCode       string  `json:"area_code"`
	AreaName       string  `json:"area_name"`
	Month          Month   `json:"month"`
	Count          int     `json:"count"`
	PreviousCount  int     `json:"previous_count"`
	HasPrevious    bool    `json:"has_previous"`
	Population     float64 `json:"population"`
	RatePer1000    float64 `json:"rate_per_1000"`
	GrowthPct      float64 `json:"growth_pct"`
	GrowthFromZero bool    `json:"growth_from_zero"`
}

// AttributeRow holds the numeric attributes of one area
type AttributeRow struct {
	Code   string    `json:"code"`
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// AttributeTable is a canonical table of numeric columns keyed by area code
type AttributeTable struct {
	Dataset string         `json:"dataset"`
	Level   Level          `json:"level"`
	Columns []string       `json:"columns"`
	Rows    []AttributeRow `json:"rows"`
}

// ColumnIndex returns the index of a column or -1
func (t *AttributeTable) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Value returns the value of column for the area with the given code.
// ok reports whether the row and column exist; a present but missing cell is NaN with ok true.
func (t *AttributeTable) Value(code, column string) (float64, bool) {
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return Missing(), false
	}
	for _, r := range t.Rows {
		if r.Code == code {
			return r.Values[idx], true
		}
	}
	return Missing(), false
}

// Index returns a map from area code to row position
func (t *AttributeTable) Index() map[string]int {
	idx := make(map[string]int, len(t.Rows))
	for i, r := range t.Rows {
		if _, ok := idx[r.Code]; !ok {
			idx[r.Code] = i
		}
	}
	return idx
}

// Column returns a map from area code to the value of one column
func (t *AttributeTable) Column(name string) map[string]float64 {
	idx := t.ColumnIndex(name)
	out := make(map[string]float64, len(t.Rows))
	if idx < 0 {
		return out
	}
	for _, r := range t.Rows {
		if _, ok := out[r.Code]; !ok {
			out[r.Code] = r.Values[idx]
		}
	}
	return out
}
