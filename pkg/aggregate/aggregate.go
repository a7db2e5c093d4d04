package aggregate

import (
	"math"
	"sort"

	"github.com/twpayne/go-geom"
	"gonum.org/v1/gonum/stat"

	"github.com/mimir-aip/wardstats/pkg/models"
	"github.com/mimir-aip/wardstats/pkg/spatial"
)

// CountByAreaMonth groups joined incidents by (area, month) at the given
// level. Rows are ordered by area code then month.
func CountByAreaMonth(joined []models.JoinedIncident, level models.Level) []models.AreaMonthCount {
	type key struct {
		code  string
		month models.Month
	}
	counts := make(map[key]*models.AreaMonthCount)
	for _, inc := range joined {
		code := inc.AreaCode(level)
		if code == "" {
			continue
		}
		k := key{code: code, month: inc.Month}
		c, ok := counts[k]
		if !ok {
			c = &models.AreaMonthCount{AreaCode: code, AreaName: inc.AreaName(level), Month: inc.Month}
			counts[k] = c
		}
		c.Count++
	}

	out := make([]models.AreaMonthCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AreaCode != out[j].AreaCode {
			return out[i].AreaCode < out[j].AreaCode
		}
		return out[i].Month.Before(out[j].Month)
	})
	return out
}

// CountByCategory counts incidents per category, ordered by count then name
func CountByCategory(incidents []models.Incident) []CategoryCount {
	counts := make(map[string]int)
	for _, inc := range incidents {
		counts[inc.Category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, CategoryCount{Category: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// CategoryCount is the number of incidents of one category
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

type group struct {
	code, name string
	members    []int
}

// groups assigns each small-area row of table to its area at level using the
// canonical lookup row, so an edge small area is only counted once.
func groups(table *models.AttributeTable, lookup *spatial.LookupTable, level models.Level) []*group {
	byCode := make(map[string]*group)
	var order []*group
	seen := make(map[string]bool)
	for i, row := range table.Rows {
		if seen[row.Code] {
			continue
		}
		seen[row.Code] = true

		code, name := row.Code, row.Name
		if level != models.LevelSmallArea {
			lr, ok := lookup.WardFor(row.Code)
			if !ok {
				continue
			}
			code, name = lr.AreaCode(level), lr.AreaName(level)
		}
		g, ok := byCode[code]
		if !ok {
			g = &group{code: code, name: name}
			byCode[code] = g
			order = append(order, g)
		}
		g.members = append(g.members, i)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].code < order[j].code })
	return order
}

// Sum aggregates count-like attributes to the given level. Missing values are
// skipped; a group whose values are all missing stays missing.
func Sum(table *models.AttributeTable, lookup *spatial.LookupTable, level models.Level) *models.AttributeTable {
	out := &models.AttributeTable{Dataset: table.Dataset, Level: level, Columns: append([]string(nil), table.Columns...)}
	for _, g := range groups(table, lookup, level) {
		values := make([]float64, len(table.Columns))
		for c := range table.Columns {
			sum, n := 0.0, 0
			for _, i := range g.members {
				if v := table.Rows[i].Values[c]; !math.IsNaN(v) {
					sum += v
					n++
				}
			}
			if n == 0 {
				sum = models.Missing()
			}
			values[c] = sum
		}
		out.Rows = append(out.Rows, models.AttributeRow{Code: g.code, Name: g.name, Values: values})
	}
	return out
}

// WeightedMean aggregates index-like attributes using the weights keyed by
// small-area code (normally population). When no member has a usable
// weight the unweighted mean is used.
func WeightedMean(table *models.AttributeTable, weights map[string]float64, lookup *spatial.LookupTable, level models.Level) *models.AttributeTable {
	out := &models.AttributeTable{Dataset: table.Dataset, Level: level, Columns: append([]string(nil), table.Columns...)}
	for _, g := range groups(table, lookup, level) {
		values := make([]float64, len(table.Columns))
		for c := range table.Columns {
			var xs, ws, plain []float64
			for _, i := range g.members {
				v := table.Rows[i].Values[c]
				if math.IsNaN(v) {
					continue
				}
				plain = append(plain, v)
				if w, ok := weights[table.Rows[i].Code]; ok && !math.IsNaN(w) && w > 0 {
					xs = append(xs, v)
					ws = append(ws, w)
				}
			}
			switch {
			case len(xs) > 0:
				values[c] = stat.Mean(xs, ws)
			case len(plain) > 0:
				values[c] = stat.Mean(plain, nil)
			default:
				values[c] = models.Missing()
			}
		}
		out.Rows = append(out.Rows, models.AttributeRow{Code: g.code, Name: g.name, Values: values})
	}
	return out
}

// Population returns the population of every area at level, taken from one
// column of a small-area table. Each small area contributes once.
func Population(table *models.AttributeTable, column string, lookup *spatial.LookupTable, level models.Level) map[string]float64 {
	idx := table.ColumnIndex(column)
	out := make(map[string]float64)
	if idx < 0 {
		return out
	}
	single := &models.AttributeTable{Dataset: table.Dataset, Columns: []string{column}}
	for _, r := range table.Rows {
		single.Rows = append(single.Rows, models.AttributeRow{Code: r.Code, Name: r.Name, Values: []float64{r.Values[idx]}})
	}
	for _, r := range Sum(single, lookup, level).Rows {
		out[r.Code] = r.Values[0]
	}
	return out
}

// CountPoints counts points per area of the joiner's layer. Points must be in
// the joiner's SRID; points outside every area are ignored.
func CountPoints(points []geom.Coord, joiner *spatial.Joiner) map[string]int {
	out := make(map[string]int)
	for _, p := range points {
		area, match := joiner.Assign(p)
		if match == spatial.MatchNone {
			continue
		}
		out[area.Code]++
	}
	return out
}
