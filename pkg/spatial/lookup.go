package spatial

import (
	"fmt"
	"sort"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy/location"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
)

// LookupTable maps small areas to wards. A small area can have more than one
// row when its representative point sits on a shared ward edge.
type LookupTable struct {
	rows   []models.LookupRow
	byCode map[string][]int
}

// NewLookupTable builds a table from rows, dropping exact duplicates and
// ordering rows by small-area code then ward code.
func NewLookupTable(rows []models.LookupRow) *LookupTable {
	sorted := make([]models.LookupRow, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SmallAreaCode != sorted[j].SmallAreaCode {
			return sorted[i].SmallAreaCode < sorted[j].SmallAreaCode
		}
		return sorted[i].WardCode < sorted[j].WardCode
	})

	t := &LookupTable{byCode: make(map[string][]int)}
	for _, r := range sorted {
		if n := len(t.rows); n > 0 && t.rows[n-1] == r {
			continue
		}
		t.byCode[r.SmallAreaCode] = append(t.byCode[r.SmallAreaCode], len(t.rows))
		t.rows = append(t.rows, r)
	}
	return t
}

// Rows returns every row, including duplicates for edge small areas
func (t *LookupTable) Rows() []models.LookupRow { return t.rows }

// Len returns the number of rows
func (t *LookupTable) Len() int { return len(t.rows) }

// WardFor returns the canonical row of a small area: the one with the lowest ward code
func (t *LookupTable) WardFor(code string) (models.LookupRow, bool) {
	idx, ok := t.byCode[code]
	if !ok {
		return models.LookupRow{}, false
	}
	return t.rows[idx[0]], true
}

// Unique returns one canonical row per small area
func (t *LookupTable) Unique() []models.LookupRow {
	out := make([]models.LookupRow, 0, len(t.byCode))
	for i, r := range t.rows {
		if t.byCode[r.SmallAreaCode][0] == i {
			out = append(out, r)
		}
	}
	return out
}

// Duplicated returns the small areas that have more than one row
func (t *LookupTable) Duplicated() []string {
	var out []string
	for _, r := range t.Unique() {
		if len(t.byCode[r.SmallAreaCode]) > 1 {
			out = append(out, r.SmallAreaCode)
		}
	}
	return out
}

// LookupReport summarises how representative points were assigned
type LookupReport struct {
	Interior   int      `json:"interior"`
	Boundary   int      `json:"boundary"`
	Nearest    int      `json:"nearest"`
	Unassigned []string `json:"unassigned,omitempty"`
	Duplicated []string `json:"duplicated,omitempty"`
}

// BuildLookup joins every small-area representative point to the ward layer
// once. Points must be in the joiner's SRID. When no ward matches, the point
// is assigned to the ward with the nearest boundary, so every small area
// receives at least one row while the layer is non-empty.
func BuildLookup(centroids []models.Centroid, wards *Joiner) (*LookupTable, LookupReport) {
	var (
		rows   []models.LookupRow
		report LookupReport
	)
	for _, c := range centroids {
		pt := geom.Coord{c.X, c.Y}
		matches := wards.Locate(pt)
		switch {
		case len(matches) == 0:
			nearest, _, ok := wards.Nearest(pt)
			if !ok {
				report.Unassigned = append(report.Unassigned, c.Code)
				continue
			}
			report.Nearest++
			matches = []models.Area{nearest}
		case len(matches) == 1 && isInterior(matches[0], pt):
			report.Interior++
		default:
			report.Boundary++
		}
		for _, w := range matches {
			rows = append(rows, models.LookupRow{
				SmallAreaCode: c.Code,
				SmallAreaName: c.Name,
				WardCode:      w.Code,
				WardName:      w.Name,
				BoroughCode:   w.ParentCode,
				BoroughName:   w.ParentName,
			})
		}
	}
	table := NewLookupTable(rows)
	report.Duplicated = table.Duplicated()
	return table, report
}

func isInterior(a models.Area, c geom.Coord) bool {
	return geo.Locate(a.Geometry, c) == location.Interior
}

// JoinReport summarises an incident join
type JoinReport struct {
	Total    int `json:"total"`
	ByCode   int `json:"by_code"`
	ByPoint  int `json:"by_point"`
	Boundary int `json:"boundary"`
	Dropped  int `json:"dropped"`
}

// JoinIncidents assigns every incident to exactly one ward: first through the
// lookup by small-area code, otherwise by its WGS84 coordinates. Incidents that
// fall outside the ward layer are dropped.
func JoinIncidents(incidents []models.Incident, lookup *LookupTable, wards *Joiner) ([]models.JoinedIncident, JoinReport, error) {
	transform, err := geo.TransformFunc(geo.SRIDWGS84, wards.SRID())
	if err != nil {
		return nil, JoinReport{}, fmt.Errorf("failed to prepare incident transform: %w", err)
	}

	report := JoinReport{Total: len(incidents)}
	joined := make([]models.JoinedIncident, 0, len(incidents))
	for _, inc := range incidents {
		if inc.SmallAreaCode != "" && lookup != nil {
			if row, ok := lookup.WardFor(inc.SmallAreaCode); ok {
				report.ByCode++
				joined = append(joined, models.JoinedIncident{
					Incident:    inc,
					WardCode:    row.WardCode,
					WardName:    row.WardName,
					BoroughCode: row.BoroughCode,
					BoroughName: row.BoroughName,
				})
				continue
			}
		}
		if !inc.HasLocation {
			report.Dropped++
			continue
		}
		x, y := transform(inc.Longitude, inc.Latitude)
		area, match := wards.Assign(geom.Coord{x, y})
		if match == MatchNone {
			report.Dropped++
			continue
		}
		if match == MatchBoundary {
			report.Boundary++
		}
		report.ByPoint++
		joined = append(joined, models.JoinedIncident{
			Incident:    inc,
			WardCode:    area.Code,
			WardName:    area.Name,
			BoroughCode: area.ParentCode,
			BoroughName: area.ParentName,
		})
	}
	return joined, report, nil
}
