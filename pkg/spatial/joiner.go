package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy/location"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/models"
)

// Predicate selects which point locations count as inside an area
type Predicate int

const (
	// Intersects matches interior and boundary points
	Intersects Predicate = iota
	// Within matches interior points only
	Within
)

// ParsePredicate parses "intersects" or "within"
func ParsePredicate(s string) (Predicate, error) {
	switch s {
	case "", "intersects":
		return Intersects, nil
	case "within":
		return Within, nil
	}
	return 0, fmt.Errorf("unknown join predicate %q", s)
}

func (p Predicate) String() string {
	if p == Within {
		return "within"
	}
	return "intersects"
}

// Match describes how a point was assigned
type Match string

const (
	MatchInterior Match = "interior"
	MatchBoundary Match = "boundary"
	MatchNearest  Match = "nearest"
	MatchNone     Match = "none"
)

type indexedArea struct {
	area   models.Area
	bounds *geom.Bounds
}

// Joiner assigns points to the areas of one layer
type Joiner struct {
	areas     []indexedArea
	predicate Predicate
	srid      int
}

// NewJoiner creates a joiner over a layer. Areas are ordered by code so that
// ties always resolve to the lowest code.
func NewJoiner(layer *models.Layer, predicate Predicate) *Joiner {
	j := &Joiner{predicate: predicate, srid: layer.SRID}
	for _, a := range layer.Areas {
		if a.Geometry == nil {
			continue
		}
		j.areas = append(j.areas, indexedArea{area: a, bounds: a.Geometry.Bounds()})
	}
	sort.SliceStable(j.areas, func(a, b int) bool { return j.areas[a].area.Code < j.areas[b].area.Code })
	return j
}

// SRID returns the coordinate system points must be expressed in
func (j *Joiner) SRID() int { return j.srid }

// Predicate returns the configured predicate
func (j *Joiner) Predicate() Predicate { return j.predicate }

// Locate returns every area matching the point under the joiner's predicate, ordered by code
func (j *Joiner) Locate(c geom.Coord) []models.Area {
	var out []models.Area
	for _, ia := range j.areas {
		if !geo.BoundsContain(ia.bounds, c) {
			continue
		}
		switch geo.Locate(ia.area.Geometry, c) {
		case location.Interior:
			out = append(out, ia.area)
		case location.Boundary:
			if j.predicate == Intersects {
				out = append(out, ia.area)
			}
		}
	}
	return out
}

// Assign returns exactly one area for the point. Interior matches win over
// boundary matches and ties resolve to the lowest code. Points outside every
// area are not assigned.
func (j *Joiner) Assign(c geom.Coord) (models.Area, Match) {
	var boundary *models.Area
	for i := range j.areas {
		ia := &j.areas[i]
		if !geo.BoundsContain(ia.bounds, c) {
			continue
		}
		switch geo.Locate(ia.area.Geometry, c) {
		case location.Interior:
			return ia.area, MatchInterior
		case location.Boundary:
			if j.predicate == Intersects && boundary == nil {
				boundary = &ia.area
			}
		}
	}
	if boundary != nil {
		return *boundary, MatchBoundary
	}
	return models.Area{}, MatchNone
}

// Nearest returns the area whose boundary is closest to the point
func (j *Joiner) Nearest(c geom.Coord) (models.Area, float64, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, ia := range j.areas {
		if d := geo.DistanceToBoundary(ia.area.Geometry, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return models.Area{}, 0, false
	}
	return j.areas[best].area, bestDist, true
}

// FilterWithin returns the indices of the points that lie inside region
func FilterWithin(points []geom.Coord, region geom.T) []int {
	bounds := region.Bounds()
	var keep []int
	for i, p := range points {
		if geo.BoundsContain(bounds, p) && geo.Locate(region, p) != location.Exterior {
			keep = append(keep, i)
		}
	}
	return keep
}
