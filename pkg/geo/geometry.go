package geo

import (
	"fmt"
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
)

// NewPolygon builds an XY polygon from rings, closing any ring that is not closed
func NewPolygon(rings ...[][2]float64) (*geom.Polygon, error) {
	coords := make([][]geom.Coord, 0, len(rings))
	for _, ring := range rings {
		if len(ring) < 3 {
			return nil, fmt.Errorf("ring needs at least 3 points, got %d", len(ring))
		}
		cs := make([]geom.Coord, 0, len(ring)+1)
		for _, p := range ring {
			cs = append(cs, geom.Coord{p[0], p[1]})
		}
		if first, last := ring[0], ring[len(ring)-1]; first != last {
			cs = append(cs, geom.Coord{first[0], first[1]})
		}
		coords = append(coords, cs)
	}
	return geom.NewPolygon(geom.XY).SetCoords(coords)
}

// Polygons returns the polygon parts of a polygonal geometry
func Polygons(g geom.T) []*geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return []*geom.Polygon{t}
	case *geom.MultiPolygon:
		out := make([]*geom.Polygon, 0, t.NumPolygons())
		for i := 0; i < t.NumPolygons(); i++ {
			out = append(out, t.Polygon(i))
		}
		return out
	}
	return nil
}

// Merge combines the polygonal parts of several geometries into one multi-polygon.
// Parts are kept as-is; Locate treats edges shared between parts as interior.
func Merge(geoms ...geom.T) (*geom.MultiPolygon, error) {
	mp := geom.NewMultiPolygon(geom.XY)
	for _, g := range geoms {
		for _, p := range Polygons(g) {
			if err := mp.Push(p); err != nil {
				return nil, fmt.Errorf("failed to merge polygon: %w", err)
			}
		}
	}
	return mp, nil
}

func locateInPolygon(p *geom.Polygon, c geom.Coord) location.Type {
	shell := xy.LocatePointInRing(p.Layout(), c, p.LinearRing(0).FlatCoords())
	if shell != location.Interior {
		return shell
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		switch xy.LocatePointInRing(p.Layout(), c, p.LinearRing(i).FlatCoords()) {
		case location.Interior:
			return location.Exterior
		case location.Boundary:
			return location.Boundary
		}
	}
	return location.Interior
}

// Locate classifies c as interior, boundary or exterior relative to a polygonal geometry.
// A point on the boundary of two or more parts is interior when every point
// around it is covered by some part, so seams between merged parts vanish.
func Locate(g geom.T, c geom.Coord) location.Type {
	parts := Polygons(g)
	onBoundary := 0
	for _, p := range parts {
		if p.NumLinearRings() == 0 {
			continue
		}
		switch locateInPolygon(p, c) {
		case location.Interior:
			return location.Interior
		case location.Boundary:
			onBoundary++
		}
	}
	switch {
	case onBoundary == 0:
		return location.Exterior
	case onBoundary > 1 && surrounded(parts, c, g.Bounds()):
		return location.Interior
	}
	return location.Boundary
}

// seamSamples is the number of directions sampled around a seam point. The
// angles are offset from the axes so samples do not run along straight seams.
const seamSamples = 8

func surrounded(parts []*geom.Polygon, c geom.Coord, b *geom.Bounds) bool {
	eps := 1e-9 * math.Max(1, math.Max(b.Max(0)-b.Min(0), b.Max(1)-b.Min(1)))
	for k := 0; k < seamSamples; k++ {
		angle := 0.3 + float64(k)*2*math.Pi/seamSamples
		sample := geom.Coord{c[0] + eps*math.Cos(angle), c[1] + eps*math.Sin(angle)}
		covered := false
		for _, p := range parts {
			if p.NumLinearRings() > 0 && locateInPolygon(p, sample) == location.Interior {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// BoundsContain reports whether c lies inside or on the edge of b
func BoundsContain(b *geom.Bounds, c geom.Coord) bool {
	if b == nil || b.IsEmpty() {
		return false
	}
	return c[0] >= b.Min(0) && c[0] <= b.Max(0) && c[1] >= b.Min(1) && c[1] <= b.Max(1)
}

// DistanceToBoundary returns the shortest distance from c to any ring of g
func DistanceToBoundary(g geom.T, c geom.Coord) float64 {
	best := math.Inf(1)
	for _, p := range Polygons(g) {
		for i := 0; i < p.NumLinearRings(); i++ {
			d := xy.DistanceFromPointToLineString(p.Layout(), c, p.LinearRing(i).FlatCoords())
			if d < best {
				best = d
			}
		}
	}
	return best
}

// RingXY returns the coordinates of a polygon's rings as x/y pairs
func RingXY(p *geom.Polygon, ring int) (xs, ys []float64) {
	flat := p.LinearRing(ring).FlatCoords()
	stride := p.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		xs = append(xs, flat[i])
		ys = append(ys, flat[i+1])
	}
	return xs, ys
}
