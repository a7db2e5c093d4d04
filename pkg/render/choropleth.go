package render

import (
	"fmt"
	"io"
	"math"

	"github.com/twpayne/go-geom"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/mimir-aip/wardstats/pkg/geo"
	"github.com/mimir-aip/wardstats/pkg/query"
)

// Choropleth draws the features of a map view coloured by their value
func Choropleth(w io.Writer, title string, res *query.Result, size Size) error {
	if res == nil || res.Features == nil || len(res.Features.Features) == 0 {
		return ErrNoData
	}
	values := make(map[string]float64, len(res.Rows))
	for _, r := range res.Rows {
		values[r.Code] = r.Value
	}

	p := newPlot(title)
	p.HideAxes()
	for _, f := range res.Features.Features {
		v, ok := values[f.ID]
		if !ok {
			v = math.NaN()
		}
		fill := ColorFor(v, res.Min, res.Max, YlOrRd)
		for _, poly := range geo.Polygons(f.Geometry) {
			shape, err := polygon(poly)
			if err != nil {
				return fmt.Errorf("failed to draw %s: %w", f.ID, err)
			}
			shape.Color = fill
			shape.LineStyle.Width = vg.Points(0.3)
			p.Add(shape)
		}
	}
	return writePNG(w, p, size)
}

// polygon converts every ring of p, holes included, into a plotter polygon
func polygon(p *geom.Polygon) (*plotter.Polygon, error) {
	rings := make([]plotter.XYer, 0, p.NumLinearRings())
	for i := 0; i < p.NumLinearRings(); i++ {
		xs, ys := geo.RingXY(p, i)
		xy := make(plotter.XYs, len(xs))
		for j := range xs {
			xy[j] = plotter.XY{X: xs[j], Y: ys[j]}
		}
		rings = append(rings, xy)
	}
	return plotter.NewPolygon(rings...)
}
