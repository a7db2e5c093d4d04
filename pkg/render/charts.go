package render

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/mimir-aip/wardstats/pkg/models"
)

// Trend draws the monthly incident counts of one area. Forecasts for the
// same area are drawn as a dashed continuation with their bounds.
func Trend(w io.Writer, title string, stats []models.MonthlyAreaStatistic, forecasts []models.Forecast, size Size) error {
	if len(stats) == 0 {
		return ErrNoData
	}
	p := newPlot(title)
	p.Y.Label.Text = "Incidents"
	p.Y.Min = 0

	labels := make([]string, 0, len(stats)+len(forecasts))
	observed := make(plotter.XYs, len(stats))
	for i, st := range stats {
		observed[i] = plotter.XY{X: float64(i), Y: float64(st.Count)}
		labels = append(labels, st.Month.String())
	}
	line, points, err := plotter.NewLinePoints(observed)
	if err != nil {
		return fmt.Errorf("failed to build trend line: %w", err)
	}
	line.Width = vg.Points(2)
	line.Color = barColor
	points.Shape = draw.CircleGlyph{}
	points.Color = barColor
	p.Add(plotter.NewGrid(), line, points)
	p.Legend.Add("observed", line, points)

	if len(forecasts) > 0 {
		last := observed[len(observed)-1]
		predicted := plotter.XYs{last}
		var bounds plotter.YErrors
		for i, f := range forecasts {
			x := float64(len(stats) + i)
			predicted = append(predicted, plotter.XY{X: x, Y: f.Point})
			labels = append(labels, f.TargetMonth.String())
			if !math.IsNaN(f.Lower) && !math.IsNaN(f.Upper) {
				bounds = append(bounds, struct{ Low, High float64 }{f.Point - f.Lower, f.Upper - f.Point})
			}
		}
		fl, err := plotter.NewLine(predicted)
		if err != nil {
			return fmt.Errorf("failed to build forecast line: %w", err)
		}
		fl.Dashes = []vg.Length{vg.Points(5), vg.Points(5)}
		fl.Width = vg.Points(2)
		p.Add(fl)
		p.Legend.Add("forecast", fl)

		if len(bounds) == len(forecasts) {
			errs := &yErrorPoints{XYs: predicted[1:], YErrors: bounds}
			bars, err := plotter.NewYErrorBars(errs)
			if err != nil {
				return fmt.Errorf("failed to build forecast bounds: %w", err)
			}
			p.Add(bars)
		}
	}

	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	return writePNG(w, p, size)
}

type yErrorPoints struct {
	plotter.XYs
	plotter.YErrors
}

// TopAreas draws a bar chart of the n areas with the highest rate per 1000
// residents. stats must already be sorted highest first, as rates.Summarize does.
func TopAreas(w io.Writer, title string, stats []models.MonthlyAreaStatistic, n int, size Size) error {
	var values plotter.Values
	var labels []string
	for _, st := range stats {
		if len(values) == n {
			break
		}
		if math.IsNaN(st.RatePer1000) {
			continue
		}
		values = append(values, st.RatePer1000)
		labels = append(labels, st.AreaName)
	}
	if len(values) == 0 {
		return ErrNoData
	}

	p := newPlot(title)
	p.Y.Label.Text = "Rate per 1000 residents"
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return fmt.Errorf("failed to build bar chart: %w", err)
	}
	bars.Color = barColor
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(labels...)
	p.X.Tick.Label.Rotation = math.Pi / 3
	p.X.Tick.Label.YAlign = draw.YCenter
	p.X.Tick.Label.XAlign = draw.XRight
	return writePNG(w, p, size)
}
