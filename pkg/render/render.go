// Package render draws the dashboard charts and choropleth maps as PNG images.
package render

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// ErrNoData is returned when there is nothing to draw
var ErrNoData = errors.New("no data to render")

// Size is the image size of a chart
type Size struct {
	Width  vg.Length
	Height vg.Length
}

// DefaultSize is used when a zero Size is passed
var DefaultSize = Size{Width: 8 * vg.Inch, Height: 6 * vg.Inch}

func (s Size) orDefault() Size {
	if s.Width <= 0 || s.Height <= 0 {
		return DefaultSize
	}
	return s
}

// YlOrRd is the nine-class yellow-orange-red sequential scheme
var YlOrRd = []color.Color{
	color.RGBA{R: 255, G: 255, B: 204, A: 255},
	color.RGBA{R: 255, G: 237, B: 160, A: 255},
	color.RGBA{R: 254, G: 217, B: 118, A: 255},
	color.RGBA{R: 254, G: 178, B: 76, A: 255},
	color.RGBA{R: 253, G: 141, B: 60, A: 255},
	color.RGBA{R: 252, G: 78, B: 42, A: 255},
	color.RGBA{R: 227, G: 26, B: 28, A: 255},
	color.RGBA{R: 189, G: 0, B: 38, A: 255},
	color.RGBA{R: 128, G: 0, B: 38, A: 255},
}

// MissingColor fills areas without a value
var MissingColor color.Color = color.RGBA{R: 204, G: 204, B: 204, A: 255}

var barColor = color.RGBA{R: 103, G: 45, B: 170, A: 255}

// ColorFor maps v in [min, max] onto the scheme. NaN maps to MissingColor.
func ColorFor(v, min, max float64, scheme []color.Color) color.Color {
	if math.IsNaN(v) || len(scheme) == 0 {
		return MissingColor
	}
	if math.IsNaN(min) || math.IsNaN(max) || max <= min {
		return scheme[len(scheme)/2]
	}
	f := (v - min) / (max - min)
	i := int(math.Floor(f * float64(len(scheme))))
	if i < 0 {
		i = 0
	}
	if i >= len(scheme) {
		i = len(scheme) - 1
	}
	return scheme[i]
}

func newPlot(title string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.Title.TextStyle.Font.Size = vg.Points(14)
	return p
}

// writePNG draws p onto a PNG canvas and writes it to w
func writePNG(w io.Writer, p *plot.Plot, size Size) error {
	size = size.orDefault()
	c := vgimg.PngCanvas{Canvas: vgimg.New(size.Width, size.Height)}
	p.Draw(draw.New(c))
	if _, err := c.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return nil
}
