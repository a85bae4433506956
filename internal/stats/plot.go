package stats

import (
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// PlotOptions sizes the rendered chart
type PlotOptions struct {
	Width  int
	Height int
	Window int // moving average length
	Title  string
}

// DefaultPlotOptions returns a 800x400 chart
func DefaultPlotOptions() PlotOptions {
	return PlotOptions{Width: 800, Height: 400, Window: 50, Title: "Episode reward"}
}

const plotMargin = 48.0

var (
	plotBackground = color.RGBA{18, 18, 24, 255}
	plotAxis       = color.RGBA{160, 165, 180, 255}
	plotRaw        = color.RGBA{0, 212, 255, 110}
	plotAverage    = color.RGBA{255, 200, 60, 255}
)

// WritePNG renders rewards (oldest first) with a moving average overlay
func WritePNG(w io.Writer, rewards []float64, opts PlotOptions) error {
	if opts.Width <= 2*plotMargin || opts.Height <= 2*plotMargin {
		return fmt.Errorf("plot: %dx%d is too small", opts.Width, opts.Height)
	}
	dc := gg.NewContext(opts.Width, opts.Height)
	dc.SetFontFace(basicfont.Face7x13)

	dc.SetColor(plotBackground)
	dc.Clear()

	left, top := plotMargin, plotMargin
	right := float64(opts.Width) - plotMargin/2
	bottom := float64(opts.Height) - plotMargin

	dc.SetColor(plotAxis)
	dc.SetLineWidth(1)
	dc.DrawLine(left, top, left, bottom)
	dc.DrawLine(left, bottom, right, bottom)
	dc.Stroke()
	dc.DrawStringAnchored(opts.Title, float64(opts.Width)/2, top/2, 0.5, 0.5)

	if len(rewards) == 0 {
		dc.DrawStringAnchored("no episodes yet", (left+right)/2, (top+bottom)/2, 0.5, 0.5)
		return dc.EncodePNG(w)
	}

	lo, hi := rewards[0], rewards[0]
	for _, r := range rewards {
		lo = math.Min(lo, r)
		hi = math.Max(hi, r)
	}
	if hi == lo {
		hi = lo + 1
	}
	dc.DrawStringAnchored(fmt.Sprintf("%.1f", hi), left-6, top, 1, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%.1f", lo), left-6, bottom, 1, 0.5)
	dc.DrawStringAnchored(fmt.Sprintf("%d episodes", len(rewards)), right, bottom+16, 1, 0.5)

	x := func(i int) float64 {
		if len(rewards) == 1 {
			return (left + right) / 2
		}
		return left + (right-left)*float64(i)/float64(len(rewards)-1)
	}
	y := func(v float64) float64 {
		return bottom - (bottom-top)*(v-lo)/(hi-lo)
	}

	drawSeries(dc, rewards, x, y, plotRaw, 1)
	drawSeries(dc, MovingAverage(rewards, opts.Window), x, y, plotAverage, 2)

	return dc.EncodePNG(w)
}

func drawSeries(dc *gg.Context, xs []float64, x func(int) float64, y func(float64) float64, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	if len(xs) == 1 {
		dc.DrawCircle(x(0), y(xs[0]), 2)
		dc.Fill()
		return
	}
	dc.MoveTo(x(0), y(xs[0]))
	for i := 1; i < len(xs); i++ {
		dc.LineTo(x(i), y(xs[i]))
	}
	dc.Stroke()
}
