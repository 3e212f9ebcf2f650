package alert

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"areawatch/internal/pipeline"
)

// renderTrendPlot draws the area trend (raw and smoothed series plus
// the NG threshold) and returns it as PNG bytes for embedding in the
// report.
func renderTrendPlot(history []pipeline.AreaSample, params pipeline.RuntimeParameters) (*bytes.Buffer, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("empty history")
	}

	p := plot.New()
	p.Title.Text = "Detected Area Trend"
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = "Area (px²)"

	rawPts := make(plotter.XYs, 0, len(history))
	smoothPts := make(plotter.XYs, 0, len(history))
	for _, s := range history {
		x := s.Elapsed.Seconds()
		rawPts = append(rawPts, plotter.XY{X: x, Y: s.RawArea})
		smoothPts = append(smoothPts, plotter.XY{X: x, Y: s.Smoothed})
	}

	rawLine, err := plotter.NewLine(rawPts)
	if err != nil {
		return nil, err
	}
	rawLine.Color = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	rawLine.Width = vg.Points(0.5)
	p.Add(rawLine)
	p.Legend.Add("raw", rawLine)

	smoothLine, err := plotter.NewLine(smoothPts)
	if err != nil {
		return nil, err
	}
	smoothLine.Color = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	smoothLine.Width = vg.Points(1.5)
	p.Add(smoothLine)
	p.Legend.Add(fmt.Sprintf("SMA(%d)", params.SMAWindow), smoothLine)

	// Threshold drawn as a flat line across the full x range.
	xMin := history[0].Elapsed.Seconds()
	xMax := history[len(history)-1].Elapsed.Seconds()
	thLine, err := plotter.NewLine(plotter.XYs{
		{X: xMin, Y: params.NGThreshold},
		{X: xMax, Y: params.NGThreshold},
	})
	if err != nil {
		return nil, err
	}
	thLine.Color = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	thLine.Width = vg.Points(1)
	thLine.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(thLine)
	p.Legend.Add("threshold", thLine)

	p.Legend.Top = true
	p.Legend.Left = false

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render trend plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode trend plot: %w", err)
	}
	return &buf, nil
}
