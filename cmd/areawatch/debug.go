package main

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// handleDebugTrend renders the current area trend as a standalone
// ECharts HTML page. Debugging-only endpoint (no auth): it lets an
// operator eyeball the series without the monitor UI.
func (s *server) handleDebugTrend(w http.ResponseWriter, r *http.Request) {
	history := s.worker.History()
	if len(history) == 0 {
		s.writeError(w, http.StatusNotFound, "no samples yet")
		return
	}

	params := s.worker.Params()

	xAxis := make([]string, 0, len(history))
	raw := make([]opts.LineData, 0, len(history))
	smoothed := make([]opts.LineData, 0, len(history))
	threshold := make([]opts.LineData, 0, len(history))
	for _, sample := range history {
		xAxis = append(xAxis, fmt.Sprintf("%.1f", sample.Elapsed.Seconds()))
		raw = append(raw, opts.LineData{Value: sample.RawArea})
		smoothed = append(smoothed, opts.LineData{Value: sample.Smoothed})
		threshold = append(threshold, opts.LineData{Value: params.NGThreshold})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "areawatch trend",
			Theme:     "dark",
			Width:     "1200px",
			Height:    "600px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title: "Detected Area Trend",
			Subtitle: fmt.Sprintf("window=%d threshold=%.0f comparison=%s samples=%d",
				params.SMAWindow, params.NGThreshold, params.Comparison, len(history)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "elapsed (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "area (px²)"}),
	)

	line.SetXAxis(xAxis).
		AddSeries("raw", raw).
		AddSeries(fmt.Sprintf("SMA(%d)", params.SMAWindow), smoothed).
		AddSeries("threshold", threshold)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
