package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Frame processing counters
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64

	// Error counters
	DetectErrors atomic.Uint64
	ReadErrors   atomic.Uint64

	// Latency tracking
	InferenceMs atomic.Uint64 // Last inference latency in ms

	// Trend state
	SmoothedArea atomic.Uint64 // Rounded current smoothed area
	NGActive     atomic.Uint64 // 0 = normal, 1 = ng
	NGEpisodes   atomic.Uint64

	// Client tracking
	StreamClients atomic.Uint64
	WSClients     atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauge := func(name, help string, value func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			value,
		))
	}

	gauge("areawatch_frames_processed_total", "Total frames processed",
		func() float64 { return float64(m.FramesProcessed.Load()) })
	gauge("areawatch_frames_dropped_total", "Total frames dropped by the source",
		func() float64 { return float64(m.FramesDropped.Load()) })
	gauge("areawatch_detect_errors_total", "Total detection errors",
		func() float64 { return float64(m.DetectErrors.Load()) })
	gauge("areawatch_read_errors_total", "Total source read errors",
		func() float64 { return float64(m.ReadErrors.Load()) })
	gauge("areawatch_inference_ms", "Last inference latency in milliseconds",
		func() float64 { return float64(m.InferenceMs.Load()) })
	gauge("areawatch_smoothed_area", "Current smoothed detected area in px²",
		func() float64 { return float64(m.SmoothedArea.Load()) })
	gauge("areawatch_ng_active", "NG state (0=normal, 1=ng)",
		func() float64 { return float64(m.NGActive.Load()) })
	gauge("areawatch_ng_episodes_total", "Total NG episodes this session",
		func() float64 { return float64(m.NGEpisodes.Load()) })
	gauge("areawatch_stream_clients", "Connected MJPEG stream clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	gauge("areawatch_ws_clients", "Connected WebSocket clients",
		func() float64 { return float64(m.WSClients.Load()) })
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
