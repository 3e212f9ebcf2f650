package detection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areawatch/internal/pipeline"
)

func testFrame() *pipeline.Frame {
	return &pipeline.Frame{Seq: 1, Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Timestamp: time.Now()}
}

func TestDetectParsesSidecarResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(healthResponse{Status: "ok", ModelLoaded: true})
		case "/detect":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			assert.Equal(t, "0.600", r.FormValue("conf_threshold"))
			_, _, err := r.FormFile("file")
			require.NoError(t, err)

			json.NewEncoder(w).Encode(sidecarResult{
				Detections: []sidecarDetection{
					{Class: "material", ClassID: 0, Confidence: 0.91, BBox: []float64{10, 20, 110, 220}, Area: 20000},
					{Class: "material", ClassID: 0, Confidence: 0.42, BBox: []float64{0, 0, 5, 5}},
				},
				Count:           2,
				InferenceTimeMs: 12.5,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	hd := NewHTTPDetector(Config{Endpoint: srv.URL})
	res, err := hd.Detect(context.Background(), testFrame(), 0.6)
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)

	assert.InDelta(t, 12.5, res.InferenceMs, 1e-9)
	assert.Equal(t, "material", res.Detections[0].Class)
	assert.InDelta(t, 20000, res.Detections[0].Area, 1e-9)
	assert.InDelta(t, 10, res.Detections[0].BBox[0], 1e-9)
	// Second detection has no sidecar area; the box derives it.
	assert.InDelta(t, 25, res.Detections[1].BoxArea(), 1e-9)
}

func TestDetectErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hd := NewHTTPDetector(Config{Endpoint: srv.URL})
	_, err := hd.Detect(context.Background(), testFrame(), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDetectEmptyFrame(t *testing.T) {
	t.Parallel()

	hd := NewHTTPDetector(Config{Endpoint: "http://127.0.0.1:0"})
	_, err := hd.Detect(context.Background(), &pipeline.Frame{}, 0.5)
	assert.Error(t, err)
}

func TestIsHealthyRequiresLoadedModel(t *testing.T) {
	t.Parallel()

	loaded := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(healthResponse{Status: "ok", ModelLoaded: loaded})
	}))
	defer srv.Close()

	hd := NewHTTPDetector(Config{Endpoint: srv.URL})
	assert.False(t, hd.IsHealthy())

	loaded = true
	assert.True(t, hd.IsHealthy())
	// Cached result, no further round trip needed.
	assert.True(t, hd.IsHealthy())
}

func TestCloseDisables(t *testing.T) {
	t.Parallel()

	hd := NewHTTPDetector(Config{Endpoint: "http://127.0.0.1:0"})
	require.NoError(t, hd.Close())
	assert.False(t, hd.IsHealthy())
}
