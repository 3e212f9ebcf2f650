// Package detection reaches the object-detection model. The model runs
// in an external inference sidecar; this package only speaks its HTTP
// surface and treats the algorithm as a black box.
package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"areawatch/internal/pipeline"
)

// HTTPDetector talks to a YOLO inference sidecar over HTTP. Frames are
// uploaded as multipart JPEG, detections come back as JSON.
type HTTPDetector struct {
	endpoint    string
	client      *http.Client
	drawBoxes   bool
	classFilter string
	enabled     bool
	healthCheck time.Time
	mu          sync.RWMutex
}

// Config holds configuration for the detector client
type Config struct {
	Endpoint    string
	DrawBoxes   bool // Ask the sidecar for an annotated JPEG
	ClassFilter string
	Timeout     time.Duration
}

// sidecarDetection mirrors the sidecar's JSON detection shape
type sidecarDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	Area       float64   `json:"area"`
}

// sidecarResult mirrors the sidecar's JSON response
type sidecarResult struct {
	Detections      []sidecarDetection `json:"detections"`
	Count           int                `json:"count"`
	InferenceTimeMs float64            `json:"inference_time_ms"`
	Device          string             `json:"device"`
	AnnotatedJPEG   []byte             `json:"annotated_jpeg,omitempty"` // base64 in JSON
}

type healthResponse struct {
	Status      string `json:"status"`
	Device      string `json:"device"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPDetector creates a detector client for the given sidecar
// endpoint.
func NewHTTPDetector(cfg Config) *HTTPDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second // Long enough for CPU-only inference
	}
	return &HTTPDetector{
		endpoint:    cfg.Endpoint,
		drawBoxes:   cfg.DrawBoxes,
		classFilter: cfg.ClassFilter,
		enabled:     true,
		client:      &http.Client{Timeout: timeout},
	}
}

// Name returns the detector identifier.
func (hd *HTTPDetector) Name() string { return "yolo-http" }

// IsHealthy checks if the inference sidecar is available. Positive
// results are cached for 30 seconds to keep health checks off the frame
// path.
func (hd *HTTPDetector) IsHealthy() bool {
	hd.mu.RLock()
	if !hd.enabled {
		hd.mu.RUnlock()
		return false
	}
	if time.Since(hd.healthCheck) < 30*time.Second {
		hd.mu.RUnlock()
		return true
	}
	hd.mu.RUnlock()

	resp, err := hd.client.Get(hd.endpoint + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var health healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err == nil && health.ModelLoaded {
			hd.mu.Lock()
			hd.healthCheck = time.Now()
			hd.mu.Unlock()
			return true
		}
	}
	return false
}

// Detect uploads the frame and returns the sidecar's detections.
func (hd *HTTPDetector) Detect(ctx context.Context, frame *pipeline.Frame, confThreshold float64) (*pipeline.DetectResult, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(frame.Data); err != nil {
		return nil, err
	}

	w.WriteField("conf_threshold", fmt.Sprintf("%.3f", confThreshold))
	if hd.drawBoxes {
		w.WriteField("draw_boxes", "true")
	}
	hd.mu.RLock()
	if hd.classFilter != "" {
		w.WriteField("classes_filter", hd.classFilter)
	}
	hd.mu.RUnlock()
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hd.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := hd.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection sidecar returned %d: %s", resp.StatusCode, body)
	}

	var result sidecarResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	out := &pipeline.DetectResult{
		Detections:  make([]pipeline.Detection, 0, len(result.Detections)),
		InferenceMs: result.InferenceTimeMs,
		Annotated:   result.AnnotatedJPEG,
	}
	for _, d := range result.Detections {
		det := pipeline.Detection{
			Class:      d.Class,
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
			Area:       d.Area,
		}
		if len(d.BBox) == 4 {
			det.BBox = [4]float64{d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3]}
		}
		out.Detections = append(out.Detections, det)
	}
	return out, nil
}

// SetClassFilter updates the class filter forwarded to the sidecar.
func (hd *HTTPDetector) SetClassFilter(filter string) {
	hd.mu.Lock()
	hd.classFilter = filter
	hd.mu.Unlock()
}

// Close releases detector resources.
func (hd *HTTPDetector) Close() error {
	hd.mu.Lock()
	hd.enabled = false
	hd.mu.Unlock()
	hd.client.CloseIdleConnections()
	return nil
}

var _ pipeline.Detector = (*HTTPDetector)(nil)
