package stream

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log"
	"net/http"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"areawatch/internal/pipeline"
)

// Streamer serves the live annotated view as an MJPEG stream. It
// subscribes to the worker's frame feed and fans frames out to HTTP
// clients, stamping a status banner with the current NG state and
// smoothed area.
type Streamer struct {
	logger *log.Logger

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	latest   []byte
	latestMu sync.RWMutex

	state    pipeline.NGState
	smoothed float64
	statusMu sync.RWMutex

	overlayEnabled bool
}

// NewStreamer creates a streamer. When overlay is true the status
// banner is drawn onto every frame.
func NewStreamer(logger *log.Logger, overlay bool) *Streamer {
	if logger == nil {
		logger = log.Default()
	}
	return &Streamer{
		logger:         logger,
		clients:        make(map[chan []byte]bool),
		overlayEnabled: overlay,
	}
}

// Run consumes the bus until the context is cancelled. Call on its own
// goroutine.
func (s *Streamer) Run(ctx context.Context, bus *pipeline.EventBus) {
	frames, unsubFrames := bus.SubscribeFrames()
	defer unsubFrames()
	trend, unsubTrend := bus.SubscribeTrend(16)
	defer unsubTrend()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-trend:
			if !ok {
				return
			}
			s.statusMu.Lock()
			s.state = update.State
			s.smoothed = update.Sample.Smoothed
			s.statusMu.Unlock()
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.handleFrame(frame.Data)
		}
	}
}

// handleFrame stores and broadcasts one JPEG frame
func (s *Streamer) handleFrame(data []byte) {
	if len(data) == 0 {
		return
	}
	if s.overlayEnabled {
		data = s.drawStatus(data)
	}

	s.latestMu.Lock()
	s.latest = data
	s.latestMu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- data:
		default:
			// Client is slow, skip frame
		}
	}
	s.clientsMu.RUnlock()
}

// Latest returns the most recent frame, or nil before the first one
func (s *Streamer) Latest() []byte {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

// ClientCount returns the number of connected stream clients
func (s *Streamer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ServeHTTP streams frames as multipart/x-mixed-replace
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, clientCh)
		s.clientsMu.Unlock()
	}()

	s.logger.Printf("[Stream] Client connected from %s", r.RemoteAddr)

	// Send the last known frame immediately so the view is never blank.
	if latest := s.Latest(); latest != nil {
		writeFramePart(w, latest)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			s.logger.Printf("[Stream] Client disconnected")
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			writeFramePart(w, frame)
			flusher.Flush()
		}
	}
}

func writeFramePart(w http.ResponseWriter, frame []byte) {
	fmt.Fprintf(w, "--frame\r\n")
	fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
	w.Write(frame)
	fmt.Fprintf(w, "\r\n")
}

// SnapshotHandler serves the latest frame as a single JPEG
type SnapshotHandler struct {
	streamer *Streamer
}

func NewSnapshotHandler(streamer *Streamer) *SnapshotHandler {
	return &SnapshotHandler{streamer: streamer}
}

func (h *SnapshotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frame := h.streamer.Latest()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Write(frame)
}

// drawStatus stamps the state banner onto a JPEG frame. Decode
// failures pass the frame through untouched.
func (s *Streamer) drawStatus(jpegData []byte) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	s.statusMu.RLock()
	state := s.state
	smoothed := s.smoothed
	s.statusMu.RUnlock()

	textColor := color.RGBA{0, 255, 0, 255}
	if state == pipeline.StateNG {
		textColor = color.RGBA{255, 40, 40, 255}
	}
	label := fmt.Sprintf("%s  area %.0f", state, smoothed)
	drawLabel(rgba, 8, 8, label, textColor)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

// drawLabel draws text with a dark background box
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bgColor := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
				img.Set(px, py, bgColor)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
