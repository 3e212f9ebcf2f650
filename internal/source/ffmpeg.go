// Package source captures video frames through an FFmpeg image2pipe
// decode process. One descriptor format covers local files, V4L2
// devices and RTSP/HTTP streams.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"areawatch/internal/pipeline"
)

// FFmpegSource decodes a stream into JPEG frames via an ffmpeg child
// process. Frames are buffered on a small channel; when the consumer
// falls behind, old frames are dropped so Read always returns something
// recent.
type FFmpegSource struct {
	logger *log.Logger
	fps    int

	mu       sync.Mutex
	cmd      *exec.Cmd
	frames   chan *pipeline.Frame
	stopCh   chan struct{}
	open     bool
	frameSeq atomic.Uint64

	statsMu sync.RWMutex
	stats   pipeline.SourceStats
}

// NewFFmpegSource creates a source decoding at the given frame rate.
func NewFFmpegSource(logger *log.Logger, fps int) *FFmpegSource {
	if fps <= 0 {
		fps = 10
	}
	return &FFmpegSource{logger: logger, fps: fps}
}

// Open starts the ffmpeg process for the descriptor. descriptor is a
// local file path, a /dev/videoN device, or an rtsp:// / http:// URL.
func (s *FFmpegSource) Open(descriptor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("source already open")
	}

	args := buildFFmpegArgs(descriptor, s.fps)
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.frames = make(chan *pipeline.Frame, 4)
	s.stopCh = make(chan struct{})
	s.open = true
	s.frameSeq.Store(0)

	s.statsMu.Lock()
	s.stats = pipeline.SourceStats{}
	s.statsMu.Unlock()

	// Consume stderr so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	go s.readLoop(stdout, s.frames, s.stopCh)

	s.logger.Printf("[Source] Opened %s (fps: %d)", descriptor, s.fps)
	return nil
}

// Read blocks until the next frame arrives, the stream ends, or the
// context is cancelled. Returns io.EOF when the decode process exits.
func (s *FFmpegSource) Read(ctx context.Context) (*pipeline.Frame, error) {
	s.mu.Lock()
	frames := s.frames
	open := s.open
	s.mu.Unlock()

	if !open {
		return nil, fmt.Errorf("source not open")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame, ok := <-frames:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	}
}

// Close stops the decode process and releases the stream handle. Safe
// to call while a Read is blocked; the Read returns io.EOF.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	close(s.stopCh)

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	s.cmd = nil

	s.logger.Printf("[Source] Closed")
	return nil
}

// SourceStats returns a copy of the capture counters.
func (s *FFmpegSource) SourceStats() pipeline.SourceStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *FFmpegSource) readLoop(stdout io.ReadCloser, frames chan *pipeline.Frame, stopCh chan struct{}) {
	defer close(frames)

	buffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := stdout.Read(chunk)
		if err != nil {
			if err != io.EOF {
				s.logger.Printf("[Source] Read error: %v", err)
			}
			return
		}
		buffer = append(buffer, chunk[:n]...)

		for {
			data := extractJPEGFrame(&buffer)
			if data == nil {
				break
			}
			s.deliver(frames, stopCh, data)
		}
	}
}

func (s *FFmpegSource) deliver(frames chan *pipeline.Frame, stopCh chan struct{}, data []byte) {
	frame := &pipeline.Frame{
		Seq:       s.frameSeq.Add(1),
		Data:      data,
		Timestamp: time.Now(),
	}

	s.statsMu.Lock()
	s.stats.FramesRead++
	s.statsMu.Unlock()

	select {
	case frames <- frame:
	case <-stopCh:
	default:
		// Consumer is behind: drop the oldest buffered frame and keep
		// the new one so reads stay close to live.
		select {
		case <-frames:
			s.statsMu.Lock()
			s.stats.FramesDropped++
			s.statsMu.Unlock()
		default:
		}
		select {
		case frames <- frame:
		case <-stopCh:
		default:
		}
	}
}

// buildFFmpegArgs picks decode flags per descriptor kind.
func buildFFmpegArgs(descriptor string, fps int) []string {
	switch {
	case strings.HasPrefix(descriptor, "rtsp://"):
		return []string{
			"-rtsp_transport", "tcp",
			"-i", descriptor,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(descriptor, "http://"), strings.HasPrefix(descriptor, "https://"):
		return []string{
			"-i", descriptor,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	case strings.HasPrefix(descriptor, "/dev/video"):
		return []string{
			"-f", "v4l2",
			"-framerate", fmt.Sprintf("%d", fps),
			"-i", descriptor,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	default:
		// Local video file. -re paces decoding at native speed so a
		// recorded stream behaves like a live one.
		return []string{
			"-re",
			"-i", descriptor,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", fmt.Sprintf("%d", fps),
			"-q:v", "5",
			"-",
		}
	}
}

// extractJPEGFrame extracts one complete JPEG (FFD8..FFD9) from buffer.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]
	return frame
}

var (
	_ pipeline.FrameSource     = (*FFmpegSource)(nil)
	_ pipeline.SourceWithStats = (*FFmpegSource)(nil)
)
