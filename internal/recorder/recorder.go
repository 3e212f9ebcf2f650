package recorder

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"areawatch/internal/pipeline"
)

// FFmpegRecorder encodes the annotated frame stream into an MP4 file
// by piping JPEG frames into an ffmpeg child process.
type FFmpegRecorder struct {
	logger    *log.Logger
	outputDir string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	path      string
	frames    uint64
	recording bool
}

var _ pipeline.FrameRecorder = (*FFmpegRecorder)(nil)

func NewFFmpegRecorder(logger *log.Logger, outputDir string) (*FFmpegRecorder, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &FFmpegRecorder{logger: logger, outputDir: outputDir}, nil
}

// Start spawns ffmpeg reading JPEG frames from stdin. width and height
// are informational; ffmpeg derives geometry from the JPEG headers.
func (r *FFmpegRecorder) Start(width, height int, fps float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return fmt.Errorf("recorder already running")
	}
	if fps <= 0 {
		fps = 10
	}

	r.path = filepath.Join(r.outputDir, fmt.Sprintf("session_%s.mp4", time.Now().Format("20060102_150405")))

	args := []string{
		"-f", "image2pipe",
		"-framerate", fmt.Sprintf("%.2f", fps),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		r.path,
	}

	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Drain stderr so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	r.cmd = cmd
	r.stdin = stdin
	r.frames = 0
	r.recording = true
	r.logger.Printf("[Recorder] Recording to %s (%dx%d @ %.1f fps)", r.path, width, height, fps)
	return nil
}

// WriteFrame appends one JPEG frame to the recording
func (r *FFmpegRecorder) WriteFrame(jpeg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return fmt.Errorf("recorder not running")
	}
	if len(jpeg) == 0 {
		return nil
	}
	if _, err := r.stdin.Write(jpeg); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	r.frames++
	return nil
}

// Stop closes the input pipe and waits for ffmpeg to finalize the file
func (r *FFmpegRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return nil
	}
	r.recording = false

	r.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- r.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ffmpeg exited with error: %w", err)
		}
	case <-time.After(10 * time.Second):
		r.cmd.Process.Kill()
		return fmt.Errorf("ffmpeg did not finalize within 10s")
	}

	r.logger.Printf("[Recorder] Finalized %s (%d frames)", r.path, r.frames)
	return nil
}

// Recording reports whether a recording is in progress
func (r *FFmpegRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Path returns the output file of the current or last recording
func (r *FFmpegRecorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
