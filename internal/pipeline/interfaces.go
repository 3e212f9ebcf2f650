package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FrameSource yields raw video frames from a file, device or network
// stream. Implementations own the underlying handle; Close must release
// it even when Read is blocked.
type FrameSource interface {
	// Open starts the source. descriptor is a local file path, a V4L2
	// device path, or an rtsp:// / http:// URL.
	Open(descriptor string) error

	// Read blocks until the next frame is available or the context is
	// cancelled. Returns io.EOF once the stream ends.
	Read(ctx context.Context) (*Frame, error)

	// Close stops capture and releases the source handle.
	Close() error
}

// SourceStats holds capture-side counters for sources that track them.
type SourceStats struct {
	FramesRead    uint64
	FramesDropped uint64
}

// SourceWithStats is implemented by sources that count reads and
// drops. The worker folds these into its session statistics.
type SourceWithStats interface {
	SourceStats() SourceStats
}

// Detector runs inference on one frame and returns detected objects.
// The detection algorithm itself is an external capability; areawatch
// treats it as a black box behind this interface.
type Detector interface {
	// Name returns the detector identifier (e.g., "yolo-http")
	Name() string

	// IsHealthy returns true if the detector is operational
	IsHealthy() bool

	// Detect runs detection on a frame. confThreshold is forwarded to
	// the model so it can prune low-confidence boxes early.
	Detect(ctx context.Context, frame *Frame, confThreshold float64) (*DetectResult, error)

	// Close releases detector resources
	Close() error
}

// DetectResult is a detector response for one frame
type DetectResult struct {
	Detections  []Detection
	InferenceMs float64
	Annotated   []byte // Annotated JPEG, nil if the sidecar doesn't draw boxes
}

// ReportContext carries everything the alert layer needs to assemble a
// report at the moment of an NG transition.
type ReportContext struct {
	EpisodeID     uuid.UUID
	StartSnapshot *Frame // Captured once at session start
	NGSnapshot    *Frame // Captured at the moment of transition
	History       []AreaSample
	Params        RuntimeParameters
	TriggeredAt   time.Time
}

// AlertSink observes every evaluated frame. TransitionNone calls are
// routine sample updates; sinks may use them to follow an active
// episode but must not raise alerts on them, and must not block the
// worker.
type AlertSink interface {
	OnTransition(tr Transition, rctx *ReportContext)
}

// ReportWriter persists an NG report to a paginated document.
type ReportWriter interface {
	Write(rctx *ReportContext, destPath string) error
}

// Sounder plays an audible alert. Fire-and-forget: implementations
// return immediately and must never block the caller.
type Sounder interface {
	Play()
}

// EpisodeStore persists NG episodes.
type EpisodeStore interface {
	OpenEpisode(id uuid.UUID, enteredAt time.Time, smoothed float64) error
	CloseEpisode(id uuid.UUID, exitedAt time.Time) error
	AttachReport(id uuid.UUID, reportPath string) error

	// UpdatePeak raises the recorded peak smoothed value; values at or
	// below the stored peak are ignored.
	UpdatePeak(id uuid.UUID, smoothed float64) error
}

// FrameRecorder persists annotated frames to a video file when
// save_video is enabled.
type FrameRecorder interface {
	Start(width, height int, fps float64) error
	WriteFrame(jpeg []byte) error
	Stop() error
	Recording() bool
}
