package pipeline

import (
	"fmt"
	"time"
)

// Frame represents a captured video frame
type Frame struct {
	Seq       uint64    // Frame sequence number
	Data      []byte    // JPEG frame data
	Timestamp time.Time // Capture timestamp
	Width     int       // Frame width (if known)
	Height    int       // Frame height (if known)
}

// Detection represents a single object detection result
type Detection struct {
	Class      string     `json:"class"`      // Detection class (person, material, etc.)
	ClassID    int        `json:"class_id"`   // Numeric class ID from the model
	Confidence float64    `json:"confidence"` // Detection confidence [0-1]
	BBox       [4]float64 `json:"bbox"`       // [x1, y1, x2, y2] in pixels
	Area       float64    `json:"area"`       // Box area in px², 0 if the sidecar didn't compute it
}

// BoxArea returns the pixel area of the detection, deriving it from the
// bounding box when the sidecar left the Area field unset.
func (d Detection) BoxArea() float64 {
	if d.Area > 0 {
		return d.Area
	}
	w := d.BBox[2] - d.BBox[0]
	h := d.BBox[3] - d.BBox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// AreaSample is one point of the monitored area series
type AreaSample struct {
	Seq        uint64        `json:"seq"`
	Elapsed    time.Duration `json:"elapsed"` // Time since session start
	RawArea    float64       `json:"raw_area"`
	Smoothed   float64       `json:"smoothed"`
	Detections int           `json:"detections"` // Surviving detections this frame
}

// NGState is the alert state of the monitored trend
type NGState int

const (
	StateNormal NGState = iota
	StateNG
)

func (s NGState) String() string {
	if s == StateNG {
		return "ng"
	}
	return "normal"
}

// Transition is the result of one NG evaluation step
type Transition int

const (
	TransitionNone Transition = iota
	TransitionEnterNG
	TransitionExitNG
)

func (t Transition) String() string {
	switch t {
	case TransitionEnterNG:
		return "enter_ng"
	case TransitionExitNG:
		return "exit_ng"
	default:
		return "none"
	}
}

// Comparison selects how the smoothed area is compared against the NG
// threshold. NG semantics depend on what is being monitored, so the
// direction and inclusivity are configuration, not assumptions.
type Comparison string

const (
	CompareAbove        Comparison = "above"
	CompareAboveOrEqual Comparison = "above_or_equal"
	CompareBelow        Comparison = "below"
	CompareBelowOrEqual Comparison = "below_or_equal"
)

// Exceeds reports whether the value is on the NG side of the threshold.
func (c Comparison) Exceeds(value, threshold float64) bool {
	switch c {
	case CompareAbove:
		return value > threshold
	case CompareAboveOrEqual:
		return value >= threshold
	case CompareBelow:
		return value < threshold
	case CompareBelowOrEqual:
		return value <= threshold
	default:
		return false
	}
}

func (c Comparison) valid() bool {
	switch c {
	case CompareAbove, CompareAboveOrEqual, CompareBelow, CompareBelowOrEqual:
		return true
	}
	return false
}

// RuntimeParameters holds the tunable parameters the worker reads once
// per cycle. The worker never shares this struct with callers; it works
// on value snapshots.
type RuntimeParameters struct {
	ConfidenceThreshold float64       `json:"confidence_threshold"` // [0,1]
	TargetFPS           float64       `json:"target_fps"`
	SMAWindow           int           `json:"sma_window"`
	NGThreshold         float64       `json:"ng_threshold"`
	Comparison          Comparison    `json:"comparison"`
	SaveVideo           bool          `json:"save_video"`
	ClassFilter         string        `json:"class_filter,omitempty"` // Empty means all classes
	NoDetectGap         time.Duration `json:"no_detect_gap"`          // Gap before zeros are recorded
}

// DefaultParameters returns the startup parameter set.
func DefaultParameters() RuntimeParameters {
	return RuntimeParameters{
		ConfidenceThreshold: 0.5,
		TargetFPS:           10,
		SMAWindow:           5,
		NGThreshold:         100000,
		Comparison:          CompareAbove,
		SaveVideo:           false,
		NoDetectGap:         5 * time.Second,
	}
}

// Validate rejects parameter sets that would corrupt the evaluation.
func (p RuntimeParameters) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", p.ConfidenceThreshold)
	}
	if p.TargetFPS <= 0 {
		return fmt.Errorf("target_fps must be positive, got %v", p.TargetFPS)
	}
	if p.SMAWindow < 1 {
		return fmt.Errorf("sma_window must be >= 1, got %d", p.SMAWindow)
	}
	if !p.Comparison.valid() {
		return fmt.Errorf("unknown comparison %q", p.Comparison)
	}
	if p.NoDetectGap < 0 {
		return fmt.Errorf("no_detect_gap must not be negative, got %v", p.NoDetectGap)
	}
	return nil
}

// ParameterPatch carries a partial parameter update from the monitor
// surface. Nil fields mean "keep the current value".
type ParameterPatch struct {
	ConfidenceThreshold *float64       `json:"confidence_threshold,omitempty"`
	TargetFPS           *float64       `json:"target_fps,omitempty"`
	SMAWindow           *int           `json:"sma_window,omitempty"`
	NGThreshold         *float64       `json:"ng_threshold,omitempty"`
	Comparison          *Comparison    `json:"comparison,omitempty"`
	SaveVideo           *bool          `json:"save_video,omitempty"`
	ClassFilter         *string        `json:"class_filter,omitempty"`
	NoDetectGap         *time.Duration `json:"no_detect_gap,omitempty"`
}

// Merge applies the patch onto current and validates the result. The
// current value is returned unchanged when the merged set is invalid.
func (pp *ParameterPatch) Merge(current RuntimeParameters) (RuntimeParameters, error) {
	merged := current
	if pp == nil {
		return merged, nil
	}
	if pp.ConfidenceThreshold != nil {
		merged.ConfidenceThreshold = *pp.ConfidenceThreshold
	}
	if pp.TargetFPS != nil {
		merged.TargetFPS = *pp.TargetFPS
	}
	if pp.SMAWindow != nil {
		merged.SMAWindow = *pp.SMAWindow
	}
	if pp.NGThreshold != nil {
		merged.NGThreshold = *pp.NGThreshold
	}
	if pp.Comparison != nil {
		merged.Comparison = *pp.Comparison
	}
	if pp.SaveVideo != nil {
		merged.SaveVideo = *pp.SaveVideo
	}
	if pp.ClassFilter != nil {
		merged.ClassFilter = *pp.ClassFilter
	}
	if pp.NoDetectGap != nil {
		merged.NoDetectGap = *pp.NoDetectGap
	}
	if err := merged.Validate(); err != nil {
		return current, err
	}
	return merged, nil
}

// TrendUpdate is published on the event bus after each worker cycle
type TrendUpdate struct {
	Sample     AreaSample `json:"sample"`
	State      NGState    `json:"-"`
	Transition Transition `json:"-"`
}

// WorkerStats contains pipeline performance metrics
type WorkerStats struct {
	FramesProcessed uint64
	FramesDropped   uint64
	DetectErrors    uint64
	ReadErrors      uint64
	AvgInferenceMs  float64
	LastFrameTime   int64 // Unix timestamp
	Episodes        uint64
	State           NGState
}
