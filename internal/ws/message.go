package ws

import (
	"time"

	"areawatch/internal/pipeline"
)

// TrendMessage represents one area sample broadcast
type TrendMessage struct {
	Type       string  `json:"type"` // "trend"
	Seq        uint64  `json:"seq"`
	ElapsedSec float64 `json:"elapsed_sec"`
	RawArea    float64 `json:"raw_area"`
	Smoothed   float64 `json:"smoothed"`
	Detections int     `json:"detections"`
	State      string  `json:"state"` // "normal" or "ng"
}

// NGEventMessage represents an NG state transition broadcast
type NGEventMessage struct {
	Type       string    `json:"type"` // "ng_event"
	Transition string    `json:"transition"`
	Timestamp  time.Time `json:"timestamp"`
	Smoothed   float64   `json:"smoothed"`
	Threshold  float64   `json:"threshold"`
}

// NewTrendMessage builds the broadcast payload for one trend update
func NewTrendMessage(u pipeline.TrendUpdate) *TrendMessage {
	return &TrendMessage{
		Type:       "trend",
		Seq:        u.Sample.Seq,
		ElapsedSec: u.Sample.Elapsed.Seconds(),
		RawArea:    u.Sample.RawArea,
		Smoothed:   u.Sample.Smoothed,
		Detections: u.Sample.Detections,
		State:      u.State.String(),
	}
}

// NewNGEventMessage builds the broadcast payload for a transition
func NewNGEventMessage(u pipeline.TrendUpdate, threshold float64) *NGEventMessage {
	return &NGEventMessage{
		Type:       "ng_event",
		Transition: u.Transition.String(),
		Timestamp:  time.Now(),
		Smoothed:   u.Sample.Smoothed,
		Threshold:  threshold,
	}
}
