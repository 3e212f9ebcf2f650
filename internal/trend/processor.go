// Package trend maintains the smoothed area series and decides NG state
// transitions. A Processor is owned by exactly one worker goroutine and
// is not safe for concurrent use; the worker publishes snapshots to
// everything else.
package trend

import (
	"areawatch/internal/pipeline"
	"time"
)

// Config sizes the processor. MaxHistory bounds the stored series and is
// deliberately decoupled from the smoothing window so the monitor can
// plot a longer trend than the window itself.
type Config struct {
	Window      int
	MaxHistory  int
	NGThreshold float64
	Comparison  pipeline.Comparison
}

// DefaultMaxHistory keeps roughly ten minutes of samples at 10 fps.
const DefaultMaxHistory = 6000

// Processor keeps a bounded history of area samples, a running-sum SMA
// over the configured window, and the current NG state.
type Processor struct {
	window      int
	maxHistory  int
	threshold   float64
	cmp         pipeline.Comparison
	history     []pipeline.AreaSample
	tail        []float64 // Raw values currently inside the smoothing window
	raws        []float64 // Real ingested values only; carried rows never enter
	sum         float64
	seq         uint64
	state       pipeline.NGState
	hasSample   bool
	lastRaw     float64
	lastSmooth  float64
	sessionTime time.Time
}

// NewProcessor creates a processor. Window and MaxHistory are clamped to
// sane minimums; MaxHistory never drops below Window so the running sum
// can always be rebuilt from stored samples.
func NewProcessor(cfg Config) *Processor {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.MaxHistory < cfg.Window {
		cfg.MaxHistory = cfg.Window
	}
	if cfg.Comparison == "" {
		cfg.Comparison = pipeline.CompareAbove
	}
	return &Processor{
		window:      cfg.Window,
		maxHistory:  cfg.MaxHistory,
		threshold:   cfg.NGThreshold,
		cmp:         cfg.Comparison,
		history:     make([]pipeline.AreaSample, 0, cfg.MaxHistory),
		tail:        make([]float64, 0, cfg.Window),
		raws:        make([]float64, 0, cfg.MaxHistory),
		sessionTime: time.Now(),
	}
}

// Ingest appends a new raw area value and returns the sample with its
// smoothed value. Until the window fills, the mean is taken over all
// samples so far. O(1) amortized: the window mean is a running sum, not
// a recomputation.
func (p *Processor) Ingest(rawArea float64) pipeline.AreaSample {
	return p.ingest(rawArea, 0)
}

// IngestDetections is Ingest with the surviving detection count recorded
// on the sample.
func (p *Processor) IngestDetections(rawArea float64, detections int) pipeline.AreaSample {
	return p.ingest(rawArea, detections)
}

func (p *Processor) ingest(rawArea float64, detections int) pipeline.AreaSample {
	p.sum += rawArea
	p.tail = append(p.tail, rawArea)
	if len(p.tail) > p.window {
		p.sum -= p.tail[0]
		p.tail = p.tail[1:]
	}
	p.raws = append(p.raws, rawArea)
	if len(p.raws) > p.maxHistory {
		copy(p.raws, p.raws[1:])
		p.raws = p.raws[:p.maxHistory]
	}

	sample := pipeline.AreaSample{
		Seq:        p.seq,
		Elapsed:    time.Since(p.sessionTime),
		RawArea:    rawArea,
		Smoothed:   p.sum / float64(len(p.tail)),
		Detections: detections,
	}
	p.seq++
	p.append(sample)

	p.hasSample = true
	p.lastRaw = rawArea
	p.lastSmooth = sample.Smoothed
	return sample
}

// CarryForward records a sample that repeats the previous smoothed value
// without feeding the smoothing window. Used when a frame's detection
// failed: injecting a zero would fake an NG transition from one bad
// frame. Returns false before the first real sample.
func (p *Processor) CarryForward() (pipeline.AreaSample, bool) {
	if !p.hasSample {
		return pipeline.AreaSample{}, false
	}
	sample := pipeline.AreaSample{
		Seq:      p.seq,
		Elapsed:  time.Since(p.sessionTime),
		RawArea:  p.lastRaw,
		Smoothed: p.lastSmooth,
	}
	p.seq++
	p.append(sample)
	return sample, true
}

func (p *Processor) append(sample pipeline.AreaSample) {
	p.history = append(p.history, sample)
	if len(p.history) > p.maxHistory {
		// Evict oldest; shift instead of reslice so the backing array
		// doesn't grow without bound.
		copy(p.history, p.history[1:])
		p.history = p.history[:p.maxHistory]
	}
}

// Evaluate compares the latest smoothed value against the NG threshold
// and returns the state transition. Edge-triggered: EnterNG fires only
// on NORMAL→NG and ExitNG only on NG→NORMAL; every call without a state
// change returns TransitionNone. With no samples yet the safe default is
// to not transition.
func (p *Processor) Evaluate() pipeline.Transition {
	if !p.hasSample {
		return pipeline.TransitionNone
	}
	exceeded := p.cmp.Exceeds(p.lastSmooth, p.threshold)
	switch {
	case exceeded && p.state == pipeline.StateNormal:
		p.state = pipeline.StateNG
		return pipeline.TransitionEnterNG
	case !exceeded && p.state == pipeline.StateNG:
		p.state = pipeline.StateNormal
		return pipeline.TransitionExitNG
	default:
		return pipeline.TransitionNone
	}
}

// SetParams applies a new window size, threshold and comparison. Takes
// effect from the next Ingest/Evaluate; stored smoothed values are not
// recomputed. A window larger than the stored history simply uses all
// available samples.
func (p *Processor) SetParams(window int, threshold float64, cmp pipeline.Comparison) {
	if window < 1 {
		window = 1
	}
	p.threshold = threshold
	if cmp != "" {
		p.cmp = cmp
	}
	if window == p.window {
		return
	}
	p.window = window

	// Rebuild the running sum from the most recent real samples.
	// History also holds carried rows, which must stay out of the
	// window, so the rebuild reads the real-value series instead.
	n := len(p.raws)
	k := window
	if k > n {
		k = n
	}
	p.tail = p.tail[:0]
	p.sum = 0
	for _, v := range p.raws[n-k:] {
		p.tail = append(p.tail, v)
		p.sum += v
	}
}

// State returns the current NG state.
func (p *Processor) State() pipeline.NGState {
	return p.state
}

// Latest returns the most recent sample, if any.
func (p *Processor) Latest() (pipeline.AreaSample, bool) {
	if len(p.history) == 0 {
		return pipeline.AreaSample{}, false
	}
	return p.history[len(p.history)-1], true
}

// History returns a copy of the bounded sample history.
func (p *Processor) History() []pipeline.AreaSample {
	out := make([]pipeline.AreaSample, len(p.history))
	copy(out, p.history)
	return out
}

// Len returns the stored history length.
func (p *Processor) Len() int {
	return len(p.history)
}

// Reset clears the series and state for a new session.
func (p *Processor) Reset() {
	p.history = p.history[:0]
	p.tail = p.tail[:0]
	p.raws = p.raws[:0]
	p.sum = 0
	p.seq = 0
	p.state = pipeline.StateNormal
	p.hasSample = false
	p.lastRaw = 0
	p.lastSmooth = 0
	p.sessionTime = time.Now()
}
