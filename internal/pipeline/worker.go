package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

// TrendEngine is the area-series processor the worker drives. The
// worker goroutine is the only writer; external reads go through the
// worker's own accessors.
type TrendEngine interface {
	IngestDetections(rawArea float64, detections int) AreaSample
	CarryForward() (AreaSample, bool)
	Evaluate() Transition
	SetParams(window int, threshold float64, cmp Comparison)
	State() NGState
	History() []AreaSample
	Latest() (AreaSample, bool)
	Reset()
}

// AreaExtractor reduces a detection set to one raw area value.
type AreaExtractor func(dets []Detection, confThreshold float64, classFilter string) (area float64, survivors int)

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Logger    *log.Logger
	Source    FrameSource
	Detector  Detector
	Engine    TrendEngine
	Extractor AreaExtractor
	Bus       *EventBus
	Sinks     []AlertSink
	Recorder  FrameRecorder // Optional
	Params    RuntimeParameters

	// Watchdog limits. Zero disables the respective check.
	MaxRuntime  time.Duration
	MaxNoDetect time.Duration

	// Consecutive read failures tolerated before giving up. Network
	// streams drop frames routinely; files just end.
	MaxReadFailures int
}

// Worker drives one monitoring session: read frame → detect → extract
// area → ingest → evaluate → alert → publish. It owns the trend engine
// and the NG state exclusively; everything else communicates through
// parameter patches in and bus messages out.
type Worker struct {
	logger    *log.Logger
	source    FrameSource
	detector  Detector
	engine    TrendEngine
	extractor AreaExtractor
	bus       *EventBus
	sinks     []AlertSink
	recorder  FrameRecorder

	maxRuntime      time.Duration
	maxNoDetect     time.Duration
	maxReadFailures int

	paramsMu sync.RWMutex
	params   RuntimeParameters

	engineMu sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	doneCh   chan struct{}
	startSnp *Frame

	statsMu sync.RWMutex
	stats   WorkerStats
}

// NewWorker creates a worker. The parameter set must be valid.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Source == nil || cfg.Detector == nil || cfg.Engine == nil || cfg.Extractor == nil {
		return nil, fmt.Errorf("source, detector, engine and extractor are required")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Bus == nil {
		cfg.Bus = NewEventBus()
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = 10
	}
	return &Worker{
		logger:          cfg.Logger,
		source:          cfg.Source,
		detector:        cfg.Detector,
		engine:          cfg.Engine,
		extractor:       cfg.Extractor,
		bus:             cfg.Bus,
		sinks:           cfg.Sinks,
		recorder:        cfg.Recorder,
		maxRuntime:      cfg.MaxRuntime,
		maxNoDetect:     cfg.MaxNoDetect,
		maxReadFailures: cfg.MaxReadFailures,
		params:          cfg.Params,
	}, nil
}

// Start opens the source and launches the processing loop.
func (w *Worker) Start(descriptor string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("worker already running")
	}

	if err := w.source.Open(descriptor); err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.doneCh = make(chan struct{})
	w.running = true
	w.startSnp = nil

	w.engineMu.Lock()
	w.engine.Reset()
	w.engineMu.Unlock()

	w.statsMu.Lock()
	w.stats = WorkerStats{}
	w.statsMu.Unlock()

	go w.run(ctx, descriptor)

	w.logger.Printf("[Worker] Started session on %s", descriptor)
	return nil
}

// Stop signals the worker and waits for it to release the source. The
// stop is observed within one frame cycle.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.doneCh
	w.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether a session is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// UpdateParams merges a patch onto the current parameters. Invalid
// patches are rejected and the previous value retained. The new set
// takes effect at the start of the next cycle.
func (w *Worker) UpdateParams(patch *ParameterPatch) (RuntimeParameters, error) {
	w.paramsMu.Lock()
	defer w.paramsMu.Unlock()

	merged, err := patch.Merge(w.params)
	if err != nil {
		return w.params, err
	}
	w.params = merged
	w.logger.Printf("[Worker] Parameters updated: window=%d threshold=%v cmp=%s conf=%.2f fps=%.1f",
		merged.SMAWindow, merged.NGThreshold, merged.Comparison, merged.ConfidenceThreshold, merged.TargetFPS)
	return merged, nil
}

// Params returns the current parameter snapshot.
func (w *Worker) Params() RuntimeParameters {
	w.paramsMu.RLock()
	defer w.paramsMu.RUnlock()
	return w.params
}

// History returns a copy of the trend history.
func (w *Worker) History() []AreaSample {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()
	return w.engine.History()
}

// Latest returns the most recent sample.
func (w *Worker) Latest() (AreaSample, bool) {
	w.engineMu.Lock()
	defer w.engineMu.Unlock()
	return w.engine.Latest()
}

// Stats returns a copy of the session statistics. Drop counts live in
// the source, which buffers frames ahead of the worker; they are folded
// in here when the source tracks them.
func (w *Worker) Stats() WorkerStats {
	w.statsMu.RLock()
	s := w.stats
	w.statsMu.RUnlock()
	if src, ok := w.source.(SourceWithStats); ok {
		s.FramesDropped = src.SourceStats().FramesDropped
	}
	w.engineMu.Lock()
	s.State = w.engine.State()
	w.engineMu.Unlock()
	return s
}

// Bus returns the event bus carrying this worker's output.
func (w *Worker) Bus() *EventBus {
	return w.bus
}

func (w *Worker) run(ctx context.Context, descriptor string) {
	defer func() {
		w.source.Close()
		if w.recorder != nil && w.recorder.Recording() {
			w.recorder.Stop()
		}
		w.mu.Lock()
		w.running = false
		close(w.doneCh)
		w.mu.Unlock()
		w.logger.Printf("[Worker] Session ended on %s", descriptor)
	}()

	sessionStart := time.Now()
	lastDetect := time.Now()
	readFailures := 0
	applied := w.Params()

	w.engineMu.Lock()
	w.engine.SetParams(applied.SMAWindow, applied.NGThreshold, applied.Comparison)
	w.engineMu.Unlock()

	for {
		cycleStart := time.Now()

		select {
		case <-ctx.Done():
			return
		default:
		}

		// Watchdog: a stuck model or an abandoned stream should not run
		// the session forever.
		if w.maxRuntime > 0 && time.Since(sessionStart) > w.maxRuntime {
			w.logger.Printf("[Worker] Max session runtime exceeded (%v), stopping", w.maxRuntime)
			return
		}
		if w.maxNoDetect > 0 && time.Since(lastDetect) > w.maxNoDetect {
			w.logger.Printf("[Worker] No detections for %v, stopping", w.maxNoDetect)
			return
		}

		// One consistent parameter snapshot per cycle.
		params := w.Params()
		if params.SMAWindow != applied.SMAWindow || params.NGThreshold != applied.NGThreshold || params.Comparison != applied.Comparison {
			w.engineMu.Lock()
			w.engine.SetParams(params.SMAWindow, params.NGThreshold, params.Comparison)
			w.engineMu.Unlock()
		}
		applied = params

		frame, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				w.logger.Printf("[Worker] Stream ended")
				return
			}
			readFailures++
			w.statsMu.Lock()
			w.stats.ReadErrors++
			w.statsMu.Unlock()
			if readFailures >= w.maxReadFailures {
				w.logger.Printf("[Worker] Giving up after %d consecutive read failures: %v", readFailures, err)
				return
			}
			w.logger.Printf("[Worker] Frame read failed (%d/%d): %v", readFailures, w.maxReadFailures, err)
			w.sleep(ctx, 500*time.Millisecond)
			continue
		}
		readFailures = 0

		if w.startSnapshot() == nil {
			w.setStartSnapshot(frame)
		}

		w.processFrame(ctx, frame, params, &lastDetect)

		// Pace the loop to the target frame rate.
		if budget := time.Duration(float64(time.Second) / params.TargetFPS); budget > 0 {
			if rest := budget - time.Since(cycleStart); rest > 0 {
				w.sleep(ctx, rest)
			}
		}
	}
}

func (w *Worker) processFrame(ctx context.Context, frame *Frame, params RuntimeParameters, lastDetect *time.Time) {
	result, err := w.detector.Detect(ctx, frame, params.ConfidenceThreshold)

	var sample AreaSample
	if err != nil {
		// A single bad frame must not fake an NG transition: propagate
		// the previous smoothed value instead of injecting a zero.
		w.statsMu.Lock()
		w.stats.DetectErrors++
		w.statsMu.Unlock()
		w.logger.Printf("[Worker] Detection error on frame %d: %v", frame.Seq, err)

		w.engineMu.Lock()
		carried, ok := w.engine.CarryForward()
		w.engineMu.Unlock()
		if !ok {
			return
		}
		sample = carried
	} else {
		area, survivors := w.extractor(result.Detections, params.ConfidenceThreshold, params.ClassFilter)

		w.engineMu.Lock()
		if survivors > 0 {
			*lastDetect = time.Now()
			sample = w.engine.IngestDetections(area, survivors)
		} else if time.Since(*lastDetect) <= params.NoDetectGap {
			// Short gap: hold the trend steady rather than crashing it.
			carried, ok := w.engine.CarryForward()
			if !ok {
				carried = w.engine.IngestDetections(0, 0)
			}
			sample = carried
		} else {
			// Long gap: the monitored object really is gone.
			sample = w.engine.IngestDetections(0, 0)
		}
		w.engineMu.Unlock()

		w.statsMu.Lock()
		if result.InferenceMs > 0 {
			if w.stats.AvgInferenceMs == 0 {
				w.stats.AvgInferenceMs = result.InferenceMs
			} else {
				w.stats.AvgInferenceMs = (w.stats.AvgInferenceMs + result.InferenceMs) / 2
			}
		}
		w.statsMu.Unlock()
	}

	w.engineMu.Lock()
	transition := w.engine.Evaluate()
	state := w.engine.State()
	history := w.engine.History()
	w.engineMu.Unlock()

	if transition != TransitionNone {
		w.logger.Printf("[Worker] NG transition: %s (smoothed %.0f, threshold %v)",
			transition, sample.Smoothed, params.NGThreshold)
		if transition == TransitionEnterNG {
			w.statsMu.Lock()
			w.stats.Episodes++
			w.statsMu.Unlock()
		}
	}

	rctx := &ReportContext{
		StartSnapshot: w.startSnapshot(),
		NGSnapshot:    frame,
		History:       history,
		Params:        params,
		TriggeredAt:   time.Now(),
	}
	for _, sink := range w.sinks {
		sink.OnTransition(transition, rctx)
	}

	out := frame
	if err == nil && result != nil && len(result.Annotated) > 0 {
		out = &Frame{
			Seq:       frame.Seq,
			Data:      result.Annotated,
			Timestamp: frame.Timestamp,
			Width:     frame.Width,
			Height:    frame.Height,
		}
	}
	w.bus.PublishTrend(TrendUpdate{Sample: sample, State: state, Transition: transition})
	w.bus.PublishFrame(out)

	if params.SaveVideo && w.recorder != nil {
		if !w.recorder.Recording() {
			if err := w.recorder.Start(frame.Width, frame.Height, params.TargetFPS); err != nil {
				w.logger.Printf("[Worker] Failed to start recorder: %v", err)
			}
		}
		if w.recorder.Recording() {
			if err := w.recorder.WriteFrame(out.Data); err != nil {
				w.logger.Printf("[Worker] Recorder write failed: %v", err)
			}
		}
	}

	w.statsMu.Lock()
	w.stats.FramesProcessed++
	w.stats.LastFrameTime = frame.Timestamp.Unix()
	w.statsMu.Unlock()
}

func (w *Worker) startSnapshot() *Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startSnp
}

func (w *Worker) setStartSnapshot(frame *Frame) {
	w.mu.Lock()
	w.startSnp = frame
	w.mu.Unlock()
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
