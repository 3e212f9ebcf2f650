package alert

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"areawatch/internal/pipeline"
)

// Coordinator turns NG transitions into side effects: an audible
// alert, an episode row in the store, and a PDF report assembled in
// the background. It runs on the worker's goroutine, so everything
// slow is pushed onto its own goroutine.
type Coordinator struct {
	logger    *log.Logger
	reportDir string
	writer    pipeline.ReportWriter
	sounder   pipeline.Sounder
	store     pipeline.EpisodeStore

	mu       sync.Mutex
	activeID uuid.UUID
	active   bool
	peak     float64

	wg sync.WaitGroup
}

var _ pipeline.AlertSink = (*Coordinator)(nil)

type CoordinatorConfig struct {
	Logger    *log.Logger
	ReportDir string
	Writer    pipeline.ReportWriter
	Sounder   pipeline.Sounder // Optional
	Store     pipeline.EpisodeStore
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Writer == nil {
		return nil, fmt.Errorf("report writer is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("episode store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ReportDir != "" {
		if err := os.MkdirAll(cfg.ReportDir, 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
	}
	return &Coordinator{
		logger:    cfg.Logger,
		reportDir: cfg.ReportDir,
		writer:    cfg.Writer,
		sounder:   cfg.Sounder,
		store:     cfg.Store,
	}, nil
}

// OnTransition reacts to a state change. TransitionNone calls carry
// the per-frame sample updates that keep the episode peak current; they
// never raise alerts.
func (c *Coordinator) OnTransition(tr pipeline.Transition, rctx *pipeline.ReportContext) {
	switch tr {
	case pipeline.TransitionEnterNG:
		c.enterNG(rctx)
	case pipeline.TransitionExitNG:
		c.exitNG(rctx)
	case pipeline.TransitionNone:
		c.trackPeak(rctx)
	}
}

// trackPeak raises the stored peak while an episode is active. The
// store write happens only when the smoothed value actually rises, so
// a plateaued episode costs nothing per frame.
func (c *Coordinator) trackPeak(rctx *pipeline.ReportContext) {
	smoothed := lastSmoothed(rctx)

	c.mu.Lock()
	if !c.active || smoothed <= c.peak {
		c.mu.Unlock()
		return
	}
	c.peak = smoothed
	id := c.activeID
	c.mu.Unlock()

	if err := c.store.UpdatePeak(id, smoothed); err != nil {
		c.logger.Printf("[Alert] Failed to update peak for %s: %v", id, err)
	}
}

func lastSmoothed(rctx *pipeline.ReportContext) float64 {
	if n := len(rctx.History); n > 0 {
		return rctx.History[n-1].Smoothed
	}
	return 0
}

func (c *Coordinator) enterNG(rctx *pipeline.ReportContext) {
	id := uuid.New()
	smoothed := lastSmoothed(rctx)

	c.mu.Lock()
	c.activeID = id
	c.active = true
	c.peak = smoothed
	c.mu.Unlock()

	if c.sounder != nil {
		c.sounder.Play()
	}
	if err := c.store.OpenEpisode(id, rctx.TriggeredAt, smoothed); err != nil {
		c.logger.Printf("[Alert] Failed to record episode %s: %v", id, err)
	}

	// The worker reuses nothing inside rctx after the call, but the
	// report is written off-thread, so stamp the episode id on a copy.
	snapshot := *rctx
	snapshot.EpisodeID = id

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeReport(&snapshot)
	}()

	c.logger.Printf("[Alert] NG episode %s opened (smoothed %.0f)", id, smoothed)
}

func (c *Coordinator) exitNG(rctx *pipeline.ReportContext) {
	c.mu.Lock()
	id := c.activeID
	wasActive := c.active
	c.active = false
	c.mu.Unlock()

	if !wasActive {
		return
	}
	if err := c.store.CloseEpisode(id, rctx.TriggeredAt); err != nil {
		c.logger.Printf("[Alert] Failed to close episode %s: %v", id, err)
		return
	}
	c.logger.Printf("[Alert] NG episode %s closed", id)
}

func (c *Coordinator) writeReport(rctx *pipeline.ReportContext) {
	name := fmt.Sprintf("ng_%s_%s.pdf",
		rctx.TriggeredAt.Format("20060102_150405"),
		rctx.EpisodeID.String()[:8])
	path := filepath.Join(c.reportDir, name)

	if err := c.writer.Write(rctx, path); err != nil {
		c.logger.Printf("[Alert] Report generation failed for %s: %v", rctx.EpisodeID, err)
		return
	}
	if err := c.store.AttachReport(rctx.EpisodeID, path); err != nil {
		c.logger.Printf("[Alert] Failed to attach report for %s: %v", rctx.EpisodeID, err)
	}
	c.logger.Printf("[Alert] Report written: %s", path)
}

// Wait blocks until all in-flight report generation has finished. Call
// during shutdown so reports for the final episode are not lost.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// WaitTimeout is Wait with an upper bound, for shutdown paths that
// must not hang on a stuck report.
func (c *Coordinator) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
