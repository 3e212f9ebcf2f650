package alert

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areawatch/internal/pipeline"
)

type fakeWriter struct {
	mu    sync.Mutex
	paths []string
	ids   []uuid.UUID
}

func (f *fakeWriter) Write(rctx *pipeline.ReportContext, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, destPath)
	f.ids = append(f.ids, rctx.EpisodeID)
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

type fakeStore struct {
	mu       sync.Mutex
	opened   []uuid.UUID
	closed   []uuid.UUID
	attached map[uuid.UUID]string
	peaks    map[uuid.UUID]float64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attached: make(map[uuid.UUID]string),
		peaks:    make(map[uuid.UUID]float64),
	}
}

func (f *fakeStore) OpenEpisode(id uuid.UUID, _ time.Time, smoothed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, id)
	f.peaks[id] = smoothed
	return nil
}

func (f *fakeStore) UpdatePeak(id uuid.UUID, smoothed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if smoothed > f.peaks[id] {
		f.peaks[id] = smoothed
	}
	return nil
}

func (f *fakeStore) peakOf(id uuid.UUID) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peaks[id]
}

func (f *fakeStore) CloseEpisode(id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeStore) AttachReport(id uuid.UUID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[id] = path
	return nil
}

type countingSounder struct {
	mu    sync.Mutex
	plays int
}

func (c *countingSounder) Play() {
	c.mu.Lock()
	c.plays++
	c.mu.Unlock()
}

func (c *countingSounder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plays
}

func testContext() *pipeline.ReportContext {
	return contextWithSmoothed(150)
}

func contextWithSmoothed(smoothed float64) *pipeline.ReportContext {
	return &pipeline.ReportContext{
		History: []pipeline.AreaSample{
			{Seq: 1, Smoothed: 90},
			{Seq: 2, Smoothed: smoothed},
		},
		Params:      pipeline.DefaultParameters(),
		TriggeredAt: time.Now(),
	}
}

func newTestCoordinator(t *testing.T, writer pipeline.ReportWriter, store pipeline.EpisodeStore, sounder pipeline.Sounder) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{
		Logger:    log.New(io.Discard, "", 0),
		ReportDir: t.TempDir(),
		Writer:    writer,
		Sounder:   sounder,
		Store:     store,
	})
	require.NoError(t, err)
	return c
}

func TestCoordinatorNoneIsNoOp(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeStore()
	sounder := &countingSounder{}
	c := newTestCoordinator(t, writer, store, sounder)

	for i := 0; i < 50; i++ {
		c.OnTransition(pipeline.TransitionNone, testContext())
	}
	c.Wait()

	assert.Zero(t, writer.count())
	assert.Zero(t, sounder.count())
	assert.Empty(t, store.opened)
}

func TestCoordinatorOneReportPerEpisode(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeStore()
	sounder := &countingSounder{}
	c := newTestCoordinator(t, writer, store, sounder)

	c.OnTransition(pipeline.TransitionEnterNG, testContext())
	// The episode persists across many sample updates.
	for i := 0; i < 20; i++ {
		c.OnTransition(pipeline.TransitionNone, testContext())
	}
	c.Wait()

	assert.Equal(t, 1, writer.count())
	assert.Equal(t, 1, sounder.count())
	require.Len(t, store.opened, 1)
	assert.Empty(t, store.closed)

	// Report path recorded against the same episode id.
	assert.Contains(t, store.attached, writer.ids[0])
}

func TestCoordinatorTwoSeparatedEpisodes(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeStore()
	c := newTestCoordinator(t, writer, store, nil)

	c.OnTransition(pipeline.TransitionEnterNG, testContext())
	c.OnTransition(pipeline.TransitionExitNG, testContext())
	c.OnTransition(pipeline.TransitionEnterNG, testContext())
	c.OnTransition(pipeline.TransitionExitNG, testContext())
	c.Wait()

	assert.Equal(t, 2, writer.count())
	require.Len(t, store.opened, 2)
	require.Len(t, store.closed, 2)
	assert.Equal(t, store.opened, store.closed)
	assert.NotEqual(t, store.opened[0], store.opened[1], "episodes get distinct ids")
}

func TestCoordinatorTracksEpisodePeak(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeStore()
	c := newTestCoordinator(t, writer, store, nil)

	// The smoothed value keeps climbing after entry; the stored peak
	// must follow it, not freeze at the entry value.
	c.OnTransition(pipeline.TransitionEnterNG, contextWithSmoothed(150))
	c.OnTransition(pipeline.TransitionNone, contextWithSmoothed(900))
	c.OnTransition(pipeline.TransitionNone, contextWithSmoothed(300))
	c.OnTransition(pipeline.TransitionExitNG, contextWithSmoothed(80))
	c.Wait()

	require.Len(t, store.opened, 1)
	assert.InDelta(t, 900, store.peakOf(store.opened[0]), 1e-9,
		"peak should track the episode maximum")

	// A second episode starts its own peak from scratch.
	c.OnTransition(pipeline.TransitionEnterNG, contextWithSmoothed(200))
	c.OnTransition(pipeline.TransitionNone, contextWithSmoothed(250))
	c.OnTransition(pipeline.TransitionExitNG, contextWithSmoothed(50))
	c.Wait()

	require.Len(t, store.opened, 2)
	assert.InDelta(t, 250, store.peakOf(store.opened[1]), 1e-9)

	// Samples between episodes never touch the store.
	c.OnTransition(pipeline.TransitionNone, contextWithSmoothed(5000))
	assert.InDelta(t, 250, store.peakOf(store.opened[1]), 1e-9)
}

func TestCoordinatorExitWithoutEnter(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeStore()
	c := newTestCoordinator(t, writer, store, nil)

	c.OnTransition(pipeline.TransitionExitNG, testContext())
	c.Wait()

	assert.Empty(t, store.closed)
	assert.Zero(t, writer.count())
}

func TestCoordinatorOpenEpisodeSmoothedValue(t *testing.T) {
	t.Parallel()

	var gotSmoothed float64
	store := newFakeStore()
	writer := &fakeWriter{}

	c, err := NewCoordinator(CoordinatorConfig{
		Logger:    log.New(io.Discard, "", 0),
		ReportDir: t.TempDir(),
		Writer:    writer,
		Store: &smoothedCapture{fakeStore: store, capture: func(v float64) {
			gotSmoothed = v
		}},
	})
	require.NoError(t, err)

	c.OnTransition(pipeline.TransitionEnterNG, testContext())
	c.Wait()

	assert.InDelta(t, 150, gotSmoothed, 1e-9, "last smoothed value at transition")
}

type smoothedCapture struct {
	*fakeStore
	capture func(float64)
}

func (s *smoothedCapture) OpenEpisode(id uuid.UUID, at time.Time, smoothed float64) error {
	s.capture(smoothed)
	return s.fakeStore.OpenEpisode(id, at, smoothed)
}
