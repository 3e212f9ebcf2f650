package trend

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areawatch/internal/pipeline"
)

// bruteForceSMA recomputes the mean over the last min(window, i+1)
// values of raw, independently of the processor's running sum.
func bruteForceSMA(raw []float64, i, window int) float64 {
	start := i + 1 - window
	if start < 0 {
		start = 0
	}
	sum := 0.0
	for _, v := range raw[start : i+1] {
		sum += v
	}
	return sum / float64(i+1-start)
}

func TestIngestMatchesBruteForceSMA(t *testing.T) {
	t.Parallel()

	for _, window := range []int{1, 3, 7, 50} {
		rng := rand.New(rand.NewSource(int64(window)))
		p := NewProcessor(Config{Window: window, MaxHistory: 1000, NGThreshold: 1e12})

		raw := make([]float64, 0, 200)
		for i := 0; i < 200; i++ {
			raw = append(raw, rng.Float64()*500000)
			sample := p.Ingest(raw[i])
			assert.Equal(t, uint64(i), sample.Seq)
			assert.InDelta(t, bruteForceSMA(raw, i, window), sample.Smoothed, 1e-6,
				"window %d sample %d", window, i)
		}
	}
}

func TestIngestScenarioFromStepInput(t *testing.T) {
	t.Parallel()

	// window=3, threshold=100, NG when area > threshold
	p := NewProcessor(Config{Window: 3, MaxHistory: 100, NGThreshold: 100, Comparison: pipeline.CompareAbove})

	raw := []float64{50, 60, 70, 150, 160, 170, 40}
	wantSmoothed := []float64{50, 55, 60, 280.0 / 3, 380.0 / 3, 160, 370.0 / 3}
	wantTransitions := []pipeline.Transition{
		pipeline.TransitionNone,
		pipeline.TransitionNone,
		pipeline.TransitionNone,
		pipeline.TransitionNone,    // smoothed 93.3, still under threshold
		pipeline.TransitionEnterNG, // first smoothed value > 100
		pipeline.TransitionNone,    // stays NG, must not re-fire
		pipeline.TransitionNone,    // smoothed 123.3, still NG
	}

	for i, v := range raw {
		sample := p.Ingest(v)
		assert.InDelta(t, wantSmoothed[i], sample.Smoothed, 1e-9, "sample %d", i)
		assert.Equal(t, wantTransitions[i], p.Evaluate(), "transition %d", i)
	}
	assert.Equal(t, pipeline.StateNG, p.State())
}

func TestEvaluateEdgeTriggered(t *testing.T) {
	t.Parallel()

	t.Run("one enter per sustained crossing", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 1, MaxHistory: 100, NGThreshold: 100, Comparison: pipeline.CompareAbove})

		p.Ingest(50)
		require.Equal(t, pipeline.TransitionNone, p.Evaluate())

		enters := 0
		for i := 0; i < 20; i++ {
			p.Ingest(500)
			if p.Evaluate() == pipeline.TransitionEnterNG {
				enters++
			}
		}
		assert.Equal(t, 1, enters)
	})

	t.Run("one exit per recovery", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 1, MaxHistory: 100, NGThreshold: 100, Comparison: pipeline.CompareAbove})

		p.Ingest(500)
		require.Equal(t, pipeline.TransitionEnterNG, p.Evaluate())

		exits := 0
		for i := 0; i < 20; i++ {
			p.Ingest(10)
			if p.Evaluate() == pipeline.TransitionExitNG {
				exits++
			}
		}
		assert.Equal(t, 1, exits)
		assert.Equal(t, pipeline.StateNormal, p.State())
	})

	t.Run("two separated episodes", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 1, MaxHistory: 100, NGThreshold: 100, Comparison: pipeline.CompareAbove})

		enters, exits := 0, 0
		for _, v := range []float64{50, 200, 200, 50, 50, 300, 300, 10} {
			p.Ingest(v)
			switch p.Evaluate() {
			case pipeline.TransitionEnterNG:
				enters++
			case pipeline.TransitionExitNG:
				exits++
			}
		}
		assert.Equal(t, 2, enters)
		assert.Equal(t, 2, exits)
	})

	t.Run("no transition before first sample", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 3, MaxHistory: 100, NGThreshold: -1, Comparison: pipeline.CompareAbove})
		assert.Equal(t, pipeline.TransitionNone, p.Evaluate())
	})
}

func TestComparisonDirections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cmp     pipeline.Comparison
		value   float64
		wantsNG bool
	}{
		{"above exclusive at threshold", pipeline.CompareAbove, 100, false},
		{"above exclusive over threshold", pipeline.CompareAbove, 100.01, true},
		{"above inclusive at threshold", pipeline.CompareAboveOrEqual, 100, true},
		{"below exclusive at threshold", pipeline.CompareBelow, 100, false},
		{"below exclusive under threshold", pipeline.CompareBelow, 99.9, true},
		{"below inclusive at threshold", pipeline.CompareBelowOrEqual, 100, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewProcessor(Config{Window: 1, MaxHistory: 10, NGThreshold: 100, Comparison: tc.cmp})
			p.Ingest(tc.value)
			got := p.Evaluate()
			if tc.wantsNG {
				assert.Equal(t, pipeline.TransitionEnterNG, got)
			} else {
				assert.Equal(t, pipeline.TransitionNone, got)
			}
		})
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	p := NewProcessor(Config{Window: 5, MaxHistory: 50, NGThreshold: 1e12})
	for i := 0; i < 500; i++ {
		p.Ingest(float64(i))
		assert.LessOrEqual(t, p.Len(), 50)
	}

	hist := p.History()
	require.Len(t, hist, 50)
	// Oldest samples evicted; the newest survives.
	assert.Equal(t, uint64(499), hist[len(hist)-1].Seq)
	assert.Equal(t, uint64(450), hist[0].Seq)
}

func TestCarryForward(t *testing.T) {
	t.Parallel()

	t.Run("repeats previous smoothed value", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		p.Ingest(100)
		p.Ingest(200) // smoothed 150

		sample, ok := p.CarryForward()
		require.True(t, ok)
		assert.InDelta(t, 150, sample.Smoothed, 1e-9)

		// The skipped frame must not enter the window: next real sample
		// still averages with the last real one.
		next := p.Ingest(400)
		assert.InDelta(t, 300, next.Smoothed, 1e-9)
	})

	t.Run("refused before first sample", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		_, ok := p.CarryForward()
		assert.False(t, ok)
	})
}

func TestSetParamsForwardOnly(t *testing.T) {
	t.Parallel()

	t.Run("stored smoothed values not rewritten", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		p.Ingest(100)
		p.Ingest(200)
		before := p.History()

		p.SetParams(4, 1e12, pipeline.CompareAbove)
		after := p.History()
		assert.Equal(t, before, after)
	})

	t.Run("new window applies from next ingest", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		p.Ingest(100)
		p.Ingest(200)
		p.Ingest(300) // window 2: (200+300)/2 = 250

		p.SetParams(3, 1e12, pipeline.CompareAbove)
		sample := p.Ingest(400) // window 3: (200+300+400)/3 = 300
		assert.InDelta(t, 300, sample.Smoothed, 1e-9)
	})

	t.Run("carried rows stay out of the rebuilt window", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		p.Ingest(100)
		p.Ingest(200)
		_, ok := p.CarryForward()
		require.True(t, ok)

		// The carried row sits in history but must not be pulled into
		// the window when it is rebuilt for the new size.
		p.SetParams(3, 1e12, pipeline.CompareAbove)
		sample := p.Ingest(400) // (100+200+400)/3, not (200+200+400)/3
		assert.InDelta(t, 700.0/3, sample.Smoothed, 1e-9)
	})

	t.Run("window larger than history uses all samples", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 2, MaxHistory: 100, NGThreshold: 1e12})
		p.Ingest(100)
		p.SetParams(10, 1e12, pipeline.CompareAbove)
		sample := p.Ingest(300)
		assert.InDelta(t, 200, sample.Smoothed, 1e-9)
	})

	t.Run("threshold change applies to next evaluate", func(t *testing.T) {
		t.Parallel()
		p := NewProcessor(Config{Window: 1, MaxHistory: 10, NGThreshold: 1000, Comparison: pipeline.CompareAbove})
		p.Ingest(500)
		require.Equal(t, pipeline.TransitionNone, p.Evaluate())

		p.SetParams(1, 100, pipeline.CompareAbove)
		assert.Equal(t, pipeline.TransitionEnterNG, p.Evaluate())
	})
}

func TestReset(t *testing.T) {
	t.Parallel()

	p := NewProcessor(Config{Window: 2, MaxHistory: 10, NGThreshold: 100, Comparison: pipeline.CompareAbove})
	p.Ingest(500)
	require.Equal(t, pipeline.TransitionEnterNG, p.Evaluate())

	p.Reset()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, pipeline.StateNormal, p.State())
	assert.Equal(t, pipeline.TransitionNone, p.Evaluate())

	sample := p.Ingest(10)
	assert.Equal(t, uint64(0), sample.Seq)
}
