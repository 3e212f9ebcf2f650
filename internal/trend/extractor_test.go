package trend

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"areawatch/internal/pipeline"
)

func det(class string, conf float64, x1, y1, x2, y2 float64) pipeline.Detection {
	return pipeline.Detection{Class: class, Confidence: conf, BBox: [4]float64{x1, y1, x2, y2}}
}

func TestSumAreaFiltersByConfidence(t *testing.T) {
	t.Parallel()

	dets := []pipeline.Detection{
		det("material", 0.9, 0, 0, 10, 10),  // 100
		det("material", 0.5, 0, 0, 20, 20),  // dropped, at threshold
		det("material", 0.2, 0, 0, 100, 10), // dropped, below threshold
		det("material", 0.8, 10, 10, 30, 20), // 200
	}

	area, n := SumArea(dets, 0.5, "")
	assert.InDelta(t, 300, area, 1e-9)
	assert.Equal(t, 2, n)
}

func TestSumAreaClassFilter(t *testing.T) {
	t.Parallel()

	dets := []pipeline.Detection{
		det("material", 0.9, 0, 0, 10, 10),
		det("person", 0.9, 0, 0, 50, 50),
	}

	area, n := SumArea(dets, 0.1, "material")
	assert.InDelta(t, 100, area, 1e-9)
	assert.Equal(t, 1, n)
}

func TestSumAreaEmptyCases(t *testing.T) {
	t.Parallel()

	area, n := SumArea(nil, 0.5, "")
	assert.Zero(t, area)
	assert.Zero(t, n)

	area, n = SumArea([]pipeline.Detection{det("x", 0.1, 0, 0, 10, 10)}, 0.5, "")
	assert.Zero(t, area)
	assert.Zero(t, n)
}

func TestSumAreaOrderInvariant(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	dets := make([]pipeline.Detection, 0, 50)
	for i := 0; i < 50; i++ {
		x1 := rng.Float64() * 100
		y1 := rng.Float64() * 100
		dets = append(dets, det("material", rng.Float64(), x1, y1, x1+rng.Float64()*50, y1+rng.Float64()*50))
	}

	want, wantN := SumArea(dets, 0.4, "")
	for trial := 0; trial < 10; trial++ {
		rng.Shuffle(len(dets), func(i, j int) { dets[i], dets[j] = dets[j], dets[i] })
		got, gotN := SumArea(dets, 0.4, "")
		assert.InDelta(t, want, got, 1e-6)
		assert.Equal(t, wantN, gotN)
	}
}

func TestSumAreaUsesSidecarArea(t *testing.T) {
	t.Parallel()

	d := det("material", 0.9, 0, 0, 10, 10)
	d.Area = 12345 // Sidecar-computed area wins over the box
	area, _ := SumArea([]pipeline.Detection{d}, 0.5, "")
	assert.InDelta(t, 12345, area, 1e-9)
}

func TestBoxAreaDegenerate(t *testing.T) {
	t.Parallel()

	assert.Zero(t, det("x", 1, 10, 10, 10, 20).BoxArea()) // zero width
	assert.Zero(t, det("x", 1, 10, 10, 5, 20).BoxArea())  // inverted box
}
