package trend

import "areawatch/internal/pipeline"

// SumArea reduces a detection set to the single raw area value tracked
// by the processor. Detections at or below confThreshold are dropped
// (survivors satisfy conf > threshold, matching the model-side filter),
// as are detections outside classFilter when one is set. The aggregate
// is a plain sum, so the result is invariant to detection order. An
// empty or fully-filtered set yields 0.
func SumArea(dets []pipeline.Detection, confThreshold float64, classFilter string) (area float64, survivors int) {
	for _, d := range dets {
		if d.Confidence <= confThreshold {
			continue
		}
		if classFilter != "" && d.Class != classFilter {
			continue
		}
		area += d.BoxArea()
		survivors++
	}
	return area, survivors
}
