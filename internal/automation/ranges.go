package automation

import "math"

// maxSetpoints bounds GenerateSetpoints.
const maxSetpoints = 10000

// GenerateSetpoints returns the values from start to end (inclusive)
// stepping by step, rounded to a thousandth to absorb accumulation error.
// It returns nil for a non-positive step, start > end, or a range that
// would produce more than maxSetpoints values.
func GenerateSetpoints(start, end, step float64) []float64 {
	if step <= 0 || start > end {
		return nil
	}
	expected := int((end-start)/step) + 1
	if expected > maxSetpoints || expected < 0 {
		return nil
	}

	var out []float64
	for v := start; v <= end+step/1000; v += step {
		if len(out) >= maxSetpoints {
			break
		}
		rounded := math.Round(v*1000) / 1000
		if rounded <= end {
			out = append(out, rounded)
		}
	}
	return out
}
