package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// PopStdDev returns the population standard deviation of values.
// Returns 0 for slices with fewer than two points.
func PopStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := stat.Mean(values, nil)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// CoefficientOfVariation returns stdev/mean, or 0 when the mean is zero.
func CoefficientOfVariation(values []float64) float64 {
	mean := Mean(values)
	if mean == 0 {
		return 0
	}
	return PopStdDev(values) / mean
}

// Clamp restricts v to the closed interval [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// NormalizeToScale maps v from [lo, hi] onto [0, 100], clamping outside the range.
func NormalizeToScale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return Clamp((v-lo)/(hi-lo), 0, 1) * 100
}
