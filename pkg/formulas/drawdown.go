package formulas

// DrawdownMetrics represents drawdown analysis results
type DrawdownMetrics struct {
	MaxDrawdown     float64 `json:"max_drawdown"`     // Maximum drawdown (as positive percentage, e.g., 0.25 = 25% drawdown)
	CurrentDrawdown float64 `json:"current_drawdown"` // Current drawdown from peak
	PeakValue       float64 `json:"peak_value"`       // Value at peak
	CurrentValue    float64 `json:"current_value"`    // Current value
}

// MaxDrawdown calculates the maximum drawdown from a value series.
//
// Drawdown Formula:
//
//	Drawdown = (Peak Value - Current Value) / Peak Value
//	Max Drawdown = Maximum of all drawdowns
//
// Returns 0 for series with fewer than two points or with no observed decline.
func MaxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, v := range values {
		if v > peak {
			peak = v
		}

		if peak > 0 {
			drawdown := (peak - v) / peak
			if drawdown > maxDrawdown {
				maxDrawdown = drawdown
			}
		}
	}

	return maxDrawdown
}

// DrawdownFromPeak computes the current drawdown of value against a running peak.
// Returns 0 when the peak is zero or the value is at or above the peak.
func DrawdownFromPeak(value, peak float64) float64 {
	if peak <= 0 || value >= peak {
		return 0
	}
	return 1 - value/peak
}

// Drawdowns calculates full drawdown metrics for a value series.
// Returns nil for series with fewer than two points.
func Drawdowns(values []float64) *DrawdownMetrics {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	current := values[len(values)-1]
	return &DrawdownMetrics{
		MaxDrawdown:     maxDrawdown,
		CurrentDrawdown: DrawdownFromPeak(current, peak),
		PeakValue:       peak,
		CurrentValue:    current,
	}
}
