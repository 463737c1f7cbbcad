package formulas

import "math"

// DefaultPeriodsPerYear is the compounding frequency assumed for daily APY series.
const DefaultPeriodsPerYear = 365

// SyntheticNAV builds a synthetic net-asset-value series from an APY series.
//
// The series starts at 1.0 and compounds each period by that period's APY:
//
//	nav[0] = 1
//	nav[i] = nav[i-1] * (1 + max(0, apy[i-1])/100/periodsPerYear)
//
// Negative APY samples are floored at zero: a vault's advertised yield can
// drop to nothing but the share price of a yield vault does not go negative
// from the yield component alone.
func SyntheticNAV(apySeries []float64, periodsPerYear int) []float64 {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}

	nav := make([]float64, len(apySeries)+1)
	nav[0] = 1.0
	for i, apy := range apySeries {
		rate := math.Max(0, apy) / 100.0 / float64(periodsPerYear)
		nav[i+1] = nav[i] * (1 + rate)
	}
	return nav
}

// AnnualizedReturn extrapolates the total growth of a NAV series to one year.
//
//	(1 + totalReturn)^(periodsPerYear / nPeriods) - 1
//
// Returns 0 for series with fewer than two points or a non-positive start.
func AnnualizedReturn(nav []float64, periodsPerYear int) float64 {
	if len(nav) < 2 || nav[0] <= 0 {
		return 0
	}
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}

	totalReturn := nav[len(nav)-1]/nav[0] - 1
	nPeriods := float64(len(nav) - 1)
	return math.Pow(1+totalReturn, float64(periodsPerYear)/nPeriods) - 1
}

// CalmarSentinel is returned by CalmarRatio when no drawdown was observed.
// A flawless history has no meaningful denominator; the sentinel keeps such
// vaults comparable without dividing by zero.
const CalmarSentinel = 10.0

// CalmarRatio computes annualized return divided by maximum drawdown.
// When maxDrawdown <= 0 the sentinel value is returned.
func CalmarRatio(annualizedReturn, maxDrawdown float64) float64 {
	if maxDrawdown <= 0 {
		return CalmarSentinel
	}
	return annualizedReturn / maxDrawdown
}

// PeriodReturns converts a NAV series into period-over-period returns.
func PeriodReturns(nav []float64) []float64 {
	if len(nav) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(nav)-1)
	for i := 1; i < len(nav); i++ {
		if nav[i-1] <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, nav[i]/nav[i-1]-1)
	}
	return returns
}
