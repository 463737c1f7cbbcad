package repair

import (
	"time"

	"github.com/markcheno/go-talib"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

// Rotation uses a rolling average rather than the latest print so a
// one-day spike cannot trigger churn.
const rotationLookback = 7 * 24 * time.Hour

// RollingAPY averages every snapshot inside the lookback window ending at
// now. With no snapshots in the window it returns 0; callers treat that as
// no rotation signal.
func RollingAPY(history []*domain.YieldSnapshot, now time.Time) float64 {
	cutoff := now.Add(-rotationLookback)
	var series []float64
	for _, s := range history {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		series = append(series, s.APY)
	}
	if len(series) == 0 {
		return 0
	}
	if len(series) == 1 {
		return series[0]
	}
	sma := talib.Sma(series, len(series))
	return sma[len(sma)-1]
}

// RotationCheck is the outcome of evaluating one candidate as a rotation
// target for one position.
type RotationCheck struct {
	Eligible     bool
	RelativeLift float64 // (candidate - current) / current
	Reason       string
}

// EvaluateRotation applies the rotation guardrails from the policy:
// a minimum relative APY lift, a bounded risk increase, a TVL floor on the
// target, and a minimum position age.
func EvaluateRotation(doc *policy.Document, position *domain.Position, currentAPY, currentRisk float64, candidate *domain.YieldSnapshot, candidateAPY float64, now time.Time) RotationCheck {
	if now.Sub(position.CreatedAt) < doc.MinPositionAge {
		return RotationCheck{Reason: "position too young to rotate"}
	}
	if candidate.TVLUSD < doc.MinPoolTVLUSD {
		return RotationCheck{Reason: "target TVL below policy floor"}
	}
	if candidate.RiskScore-currentRisk > doc.RotationMaxRisk {
		return RotationCheck{Reason: "target risk increase above policy bound"}
	}
	if currentAPY <= 0 {
		// Any positive yield beats a dead position; treat lift as maximal.
		if candidateAPY > 0 {
			return RotationCheck{Eligible: true, RelativeLift: 1}
		}
		return RotationCheck{Reason: "candidate yield not positive"}
	}

	lift := (candidateAPY - currentAPY) / currentAPY
	if lift < doc.RotationMinLift {
		return RotationCheck{RelativeLift: lift, Reason: "APY lift below policy minimum"}
	}
	return RotationCheck{Eligible: true, RelativeLift: lift}
}
