// Package riskaudit scores vaults from their yield history. The auditor
// reconstructs a synthetic NAV curve from observed APY, derives drawdown
// and Calmar metrics, and folds in TVL stability to produce a
// HOLD / REBALANCE / EXIT verdict.
package riskaudit

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/pkg/formulas"
)

// Verdict thresholds. EXIT checks run before REBALANCE so the worse verdict
// always wins.
const (
	exitCalmarFloor      = 0.6
	exitDrawdownCeiling  = 0.12
	exitTVLFloor         = 0.50
	rebalCalmarFloor     = 1.0
	rebalDrawdownCeiling = 0.07
	rebalTVLFloor        = 0.70

	// TVL stability normalization: a coefficient of variation of 0.50 or
	// worse reads as fully unstable.
	tvlCVScale = 0.50
	// Stability reported when fewer than 3 TVL points exist.
	tvlStabilityDefault = 0.5

	minAPYPoints = 2
)

// Score weights sum to 1.
const (
	weightCalmar    = 0.45
	weightDrawdown  = 0.30
	weightStability = 0.25
)

// Input is everything the auditor needs for one vault.
type Input struct {
	VaultAddress string
	Protocol     string
	Symbol       string
	CurrentAPY   float64
	APYSeries    []float64 // percent, oldest first
	TVLSeries    []float64 // USD, oldest first
	Integrity    domain.VaultIntegrity
}

// Auditor computes vault risk verdicts. Stateless; safe for concurrent use.
type Auditor struct {
	log zerolog.Logger
}

// NewAuditor creates a risk auditor.
func NewAuditor(log zerolog.Logger) *Auditor {
	return &Auditor{log: log.With().Str("service", "risk_auditor").Logger()}
}

// AuditVault scores one vault. With fewer than two APY observations there
// is nothing to measure, so the verdict is HOLD with neutral metrics.
func (a *Auditor) AuditVault(in Input) *domain.VaultAuditResult {
	result := &domain.VaultAuditResult{
		VaultAddress: in.VaultAddress,
		Protocol:     in.Protocol,
		Symbol:       in.Symbol,
		APY:          in.CurrentAPY,
		Integrity:    in.Integrity,
	}

	if len(in.APYSeries) < minAPYPoints {
		result.Recommendation = domain.RecommendationHold
		result.Metrics = domain.RiskMetrics{
			CalmarRatio:  formulas.CalmarSentinel,
			TVLStability: tvlStabilityDefault,
		}
		result.OverallScore = a.overallScore(result.Metrics)
		result.Explanation = "insufficient yield history, holding by default"
		return result
	}

	nav := formulas.SyntheticNAV(in.APYSeries, formulas.DefaultPeriodsPerYear)
	maxDD := formulas.MaxDrawdown(nav)
	annualized := formulas.AnnualizedReturn(nav, formulas.DefaultPeriodsPerYear)
	calmar := formulas.CalmarRatio(annualized, maxDD)
	volatility := formulas.PopStdDev(formulas.PeriodReturns(nav))
	stability := a.tvlStability(in.TVLSeries)

	result.Metrics = domain.RiskMetrics{
		CalmarRatio:  calmar,
		MaxDrawdown:  maxDD,
		Volatility:   volatility,
		TVLStability: stability,
	}
	result.OverallScore = a.overallScore(result.Metrics)
	result.Recommendation, result.Explanation = a.verdict(result.Metrics)

	a.log.Debug().
		Str("vault", in.VaultAddress).
		Float64("calmar", calmar).
		Float64("max_drawdown", maxDD).
		Float64("tvl_stability", stability).
		Str("recommendation", string(result.Recommendation)).
		Msg("Vault audited")

	return result
}

// tvlStability maps TVL dispersion to [0,1]. Perfectly flat TVL scores 1;
// a coefficient of variation at or above tvlCVScale scores 0.
func (a *Auditor) tvlStability(tvl []float64) float64 {
	if len(tvl) < 3 {
		return tvlStabilityDefault
	}
	cv := formulas.CoefficientOfVariation(tvl)
	return formulas.Clamp(1-cv/tvlCVScale, 0, 1)
}

func (a *Auditor) overallScore(m domain.RiskMetrics) float64 {
	score := weightCalmar*formulas.NormalizeToScale(m.CalmarRatio, 0, 3) +
		weightDrawdown*formulas.NormalizeToScale(1-m.MaxDrawdown, 0.75, 1) +
		weightStability*(100*m.TVLStability)
	return formulas.Clamp(score, 0, 100)
}

func (a *Auditor) verdict(m domain.RiskMetrics) (domain.Recommendation, string) {
	switch {
	case m.CalmarRatio < exitCalmarFloor:
		return domain.RecommendationExit,
			fmt.Sprintf("Calmar ratio %.2f below %.1f exit floor", m.CalmarRatio, exitCalmarFloor)
	case m.MaxDrawdown > exitDrawdownCeiling:
		return domain.RecommendationExit,
			fmt.Sprintf("max drawdown %.1f%% above %.0f%% exit ceiling", m.MaxDrawdown*100, exitDrawdownCeiling*100)
	case m.TVLStability < exitTVLFloor:
		return domain.RecommendationExit,
			fmt.Sprintf("TVL stability %.2f below %.2f exit floor", m.TVLStability, exitTVLFloor)
	case m.CalmarRatio < rebalCalmarFloor:
		return domain.RecommendationRebalance,
			fmt.Sprintf("Calmar ratio %.2f below %.1f", m.CalmarRatio, rebalCalmarFloor)
	case m.MaxDrawdown > rebalDrawdownCeiling:
		return domain.RecommendationRebalance,
			fmt.Sprintf("max drawdown %.1f%% above %.0f%%", m.MaxDrawdown*100, rebalDrawdownCeiling*100)
	case m.TVLStability < rebalTVLFloor:
		return domain.RecommendationRebalance,
			fmt.Sprintf("TVL stability %.2f below %.2f", m.TVLStability, rebalTVLFloor)
	default:
		return domain.RecommendationHold, "all risk metrics within tolerance"
	}
}
