// Package policy holds the operator policy document and per-user autopilot
// settings. The document is the single source of truth for what the engine
// is allowed to touch; every planner and gate decision records the version
// it was made under.
package policy

import (
	"fmt"
	"time"

	"github.com/mkosta/autopilot/internal/domain"
)

// Document is the operator policy. Loaded from YAML at startup, reloadable
// at runtime. An empty AllowedProtocols list means default-open: every
// protocol passes the allowlist check.
type Document struct {
	Version           string             `yaml:"version"`
	UpdatedAt         time.Time          `yaml:"updated_at"`
	AllowedProtocols  []string           `yaml:"allowed_protocols"`
	MaxProtocolRisk   float64            `yaml:"max_protocol_risk"`   // 0..1
	MinPoolTVLUSD     float64            `yaml:"min_pool_tvl_usd"`    // rotation target floor
	MinTrustScore     float64            `yaml:"min_trust_score"`     // 0..100
	GasThresholdsGwei map[int64]float64  `yaml:"gas_thresholds_gwei"` // per-chain trip levels
	HalfOpenCapUSD    float64            `yaml:"half_open_cap_usd"`
	DrawdownLimit     float64            `yaml:"drawdown_limit"`       // default per-user limit
	MaxDeriskFraction float64            `yaml:"max_derisk_fraction"`  // crisis derisk ceiling
	RotationMinLift   float64            `yaml:"rotation_min_lift"`    // relative APY improvement
	RotationMaxRisk   float64            `yaml:"rotation_max_risk"`    // allowed risk delta
	MinPositionAge    time.Duration      `yaml:"min_position_age"`     // rotation churn guard
	MaxSuggestions    int                `yaml:"max_suggestions"`      // per user per planning run
	StablecoinPegs    map[string]float64 `yaml:"stablecoin_pegs"`      // symbol -> expected price
	HarvestMinUSD     float64            `yaml:"harvest_min_usd"`
	DeriskTriggers    map[string]bool    `yaml:"derisk_triggers"`  // trigger -> de-risk permitted
	DeriskCooldown    time.Duration      `yaml:"derisk_cooldown"`  // per-user gap between crisis actions
}

// Default returns the shipped policy. Values match the engine's documented
// operating envelope.
func Default() *Document {
	return &Document{
		Version:   "v1",
		UpdatedAt: time.Now().UTC(),
		AllowedProtocols: []string{
			"aave-v3",
			"compound-v3",
			"lido",
			"curve-dex",
			"yearn-finance",
			"convex-finance",
			"balancer-v2",
		},
		MaxProtocolRisk:   0.60,
		MinPoolTVLUSD:     100_000,
		MinTrustScore:     40,
		GasThresholdsGwei: copyThresholds(domain.DefaultGasThresholdsGwei),
		HalfOpenCapUSD:    100,
		DrawdownLimit:     0.08,
		MaxDeriskFraction: 0.50,
		RotationMinLift:   0.20,
		RotationMaxRisk:   0.20,
		MinPositionAge:    24 * time.Hour,
		MaxSuggestions:    5,
		StablecoinPegs: map[string]float64{
			"USDC": 1.0,
			"USDT": 1.0,
			"DAI":  1.0,
		},
		HarvestMinUSD: 10,
		DeriskTriggers: map[string]bool{
			"portfolio_drawdown": true,
			"protocol_incident":  true,
			"oracle_stale":       true,
			"stablecoin_depeg":   true,
		},
		DeriskCooldown: 30 * time.Minute,
	}
}

func copyThresholds(src map[int64]float64) map[int64]float64 {
	out := make(map[int64]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Validate rejects documents that would make the engine unsafe to run.
func (d *Document) Validate() error {
	if d.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if d.MaxProtocolRisk < 0 || d.MaxProtocolRisk > 1 {
		return fmt.Errorf("max_protocol_risk %.2f outside [0,1]", d.MaxProtocolRisk)
	}
	if d.HalfOpenCapUSD < 0 {
		return fmt.Errorf("half_open_cap_usd must be non-negative")
	}
	if d.DrawdownLimit <= 0 || d.DrawdownLimit >= 1 {
		return fmt.Errorf("drawdown_limit %.2f outside (0,1)", d.DrawdownLimit)
	}
	if d.MaxDeriskFraction <= 0 || d.MaxDeriskFraction > 1 {
		return fmt.Errorf("max_derisk_fraction %.2f outside (0,1]", d.MaxDeriskFraction)
	}
	if d.MaxSuggestions <= 0 {
		return fmt.Errorf("max_suggestions must be positive")
	}
	for chainID, gwei := range d.GasThresholdsGwei {
		if gwei <= 0 {
			return fmt.Errorf("gas threshold for chain %d must be positive", chainID)
		}
	}
	return nil
}

// ProtocolAllowed applies the allowlist. Empty list is default-open.
func (d *Document) ProtocolAllowed(slug string) bool {
	if len(d.AllowedProtocols) == 0 {
		return true
	}
	for _, allowed := range d.AllowedProtocols {
		if allowed == slug {
			return true
		}
	}
	return false
}

// DeriskAllowed reports whether crisis de-risking is enabled for a trigger.
// Triggers absent from the map default to enabled.
func (d *Document) DeriskAllowed(trigger string) bool {
	if d.DeriskTriggers == nil {
		return true
	}
	enabled, ok := d.DeriskTriggers[trigger]
	if !ok {
		return true
	}
	return enabled
}

// GasThreshold returns the trip level for a chain, falling back to the
// built-in defaults for chains the document does not mention.
func (d *Document) GasThreshold(chainID int64) (float64, bool) {
	if gwei, ok := d.GasThresholdsGwei[chainID]; ok {
		return gwei, true
	}
	gwei, ok := domain.DefaultGasThresholdsGwei[chainID]
	return gwei, ok
}
