// Package policygate screens pools against the operator policy before any
// planner may route funds to them.
package policygate

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/pkg/formulas"
)

// Candidate is a pool under consideration together with its latest
// observed yield state.
type Candidate struct {
	Pool      *domain.Pool
	Protocol  *domain.Protocol
	APY       float64
	TVLUSD    float64
	RiskScore float64 // 0..1
}

// Decision is the gate's verdict for one candidate.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	TrustScore    float64  `json:"trust_score"` // 0..100
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// Gate applies the policy document to candidate pools.
type Gate struct {
	policy *policy.Store
	log    zerolog.Logger
}

// NewGate creates a policy gate.
func NewGate(policyStore *policy.Store, log zerolog.Logger) *Gate {
	return &Gate{
		policy: policyStore,
		log:    log.With().Str("service", "policy_gate").Logger(),
	}
}

// TrustScore maps a 0..1 risk score onto a 0..100 trust score.
func TrustScore(riskScore float64) float64 {
	return formulas.Clamp((1-riskScore)*100, 0, 100)
}

// Evaluate checks one candidate against every policy rule. All failing
// rules are reported, not just the first, so callers can explain a
// rejection fully.
func (g *Gate) Evaluate(c Candidate) Decision {
	doc := g.policy.Current()
	decision := Decision{
		TrustScore:    TrustScore(c.RiskScore),
		PolicyVersion: doc.Version,
	}

	if c.Protocol == nil {
		decision.Reasons = append(decision.Reasons, "pool has no protocol metadata")
	} else if !doc.ProtocolAllowed(c.Protocol.Slug) {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("protocol %s is not on the allowlist", c.Protocol.Slug))
	}

	if c.RiskScore > doc.MaxProtocolRisk {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("risk score %.2f above %.2f policy maximum", c.RiskScore, doc.MaxProtocolRisk))
	}

	if c.TVLUSD < doc.MinPoolTVLUSD {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("TVL $%.0f below $%.0f policy minimum", c.TVLUSD, doc.MinPoolTVLUSD))
	}

	if decision.TrustScore < doc.MinTrustScore {
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("trust score %.0f below %.0f policy minimum", decision.TrustScore, doc.MinTrustScore))
	}

	decision.Allowed = len(decision.Reasons) == 0
	return decision
}

// Filter returns the candidates the policy allows.
func (g *Gate) Filter(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if g.Evaluate(c).Allowed {
			out = append(out, c)
		}
	}
	return out
}
