package policygate

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

func newTestGate(t *testing.T, mutate func(*policy.Document)) *Gate {
	t.Helper()
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)
	if mutate != nil {
		doc := policy.Default()
		doc.Version = "v2-test"
		mutate(doc)
		require.NoError(t, store.Update(doc))
	}
	return NewGate(store, zerolog.Nop())
}

func goodCandidate() Candidate {
	return Candidate{
		Pool:      &domain.Pool{ID: "p1", Symbol: "aUSDC", ChainID: 1},
		Protocol:  &domain.Protocol{Slug: "aave-v3", Name: "Aave V3"},
		APY:       4.5,
		TVLUSD:    2_000_000,
		RiskScore: 0.15,
	}
}

func TestTrustScoreClamping(t *testing.T) {
	tests := []struct {
		risk float64
		want float64
	}{
		{0.0, 100},
		{0.25, 75},
		{1.0, 0},
		{1.5, 0},    // over-range risk clamps to zero trust
		{-0.2, 100}, // negative risk clamps to full trust
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TrustScore(tt.risk))
	}
}

func TestHealthyCandidatePasses(t *testing.T) {
	gate := newTestGate(t, nil)

	d := gate.Evaluate(goodCandidate())
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
	assert.Equal(t, 85.0, d.TrustScore)
	assert.Equal(t, "v1", d.PolicyVersion)
}

func TestUnlistedProtocolBlocked(t *testing.T) {
	gate := newTestGate(t, nil)

	c := goodCandidate()
	c.Protocol = &domain.Protocol{Slug: "shady-farm"}
	d := gate.Evaluate(c)

	assert.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "allowlist")
}

func TestEmptyAllowlistIsDefaultOpen(t *testing.T) {
	gate := newTestGate(t, func(doc *policy.Document) {
		doc.AllowedProtocols = nil
	})

	c := goodCandidate()
	c.Protocol = &domain.Protocol{Slug: "brand-new-protocol"}
	assert.True(t, gate.Evaluate(c).Allowed)
}

func TestAllFailingRulesReported(t *testing.T) {
	gate := newTestGate(t, nil)

	c := Candidate{
		Pool:      &domain.Pool{ID: "p2"},
		Protocol:  &domain.Protocol{Slug: "shady-farm"},
		TVLUSD:    5_000,
		RiskScore: 0.95,
	}
	d := gate.Evaluate(c)

	assert.False(t, d.Allowed)
	// allowlist, risk ceiling, TVL floor, and trust floor all fail.
	assert.Len(t, d.Reasons, 4)
}

func TestFilterKeepsOnlyAllowed(t *testing.T) {
	gate := newTestGate(t, nil)

	bad := goodCandidate()
	bad.RiskScore = 0.9

	out := gate.Filter([]Candidate{goodCandidate(), bad})
	require.Len(t, out, 1)
	assert.Equal(t, 0.15, out[0].RiskScore)
}
