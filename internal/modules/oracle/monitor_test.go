package oracle

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

type stubPrices struct {
	prices map[string]float64
	ages   map[string]float64
	fail   map[string]bool
}

func (s *stubPrices) AssetPrice(_ context.Context, symbol string) (float64, float64, error) {
	if s.fail[symbol] {
		return 0, 0, fmt.Errorf("feed down")
	}
	return s.prices[symbol], s.ages[symbol], nil
}

func TestClassifyPeg(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		want  Severity
	}{
		{"on peg", 1.0, SeverityOK},
		{"inside warn band", 1.004, SeverityOK},
		{"past warn", 1.006, SeverityWarning},
		{"below peg warn", 0.994, SeverityWarning},
		{"inside critical band", 1.019, SeverityWarning},
		{"past critical", 0.979, SeverityCritical},
		{"deep depeg", 0.90, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPeg("USDC", tt.price, 1.0).Severity)
		})
	}
}

func TestClassifyFreshness(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want Severity
	}{
		{"fresh", 5 * time.Minute, SeverityOK},
		{"at warn boundary", 30 * time.Minute, SeverityOK},
		{"past warn", 31 * time.Minute, SeverityWarning},
		{"at critical boundary", 2 * time.Hour, SeverityWarning},
		{"past critical", 121 * time.Minute, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyFreshness("USDC", tt.age).Severity)
		})
	}
}

func TestCheckStablecoinsPublishesAlerts(t *testing.T) {
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	var alerts []*events.OracleAlertData
	bus.Subscribe(events.OracleAlert, func(e *events.Event) {
		alerts = append(alerts, e.Data.(*events.OracleAlertData))
	})

	prices := &stubPrices{
		prices: map[string]float64{"USDC": 1.0, "USDT": 0.97, "DAI": 1.0},
		ages:   map[string]float64{"USDC": 60, "USDT": 60, "DAI": 60},
		fail:   map[string]bool{"DAI": true},
	}
	monitor := NewMonitor(prices, store, bus, zerolog.Nop())

	pegs, fresh, err := monitor.CheckStablecoins(context.Background())
	require.NoError(t, err)

	// DAI failed so only two peg readings exist; freshness covers all three.
	assert.Len(t, pegs, 2)
	assert.Len(t, fresh, 3)

	// USDT depeg (critical) plus DAI stale (critical).
	require.Len(t, alerts, 2)
	kinds := map[string]string{}
	for _, a := range alerts {
		kinds[a.AlertType] = a.Severity
	}
	assert.Equal(t, "critical", kinds["depeg"])
	assert.Equal(t, "critical", kinds["stale"])
}

func TestCheckStablecoinsWithoutSourceErrors(t *testing.T) {
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	monitor := NewMonitor(nil, store, events.NewBus(zerolog.Nop()), zerolog.Nop())
	_, _, err = monitor.CheckStablecoins(context.Background())
	assert.Error(t, err)
}

func TestCheckStablecoinPeg(t *testing.T) {
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	prices := &stubPrices{
		prices: map[string]float64{"USDC": 0.993, "USDT": 1.0},
		ages:   map[string]float64{"USDC": 60, "USDT": 60},
		fail:   map[string]bool{"USDT": true},
	}
	monitor := NewMonitor(prices, store, events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	assert.Equal(t, SeverityWarning, monitor.CheckStablecoinPeg(ctx, "USDC").Severity)
	assert.Equal(t, SeverityUnknown, monitor.CheckStablecoinPeg(ctx, "USDT").Severity,
		"unreadable feed reads as unknown, not an error")
	assert.Equal(t, SeverityUnknown, monitor.CheckStablecoinPeg(ctx, "ETH").Severity,
		"unpegged assets have no peg to check")
}

func TestAssessPoolRisk(t *testing.T) {
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	prices := &stubPrices{
		prices: map[string]float64{"USDC": 1.0, "USDT": 0.95, "DAI": 0.994},
		ages:   map[string]float64{"USDC": 60, "USDT": 60, "DAI": 40 * 60},
	}
	monitor := NewMonitor(prices, store, events.NewBus(zerolog.Nop()), zerolog.Nop())
	ctx := context.Background()

	healthy := monitor.AssessPoolRisk(ctx, &domain.Pool{Symbol: "USDC"})
	assert.True(t, healthy.IsValid)
	assert.Empty(t, healthy.Warnings)

	depegged := monitor.AssessPoolRisk(ctx, &domain.Pool{Symbol: "USDT"})
	assert.False(t, depegged.IsValid)
	assert.Contains(t, depegged.Reason, "off peg")

	// Off-peg warning plus a stale-feed warning, neither blocking.
	drifting := monitor.AssessPoolRisk(ctx, &domain.Pool{Symbol: "DAI"})
	assert.True(t, drifting.IsValid)
	assert.Len(t, drifting.Warnings, 2)

	unpegged := monitor.AssessPoolRisk(ctx, &domain.Pool{Symbol: "WETH"})
	assert.True(t, unpegged.IsValid)
	assert.Empty(t, unpegged.Warnings)
}

func TestAssessPoolRiskDegradesOnFeedError(t *testing.T) {
	store, err := policy.NewStore(filepath.Join(t.TempDir(), "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	prices := &stubPrices{fail: map[string]bool{"USDC": true}}
	monitor := NewMonitor(prices, store, events.NewBus(zerolog.Nop()), zerolog.Nop())

	res := monitor.AssessPoolRisk(context.Background(), &domain.Pool{Symbol: "USDC"})
	assert.True(t, res.IsValid, "a dead feed warns rather than blocks")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "Could not verify")
}
