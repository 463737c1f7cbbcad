// Package portfoliorisk tracks each user's portfolio value against its
// high-water mark and raises the drawdown breach that feeds the crisis
// engine.
package portfoliorisk

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
)

// Breach alerts repeat no sooner than this per user.
const breachCooldown = 30 * time.Minute

// Snapshots never expire on their own: the high-water mark must survive
// quiet periods.
const snapshotTTL = 0

// Monitor maintains per-user portfolio snapshots in the TTL store.
type Monitor struct {
	positions *positions.Repository
	settings  *policy.SettingsRepository
	store     cache.Store
	bus       *events.Bus
	log       zerolog.Logger
	now       func() time.Time
}

// NewMonitor creates a portfolio risk monitor.
func NewMonitor(posRepo *positions.Repository, settings *policy.SettingsRepository, store cache.Store, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		positions: posRepo,
		settings:  settings,
		store:     store,
		bus:       bus,
		log:       log.With().Str("service", "portfolio_risk").Logger(),
		now:       time.Now,
	}
}

// Snapshot returns the stored snapshot for a user, or nil.
func (m *Monitor) Snapshot(ctx context.Context, userID string) (*domain.PortfolioSnapshot, error) {
	var snap domain.PortfolioSnapshot
	found, err := m.store.Get(ctx, cache.SnapshotKey(userID), &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &snap, nil
}

// CheckAndEnforce recomputes a user's portfolio value, advances the
// high-water mark (never backwards), and publishes a drawdown breach when
// the limit is crossed. Repeat breaches inside the cooldown stay silent.
func (m *Monitor) CheckAndEnforce(ctx context.Context, userID string) (*domain.PortfolioSnapshot, error) {
	value, err := m.positions.TotalValueUSD(userID)
	if err != nil {
		return nil, fmt.Errorf("total portfolio value: %w", err)
	}

	settings, err := m.settings.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	limit := settings.DrawdownLimit
	if limit <= 0 {
		limit = 0.08
	}

	prev, err := m.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	hwm := value
	if prev != nil && prev.HighWaterMark > hwm {
		hwm = prev.HighWaterMark
	}

	drawdown := 0.0
	if hwm > 0 {
		drawdown = 1 - value/hwm
		if drawdown < 0 {
			drawdown = 0
		}
	}

	snap := &domain.PortfolioSnapshot{
		UserID:        userID,
		CurrentValue:  value,
		HighWaterMark: hwm,
		DrawdownPct:   drawdown,
		Breached:      drawdown > limit,
		CheckedAt:     m.now().UTC(),
	}
	if err := m.store.Set(ctx, cache.SnapshotKey(userID), snap, snapshotTTL); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	// Snapshots are kept for every holder, but enforcement only fires for
	// users who opted in.
	if snap.Breached && settings.AutopilotEnabled {
		m.raiseBreach(ctx, snap, limit)
	}
	return snap, nil
}

func (m *Monitor) raiseBreach(ctx context.Context, snap *domain.PortfolioSnapshot, limit float64) {
	cooldownKey := cache.BreachAlertKey(snap.UserID)
	var marker time.Time
	onCooldown, err := m.store.Get(ctx, cooldownKey, &marker)
	if err != nil {
		m.log.Warn().Err(err).Str("user_id", snap.UserID).Msg("Cooldown read failed")
	}
	if onCooldown {
		return
	}

	if err := m.store.Set(ctx, cooldownKey, m.now().UTC(), breachCooldown); err != nil {
		m.log.Warn().Err(err).Str("user_id", snap.UserID).Msg("Cooldown write failed")
	}

	m.log.Warn().
		Str("user_id", snap.UserID).
		Float64("drawdown", snap.DrawdownPct).
		Float64("limit", limit).
		Msg("Portfolio drawdown limit breached")

	m.bus.Publish(&events.DrawdownBreachedData{
		UserID:        snap.UserID,
		DrawdownPct:   snap.DrawdownPct,
		LimitPct:      limit,
		CurrentValue:  snap.CurrentValue,
		HighWaterMark: snap.HighWaterMark,
	})
}
