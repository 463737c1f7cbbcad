// Package circuit implements the trading circuit breaker. State lives in
// the TTL store so every process sees the same circuit, and absence of a
// state key always reads as CLOSED.
package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	// Open circuits expire on their own if nobody resets them.
	stateTTL = 24 * time.Hour
	// Gas spikes clear on their own, so gas trips resume sooner.
	gasTripResume = 30 * time.Minute
	// Gas prices are trusted for five minutes before a fresh read.
	gasCacheTTL = 5 * time.Minute
)

// record is the stored circuit state.
type record struct {
	State        string    `msgpack:"state"`
	Reason       string    `msgpack:"reason"`
	TriggeredBy  string    `msgpack:"triggered_by"`
	ChangedAt    time.Time `msgpack:"changed_at"`
	AutoResumeAt time.Time `msgpack:"auto_resume_at"`
}

type gasSample struct {
	Gwei      float64   `msgpack:"gwei"`
	SampledAt time.Time `msgpack:"sampled_at"`
}

// Breaker manages global and per-chain circuit state.
type Breaker struct {
	store  cache.Store
	policy *policy.Store
	audit  *AuditLog
	bus    *events.Bus
	gas    domain.GasPriceSource
	log    zerolog.Logger
}

// NewBreaker creates a circuit breaker. gas may be nil when no live gas
// source is configured; gas checks then report no data and never trip.
func NewBreaker(store cache.Store, policyStore *policy.Store, audit *AuditLog, bus *events.Bus, gas domain.GasPriceSource, log zerolog.Logger) *Breaker {
	return &Breaker{
		store:  store,
		policy: policyStore,
		audit:  audit,
		bus:    bus,
		gas:    gas,
		log:    log.With().Str("service", "circuit_breaker").Logger(),
	}
}

func stateKey(chainID int64) string {
	if chainID == 0 {
		return cache.KeyCircuitGlobal
	}
	return cache.CircuitChainKey(chainID)
}

// GetState reads the circuit for a chain. chainID 0 is the global circuit.
// A missing or expired key is CLOSED.
func (b *Breaker) GetState(ctx context.Context, chainID int64) (State, error) {
	var rec record
	found, err := b.store.Get(ctx, stateKey(chainID), &rec)
	if err != nil {
		// Store trouble reads as OPEN: an unreadable circuit must not
		// let money move.
		b.log.Error().Err(err).Int64("chain_id", chainID).Msg("Circuit state unreadable, treating as OPEN")
		return StateOpen, err
	}
	if !found {
		return StateClosed, nil
	}
	return State(rec.State), nil
}

// Detail reads the full stored record for a chain's circuit. A CLOSED
// circuit has no record; ok is false.
func (b *Breaker) Detail(ctx context.Context, chainID int64) (reason, triggeredBy string, autoResumeAt time.Time, ok bool) {
	var rec record
	found, err := b.store.Get(ctx, stateKey(chainID), &rec)
	if err != nil || !found {
		return "", "", time.Time{}, false
	}
	return rec.Reason, rec.TriggeredBy, rec.AutoResumeAt, true
}

// IsHalted reports whether the global or the chain circuit blocks activity
// outright (OPEN). HALF_OPEN is not halted; it is amount-restricted.
func (b *Breaker) IsHalted(ctx context.Context, chainID int64) (bool, error) {
	global, err := b.GetState(ctx, 0)
	if err != nil {
		return true, err
	}
	if global == StateOpen {
		return true, nil
	}
	chain, err := b.GetState(ctx, chainID)
	if err != nil {
		return true, err
	}
	return chain == StateOpen, nil
}

// Trip opens the circuit for a chain (0 = global). autoResume is how long
// the circuit stays open before the state key expires back to CLOSED; zero
// means the long default, leaving the close to a manual reset. Idempotent:
// tripping an already-open circuit refreshes the record without a new
// audit row.
func (b *Breaker) Trip(ctx context.Context, chainID int64, reason, triggeredBy string, autoResume time.Duration) error {
	old, err := b.GetState(ctx, chainID)
	if err != nil {
		return err
	}

	ttl := autoResume
	if ttl <= 0 {
		ttl = stateTTL
	}
	now := time.Now().UTC()
	rec := record{
		State:        string(StateOpen),
		Reason:       reason,
		TriggeredBy:  triggeredBy,
		ChangedAt:    now,
		AutoResumeAt: now.Add(ttl),
	}
	if err := b.store.Set(ctx, stateKey(chainID), rec, ttl); err != nil {
		return fmt.Errorf("store circuit state: %w", err)
	}

	if old != StateOpen {
		b.audit.Record(chainID, string(old), string(StateOpen), reason, triggeredBy)
		b.bus.Publish(&events.CircuitTrippedData{ChainID: chainID, Reason: reason, TriggeredBy: triggeredBy})
		b.log.Warn().
			Int64("chain_id", chainID).
			Str("reason", reason).
			Str("triggered_by", triggeredBy).
			Msg("Circuit breaker tripped")
	}
	return nil
}

// SetHalfOpen moves an OPEN circuit to HALF_OPEN for probing. Only valid
// from OPEN.
func (b *Breaker) SetHalfOpen(ctx context.Context, chainID int64, resetBy string) error {
	old, err := b.GetState(ctx, chainID)
	if err != nil {
		return err
	}
	if old != StateOpen {
		return fmt.Errorf("circuit for chain %d is %s, only OPEN can move to HALF_OPEN", chainID, old)
	}

	rec := record{
		State:       string(StateHalfOpen),
		Reason:      "probing after trip",
		TriggeredBy: resetBy,
		ChangedAt:   time.Now().UTC(),
	}
	if err := b.store.Set(ctx, stateKey(chainID), rec, stateTTL); err != nil {
		return fmt.Errorf("store circuit state: %w", err)
	}

	b.audit.Record(chainID, string(old), string(StateHalfOpen), "probing after trip", resetBy)
	b.bus.Publish(&events.CircuitResetData{ChainID: chainID, NewState: string(StateHalfOpen), ResetBy: resetBy})
	return nil
}

// Reset closes the circuit for a chain. Deleting the key is the CLOSED
// representation.
func (b *Breaker) Reset(ctx context.Context, chainID int64, resetBy string) error {
	old, err := b.GetState(ctx, chainID)
	if err != nil {
		return err
	}
	if old == StateClosed {
		return nil
	}

	if err := b.store.Delete(ctx, stateKey(chainID)); err != nil {
		return fmt.Errorf("delete circuit state: %w", err)
	}

	b.audit.Record(chainID, string(old), string(StateClosed), "manual reset", resetBy)
	b.bus.Publish(&events.CircuitResetData{ChainID: chainID, NewState: string(StateClosed), ResetBy: resetBy})
	b.log.Info().Int64("chain_id", chainID).Str("reset_by", resetBy).Msg("Circuit breaker reset")
	return nil
}

// ValidateTransactionAllowed applies circuit state to a proposed transaction.
// OPEN on the global or chain circuit blocks everything; HALF_OPEN allows
// only amounts up to the policy's half-open cap.
func (b *Breaker) ValidateTransactionAllowed(ctx context.Context, chainID int64, amountUSD float64) domain.ValidationResult {
	global, err := b.GetState(ctx, 0)
	if err != nil || global == StateOpen {
		return domain.Invalid("Trading halted: circuit breaker is open")
	}

	chain, err := b.GetState(ctx, chainID)
	if err != nil || chain == StateOpen {
		return domain.Invalid(fmt.Sprintf("Trading halted on %s: circuit breaker is open", domain.ChainName(chainID)))
	}

	cap := b.policy.Current().HalfOpenCapUSD
	if (global == StateHalfOpen || chain == StateHalfOpen) && amountUSD > cap {
		return domain.Invalid(fmt.Sprintf(
			"Circuit breaker recovering: transactions limited to $%.2f", cap))
	}
	return domain.Valid()
}

// GasPriceGwei returns the cached gas price for a chain, sampling the live
// source when the cache is stale. Returns (0, false) when no source is
// wired or the read fails.
func (b *Breaker) GasPriceGwei(ctx context.Context, chainID int64) (float64, bool) {
	var sample gasSample
	found, err := b.store.Get(ctx, cache.GasPriceKey(chainID), &sample)
	if err == nil && found {
		return sample.Gwei, true
	}

	if b.gas == nil {
		return 0, false
	}
	gwei, err := b.gas.GasPriceGwei(ctx, chainID)
	if err != nil {
		b.log.Warn().Err(err).Int64("chain_id", chainID).Msg("Gas price read failed")
		return 0, false
	}

	sample = gasSample{Gwei: gwei, SampledAt: time.Now().UTC()}
	if err := b.store.Set(ctx, cache.GasPriceKey(chainID), sample, gasCacheTTL); err != nil {
		b.log.Warn().Err(err).Int64("chain_id", chainID).Msg("Gas price cache write failed")
	}
	return gwei, true
}

// RecordObservedGas caches a gas price observed on a confirmed transaction.
// Observed prices feed the same cache the gas monitor samples into, so a
// confirm during a spike advances the auto-trip without waiting for the
// next poll.
func (b *Breaker) RecordObservedGas(ctx context.Context, chainID int64, gwei float64) {
	if gwei <= 0 {
		return
	}
	sample := gasSample{Gwei: gwei, SampledAt: time.Now().UTC()}
	if err := b.store.Set(ctx, cache.GasPriceKey(chainID), sample, gasCacheTTL); err != nil {
		b.log.Warn().Err(err).Int64("chain_id", chainID).Msg("Gas price cache write failed")
	}
}

// CheckGasAndTrip samples gas for a chain and trips its circuit if the
// price clears the policy threshold. Returns the sampled price and whether
// a trip happened.
func (b *Breaker) CheckGasAndTrip(ctx context.Context, chainID int64) (float64, bool, error) {
	gwei, ok := b.GasPriceGwei(ctx, chainID)
	if !ok {
		return 0, false, nil
	}

	threshold, ok := b.policy.Current().GasThreshold(chainID)
	if !ok {
		return gwei, false, nil
	}
	if gwei <= threshold {
		return gwei, false, nil
	}

	reason := fmt.Sprintf("gas price %.1f gwei above %.1f gwei threshold", gwei, threshold)
	if err := b.Trip(ctx, chainID, reason, "gas_monitor", gasTripResume); err != nil {
		return gwei, false, err
	}
	return gwei, true, nil
}

// GasWarning reports whether gas is above the advisory level (70% of the
// trip threshold) without tripping.
func (b *Breaker) GasWarning(gwei float64, chainID int64) (string, bool) {
	threshold, ok := b.policy.Current().GasThreshold(chainID)
	if !ok || gwei <= threshold*0.70 {
		return "", false
	}
	return fmt.Sprintf("Gas price on %s is elevated (%.1f gwei, threshold %.1f)",
		domain.ChainName(chainID), gwei, threshold), true
}
