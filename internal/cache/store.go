// Package cache provides the TTL key/value store backing circuit breaker
// state, gas price samples, and portfolio snapshots. Values are encoded
// with msgpack so both backends speak the same wire format.
package cache

import (
	"context"
	"fmt"
	"time"
)

// Key prefixes. Circuit breaker keys are load-bearing: absence of the key
// means the circuit is CLOSED.
const (
	KeyCircuitGlobal     = "autopilot:circuit:global"
	KeyCircuitChainFmt   = "autopilot:circuit:chain:%d"
	KeyGasPriceFmt       = "autopilot:gas:chain:%d"
	KeySnapshotFmt       = "autopilot:portfolio:snapshot:%s"
	KeyDeriskCooldownFmt = "autopilot:derisk:cooldown:%s"
	KeyBreachAlertFmt    = "autopilot:drawdown:alert:%s"
	KeyRateLimitFmt      = "autopilot:ratelimit:%s"
)

// CircuitChainKey returns the circuit breaker key for one chain.
func CircuitChainKey(chainID int64) string {
	return fmt.Sprintf(KeyCircuitChainFmt, chainID)
}

// GasPriceKey returns the cached gas price key for one chain.
func GasPriceKey(chainID int64) string {
	return fmt.Sprintf(KeyGasPriceFmt, chainID)
}

// SnapshotKey returns the portfolio snapshot key for one user.
func SnapshotKey(userID string) string {
	return fmt.Sprintf(KeySnapshotFmt, userID)
}

// DeriskCooldownKey returns the crisis derisk cooldown key for one user.
func DeriskCooldownKey(userID string) string {
	return fmt.Sprintf(KeyDeriskCooldownFmt, userID)
}

// BreachAlertKey returns the drawdown breach alert dedup key for one user.
func BreachAlertKey(userID string) string {
	return fmt.Sprintf(KeyBreachAlertFmt, userID)
}

// Store is the TTL store contract. Get reports (false, nil) for a missing
// or expired key so callers can treat absence as a state, not an error.
type Store interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
