// Package oracle watches price feeds for the two failure modes that matter
// to the engine: stablecoins drifting off peg and feeds going stale.
package oracle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

// Severity of an oracle finding.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

// Deviation thresholds are fractions of peg: 0.5% warns, 2% is critical.
const (
	depegWarnThreshold = 0.005
	depegCritThreshold = 0.02
)

// Freshness thresholds.
const (
	staleWarnAge = 30 * time.Minute
	staleCritAge = 2 * time.Hour
)

// PegStatus is the result of a peg check for one asset.
type PegStatus struct {
	Symbol    string   `json:"symbol"`
	Price     float64  `json:"price"`
	Peg       float64  `json:"peg"`
	Deviation float64  `json:"deviation"` // fraction, absolute
	Severity  Severity `json:"severity"`
}

// FreshnessStatus is the result of a staleness check for one feed.
type FreshnessStatus struct {
	Symbol   string        `json:"symbol"`
	Age      time.Duration `json:"age"`
	Severity Severity      `json:"severity"`
}

// Monitor performs oracle risk checks against a price source.
type Monitor struct {
	prices domain.PriceSource
	policy *policy.Store
	bus    *events.Bus
	log    zerolog.Logger
}

// NewMonitor creates an oracle risk monitor.
func NewMonitor(prices domain.PriceSource, policyStore *policy.Store, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		prices: prices,
		policy: policyStore,
		bus:    bus,
		log:    log.With().Str("service", "oracle_monitor").Logger(),
	}
}

// ClassifyPeg grades a price against its peg.
func ClassifyPeg(symbol string, price, peg float64) PegStatus {
	status := PegStatus{Symbol: symbol, Price: price, Peg: peg, Severity: SeverityOK}
	if peg <= 0 {
		return status
	}
	status.Deviation = math.Abs(price-peg) / peg
	switch {
	case status.Deviation > depegCritThreshold:
		status.Severity = SeverityCritical
	case status.Deviation > depegWarnThreshold:
		status.Severity = SeverityWarning
	}
	return status
}

// ClassifyFreshness grades a feed's age.
func ClassifyFreshness(symbol string, age time.Duration) FreshnessStatus {
	status := FreshnessStatus{Symbol: symbol, Age: age, Severity: SeverityOK}
	switch {
	case age > staleCritAge:
		status.Severity = SeverityCritical
	case age > staleWarnAge:
		status.Severity = SeverityWarning
	}
	return status
}

// CheckStablecoins sweeps every pegged asset in the policy, publishing
// alerts for anything off peg or stale. Feed read errors degrade to a
// critical staleness finding for that symbol.
func (m *Monitor) CheckStablecoins(ctx context.Context) ([]PegStatus, []FreshnessStatus, error) {
	if m.prices == nil {
		return nil, nil, fmt.Errorf("no price source configured")
	}

	pegs := m.policy.Current().StablecoinPegs
	pegStatuses := make([]PegStatus, 0, len(pegs))
	freshStatuses := make([]FreshnessStatus, 0, len(pegs))

	for symbol, peg := range pegs {
		price, ageSeconds, err := m.prices.AssetPrice(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("Price feed unreadable")
			fresh := FreshnessStatus{Symbol: symbol, Age: staleCritAge + time.Minute, Severity: SeverityCritical}
			freshStatuses = append(freshStatuses, fresh)
			m.publishStale(fresh)
			continue
		}

		pegStatus := ClassifyPeg(symbol, price, peg)
		pegStatuses = append(pegStatuses, pegStatus)
		if pegStatus.Severity != SeverityOK {
			m.bus.Publish(&events.OracleAlertData{
				Symbol:    symbol,
				AlertType: "depeg",
				Severity:  string(pegStatus.Severity),
				Deviation: pegStatus.Deviation,
			})
		}

		fresh := ClassifyFreshness(symbol, time.Duration(ageSeconds*float64(time.Second)))
		freshStatuses = append(freshStatuses, fresh)
		if fresh.Severity != SeverityOK {
			m.publishStale(fresh)
		}
	}
	return pegStatuses, freshStatuses, nil
}

func (m *Monitor) publishStale(f FreshnessStatus) {
	m.bus.Publish(&events.OracleAlertData{
		Symbol:    f.Symbol,
		AlertType: "stale",
		Severity:  string(f.Severity),
		AgeHours:  f.Age.Hours(),
	})
}

// CheckStablecoinPeg checks one symbol against its configured peg. Symbols
// the policy does not peg, or feeds that cannot be read, come back with
// severity unknown rather than an error.
func (m *Monitor) CheckStablecoinPeg(ctx context.Context, symbol string) PegStatus {
	peg, pegged := m.policy.Current().StablecoinPegs[symbol]
	if !pegged || m.prices == nil {
		return PegStatus{Symbol: symbol, Severity: SeverityUnknown}
	}
	price, _, err := m.prices.AssetPrice(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("Price feed unreadable")
		return PegStatus{Symbol: symbol, Peg: peg, Severity: SeverityUnknown}
	}
	return ClassifyPeg(symbol, price, peg)
}

// AssessPoolRisk checks a pool's asset for peg drift and feed staleness.
// A critical finding blocks the transaction; warnings pass through to the
// caller. Pools whose symbol is not pegged in the policy are vacuously fine.
func (m *Monitor) AssessPoolRisk(ctx context.Context, pool *domain.Pool) domain.ValidationResult {
	if pool == nil || m.prices == nil {
		return domain.Valid()
	}
	peg, pegged := m.policy.Current().StablecoinPegs[pool.Symbol]
	if !pegged {
		return domain.Valid()
	}

	price, ageSeconds, err := m.prices.AssetPrice(ctx, pool.Symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", pool.Symbol).Msg("Price feed unreadable")
		return domain.Valid(fmt.Sprintf("Could not verify %s oracle health.", pool.Symbol))
	}

	var warnings []string

	pegStatus := ClassifyPeg(pool.Symbol, price, peg)
	switch pegStatus.Severity {
	case SeverityCritical:
		return domain.Invalid(fmt.Sprintf("%s is %.2f%% off peg. Transactions are blocked until the peg recovers.",
			pool.Symbol, pegStatus.Deviation*100))
	case SeverityWarning:
		warnings = append(warnings, fmt.Sprintf("%s is %.2f%% off peg.", pool.Symbol, pegStatus.Deviation*100))
	}

	fresh := ClassifyFreshness(pool.Symbol, time.Duration(ageSeconds*float64(time.Second)))
	switch fresh.Severity {
	case SeverityCritical:
		return domain.Invalid(fmt.Sprintf("The %s price feed is %.1f hours stale. Transactions are blocked until it recovers.",
			pool.Symbol, fresh.Age.Hours()))
	case SeverityWarning:
		warnings = append(warnings, fmt.Sprintf("The %s price feed is %.0f minutes old.", pool.Symbol, fresh.Age.Minutes()))
	}

	return domain.Valid(warnings...)
}
