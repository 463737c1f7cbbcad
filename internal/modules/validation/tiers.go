// Package validation is the pre-flight pipeline every proposed transaction
// passes before the engine will prepare or relay it. Checks run in a fixed
// order and the first blocking failure wins.
package validation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TierLimits bound a subscription tier's transaction sizes, in USD.
// Comparisons use decimals so a value one cent over a limit always fails.
type TierLimits struct {
	Name       string
	PerTxUSD   decimal.Decimal
	DailyUSD   decimal.Decimal
	MonthlyUSD decimal.Decimal
	BorrowUSD  decimal.Decimal
}

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

var two = decimal.NewFromInt(2)

var tiers = map[string]TierLimits{
	"starter": {
		Name:       "starter",
		PerTxUSD:   usd(100),
		DailyUSD:   usd(500),
		MonthlyUSD: usd(2_000),
		BorrowUSD:  usd(50),
	},
	"growth": {
		Name:       "growth",
		PerTxUSD:   usd(1_000),
		DailyUSD:   usd(5_000),
		MonthlyUSD: usd(25_000),
		BorrowUSD:  usd(500),
	},
	"premium": {
		Name:       "premium",
		PerTxUSD:   usd(10_000),
		DailyUSD:   usd(50_000),
		MonthlyUSD: usd(200_000),
		BorrowUSD:  usd(5_000),
	},
}

// LimitsForTier returns the limits for a tier name. Unknown tiers get
// starter limits: the safest interpretation of bad data.
func LimitsForTier(name string) TierLimits {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers["starter"]
}

// Exceeds reports whether amount is strictly over limit.
func Exceeds(amount float64, limit decimal.Decimal) bool {
	return decimal.NewFromFloat(amount).GreaterThan(limit)
}

// FormatUSD renders a limit for user-facing messages.
func FormatUSD(d decimal.Decimal) string {
	return fmt.Sprintf("$%s", d.StringFixed(2))
}
