package validation

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/circuit"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/oracle"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
)

// Request is a proposed transaction under validation.
type Request struct {
	UserID            string  `json:"user_id"`
	WalletAddress     string  `json:"wallet_address"`
	ChainID           int64   `json:"chain_id"`
	Action            string  `json:"action"` // deposit, withdraw, borrow, repay, harvest, approve, rotate, redeem_deposit
	AmountUSD         float64 `json:"amount_usd"`
	PoolID            string  `json:"pool_id,omitempty"`
	CollateralUSD     float64 `json:"collateral_usd"`      // borrow only
	ExistingBorrowUSD float64 `json:"existing_borrow_usd"` // borrow only
}

// tieredActions are sized against the user's tier limits. Everything else
// uses the flat per-operation bounds below.
var tieredActions = map[string]bool{
	"deposit":        true,
	"withdraw":       true,
	"borrow":         true,
	"rotate":         true,
	"redeem_deposit": true,
}

// flatLimits bound the maintenance operations that do not move principal.
var flatLimits = map[string]struct{ MinUSD, MaxUSD float64 }{
	"repay":   {0.01, 100_000},
	"harvest": {0, 100_000},
	"approve": {0, math.Inf(1)},
}

const (
	minAmountUSD = 0.01

	// Liquidation model: collateral counts at 80%.
	collateralFactor = 0.80
	healthFactorEps  = 1e-9

	hfBlockFloor = 1.05
	hfDangerWarn = 1.10
	hfComfort    = 1.5

	rateLimitOps    = 10
	rateLimitWindow = 60 * time.Second
)

var walletAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// HealthFactor computes the post-borrow health factor. Zero borrow means
// effectively infinite health and is reported as a large finite number.
func HealthFactor(collateralUSD, totalBorrowUSD float64) float64 {
	if totalBorrowUSD < healthFactorEps {
		totalBorrowUSD = healthFactorEps
	}
	return (collateralUSD * collateralFactor) / totalBorrowUSD
}

// Pipeline runs every check against a request. Stateless between calls;
// all counters live in the ledger and the TTL store.
type Pipeline struct {
	settings *policy.SettingsRepository
	breaker  *circuit.Breaker
	ledger   *ledger.TransactionRepository
	pools    *positions.Repository
	policy   *policy.Store
	oracle   *oracle.Monitor
	log      zerolog.Logger
}

// NewPipeline creates the validation pipeline. oracleMon may be nil when no
// price source is configured; oracle checks are then skipped.
func NewPipeline(settings *policy.SettingsRepository, breaker *circuit.Breaker, txRepo *ledger.TransactionRepository,
	pools *positions.Repository, policyStore *policy.Store, oracleMon *oracle.Monitor, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		settings: settings,
		breaker:  breaker,
		ledger:   txRepo,
		pools:    pools,
		policy:   policyStore,
		oracle:   oracleMon,
		log:      log.With().Str("service", "validation").Logger(),
	}
}

// Validate runs the full check sequence. The first blocking failure
// short-circuits; advisory findings accumulate as warnings on a passing
// result.
func (p *Pipeline) Validate(ctx context.Context, req Request) domain.ValidationResult {
	settings, err := p.settings.Get(req.UserID)
	if err != nil {
		p.log.Error().Err(err).Str("user_id", req.UserID).Msg("Settings lookup failed")
		return domain.Invalid("Unable to verify account settings")
	}

	if !settings.AutopilotEnabled {
		return domain.Invalid("Autopilot is not enabled for this account")
	}

	var warnings []string

	// 1. Transaction type and amount sanity.
	flat, isFlat := flatLimits[req.Action]
	if !isFlat && !tieredActions[req.Action] {
		return domain.Invalid(fmt.Sprintf("Unknown transaction type %q", req.Action))
	}
	switch {
	case isFlat && req.AmountUSD < flat.MinUSD:
		return domain.Invalid(fmt.Sprintf("Amount must be at least $%.2f for %s", flat.MinUSD, req.Action))
	case isFlat && req.AmountUSD > flat.MaxUSD:
		return domain.Invalid(fmt.Sprintf("Amount exceeds the $%.0f %s limit", flat.MaxUSD, req.Action))
	case !isFlat && req.AmountUSD < minAmountUSD:
		return domain.Invalid(fmt.Sprintf("Amount must be at least $%.2f", minAmountUSD))
	}

	// 2. Chain support and the mainnet gate.
	if !domain.IsSupportedChain(req.ChainID) {
		return domain.Invalid(fmt.Sprintf("Chain %d is not supported", req.ChainID))
	}
	if domain.MainnetChains[req.ChainID] {
		if !settings.MainnetEnabled {
			return domain.Invalid("Mainnet transactions are not enabled for this account")
		}
		warnings = append(warnings,
			"This is a mainnet transaction using real funds. Transactions are irreversible.")
	}

	// 3. Circuit breaker.
	if res := p.breaker.ValidateTransactionAllowed(ctx, req.ChainID, req.AmountUSD); !res.IsValid {
		return res
	}

	// 4. Wallet address shape.
	if !walletAddressRe.MatchString(req.WalletAddress) {
		return domain.Invalid("Invalid wallet address")
	}

	limits := LimitsForTier(settings.Tier)

	// 5. Per-transaction tier limit.
	if !isFlat && Exceeds(req.AmountUSD, limits.PerTxUSD) {
		return domain.Invalid(fmt.Sprintf(
			"Amount exceeds the %s tier per-transaction limit of %s",
			limits.Name, FormatUSD(limits.PerTxUSD)))
	}

	// 6. Daily and monthly volume.
	now := time.Now()
	daily, err := p.ledger.SumUSDSince(req.UserID, now.Add(-24*time.Hour))
	if err != nil {
		return domain.Invalid("Unable to verify daily volume")
	}
	if Exceeds(daily+req.AmountUSD, limits.DailyUSD) {
		return domain.Invalid(fmt.Sprintf(
			"Transaction would exceed the %s tier daily limit of %s",
			limits.Name, FormatUSD(limits.DailyUSD)))
	}
	monthly, err := p.ledger.SumUSDSince(req.UserID, now.Add(-30*24*time.Hour))
	if err != nil {
		return domain.Invalid("Unable to verify monthly volume")
	}
	if Exceeds(monthly+req.AmountUSD, limits.MonthlyUSD) {
		return domain.Invalid(fmt.Sprintf(
			"Transaction would exceed the %s tier monthly limit of %s",
			limits.Name, FormatUSD(limits.MonthlyUSD)))
	}

	// 7. Gas. Mainnet only: a price over the trip threshold escalates to the
	// breaker, which trips the chain circuit and blocks the transaction.
	if domain.MainnetChains[req.ChainID] {
		if gwei, ok := p.breaker.GasPriceGwei(ctx, req.ChainID); ok {
			if _, tripped, err := p.breaker.CheckGasAndTrip(ctx, req.ChainID); err == nil && tripped {
				return domain.Invalid("Gas price is extremely high right now. Transactions are paused until it recovers.")
			}
			if msg, warn := p.breaker.GasWarning(gwei, req.ChainID); warn {
				warnings = append(warnings, msg)
			}
		}
	}

	// 8. Pool existence, liveness, allowlist, and oracle health.
	if req.PoolID != "" && p.pools != nil {
		pool, err := p.pools.GetPool(req.PoolID)
		switch {
		case err != nil:
			p.log.Warn().Err(err).Str("pool_id", req.PoolID).Msg("Pool lookup failed")
			warnings = append(warnings, "Could not verify pool status.")
		case pool == nil || !pool.Active:
			return domain.Invalid("This pool is not available for transactions")
		default:
			if pool.Protocol != nil && !p.policy.Current().ProtocolAllowed(pool.Protocol.Slug) {
				return domain.Invalid(fmt.Sprintf("Protocol %s is not on the allowed list", pool.Protocol.Slug))
			}
			if p.oracle != nil {
				res := p.oracle.AssessPoolRisk(ctx, pool)
				if !res.IsValid {
					return res
				}
				warnings = append(warnings, res.Warnings...)
			}
		}
	}

	// 9. Borrow health.
	if req.Action == "borrow" {
		if Exceeds(req.ExistingBorrowUSD+req.AmountUSD, limits.BorrowUSD) {
			return domain.Invalid(fmt.Sprintf(
				"Borrow exceeds the %s tier limit of %s",
				limits.Name, FormatUSD(limits.BorrowUSD)))
		}

		hf := HealthFactor(req.CollateralUSD, req.ExistingBorrowUSD+req.AmountUSD)
		switch {
		case hf < hfBlockFloor:
			return domain.Invalid(fmt.Sprintf(
				"Health factor %.2f is below the %.2f liquidation guard", hf, hfBlockFloor))
		case hf < hfDangerWarn:
			warnings = append(warnings, fmt.Sprintf(
				"Health factor %.2f is close to liquidation territory", hf))
		case hf < hfComfort:
			warnings = append(warnings, fmt.Sprintf(
				"Health factor %.2f leaves limited buffer against price moves", hf))
		}
	}

	// 10. Rate limit.
	opCount, err := p.ledger.CountSince(req.UserID, now.Add(-rateLimitWindow))
	if err != nil {
		return domain.Invalid("Unable to verify operation rate")
	}
	if opCount >= rateLimitOps {
		return domain.Invalid("Too many operations, please wait a minute")
	}

	if req.Action == "deposit" {
		half := limits.PerTxUSD.Div(two)
		if Exceeds(req.AmountUSD, half) {
			warnings = append(warnings, fmt.Sprintf(
				"Deposit is over half your %s tier per-transaction limit", limits.Name))
		}
	}

	return domain.Valid(warnings...)
}

// Status reports the pipeline's live configuration for diagnostics.
func (p *Pipeline) Status(ctx context.Context, userID string) (map[string]interface{}, error) {
	settings, err := p.settings.Get(userID)
	if err != nil {
		return nil, err
	}
	limits := LimitsForTier(settings.Tier)

	now := time.Now()
	daily, err := p.ledger.SumUSDSince(userID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	monthly, err := p.ledger.SumUSDSince(userID, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, err
	}
	opCount, err := p.ledger.CountSince(userID, now.Add(-rateLimitWindow))
	if err != nil {
		return nil, err
	}

	globalState, _ := p.breaker.GetState(ctx, 0)

	return map[string]interface{}{
		"tier":                limits.Name,
		"per_tx_limit_usd":    limits.PerTxUSD.InexactFloat64(),
		"daily_limit_usd":     limits.DailyUSD.InexactFloat64(),
		"monthly_limit_usd":   limits.MonthlyUSD.InexactFloat64(),
		"borrow_limit_usd":    limits.BorrowUSD.InexactFloat64(),
		"daily_volume_usd":    daily,
		"monthly_volume_usd":  monthly,
		"ops_last_minute":     opCount,
		"rate_limit_ops":      rateLimitOps,
		"autopilot_enabled":   settings.AutopilotEnabled,
		"mainnet_enabled":     settings.MainnetEnabled,
		"circuit_state":       string(globalState),
		"supported_chains":    domain.SupportedChains,
		"min_amount_usd":      minAmountUSD,
		"health_factor_floor": hfBlockFloor,
	}, nil
}
