// Package domain contains the core entities shared across the autopilot
// engine. The package is pure: no infrastructure dependencies.
package domain

import "time"

// Recommendation is the verdict of a vault risk audit.
type Recommendation string

const (
	RecommendationHold      Recommendation = "HOLD"
	RecommendationRebalance Recommendation = "REBALANCE"
	RecommendationExit      Recommendation = "EXIT"
)

// AutonomyLevel controls how much the engine may do without per-action approval.
type AutonomyLevel string

const (
	AutonomyNotifyOnly     AutonomyLevel = "NOTIFY_ONLY"
	AutonomyApproveRepairs AutonomyLevel = "APPROVE_REPAIRS"
	AutonomyAutoBounded    AutonomyLevel = "AUTO_BOUNDED"
	AutonomyAutoSpend      AutonomyLevel = "AUTO_SPEND"
)

// CanAutoPrepare reports whether the level permits preparing transactions
// without an explicit user action.
func (l AutonomyLevel) CanAutoPrepare() bool {
	return l == AutonomyAutoBounded || l == AutonomyAutoSpend
}

// Protocol is a DeFi protocol a pool belongs to.
type Protocol struct {
	ID        string
	Slug      string
	Name      string
	RiskScore float64 // 0 (safest) .. 1 (riskiest)
}

// Pool is a yield-bearing pool or vault.
type Pool struct {
	ID           string
	ProtocolID   string
	Protocol     *Protocol
	Symbol       string
	ChainID      int64
	VaultAddress string
	ERC4626      bool // vault supports single-transaction redeem+deposit
	Active       bool
}

// Position is a user's stake in a pool.
type Position struct {
	ID             string
	UserID         string
	PoolID         string
	Pool           *Pool
	WalletAddress  string
	StakedAmount   float64
	StakedValueUSD float64
	RewardsEarned  float64
	Active         bool
	CreatedAt      time.Time
}

// YieldSnapshot is one observation of a pool's yield and depth.
type YieldSnapshot struct {
	PoolID    string
	APY       float64 // percent, e.g. 4.2 = 4.2%
	TVLUSD    float64
	RiskScore float64 // 0..1, protocol-reported or derived
	Timestamp time.Time
}

// RiskMetrics is the quantitative audit of one vault over a lookback window.
type RiskMetrics struct {
	CalmarRatio  float64 `json:"calmar_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Volatility   float64 `json:"volatility"`
	TVLStability float64 `json:"tvl_stability"` // 0..1
}

// VaultIntegrity carries outside integrity signals for a vault.
type VaultIntegrity struct {
	AltmanZ          float64 `json:"altman_z"`
	BeneishM         float64 `json:"beneish_m"`
	ERC4626Compliant bool    `json:"erc4626_compliant"`
}

// VaultAuditResult is the full verdict of a risk audit for one vault.
type VaultAuditResult struct {
	VaultAddress   string         `json:"vault_address"`
	Protocol       string         `json:"protocol"`
	Symbol         string         `json:"symbol"`
	APY            float64        `json:"apy"`
	Integrity      VaultIntegrity `json:"integrity"`
	Metrics        RiskMetrics    `json:"metrics"`
	OverallScore   float64        `json:"overall_score"` // 0..100
	Recommendation Recommendation `json:"recommendation"`
	Explanation    string         `json:"explanation"`
}

// RepairVariant labels a candidate move style.
type RepairVariant string

const (
	VariantFortress RepairVariant = "FORTRESS"  // max Calmar ratio
	VariantBalanced RepairVariant = "BALANCED"  // max overall score
	VariantYieldMax RepairVariant = "YIELD_MAX" // max APY among policy-aligned
)

// RepairProof is the evidence attached to a repair option.
type RepairProof struct {
	CalmarImprovement float64        `json:"calmar_improvement"`
	Integrity         VaultIntegrity `json:"integrity"`
	TVLStabilityPass  bool           `json:"tvl_stability_check"`
	PolicyAligned     bool           `json:"policy_alignment"`
	Explanation       string         `json:"explanation"`
	PolicyVersion     string         `json:"policy_version"`
}

// RepairOption is one candidate move for a position.
type RepairOption struct {
	Variant           RepairVariant `json:"variant"`
	ToPoolID          string        `json:"to_pool_id"`
	ToPoolSymbol      string        `json:"to_pool_symbol"`
	ToProtocol        string        `json:"to_protocol"`
	EstimatedAPYDelta float64       `json:"estimated_apy_delta"`
	Proof             RepairProof   `json:"proof"`
}

// RepairSuggestionKind distinguishes where a suggestion came from.
type RepairSuggestionKind string

const (
	SuggestionRisk     RepairSuggestionKind = "risk"     // triggered by a non-HOLD audit
	SuggestionRotation RepairSuggestionKind = "rotation" // momentum-style yield rotation
	SuggestionHarvest  RepairSuggestionKind = "harvest"  // rewards above the harvest floor
)

// RepairSuggestion is a planned repair for one position, ready for the
// autonomy executor or for user approval.
type RepairSuggestion struct {
	RepairID   string               `json:"repair_id"`
	Kind       RepairSuggestionKind `json:"kind"`
	PositionID string               `json:"position_id"`
	FromPoolID string               `json:"from_pool_id"`
	Options    []RepairOption       `json:"options"`
	Best       *RepairOption        `json:"best"` // preferred option for execution
	Plan       *ExecutionPlan       `json:"plan"`
	Reason     string               `json:"reason"`
	RewardsUSD float64              `json:"rewards_usd,omitempty"` // harvest suggestions only
	Demo       bool                 `json:"demo"`
}

// ExecutionStep is one on-chain action inside an execution plan.
type ExecutionStep struct {
	Action string `json:"action"` // redeem_deposit, withdraw, deposit, harvest
	PoolID string `json:"pool_id"`
}

// ExecutionPlan describes how a repair is carried out on-chain.
type ExecutionPlan struct {
	Steps                  []ExecutionStep `json:"steps"`
	SingleTransaction      bool            `json:"single_transaction"`
	RequiresWalletApproval bool            `json:"requires_wallet_approval"`
}

// DecisionType marks the lifecycle stage of a repair decision.
type DecisionType string

const (
	DecisionSuggested DecisionType = "suggested"
	DecisionExecuted  DecisionType = "executed"
)

// OutcomeStatus classifies a repair's measured result.
type OutcomeStatus string

const (
	OutcomeBeneficial     OutcomeStatus = "beneficial"
	OutcomeNeutral        OutcomeStatus = "neutral"
	OutcomeUnderperformed OutcomeStatus = "underperformed"
)

// RepairDecision is the durable audit-trail record of a suggested or
// executed repair. Rows are append-only except for the executed/outcome
// transitions.
type RepairDecision struct {
	ID               string
	UserID           string
	PositionID       string
	FromPoolID       string
	ToPoolID         string // empty = withdraw to wallet
	RepairID         string
	DecisionType     DecisionType
	ExpectedAPYDelta float64
	Explanation      string
	PolicyVersion    string
	CreatedAt        time.Time
	ExecutedAt       *time.Time
	TxHash           string
	ActualAPYDelta   *float64
	OutcomeStatus    OutcomeStatus
	OutcomeReport    string
	OutcomeCheckedAt *time.Time
}

// TransactionStatus is the ledger status of an engine-created transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxConfirmed TransactionStatus = "confirmed"
	TxFailed    TransactionStatus = "failed"
	TxReverted  TransactionStatus = "reverted"
)

// Transaction is an append-only ledger row for engine-validated operations.
// Rate limiting and spend checks are computed from these rows, never from
// in-memory counters.
type Transaction struct {
	ID            string
	UserID        string
	PositionID    string
	PoolID        string
	Action        string // deposit, withdraw, borrow, repay, harvest, approve, rotate
	TxHash        string
	ChainID       int64
	AmountUSD     float64
	Status        TransactionStatus
	CreatedAt     time.Time
	ConfirmedAt   *time.Time
	GasUsed       int64
	WalletAddress string
}

// SpendPermission is a user-granted bound on automatic spending.
type SpendPermission struct {
	ID            string
	UserID        string
	WalletAddress string
	ChainID       int64
	MaxAmountUSD  float64
	ValidUntil    time.Time
	Signature     string // off-chain signature backing the grant, may be empty for time-boxed grants
}

// Covers reports whether the permission is live and large enough for amountUSD.
func (p SpendPermission) Covers(amountUSD float64, now time.Time) bool {
	return now.Before(p.ValidUntil) && amountUSD <= p.MaxAmountUSD
}

// PortfolioSnapshot is per-user aggregate value tracking against a
// high-water mark. The HWM is monotonically non-decreasing.
type PortfolioSnapshot struct {
	UserID        string    `msgpack:"user_id" json:"user_id"`
	CurrentValue  float64   `msgpack:"current_value" json:"current_value"`
	HighWaterMark float64   `msgpack:"high_water_mark" json:"high_water_mark"`
	DrawdownPct   float64   `msgpack:"drawdown_pct" json:"drawdown_pct"`
	Breached      bool      `msgpack:"breached" json:"breached"`
	CheckedAt     time.Time `msgpack:"checked_at" json:"checked_at"`
}

// ValidationResult is the verdict of the validation pipeline or any of its
// stages. Blocking failures carry a single user-facing reason; advisory
// findings accumulate as warnings.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid returns a passing result, optionally with warnings.
func Valid(warnings ...string) ValidationResult {
	return ValidationResult{IsValid: true, Warnings: warnings}
}

// Invalid returns a blocking result with a user-facing reason.
func Invalid(reason string) ValidationResult {
	return ValidationResult{IsValid: false, Reason: reason}
}

// Alert is a persisted user-facing alert record.
type Alert struct {
	ID        string
	UserID    string
	AlertType string // policy_breach, circuit_breaker, repair_suggested, ...
	Severity  string // info, warning, urgent
	Title     string
	Message   string
	Data      map[string]interface{}
	CreatedAt time.Time
}
