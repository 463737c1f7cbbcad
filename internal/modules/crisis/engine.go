// Package crisis turns severe triggers into a bounded derisk plan:
// which positions to unwind, in what order, and how much of each. At the
// higher autonomy levels the plan is also prepared as pending withdrawals.
package crisis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
)

// TriggerType classifies what set the crisis evaluation off.
type TriggerType string

const (
	TriggerPortfolioDrawdown TriggerType = "portfolio_drawdown"
	TriggerProtocolIncident  TriggerType = "protocol_incident"
	TriggerOracleStale       TriggerType = "oracle_stale"
	TriggerStablecoinDepeg   TriggerType = "stablecoin_depeg"
	TriggerGasSpike          TriggerType = "gas_spike"
)

// deriskTriggers lists the triggers that justify unwinding positions.
// Expensive gas is a reason to wait, not to sell, so it never derisks.
var deriskTriggers = map[TriggerType]bool{
	TriggerPortfolioDrawdown: true,
	TriggerProtocolIncident:  true,
	TriggerOracleStale:       true,
	TriggerStablecoinDepeg:   true,
}

// TargetStatus marks how far a derisk target got.
type TargetStatus string

const (
	// TargetSuggested means the unwind waits for the user.
	TargetSuggested TargetStatus = "suggested"
	// TargetPrepared means a pending withdrawal is in the ledger.
	TargetPrepared TargetStatus = "prepared"
)

// Target is one position selected for partial unwinding.
type Target struct {
	Position      *domain.Position `json:"position"`
	Priority      float64          `json:"priority"`
	WithdrawUSD   float64          `json:"withdraw_usd"`
	Status        TargetStatus     `json:"status"`
	TransactionID string           `json:"transaction_id,omitempty"`
}

// Plan is the ordered derisk program for one user.
type Plan struct {
	UserID       string      `json:"user_id"`
	Trigger      TriggerType `json:"trigger"`
	ShouldAct    bool        `json:"should_act"`
	Reason       string      `json:"reason"`
	Targets      []Target    `json:"targets"`
	TotalUSD     float64     `json:"total_usd"`
	PortfolioUSD float64     `json:"portfolio_usd"`
}

// cooldownMark is the stored evidence of a recent derisk action.
type cooldownMark struct {
	Trigger  string    `msgpack:"trigger"`
	SetAt    time.Time `msgpack:"set_at"`
	TotalUSD float64   `msgpack:"total_usd"`
}

// Engine evaluates crisis triggers into derisk plans and, for users at
// AUTO_BOUNDED or above, prepares the unwinds as pending withdrawals.
type Engine struct {
	positions *positions.Repository
	policy    *policy.Store
	settings  *policy.SettingsRepository
	guard     *autonomy.SpendGuard
	txRepo    *ledger.TransactionRepository
	decisions *repair.DecisionRepository
	store     cache.Store
	bus       *events.Bus
	log       zerolog.Logger
}

// NewEngine creates a crisis derisk engine.
func NewEngine(
	posRepo *positions.Repository,
	policyStore *policy.Store,
	settings *policy.SettingsRepository,
	guard *autonomy.SpendGuard,
	txRepo *ledger.TransactionRepository,
	decisions *repair.DecisionRepository,
	store cache.Store,
	bus *events.Bus,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		positions: posRepo,
		policy:    policyStore,
		settings:  settings,
		guard:     guard,
		txRepo:    txRepo,
		decisions: decisions,
		store:     store,
		bus:       bus,
		log:       log.With().Str("service", "crisis_engine").Logger(),
	}
}

// priority weighs a position's dollar exposure by how jumpy its chain is.
func priority(pos *domain.Position) float64 {
	vol := 1.0
	if pos.Pool != nil {
		if v, ok := domain.ChainVolatility[pos.Pool.ChainID]; ok {
			vol = v
		}
	}
	return pos.StakedValueUSD * vol
}

// Evaluate builds the derisk plan for one user. Each selected position
// unwinds at most the policy's derisk fraction of its own exposure. Users
// on a recent derisk cooldown are skipped; users at AUTO_BOUNDED or above
// get their targets prepared as pending withdrawals.
func (e *Engine) Evaluate(ctx context.Context, userID string, trigger TriggerType) (*Plan, error) {
	plan := &Plan{UserID: userID, Trigger: trigger}

	if !deriskTriggers[trigger] {
		plan.Reason = fmt.Sprintf("trigger %s never derisks", trigger)
		e.publish(plan)
		return plan, nil
	}

	doc := e.policy.Current()
	if !doc.DeriskAllowed(string(trigger)) {
		plan.Reason = fmt.Sprintf("derisk on %s is disabled by policy", trigger)
		e.publish(plan)
		return plan, nil
	}

	settings, err := e.settings.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.AutopilotEnabled {
		plan.Reason = "autopilot is not enabled"
		e.publish(plan)
		return plan, nil
	}

	var mark cooldownMark
	onCooldown, err := e.store.Get(ctx, cache.DeriskCooldownKey(userID), &mark)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", userID).Msg("Cooldown read failed, skipping evaluation")
		onCooldown = true
	}
	if onCooldown {
		plan.Reason = fmt.Sprintf("on derisk cooldown since %s", mark.SetAt.Format(time.RFC3339))
		e.publish(plan)
		return plan, nil
	}

	active, err := e.positions.ActivePositions(userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if len(active) == 0 {
		plan.Reason = "no active positions"
		e.publish(plan)
		return plan, nil
	}

	for _, pos := range active {
		plan.PortfolioUSD += pos.StakedValueUSD
	}

	sort.SliceStable(active, func(i, j int) bool {
		return priority(active[i]) > priority(active[j])
	})

	for _, pos := range active {
		withdraw := pos.StakedValueUSD * doc.MaxDeriskFraction
		if withdraw <= 0 {
			continue
		}
		plan.Targets = append(plan.Targets, Target{
			Position:    pos,
			Priority:    priority(pos),
			WithdrawUSD: withdraw,
			Status:      TargetSuggested,
		})
		plan.TotalUSD += withdraw
	}

	plan.ShouldAct = len(plan.Targets) > 0
	plan.Reason = fmt.Sprintf("derisking $%.2f of $%.2f portfolio after %s",
		plan.TotalUSD, plan.PortfolioUSD, trigger)

	if plan.ShouldAct && settings.AutonomyLevel.CanAutoPrepare() {
		e.autoPrepare(ctx, plan)
	}

	if plan.ShouldAct {
		if err := e.store.Set(ctx, cache.DeriskCooldownKey(userID), cooldownMark{
			Trigger:  string(trigger),
			SetAt:    time.Now().UTC(),
			TotalUSD: plan.TotalUSD,
		}, doc.DeriskCooldown); err != nil {
			e.log.Warn().Err(err).Str("user_id", userID).Msg("Cooldown write failed")
		}
	}

	e.log.Warn().
		Str("user_id", userID).
		Str("trigger", string(trigger)).
		Float64("derisk_usd", plan.TotalUSD).
		Int("targets", len(plan.Targets)).
		Msg("Crisis derisk plan built")

	e.publish(plan)
	return plan, nil
}

// EvaluateAll runs the trigger against every user holding active positions.
func (e *Engine) EvaluateAll(ctx context.Context, trigger TriggerType) ([]*Plan, error) {
	userIDs, err := e.positions.ActiveUserIDs()
	if err != nil {
		return nil, fmt.Errorf("load active users: %w", err)
	}

	var plans []*Plan
	for _, userID := range userIDs {
		plan, err := e.Evaluate(ctx, userID, trigger)
		if err != nil {
			e.log.Error().Err(err).Str("user_id", userID).Str("trigger", string(trigger)).
				Msg("Crisis evaluation failed")
			continue
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// autoPrepare turns each target into a pending withdrawal plus an executed
// decision row, so the unwind is auditable and ready for the wallet. The
// spend guard still bounds every withdrawal; refused targets stay suggested.
func (e *Engine) autoPrepare(ctx context.Context, plan *Plan) {
	for i := range plan.Targets {
		target := &plan.Targets[i]
		pos := target.Position

		if ok, why := e.guard.Allow(plan.UserID, target.WithdrawUSD); !ok {
			e.log.Warn().
				Str("user_id", plan.UserID).
				Str("position_id", pos.ID).
				Str("reason", why).
				Msg("Crisis withdrawal refused by spend guard")
			continue
		}

		tx := &domain.Transaction{
			UserID:        plan.UserID,
			PositionID:    pos.ID,
			PoolID:        pos.PoolID,
			Action:        "withdraw",
			ChainID:       pos.Pool.ChainID,
			AmountUSD:     target.WithdrawUSD,
			WalletAddress: pos.WalletAddress,
		}
		if err := e.txRepo.Append(tx); err != nil {
			e.log.Error().Err(err).Str("position_id", pos.ID).Msg("Crisis withdrawal append failed")
			continue
		}

		repairID := fmt.Sprintf("crisis:%s:%s", pos.ID, plan.Trigger)
		decision := &domain.RepairDecision{
			UserID:           plan.UserID,
			PositionID:       pos.ID,
			FromPoolID:       pos.PoolID,
			RepairID:         repairID,
			DecisionType:     domain.DecisionSuggested,
			ExpectedAPYDelta: 0,
			Explanation:      fmt.Sprintf("crisis derisk after %s", plan.Trigger),
			PolicyVersion:    e.policy.Current().Version,
		}
		if err := e.decisions.RecordSuggested(decision); err != nil {
			e.log.Error().Err(err).Str("position_id", pos.ID).Msg("Crisis decision record failed")
		} else if err := e.decisions.MarkExecuted(decision.ID,
			fmt.Sprintf("crisis_derisk_%d", time.Now().Unix())); err != nil {
			e.log.Error().Err(err).Str("decision_id", decision.ID).Msg("Crisis decision mark failed")
		}

		target.Status = TargetPrepared
		target.TransactionID = tx.ID
	}
}

func (e *Engine) publish(plan *Plan) {
	e.bus.Publish(&events.CrisisEvaluatedData{
		UserID:      plan.UserID,
		TriggerType: string(plan.Trigger),
		ShouldAct:   plan.ShouldAct,
		Positions:   len(plan.Targets),
	})
}
