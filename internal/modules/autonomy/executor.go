package autonomy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
	"github.com/mkosta/autopilot/internal/modules/validation"
)

// ExecutionStatus is what happened to an execution request.
type ExecutionStatus string

const (
	// StatusConfirmed means the move was relayed and is on chain.
	StatusConfirmed ExecutionStatus = "confirmed"
	// StatusPendingApproval means the move waits for the user.
	StatusPendingApproval ExecutionStatus = "pending_approval"
	// StatusPendingWallet means the move is prepared but needs a wallet
	// co-signature.
	StatusPendingWallet ExecutionStatus = "pending_wallet"
	// StatusRejected means validation or a guard refused the move.
	StatusRejected ExecutionStatus = "rejected"
)

// ExecutionOutcome reports one execution attempt.
type ExecutionOutcome struct {
	Status        ExecutionStatus `json:"status"`
	DecisionID    string          `json:"decision_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	TxHash        string          `json:"tx_hash,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ExecuteRequest asks the executor to act on a planned suggestion.
type ExecuteRequest struct {
	UserID       string
	RepairID     string
	UserApproved bool   // explicit approval from the user, APPROVE_REPAIRS path
	AuthPayload  []byte // signed spend authorization, AUTO_SPEND path
	AuthSig      string
}

// Executor carries suggestions through validation, autonomy gating, and
// the relay. It only ever widens from notify to spend, never the reverse:
// a lower level always wins.
type Executor struct {
	settings    *policy.SettingsRepository
	pipeline    *validation.Pipeline
	guard       *SpendGuard
	permissions *SpendPermissionRepository
	verifier    domain.SignatureVerifier
	relay       domain.TransactionRelay
	decisions   *repair.DecisionRepository
	suggestions *SuggestionStore
	txRepo      *ledger.TransactionRepository
	positions   *positions.Repository
	bus         *events.Bus
	log         zerolog.Logger
}

// NewExecutor creates the autonomy executor. verifier and relay may be nil;
// nil wiring fails closed (no automatic spends, no relaying).
func NewExecutor(
	settings *policy.SettingsRepository,
	pipeline *validation.Pipeline,
	guard *SpendGuard,
	permissions *SpendPermissionRepository,
	verifier domain.SignatureVerifier,
	relay domain.TransactionRelay,
	decisions *repair.DecisionRepository,
	suggestions *SuggestionStore,
	txRepo *ledger.TransactionRepository,
	posRepo *positions.Repository,
	bus *events.Bus,
	log zerolog.Logger,
) *Executor {
	if verifier == nil {
		verifier = domain.DenyAllVerifier{}
	}
	return &Executor{
		settings:    settings,
		pipeline:    pipeline,
		guard:       guard,
		permissions: permissions,
		verifier:    verifier,
		relay:       relay,
		decisions:   decisions,
		suggestions: suggestions,
		txRepo:      txRepo,
		positions:   posRepo,
		bus:         bus,
		log:         log.With().Str("service", "autonomy_executor").Logger(),
	}
}

// Execute runs one suggestion through the autonomy ladder.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionOutcome, error) {
	suggestion := e.suggestions.Get(req.UserID, req.RepairID)
	if suggestion == nil {
		return &ExecutionOutcome{Status: StatusRejected, Reason: "unknown or expired repair id"}, nil
	}

	settings, err := e.settings.Get(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	decision, err := e.decisions.FindByRepairID(req.RepairID)
	if err != nil {
		return nil, fmt.Errorf("load decision: %w", err)
	}
	outcome := &ExecutionOutcome{}
	if decision != nil {
		outcome.DecisionID = decision.ID
		if decision.DecisionType == domain.DecisionExecuted {
			outcome.Status = StatusRejected
			outcome.Reason = "repair already executed"
			e.suggestions.Remove(req.UserID, req.RepairID)
			return outcome, nil
		}
	}

	position, err := e.positions.GetPosition(suggestion.PositionID)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if position == nil || !position.Active {
		return &ExecutionOutcome{Status: StatusRejected, Reason: "position no longer active"}, nil
	}

	amount := position.StakedValueUSD
	if suggestion.Kind == domain.SuggestionHarvest {
		amount = suggestion.RewardsUSD
	}

	action := planAction(suggestion)
	vres := e.pipeline.Validate(ctx, validation.Request{
		UserID:        req.UserID,
		WalletAddress: position.WalletAddress,
		ChainID:       position.Pool.ChainID,
		Action:        action,
		AmountUSD:     amount,
		PoolID:        targetPool(suggestion, position),
	})
	if !vres.IsValid {
		return &ExecutionOutcome{Status: StatusRejected, Reason: vres.Reason}, nil
	}

	switch settings.AutonomyLevel {
	case domain.AutonomyNotifyOnly:
		outcome.Status = StatusPendingApproval
		outcome.Reason = "autonomy level only notifies"
		return outcome, nil

	case domain.AutonomyApproveRepairs:
		if !req.UserApproved {
			outcome.Status = StatusPendingApproval
			outcome.Reason = "waiting for user approval"
			return outcome, nil
		}
		return e.prepare(ctx, req, suggestion, position, decision, amount, outcome)

	case domain.AutonomyAutoBounded:
		if ok, why := e.guard.Allow(req.UserID, amount); !ok {
			outcome.Status = StatusRejected
			outcome.Reason = why
			return outcome, nil
		}
		return e.prepare(ctx, req, suggestion, position, decision, amount, outcome)

	case domain.AutonomyAutoSpend:
		if ok, why := e.guard.Allow(req.UserID, amount); !ok {
			outcome.Status = StatusRejected
			outcome.Reason = why
			return outcome, nil
		}
		return e.autoSpend(ctx, req, suggestion, position, decision, amount, outcome)

	default:
		outcome.Status = StatusRejected
		outcome.Reason = "unknown autonomy level"
		return outcome, nil
	}
}

// prepare appends the pending ledger row for a move that still needs the
// wallet. The transaction confirms later through ConfirmTransaction.
func (e *Executor) prepare(ctx context.Context, req ExecuteRequest, s *domain.RepairSuggestion, position *domain.Position, decision *domain.RepairDecision, amount float64, outcome *ExecutionOutcome) (*ExecutionOutcome, error) {
	tx := &domain.Transaction{
		UserID:        req.UserID,
		PositionID:    position.ID,
		PoolID:        targetPool(s, position),
		Action:        planAction(s),
		ChainID:       position.Pool.ChainID,
		AmountUSD:     amount,
		WalletAddress: position.WalletAddress,
	}
	if err := e.txRepo.Append(tx); err != nil {
		return nil, fmt.Errorf("record pending transaction: %w", err)
	}

	outcome.Status = StatusPendingWallet
	outcome.TransactionID = tx.ID
	outcome.Reason = "prepared, waiting for wallet signature"
	return outcome, nil
}

// autoSpend relays the move without the wallet when a live permission or a
// verified signed authorization covers it. Anything less leaves the move
// pending.
func (e *Executor) autoSpend(ctx context.Context, req ExecuteRequest, s *domain.RepairSuggestion, position *domain.Position, decision *domain.RepairDecision, amount float64, outcome *ExecutionOutcome) (*ExecutionOutcome, error) {
	authorized := false

	perm, err := e.permissions.ActiveFor(req.UserID, position.Pool.ChainID)
	if err != nil {
		return nil, fmt.Errorf("load spend permission: %w", err)
	}
	if perm != nil && perm.Covers(amount, nowUTC()) {
		authorized = true
	}

	if !authorized && len(req.AuthPayload) > 0 {
		ok, err := e.verifier.VerifySpendAuthorization(ctx, position.WalletAddress, req.AuthPayload, req.AuthSig)
		if err != nil {
			e.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Authorization verification failed")
		}
		authorized = ok && err == nil
	}

	if !authorized || e.relay == nil {
		return e.prepare(ctx, req, s, position, decision, amount, outcome)
	}

	txHash, err := e.relay.Submit(ctx, position.Pool.ChainID, []byte(req.RepairID))
	if err != nil {
		e.log.Error().Err(err).Str("repair_id", req.RepairID).Msg("Relay submit failed")
		return e.prepare(ctx, req, s, position, decision, amount, outcome)
	}

	tx := &domain.Transaction{
		UserID:        req.UserID,
		PositionID:    position.ID,
		PoolID:        targetPool(s, position),
		Action:        planAction(s),
		ChainID:       position.Pool.ChainID,
		AmountUSD:     amount,
		WalletAddress: position.WalletAddress,
	}
	if err := e.txRepo.Append(tx); err != nil {
		return nil, fmt.Errorf("record transaction: %w", err)
	}
	if err := e.txRepo.Confirm(tx.ID, txHash, 0); err != nil {
		return nil, fmt.Errorf("confirm transaction: %w", err)
	}

	if decision != nil {
		if err := e.decisions.MarkExecuted(decision.ID, txHash); err != nil {
			e.log.Error().Err(err).Str("decision_id", decision.ID).Msg("Failed to mark decision executed")
		}
		e.bus.Publish(&events.RepairExecutedData{
			UserID:     req.UserID,
			RepairID:   req.RepairID,
			DecisionID: decision.ID,
			TxHash:     txHash,
		})
	}

	e.suggestions.Remove(req.UserID, req.RepairID)

	outcome.Status = StatusConfirmed
	outcome.TransactionID = tx.ID
	outcome.TxHash = txHash
	return outcome, nil
}

// ConfirmTransaction finishes a wallet-signed move: the ledger row
// confirms, the position adjusts, and the linked decision (if any) is
// marked executed.
func (e *Executor) ConfirmTransaction(ctx context.Context, txID, txHash string, gasUsed int64, repairID string) error {
	tx, err := e.txRepo.Get(txID)
	if err != nil {
		return err
	}
	if tx == nil {
		return fmt.Errorf("transaction %s not found", txID)
	}

	if err := e.txRepo.Confirm(txID, txHash, gasUsed); err != nil {
		return err
	}

	if tx.PositionID != "" {
		if err := e.applyConfirmedDelta(tx); err != nil {
			e.log.Error().Err(err).Str("transaction_id", txID).Msg("Position delta failed after confirm")
		}
	}

	if repairID != "" {
		decision, err := e.decisions.FindByRepairID(repairID)
		if err == nil && decision != nil && decision.DecisionType == domain.DecisionSuggested {
			if err := e.decisions.MarkExecuted(decision.ID, txHash); err != nil {
				e.log.Error().Err(err).Str("decision_id", decision.ID).Msg("Failed to mark decision executed")
			} else {
				e.bus.Publish(&events.RepairExecutedData{
					UserID:     tx.UserID,
					RepairID:   repairID,
					DecisionID: decision.ID,
					TxHash:     txHash,
				})
			}
		}
		// A confirmed repair is spent; the suggestion must not execute twice.
		e.suggestions.Remove(tx.UserID, repairID)
	}
	return nil
}

func (e *Executor) applyConfirmedDelta(tx *domain.Transaction) error {
	switch tx.Action {
	case "deposit":
		return e.positions.ApplyDelta(tx.PositionID, tx.AmountUSD, tx.AmountUSD, false)
	case "withdraw", "redeem_deposit":
		return e.positions.ApplyDelta(tx.PositionID, -tx.AmountUSD, -tx.AmountUSD, false)
	case "harvest":
		return e.positions.ApplyDelta(tx.PositionID, 0, 0, true)
	default:
		return nil
	}
}

// RevertLast undoes the user's most recent move if it is still pending.
// Confirmed moves are on chain and cannot be reverted; the refusal is
// explicit rather than silent.
func (e *Executor) RevertLast(ctx context.Context, userID string) (*ExecutionOutcome, error) {
	pending, err := e.txRepo.FindPending(userID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		last, err := e.decisions.LastExecuted(userID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			return &ExecutionOutcome{
				Status: StatusRejected,
				Reason: "last move is confirmed on chain and cannot be reverted",
			}, nil
		}
		return &ExecutionOutcome{Status: StatusRejected, Reason: "nothing to revert"}, nil
	}

	latest := pending[0]
	if err := e.txRepo.MarkReverted(latest.ID); err != nil {
		return nil, err
	}

	e.bus.Publish(&events.RepairRevertedData{UserID: userID, DecisionID: latest.ID})
	e.log.Info().Str("user_id", userID).Str("transaction_id", latest.ID).Msg("Pending move reverted")

	return &ExecutionOutcome{Status: StatusConfirmed, TransactionID: latest.ID, Reason: "pending move cancelled"}, nil
}

// planAction returns the on-chain action for a suggestion's first plan
// step, defaulting to a rotation when the planner emitted no steps.
func planAction(s *domain.RepairSuggestion) string {
	if s.Plan != nil && len(s.Plan.Steps) > 0 {
		return s.Plan.Steps[0].Action
	}
	return "rotate"
}

func targetPool(s *domain.RepairSuggestion, position *domain.Position) string {
	if s.Best != nil {
		return s.Best.ToPoolID
	}
	return position.PoolID
}
