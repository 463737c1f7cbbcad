package repair

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/policygate"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/riskaudit"
)

// History window fed to the auditor per pool.
const auditLookback = 30

// Candidate stability must clear this to count as a pass in the proof.
const proofStabilityFloor = 0.70

// candidate is a pool scored and gated as a potential destination.
type candidate struct {
	pool     *domain.Pool
	snapshot *domain.YieldSnapshot
	audit    *domain.VaultAuditResult
	gate     policygate.Decision
}

// Planner turns audits into concrete repair suggestions.
type Planner struct {
	positions *positions.Repository
	decisions *DecisionRepository
	auditor   *riskaudit.Auditor
	gate      *policygate.Gate
	policy    *policy.Store
	settings  *policy.SettingsRepository
	bus       *events.Bus
	demoMode  bool
	log       zerolog.Logger
	now       func() time.Time
}

// NewPlanner creates a repair planner.
func NewPlanner(
	posRepo *positions.Repository,
	decisions *DecisionRepository,
	auditor *riskaudit.Auditor,
	gate *policygate.Gate,
	policyStore *policy.Store,
	settings *policy.SettingsRepository,
	bus *events.Bus,
	demoMode bool,
	log zerolog.Logger,
) *Planner {
	return &Planner{
		positions: posRepo,
		decisions: decisions,
		auditor:   auditor,
		gate:      gate,
		policy:    policyStore,
		settings:  settings,
		bus:       bus,
		demoMode:  demoMode,
		log:       log.With().Str("service", "repair_planner").Logger(),
		now:       time.Now,
	}
}

// PlanForUser audits every active position and returns at most the policy's
// suggestion cap, largest positions first. Each suggestion is recorded in
// the decisions ledger before it is returned.
func (p *Planner) PlanForUser(ctx context.Context, userID string) ([]*domain.RepairSuggestion, error) {
	settings, err := p.settings.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !settings.AutopilotEnabled {
		return nil, nil
	}

	active, err := p.positions.ActivePositions(userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	doc := p.policy.Current()
	var suggestions []*domain.RepairSuggestion

	for _, pos := range active {
		if len(suggestions) >= doc.MaxSuggestions {
			break
		}
		s, err := p.planPosition(ctx, pos, settings, doc)
		if err != nil {
			p.log.Warn().Err(err).Str("position_id", pos.ID).Msg("Position planning failed")
			continue
		}
		if s != nil {
			suggestions = append(suggestions, s)
		}
	}

	for _, s := range suggestions {
		if err := p.record(userID, s, doc.Version); err != nil {
			p.log.Error().Err(err).Str("repair_id", s.RepairID).Msg("Failed to record suggestion")
		}
	}
	return suggestions, nil
}

// planPosition yields at most one suggestion per position, in priority
// order: risk repairs first, then harvests, then rotations.
func (p *Planner) planPosition(ctx context.Context, pos *domain.Position, settings *policy.UserSettings, doc *policy.Document) (*domain.RepairSuggestion, error) {
	currentAudit, currentAPY, err := p.auditPool(pos.Pool)
	if err != nil {
		return nil, err
	}

	if currentAudit.Recommendation != domain.RecommendationHold {
		return p.riskSuggestion(ctx, pos, currentAudit, settings, doc)
	}

	if pos.RewardsEarned >= doc.HarvestMinUSD {
		return p.harvestSuggestion(pos, settings), nil
	}

	return p.rotationSuggestion(ctx, pos, currentAudit, currentAPY, settings, doc)
}

// auditPool runs the risk audit on a pool from its stored history.
func (p *Planner) auditPool(pool *domain.Pool) (*domain.VaultAuditResult, float64, error) {
	history, err := p.positions.SnapshotHistory(pool.ID, auditLookback)
	if err != nil {
		return nil, 0, err
	}

	apySeries := make([]float64, len(history))
	tvlSeries := make([]float64, len(history))
	currentAPY := 0.0
	for i, s := range history {
		apySeries[i] = s.APY
		tvlSeries[i] = s.TVLUSD
	}
	if len(history) > 0 {
		currentAPY = history[len(history)-1].APY
	}

	in := riskaudit.Input{
		VaultAddress: pool.VaultAddress,
		Symbol:       pool.Symbol,
		CurrentAPY:   currentAPY,
		APYSeries:    apySeries,
		TVLSeries:    tvlSeries,
		Integrity:    domain.VaultIntegrity{ERC4626Compliant: pool.ERC4626},
	}
	if pool.Protocol != nil {
		in.Protocol = pool.Protocol.Slug
	}
	return p.auditor.AuditVault(in), currentAPY, nil
}

// candidatesFor collects every same-chain, same-asset active pool except
// the one the position already sits in, audited and policy-gated. Pools the
// auditor itself wants exited never qualify as a destination.
func (p *Planner) candidatesFor(pos *domain.Position) ([]candidate, error) {
	pools, err := p.positions.ActivePools()
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, pool := range pools {
		if pool.ID == pos.PoolID || pool.ChainID != pos.Pool.ChainID {
			continue
		}
		if pool.Symbol != pos.Pool.Symbol {
			continue
		}
		snapshot, err := p.positions.LatestSnapshot(pool.ID)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			continue
		}
		audit, _, err := p.auditPool(pool)
		if err != nil {
			return nil, err
		}
		if audit.Recommendation == domain.RecommendationExit {
			continue
		}

		risk := snapshot.RiskScore
		if pool.Protocol != nil {
			risk = pool.Protocol.RiskScore
		}
		decision := p.gate.Evaluate(policygate.Candidate{
			Pool:      pool,
			Protocol:  pool.Protocol,
			APY:       snapshot.APY,
			TVLUSD:    snapshot.TVLUSD,
			RiskScore: risk,
		})
		out = append(out, candidate{pool: pool, snapshot: snapshot, audit: audit, gate: decision})
	}
	return out, nil
}

// riskSuggestion plans the move out of a failing vault. With no allowed
// destination and an EXIT verdict, the suggestion is a withdraw to wallet.
func (p *Planner) riskSuggestion(ctx context.Context, pos *domain.Position, currentAudit *domain.VaultAuditResult, settings *policy.UserSettings, doc *policy.Document) (*domain.RepairSuggestion, error) {
	candidates, err := p.candidatesFor(pos)
	if err != nil {
		return nil, err
	}

	allowed := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.gate.Allowed {
			allowed = append(allowed, c)
		}
	}

	options := p.buildOptions(allowed, currentAudit, doc)

	s := &domain.RepairSuggestion{
		RepairID:   uuid.New().String(),
		Kind:       domain.SuggestionRisk,
		PositionID: pos.ID,
		FromPoolID: pos.PoolID,
		Options:    options,
		Reason:     currentAudit.Explanation,
		Demo:       p.demoMode,
	}

	if len(options) == 0 {
		if currentAudit.Recommendation != domain.RecommendationExit {
			// Nothing better to move to; not worth a suggestion.
			return nil, nil
		}
		s.Plan = BuildMovePlan(pos.Pool, nil, settings.AutonomyLevel)
		s.Reason = currentAudit.Explanation + "; no policy-aligned destination, exiting to wallet"
		return s, nil
	}

	best := pickBest(options, currentAudit.Recommendation)
	s.Best = best

	toPool := p.findPool(candidates, best.ToPoolID)
	s.Plan = BuildMovePlan(pos.Pool, toPool, settings.AutonomyLevel)
	return s, nil
}

// buildOptions produces the three planning variants over allowed candidates.
func (p *Planner) buildOptions(allowed []candidate, currentAudit *domain.VaultAuditResult, doc *policy.Document) []domain.RepairOption {
	if len(allowed) == 0 {
		return nil
	}

	byCalmar := bestBy(allowed, func(c candidate) float64 { return c.audit.Metrics.CalmarRatio })
	byScore := bestBy(allowed, func(c candidate) float64 { return c.audit.OverallScore })
	byAPY := bestBy(allowed, func(c candidate) float64 { return c.snapshot.APY })

	mk := func(variant domain.RepairVariant, c candidate, why string) domain.RepairOption {
		return domain.RepairOption{
			Variant:           variant,
			ToPoolID:          c.pool.ID,
			ToPoolSymbol:      c.pool.Symbol,
			ToProtocol:        protocolSlug(c.pool),
			EstimatedAPYDelta: c.snapshot.APY - currentAudit.APY,
			Proof: domain.RepairProof{
				CalmarImprovement: c.audit.Metrics.CalmarRatio - currentAudit.Metrics.CalmarRatio,
				Integrity:         c.audit.Integrity,
				TVLStabilityPass:  c.audit.Metrics.TVLStability >= proofStabilityFloor,
				PolicyAligned:     c.gate.Allowed,
				Explanation:       why,
				PolicyVersion:     doc.Version,
			},
		}
	}

	all := []domain.RepairOption{
		mk(domain.VariantFortress, byCalmar,
			fmt.Sprintf("highest Calmar ratio (%.2f) among allowed pools", byCalmar.audit.Metrics.CalmarRatio)),
		mk(domain.VariantBalanced, byScore,
			fmt.Sprintf("highest overall score (%.0f) among allowed pools", byScore.audit.OverallScore)),
		mk(domain.VariantYieldMax, byAPY,
			fmt.Sprintf("highest APY (%.2f%%) among allowed pools", byAPY.snapshot.APY)),
	}

	// When variants agree on a destination, the earlier (safer) variant
	// keeps it.
	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, opt := range all {
		if seen[opt.ToPoolID] {
			continue
		}
		seen[opt.ToPoolID] = true
		out = append(out, opt)
	}
	return out
}

// pickBest selects the option executed by default: capital preservation for
// an EXIT verdict, the balanced pick otherwise.
func pickBest(options []domain.RepairOption, rec domain.Recommendation) *domain.RepairOption {
	want := domain.VariantBalanced
	if rec == domain.RecommendationExit {
		want = domain.VariantFortress
	}
	for i := range options {
		if options[i].Variant == want {
			return &options[i]
		}
	}
	return &options[0]
}

func (p *Planner) harvestSuggestion(pos *domain.Position, settings *policy.UserSettings) *domain.RepairSuggestion {
	return &domain.RepairSuggestion{
		RepairID:   uuid.New().String(),
		Kind:       domain.SuggestionHarvest,
		PositionID: pos.ID,
		FromPoolID: pos.PoolID,
		Plan:       BuildHarvestPlan(pos.Pool, settings.AutonomyLevel),
		Reason:     fmt.Sprintf("$%.2f in unclaimed rewards", pos.RewardsEarned),
		RewardsUSD: pos.RewardsEarned,
		Demo:       p.demoMode,
	}
}

// rotationSuggestion looks for a policy-clean pool whose seven-day rolling
// yield beats the position's by the policy's minimum lift.
func (p *Planner) rotationSuggestion(ctx context.Context, pos *domain.Position, currentAudit *domain.VaultAuditResult, currentAPY float64, settings *policy.UserSettings, doc *policy.Document) (*domain.RepairSuggestion, error) {
	candidates, err := p.candidatesFor(pos)
	if err != nil {
		return nil, err
	}

	currentHistory, err := p.positions.SnapshotHistory(pos.PoolID, auditLookback)
	if err != nil {
		return nil, err
	}
	currentSmoothed := RollingAPY(currentHistory, p.now())

	currentRisk := 0.5
	if pos.Pool.Protocol != nil {
		currentRisk = pos.Pool.Protocol.RiskScore
	}

	var best *candidate
	var bestCheck RotationCheck
	for i := range candidates {
		c := candidates[i]
		if !c.gate.Allowed || c.audit.Recommendation != domain.RecommendationHold {
			continue
		}
		history, err := p.positions.SnapshotHistory(c.pool.ID, auditLookback)
		if err != nil {
			return nil, err
		}
		smoothed := RollingAPY(history, p.now())
		if smoothed == 0 {
			continue
		}

		check := EvaluateRotation(doc, pos, currentSmoothed, currentRisk, c.snapshot, smoothed, p.now())
		if !check.Eligible {
			continue
		}
		if best == nil || check.RelativeLift > bestCheck.RelativeLift {
			best = &candidates[i]
			bestCheck = check
		}
	}

	if best == nil {
		return nil, nil
	}

	option := domain.RepairOption{
		Variant:           domain.VariantYieldMax,
		ToPoolID:          best.pool.ID,
		ToPoolSymbol:      best.pool.Symbol,
		ToProtocol:        protocolSlug(best.pool),
		EstimatedAPYDelta: best.snapshot.APY - currentAPY,
		Proof: domain.RepairProof{
			CalmarImprovement: best.audit.Metrics.CalmarRatio - currentAudit.Metrics.CalmarRatio,
			Integrity:         best.audit.Integrity,
			TVLStabilityPass:  best.audit.Metrics.TVLStability >= proofStabilityFloor,
			PolicyAligned:     true,
			Explanation:       fmt.Sprintf("smoothed APY lift of %.0f%% over current pool", bestCheck.RelativeLift*100),
			PolicyVersion:     doc.Version,
		},
	}

	return &domain.RepairSuggestion{
		RepairID:   uuid.New().String(),
		Kind:       domain.SuggestionRotation,
		PositionID: pos.ID,
		FromPoolID: pos.PoolID,
		Options:    []domain.RepairOption{option},
		Best:       &option,
		Plan:       BuildMovePlan(pos.Pool, best.pool, settings.AutonomyLevel),
		Reason:     option.Proof.Explanation,
		Demo:       p.demoMode,
	}, nil
}

func (p *Planner) record(userID string, s *domain.RepairSuggestion, policyVersion string) error {
	d := &domain.RepairDecision{
		UserID:        userID,
		PositionID:    s.PositionID,
		FromPoolID:    s.FromPoolID,
		RepairID:      s.RepairID,
		Explanation:   s.Reason,
		PolicyVersion: policyVersion,
	}
	if s.Best != nil {
		d.ToPoolID = s.Best.ToPoolID
		d.ExpectedAPYDelta = s.Best.EstimatedAPYDelta
	}
	if err := p.decisions.RecordSuggested(d); err != nil {
		return err
	}

	p.bus.Publish(&events.RepairSuggestedData{
		UserID:     userID,
		RepairID:   s.RepairID,
		PositionID: s.PositionID,
		Kind:       string(s.Kind),
		APYDelta:   d.ExpectedAPYDelta,
	})
	return nil
}

func (p *Planner) findPool(candidates []candidate, poolID string) *domain.Pool {
	for _, c := range candidates {
		if c.pool.ID == poolID {
			return c.pool
		}
	}
	return nil
}

func bestBy(candidates []candidate, metric func(candidate) float64) candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return metric(sorted[i]) > metric(sorted[j])
	})
	return sorted[0]
}

func protocolSlug(pool *domain.Pool) string {
	if pool.Protocol != nil {
		return pool.Protocol.Slug
	}
	return ""
}
