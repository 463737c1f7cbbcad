package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
)

const (
	// minDecisionAge is how long a repair must season before its outcome
	// is judged. Shorter windows reward noise.
	minDecisionAge = 7 * 24 * time.Hour

	// beneficialShare is the fraction of the expected APY lift that must
	// materialize for a positive verdict.
	beneficialShare = 0.5

	// underperformShare is how far below zero, relative to the expected
	// lift, the measured delta may fall before the repair counts as a
	// regression.
	underperformShare = 0.2

	// flatTolerance is the absolute APY loss tolerated on defensive
	// repairs, where no lift was expected in the first place.
	flatTolerance = 0.01
)

// Tracker closes the loop on executed repairs: after a seasoning window it
// measures what the move actually earned against what the planner promised,
// and records the verdict on the decision.
type Tracker struct {
	decisions *repair.DecisionRepository
	positions *positions.Repository
	bus       *events.Bus
	log       zerolog.Logger
}

func NewTracker(decisions *repair.DecisionRepository, posRepo *positions.Repository, bus *events.Bus, log zerolog.Logger) *Tracker {
	return &Tracker{
		decisions: decisions,
		positions: posRepo,
		bus:       bus,
		log:       log.With().Str("service", "outcome_tracker").Logger(),
	}
}

// Sweep evaluates every executed decision that has seasoned past the
// minimum age and still lacks an outcome. It returns how many outcomes
// were recorded. Decisions with no post-execution market data stay open
// for the next sweep.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	due, err := t.decisions.ExecutedAwaitingOutcome(minDecisionAge)
	if err != nil {
		return 0, fmt.Errorf("find decisions awaiting outcome: %w", err)
	}

	recorded := 0
	for _, decision := range due {
		if err := ctx.Err(); err != nil {
			return recorded, err
		}
		done, err := t.evaluate(decision)
		if err != nil {
			t.log.Error().Err(err).Str("decision_id", decision.ID).Msg("Outcome evaluation failed")
			continue
		}
		if done {
			recorded++
		}
	}
	return recorded, nil
}

// evaluate measures one decision. The actual APY delta is the counterfactual
// comparison: mean APY of the destination since execution minus mean APY of
// the pool the capital left. An exit to wallet earns nothing, so its
// destination APY is zero.
func (t *Tracker) evaluate(decision *domain.RepairDecision) (bool, error) {
	if decision.ExecutedAt == nil {
		return false, fmt.Errorf("decision %s has no execution time", decision.ID)
	}
	since := *decision.ExecutedAt

	fromAPY, fromCount, err := t.positions.AverageAPYSince(decision.FromPoolID, since)
	if err != nil {
		return false, err
	}
	if fromCount == 0 {
		t.log.Debug().Str("decision_id", decision.ID).Msg("No market data since execution yet")
		return false, nil
	}

	var toAPY float64
	if decision.ToPoolID != "" {
		var toCount int
		toAPY, toCount, err = t.positions.AverageAPYSince(decision.ToPoolID, since)
		if err != nil {
			return false, err
		}
		if toCount == 0 {
			return false, nil
		}
	}

	actual := toAPY - fromAPY
	status := Classify(decision.ExpectedAPYDelta, actual)
	days := int(time.Since(since).Hours() / 24)
	report := fmt.Sprintf("expected %+.2f%% APY, measured %+.2f%% over %d days", decision.ExpectedAPYDelta, actual, days)
	for _, lesson := range Lessons(status, decision.ExpectedAPYDelta, actual) {
		report += "\n- " + lesson
	}

	if err := t.decisions.RecordOutcome(decision.ID, actual, status, report); err != nil {
		return false, err
	}

	t.bus.Publish(&events.OutcomeRecordedData{
		UserID:     decision.UserID,
		DecisionID: decision.ID,
		Status:     string(status),
		ActualAPY:  actual,
	})
	t.log.Info().
		Str("decision_id", decision.ID).
		Str("status", string(status)).
		Float64("expected_apy_delta", decision.ExpectedAPYDelta).
		Float64("actual_apy_delta", actual).
		Msg("Repair outcome recorded")
	return true, nil
}

// Lessons turns a graded outcome into short takeaways for the post-mortem
// report. Between one and three bullets come back.
func Lessons(status domain.OutcomeStatus, expected, actual float64) []string {
	var out []string
	defensive := expected <= 0

	switch status {
	case domain.OutcomeBeneficial:
		if defensive {
			out = append(out, "defensive move preserved yield; the exit verdict was justified")
		} else {
			out = append(out, "projected lift materialized; source pool and candidate scoring agreed with the market")
		}
		if !defensive && actual >= expected {
			out = append(out, fmt.Sprintf("measured lift %+.2f%% beat the projection; candidate scoring was conservative", actual))
		}
	case domain.OutcomeUnderperformed:
		if defensive {
			out = append(out, fmt.Sprintf("defensive move cost %+.2f%% APY; exit threshold may be too aggressive for this pool class", actual))
		} else {
			out = append(out, fmt.Sprintf("only %+.2f%% of a projected %+.2f%% lift arrived; the destination's yield decayed after the move", actual, expected))
			out = append(out, "weight destination APY history over the latest print when scoring similar candidates")
		}
		out = append(out, "review the source pool before re-suggesting this route")
	default:
		out = append(out, "outcome landed inside the noise band; no planner adjustment indicated")
		if !defensive && expected > 0 {
			out = append(out, "a larger minimum lift threshold would have skipped this move")
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// Classify grades a measured APY delta against the planner's expectation.
// Defensive repairs (expected lift at or below zero) only need to not lose
// yield; opportunistic ones must deliver a meaningful share of the promise.
func Classify(expected, actual float64) domain.OutcomeStatus {
	if expected <= 0 {
		switch {
		case actual >= 0:
			return domain.OutcomeBeneficial
		case actual < -flatTolerance:
			return domain.OutcomeUnderperformed
		default:
			return domain.OutcomeNeutral
		}
	}
	switch {
	case actual >= beneficialShare*expected:
		return domain.OutcomeBeneficial
	case actual < -underperformShare*expected:
		return domain.OutcomeUnderperformed
	default:
		return domain.OutcomeNeutral
	}
}
