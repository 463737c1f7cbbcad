// Package repair plans position repairs: risk-driven moves out of failing
// vaults, yield rotations, and reward harvests. Every decision the planner
// or executor makes lands in the decisions ledger.
package repair

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// DecisionRepository persists repair decisions in the ledger database.
type DecisionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDecisionRepository creates a decision repository.
func NewDecisionRepository(db *sql.DB, log zerolog.Logger) *DecisionRepository {
	return &DecisionRepository{
		db:  db,
		log: log.With().Str("repository", "repair_decisions").Logger(),
	}
}

// RecordSuggested appends a suggested decision.
func (r *DecisionRepository) RecordSuggested(d *domain.RepairDecision) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.DecisionType = domain.DecisionSuggested
	_, err := r.db.Exec(`
		INSERT INTO repair_decisions
			(id, user_id, position_id, from_pool_id, to_pool_id, repair_id,
			 decision_type, expected_apy_delta, explanation, policy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.PositionID, d.FromPoolID, d.ToPoolID, d.RepairID,
		string(d.DecisionType), d.ExpectedAPYDelta, d.Explanation, d.PolicyVersion)
	if err != nil {
		return fmt.Errorf("record suggested decision: %w", err)
	}
	return nil
}

// MarkExecuted promotes a suggested decision to executed with its hash.
func (r *DecisionRepository) MarkExecuted(id, txHash string) error {
	res, err := r.db.Exec(`
		UPDATE repair_decisions
		SET decision_type = ?, executed_at = datetime('now'), tx_hash = ?
		WHERE id = ? AND decision_type = ?`,
		string(domain.DecisionExecuted), txHash, id, string(domain.DecisionSuggested))
	if err != nil {
		return fmt.Errorf("mark decision executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s is not in suggested state", id)
	}
	return nil
}

// RecordOutcome writes the measured result onto an executed decision.
func (r *DecisionRepository) RecordOutcome(id string, actualAPYDelta float64, status domain.OutcomeStatus, report string) error {
	res, err := r.db.Exec(`
		UPDATE repair_decisions
		SET actual_apy_delta = ?, outcome_status = ?, outcome_report = ?,
		    outcome_checked_at = datetime('now')
		WHERE id = ? AND decision_type = ? AND outcome_status IS NULL`,
		actualAPYDelta, string(status), report, id, string(domain.DecisionExecuted))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s has no pending outcome", id)
	}
	return nil
}

// FindByRepairID returns the decision for a planner repair id, or nil.
func (r *DecisionRepository) FindByRepairID(repairID string) (*domain.RepairDecision, error) {
	row := r.db.QueryRow(selectDecision+` WHERE repair_id = ? ORDER BY created_at DESC LIMIT 1`, repairID)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find decision by repair id: %w", err)
	}
	return d, nil
}

// Get returns one decision by id, or nil.
func (r *DecisionRepository) Get(id string) (*domain.RepairDecision, error) {
	row := r.db.QueryRow(selectDecision+` WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

// LastExecuted returns the user's most recently executed decision, or nil.
func (r *DecisionRepository) LastExecuted(userID string) (*domain.RepairDecision, error) {
	row := r.db.QueryRow(selectDecision+`
		WHERE user_id = ? AND decision_type = ?
		ORDER BY executed_at DESC LIMIT 1`,
		userID, string(domain.DecisionExecuted))
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last executed decision: %w", err)
	}
	return d, nil
}

// ExecutedAwaitingOutcome returns executed decisions older than minAge with
// no outcome yet.
func (r *DecisionRepository) ExecutedAwaitingOutcome(minAge time.Duration) ([]*domain.RepairDecision, error) {
	cutoff := time.Now().Add(-minAge).UTC().Format(timeLayout)
	rows, err := r.db.Query(selectDecision+`
		WHERE decision_type = ? AND outcome_status IS NULL AND executed_at <= ?
		ORDER BY executed_at ASC`,
		string(domain.DecisionExecuted), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query decisions awaiting outcome: %w", err)
	}
	defer rows.Close()

	var out []*domain.RepairDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SuggestedSince counts suggestions recorded for a user since a cutoff.
// The planner uses it to respect the per-run suggestion cap.
func (r *DecisionRepository) SuggestedSince(userID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM repair_decisions
		WHERE user_id = ? AND created_at >= ?`,
		userID, since.UTC().Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count suggestions: %w", err)
	}
	return count, nil
}

const selectDecision = `
	SELECT id, user_id, position_id, from_pool_id, COALESCE(to_pool_id, ''),
	       repair_id, decision_type, expected_apy_delta,
	       COALESCE(explanation, ''), COALESCE(policy_version, ''),
	       created_at, executed_at, COALESCE(tx_hash, ''),
	       actual_apy_delta, COALESCE(outcome_status, ''), COALESCE(outcome_report, ''),
	       outcome_checked_at
	FROM repair_decisions`

func scanDecision(row interface{ Scan(...interface{}) error }) (*domain.RepairDecision, error) {
	var d domain.RepairDecision
	var decisionType, createdAt, outcomeStatus string
	var executedAt, outcomeCheckedAt sql.NullString
	var actualAPY sql.NullFloat64

	err := row.Scan(&d.ID, &d.UserID, &d.PositionID, &d.FromPoolID, &d.ToPoolID,
		&d.RepairID, &decisionType, &d.ExpectedAPYDelta,
		&d.Explanation, &d.PolicyVersion,
		&createdAt, &executedAt, &d.TxHash,
		&actualAPY, &outcomeStatus, &d.OutcomeReport,
		&outcomeCheckedAt)
	if err != nil {
		return nil, err
	}

	d.DecisionType = domain.DecisionType(decisionType)
	d.OutcomeStatus = domain.OutcomeStatus(outcomeStatus)
	d.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if executedAt.Valid {
		t, _ := time.Parse(timeLayout, executedAt.String)
		d.ExecutedAt = &t
	}
	if outcomeCheckedAt.Valid {
		t, _ := time.Parse(timeLayout, outcomeCheckedAt.String)
		d.OutcomeCheckedAt = &t
	}
	if actualAPY.Valid {
		v := actualAPY.Float64
		d.ActualAPYDelta = &v
	}
	return &d, nil
}
