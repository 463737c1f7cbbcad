package circuit

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// Transition is one audited circuit state change.
type Transition struct {
	ID          int64
	ChainID     int64
	OldState    string
	NewState    string
	Reason      string
	TriggeredBy string
	CreatedAt   time.Time
}

// AuditLog writes circuit transitions to the ledger database. The log is
// append-only; a failed write is logged but never blocks a trip, since
// halting trading matters more than recording that we did.
type AuditLog struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAuditLog creates the circuit audit log over the ledger database.
func NewAuditLog(db *sql.DB, log zerolog.Logger) *AuditLog {
	return &AuditLog{
		db:  db,
		log: log.With().Str("repository", "circuit_audit").Logger(),
	}
}

// Record appends one state transition.
func (a *AuditLog) Record(chainID int64, oldState, newState, reason, triggeredBy string) {
	_, err := a.db.Exec(`
		INSERT INTO circuit_breaker_log (chain_id, old_state, new_state, reason, triggered_by)
		VALUES (?, ?, ?, ?, ?)`,
		chainID, oldState, newState, reason, triggeredBy)
	if err != nil {
		a.log.Error().Err(err).
			Int64("chain_id", chainID).
			Str("new_state", newState).
			Msg("Failed to record circuit transition")
	}
}

// Recent returns the newest transitions, most recent first.
func (a *AuditLog) Recent(limit int) ([]Transition, error) {
	rows, err := a.db.Query(`
		SELECT id, chain_id, old_state, new_state, reason, triggered_by, created_at
		FROM circuit_breaker_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var createdAt string
		if err := rows.Scan(&t.ID, &t.ChainID, &t.OldState, &t.NewState, &t.Reason, &t.TriggeredBy, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
