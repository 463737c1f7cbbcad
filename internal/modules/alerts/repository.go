// Package alerts persists user-facing alerts and fans decision-engine
// events out to them.
package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// Repository stores alerts in the portfolio database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "alerts").Logger(),
	}
}

// Create persists an alert. A missing ID is generated.
func (r *Repository) Create(a *domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var data []byte
	if a.Data != nil {
		var err error
		data, err = json.Marshal(a.Data)
		if err != nil {
			return fmt.Errorf("marshal alert data: %w", err)
		}
	}
	_, err := r.db.Exec(`
		INSERT INTO alerts (id, user_id, alert_type, severity, title, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.AlertType, a.Severity, a.Title, a.Message, string(data))
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// Recent returns the newest alerts for a user, newest first.
func (r *Repository) Recent(userID string, limit int) ([]*domain.Alert, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, alert_type, severity, title,
		       COALESCE(message, ''), COALESCE(data, ''), created_at
		FROM alerts WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var data, createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.AlertType, &a.Severity,
			&a.Title, &a.Message, &data, &createdAt); err != nil {
			return nil, err
		}
		if data != "" {
			if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
				r.log.Warn().Err(err).Str("alert_id", a.ID).Msg("Corrupt alert data field")
			}
		}
		a.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Prune deletes alerts older than the retention window.
func (r *Repository) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	res, err := r.db.Exec(`DELETE FROM alerts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
