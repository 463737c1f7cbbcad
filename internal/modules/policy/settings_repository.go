package policy

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
)

// UserSettings is a user's autopilot configuration row.
type UserSettings struct {
	UserID           string
	AutopilotEnabled bool
	MainnetEnabled   bool
	AutonomyLevel    domain.AutonomyLevel
	Tier             string
	DrawdownLimit    float64
	SpendLimit24hUSD float64
}

// SettingsRepository persists per-user autopilot settings in the portfolio
// database.
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSettingsRepository creates a settings repository.
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:  db,
		log: log.With().Str("repository", "user_settings").Logger(),
	}
}

// Get returns the user's settings, or safe defaults for a user without a
// row. Defaults keep the autopilot off and at the lowest autonomy.
func (r *SettingsRepository) Get(userID string) (*UserSettings, error) {
	row := r.db.QueryRow(`
		SELECT user_id, autopilot_enabled, mainnet_enabled, autonomy_level,
		       tier, drawdown_limit, spend_limit_24h_usd
		FROM user_settings WHERE user_id = ?`, userID)

	var s UserSettings
	var level string
	err := row.Scan(&s.UserID, &s.AutopilotEnabled, &s.MainnetEnabled, &level,
		&s.Tier, &s.DrawdownLimit, &s.SpendLimit24hUSD)
	if err == sql.ErrNoRows {
		return &UserSettings{
			UserID:        userID,
			AutonomyLevel: domain.AutonomyNotifyOnly,
			Tier:          "starter",
			DrawdownLimit: 0.08,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user settings: %w", err)
	}
	s.AutonomyLevel = domain.AutonomyLevel(level)
	return &s, nil
}

// Upsert writes the user's settings.
func (r *SettingsRepository) Upsert(s *UserSettings) error {
	if !validAutonomyLevel(s.AutonomyLevel) {
		return fmt.Errorf("unknown autonomy level %q", s.AutonomyLevel)
	}
	_, err := r.db.Exec(`
		INSERT INTO user_settings
			(user_id, autopilot_enabled, mainnet_enabled, autonomy_level,
			 tier, drawdown_limit, spend_limit_24h_usd, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(user_id) DO UPDATE SET
			autopilot_enabled = excluded.autopilot_enabled,
			mainnet_enabled = excluded.mainnet_enabled,
			autonomy_level = excluded.autonomy_level,
			tier = excluded.tier,
			drawdown_limit = excluded.drawdown_limit,
			spend_limit_24h_usd = excluded.spend_limit_24h_usd,
			updated_at = datetime('now')`,
		s.UserID, s.AutopilotEnabled, s.MainnetEnabled, string(s.AutonomyLevel),
		s.Tier, s.DrawdownLimit, s.SpendLimit24hUSD)
	if err != nil {
		return fmt.Errorf("upsert user settings: %w", err)
	}
	return nil
}

// EnabledUserIDs returns every user with autopilot switched on. Background
// sweeps iterate this instead of scanning all rows.
func (r *SettingsRepository) EnabledUserIDs() ([]string, error) {
	rows, err := r.db.Query(`SELECT user_id FROM user_settings WHERE autopilot_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("query enabled users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func validAutonomyLevel(l domain.AutonomyLevel) bool {
	switch l {
	case domain.AutonomyNotifyOnly, domain.AutonomyApproveRepairs,
		domain.AutonomyAutoBounded, domain.AutonomyAutoSpend:
		return true
	}
	return false
}
