// Package autonomy decides how far the engine may go on its own: from
// notify-only through fully automatic spending under a signed permission.
package autonomy

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/policy"
)

// SpendPermissionRepository persists user-granted spend bounds in the
// ledger database.
type SpendPermissionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSpendPermissionRepository creates a spend permission repository.
func NewSpendPermissionRepository(db *sql.DB, log zerolog.Logger) *SpendPermissionRepository {
	return &SpendPermissionRepository{
		db:  db,
		log: log.With().Str("repository", "spend_permissions").Logger(),
	}
}

// Grant stores a permission.
func (r *SpendPermissionRepository) Grant(p *domain.SpendPermission) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO spend_permissions
			(id, user_id, wallet_address, chain_id, max_amount_usd, valid_until, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.WalletAddress, p.ChainID, p.MaxAmountUSD,
		p.ValidUntil.UTC().Format("2006-01-02 15:04:05"), p.Signature)
	if err != nil {
		return fmt.Errorf("grant spend permission: %w", err)
	}
	return nil
}

// ActiveFor returns the live permission with the highest cap for a user on
// a chain, or nil.
func (r *SpendPermissionRepository) ActiveFor(userID string, chainID int64) (*domain.SpendPermission, error) {
	row := r.db.QueryRow(`
		SELECT id, user_id, wallet_address, chain_id, max_amount_usd, valid_until, COALESCE(signature, '')
		FROM spend_permissions
		WHERE user_id = ? AND chain_id = ? AND valid_until > datetime('now')
		ORDER BY max_amount_usd DESC LIMIT 1`, userID, chainID)

	var p domain.SpendPermission
	var validUntil string
	err := row.Scan(&p.ID, &p.UserID, &p.WalletAddress, &p.ChainID,
		&p.MaxAmountUSD, &validUntil, &p.Signature)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query spend permission: %w", err)
	}
	p.ValidUntil, _ = time.Parse("2006-01-02 15:04:05", validUntil)
	return &p, nil
}

// SpendGuard enforces the user's rolling 24h spend limit. Fail-closed: any
// trouble reading the ledger denies the spend.
type SpendGuard struct {
	ledger   *ledger.TransactionRepository
	settings *policy.SettingsRepository
	log      zerolog.Logger
}

// NewSpendGuard creates the daily spend guard.
func NewSpendGuard(txRepo *ledger.TransactionRepository, settings *policy.SettingsRepository, log zerolog.Logger) *SpendGuard {
	return &SpendGuard{
		ledger:   txRepo,
		settings: settings,
		log:      log.With().Str("service", "spend_guard").Logger(),
	}
}

// Allow reports whether amountUSD fits inside the user's remaining daily
// budget. A zero limit means automatic spending is not budgeted at all.
func (g *SpendGuard) Allow(userID string, amountUSD float64) (bool, string) {
	settings, err := g.settings.Get(userID)
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("Spend guard denying: settings unreadable")
		return false, "unable to verify spend limit"
	}
	if settings.SpendLimit24hUSD <= 0 {
		return false, "no daily spend budget configured"
	}

	spent, err := g.ledger.SumUSDSince(userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", userID).Msg("Spend guard denying: ledger unreadable")
		return false, "unable to verify recent spending"
	}

	if spent+amountUSD > settings.SpendLimit24hUSD {
		return false, fmt.Sprintf("would exceed the $%.2f daily spend limit ($%.2f already spent)",
			settings.SpendLimit24hUSD, spent)
	}
	return true, ""
}
