// Package ledger is the append-only transaction record. Rate limits, spend
// accounting, and volume checks all read from these rows so that every
// limit survives a process restart.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// TransactionRepository persists engine transactions in the ledger database.
type TransactionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTransactionRepository creates a transaction repository.
func NewTransactionRepository(db *sql.DB, log zerolog.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log.With().Str("repository", "transactions").Logger(),
	}
}

// Append inserts a new transaction row. Status defaults to pending.
func (r *TransactionRepository) Append(tx *domain.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.Status == "" {
		tx.Status = domain.TxPending
	}
	_, err := r.db.Exec(`
		INSERT INTO transactions
			(id, user_id, position_id, pool_id, action, tx_hash, chain_id,
			 amount_usd, status, wallet_address, gas_used)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.PositionID, tx.PoolID, tx.Action, tx.TxHash,
		tx.ChainID, tx.AmountUSD, string(tx.Status), tx.WalletAddress, tx.GasUsed)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// Get returns one transaction, or nil when absent.
func (r *TransactionRepository) Get(id string) (*domain.Transaction, error) {
	row := r.db.QueryRow(`
		SELECT id, user_id, position_id, pool_id, action, tx_hash, chain_id,
		       amount_usd, status, wallet_address, gas_used, created_at, confirmed_at
		FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

func scanTransaction(row interface{ Scan(...interface{}) error }) (*domain.Transaction, error) {
	var tx domain.Transaction
	var status, createdAt string
	var confirmedAt sql.NullString
	err := row.Scan(&tx.ID, &tx.UserID, &tx.PositionID, &tx.PoolID, &tx.Action,
		&tx.TxHash, &tx.ChainID, &tx.AmountUSD, &status, &tx.WalletAddress,
		&tx.GasUsed, &createdAt, &confirmedAt)
	if err != nil {
		return nil, err
	}
	tx.Status = domain.TransactionStatus(status)
	tx.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	if confirmedAt.Valid {
		t, _ := time.Parse(timeLayout, confirmedAt.String)
		tx.ConfirmedAt = &t
	}
	return &tx, nil
}

// Confirm transitions a pending transaction to confirmed and records its
// hash and gas usage. Only pending rows can be confirmed.
func (r *TransactionRepository) Confirm(id, txHash string, gasUsed int64) error {
	res, err := r.db.Exec(`
		UPDATE transactions
		SET status = ?, tx_hash = ?, gas_used = ?, confirmed_at = datetime('now')
		WHERE id = ? AND status = ?`,
		string(domain.TxConfirmed), txHash, gasUsed, id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("confirm transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

// MarkFailed transitions a pending transaction to failed.
func (r *TransactionRepository) MarkFailed(id string) error {
	res, err := r.db.Exec(`
		UPDATE transactions SET status = ? WHERE id = ? AND status = ?`,
		string(domain.TxFailed), id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("fail transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

// MarkReverted transitions a pending transaction to reverted. Confirmed
// rows are immutable history and can never be reverted here.
func (r *TransactionRepository) MarkReverted(id string) error {
	res, err := r.db.Exec(`
		UPDATE transactions SET status = ? WHERE id = ? AND status = ?`,
		string(domain.TxReverted), id, string(domain.TxPending))
	if err != nil {
		return fmt.Errorf("revert transaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

// SumUSDSince totals a user's confirmed and pending spend since a cutoff.
// Pending rows count: a limit that ignored in-flight transactions could be
// raced past.
func (r *TransactionRepository) SumUSDSince(userID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(amount_usd) FROM transactions
		WHERE user_id = ?
		  AND status IN (?, ?)
		  AND created_at >= ?`,
		userID, string(domain.TxPending), string(domain.TxConfirmed),
		since.UTC().Format(timeLayout)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	return total.Float64, nil
}

// CountSince counts a user's non-reverted operations since a cutoff.
func (r *TransactionRepository) CountSince(userID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE user_id = ?
		  AND status != ?
		  AND created_at >= ?`,
		userID, string(domain.TxReverted),
		since.UTC().Format(timeLayout)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return count, nil
}

// FindPending returns a user's pending transactions, newest first.
func (r *TransactionRepository) FindPending(userID string) ([]*domain.Transaction, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, position_id, pool_id, action, tx_hash, chain_id,
		       amount_usd, status, wallet_address, gas_used, created_at, confirmed_at
		FROM transactions
		WHERE user_id = ? AND status = ?
		ORDER BY created_at DESC, id DESC`,
		userID, string(domain.TxPending))
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
