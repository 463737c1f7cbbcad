// Package positions persists protocols, pools, user positions, and yield
// history in the portfolio database.
package positions

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
)

// Repository is the data access layer for the portfolio database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a positions repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "positions").Logger(),
	}
}

// UpsertProtocol writes a protocol row keyed by slug.
func (r *Repository) UpsertProtocol(p *domain.Protocol) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO protocols (id, slug, name, risk_score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			risk_score = excluded.risk_score`,
		p.ID, p.Slug, p.Name, p.RiskScore)
	if err != nil {
		return fmt.Errorf("upsert protocol %s: %w", p.Slug, err)
	}
	return nil
}

// UpsertPool writes a pool row.
func (r *Repository) UpsertPool(p *domain.Pool) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO pools (id, protocol_id, symbol, chain_id, vault_address, erc4626, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol,
			vault_address = excluded.vault_address,
			erc4626 = excluded.erc4626,
			active = excluded.active`,
		p.ID, p.ProtocolID, p.Symbol, p.ChainID, p.VaultAddress, p.ERC4626, p.Active)
	if err != nil {
		return fmt.Errorf("upsert pool %s: %w", p.ID, err)
	}
	return nil
}

const poolColumns = `
	p.id, p.protocol_id, p.symbol, p.chain_id, p.vault_address, p.erc4626, p.active,
	pr.id, pr.slug, pr.name, pr.risk_score`

func scanPool(row interface{ Scan(...interface{}) error }) (*domain.Pool, error) {
	var pool domain.Pool
	var proto domain.Protocol
	err := row.Scan(
		&pool.ID, &pool.ProtocolID, &pool.Symbol, &pool.ChainID,
		&pool.VaultAddress, &pool.ERC4626, &pool.Active,
		&proto.ID, &proto.Slug, &proto.Name, &proto.RiskScore)
	if err != nil {
		return nil, err
	}
	pool.Protocol = &proto
	return &pool, nil
}

// GetPool returns one pool with its protocol, or nil when absent.
func (r *Repository) GetPool(poolID string) (*domain.Pool, error) {
	row := r.db.QueryRow(`
		SELECT `+poolColumns+`
		FROM pools p JOIN protocols pr ON pr.id = p.protocol_id
		WHERE p.id = ?`, poolID)
	pool, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", poolID, err)
	}
	return pool, nil
}

// ActivePools returns every active pool, with protocols attached.
func (r *Repository) ActivePools() ([]*domain.Pool, error) {
	rows, err := r.db.Query(`
		SELECT ` + poolColumns + `
		FROM pools p JOIN protocols pr ON pr.id = p.protocol_id
		WHERE p.active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query active pools: %w", err)
	}
	defer rows.Close()

	var out []*domain.Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	return out, rows.Err()
}

// CreatePosition inserts a new position row.
func (r *Repository) CreatePosition(p *domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	_, err := r.db.Exec(`
		INSERT INTO positions
			(id, user_id, pool_id, wallet_address, staked_amount, staked_value_usd, rewards_earned, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.PoolID, p.WalletAddress,
		p.StakedAmount, p.StakedValueUSD, p.RewardsEarned, p.Active)
	if err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	return nil
}

// GetPosition returns one position with its pool and protocol, or nil.
func (r *Repository) GetPosition(positionID string) (*domain.Position, error) {
	row := r.db.QueryRow(`
		SELECT pos.id, pos.user_id, pos.pool_id, pos.wallet_address,
		       pos.staked_amount, pos.staked_value_usd, pos.rewards_earned,
		       pos.active, pos.created_at, `+poolColumns+`
		FROM positions pos
		JOIN pools p ON p.id = pos.pool_id
		JOIN protocols pr ON pr.id = p.protocol_id
		WHERE pos.id = ?`, positionID)

	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", positionID, err)
	}
	return pos, nil
}

func scanPosition(row interface{ Scan(...interface{}) error }) (*domain.Position, error) {
	var pos domain.Position
	var pool domain.Pool
	var proto domain.Protocol
	var createdAt string
	err := row.Scan(
		&pos.ID, &pos.UserID, &pos.PoolID, &pos.WalletAddress,
		&pos.StakedAmount, &pos.StakedValueUSD, &pos.RewardsEarned,
		&pos.Active, &createdAt,
		&pool.ID, &pool.ProtocolID, &pool.Symbol, &pool.ChainID,
		&pool.VaultAddress, &pool.ERC4626, &pool.Active,
		&proto.ID, &proto.Slug, &proto.Name, &proto.RiskScore)
	if err != nil {
		return nil, err
	}
	pos.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", createdAt)
	pool.Protocol = &proto
	pos.Pool = &pool
	return &pos, nil
}

// ActivePositions returns a user's active positions with pools attached.
func (r *Repository) ActivePositions(userID string) ([]*domain.Position, error) {
	rows, err := r.db.Query(`
		SELECT pos.id, pos.user_id, pos.pool_id, pos.wallet_address,
		       pos.staked_amount, pos.staked_value_usd, pos.rewards_earned,
		       pos.active, pos.created_at, `+poolColumns+`
		FROM positions pos
		JOIN pools p ON p.id = pos.pool_id
		JOIN protocols pr ON pr.id = p.protocol_id
		WHERE pos.user_id = ? AND pos.active = 1
		ORDER BY pos.staked_value_usd DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// ActiveUserIDs returns every user holding at least one active position.
func (r *Repository) ActiveUserIDs() ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT user_id FROM positions WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, userID)
	}
	return out, rows.Err()
}

// TotalValueUSD sums a user's active position values.
func (r *Repository) TotalValueUSD(userID string) (float64, error) {
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT SUM(staked_value_usd) FROM positions
		WHERE user_id = ? AND active = 1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum position values: %w", err)
	}
	return total.Float64, nil
}

// ApplyDelta adjusts a position's stake after a confirmed transaction.
// A position whose value reaches zero is deactivated; rewards harvesting
// resets the rewards counter.
func (r *Repository) ApplyDelta(positionID string, amountDelta, valueDelta float64, harvested bool) error {
	res, err := r.db.Exec(`
		UPDATE positions SET
			staked_amount = MAX(0, staked_amount + ?),
			staked_value_usd = MAX(0, staked_value_usd + ?),
			rewards_earned = CASE WHEN ? THEN 0 ELSE rewards_earned END,
			active = CASE WHEN staked_value_usd + ? <= 0 THEN 0 ELSE active END
		WHERE id = ?`,
		amountDelta, valueDelta, harvested, valueDelta, positionID)
	if err != nil {
		return fmt.Errorf("apply position delta: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s not found", positionID)
	}
	return nil
}

// RecordSnapshot appends one yield observation for a pool.
func (r *Repository) RecordSnapshot(s *domain.YieldSnapshot) error {
	_, err := r.db.Exec(`
		INSERT INTO yield_snapshots (pool_id, apy, tvl_usd, risk_score)
		VALUES (?, ?, ?, ?)`,
		s.PoolID, s.APY, s.TVLUSD, s.RiskScore)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// SnapshotHistory returns up to limit snapshots for a pool, oldest first,
// ready for NAV synthesis.
func (r *Repository) SnapshotHistory(poolID string, limit int) ([]*domain.YieldSnapshot, error) {
	rows, err := r.db.Query(`
		SELECT pool_id, apy, tvl_usd, risk_score, created_at
		FROM (
			SELECT pool_id, apy, tvl_usd, risk_score, created_at, id
			FROM yield_snapshots WHERE pool_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, poolID, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	defer rows.Close()

	var out []*domain.YieldSnapshot
	for rows.Next() {
		var s domain.YieldSnapshot
		var createdAt string
		if err := rows.Scan(&s.PoolID, &s.APY, &s.TVLUSD, &s.RiskScore, &createdAt); err != nil {
			return nil, err
		}
		s.Timestamp, _ = time.Parse("2006-01-02 15:04:05", createdAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

// AverageAPYSince returns the mean APY of a pool's snapshots taken at or
// after the cutoff, and how many snapshots backed the mean.
func (r *Repository) AverageAPYSince(poolID string, since time.Time) (float64, int, error) {
	var avg sql.NullFloat64
	var count int
	err := r.db.QueryRow(`
		SELECT AVG(apy), COUNT(*) FROM yield_snapshots
		WHERE pool_id = ? AND created_at >= ?`,
		poolID, since.UTC().Format("2006-01-02 15:04:05")).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("average apy for %s: %w", poolID, err)
	}
	return avg.Float64, count, nil
}

// HarvestableRewards totals accrued rewards across every active position
// that has reached the harvest floor, over all users.
func (r *Repository) HarvestableRewards(minUSD float64) (float64, int, error) {
	var total sql.NullFloat64
	var count int
	err := r.db.QueryRow(`
		SELECT SUM(rewards_earned), COUNT(*) FROM positions
		WHERE active = 1 AND rewards_earned >= ?`, minUSD).Scan(&total, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("harvestable rewards: %w", err)
	}
	return total.Float64, count, nil
}

// LatestSnapshot returns the newest snapshot for a pool, or nil.
func (r *Repository) LatestSnapshot(poolID string) (*domain.YieldSnapshot, error) {
	history, err := r.SnapshotHistory(poolID, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	return history[0], nil
}
