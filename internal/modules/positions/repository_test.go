package positions

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db.Conn(), zerolog.Nop())
}

func seedPool(t *testing.T, repo *Repository) *domain.Pool {
	t.Helper()
	proto := &domain.Protocol{Slug: "aave-v3", Name: "Aave V3", RiskScore: 0.15}
	require.NoError(t, repo.UpsertProtocol(proto))

	pool := &domain.Pool{
		ProtocolID:   proto.ID,
		Symbol:       "aUSDC",
		ChainID:      1,
		VaultAddress: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		ERC4626:      true,
		Active:       true,
	}
	require.NoError(t, repo.UpsertPool(pool))
	return pool
}

func TestPoolRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	pool := seedPool(t, repo)

	got, err := repo.GetPool(pool.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "aUSDC", got.Symbol)
	require.NotNil(t, got.Protocol)
	assert.Equal(t, "aave-v3", got.Protocol.Slug)
	assert.True(t, got.ERC4626)
}

func TestGetPoolMissing(t *testing.T) {
	repo := newTestRepo(t)
	got, err := repo.GetPool("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPositionLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	pool := seedPool(t, repo)

	pos := &domain.Position{
		UserID:         "u1",
		PoolID:         pool.ID,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		StakedAmount:   100,
		StakedValueUSD: 250,
		Active:         true,
	}
	require.NoError(t, repo.CreatePosition(pos))

	active, err := repo.ActivePositions("u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 250.0, active[0].StakedValueUSD)
	assert.Equal(t, "aave-v3", active[0].Pool.Protocol.Slug)

	total, err := repo.TotalValueUSD("u1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, total)

	// Partial withdrawal keeps the position alive.
	require.NoError(t, repo.ApplyDelta(pos.ID, -40, -100, false))
	got, err := repo.GetPosition(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.StakedValueUSD)
	assert.True(t, got.Active)

	// Draining the position deactivates it.
	require.NoError(t, repo.ApplyDelta(pos.ID, -60, -150, false))
	active, err = repo.ActivePositions("u1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestApplyDeltaHarvestResetsRewards(t *testing.T) {
	repo := newTestRepo(t)
	pool := seedPool(t, repo)

	pos := &domain.Position{
		UserID:         "u1",
		PoolID:         pool.ID,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		StakedValueUSD: 500,
		RewardsEarned:  25,
		Active:         true,
	}
	require.NoError(t, repo.CreatePosition(pos))
	require.NoError(t, repo.ApplyDelta(pos.ID, 0, 0, true))

	got, err := repo.GetPosition(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.RewardsEarned)
	assert.Equal(t, 500.0, got.StakedValueUSD)
}

func TestHarvestableRewardsAcrossUsers(t *testing.T) {
	repo := newTestRepo(t)
	pool := seedPool(t, repo)

	seed := func(userID string, rewards float64, active bool) {
		pos := &domain.Position{
			UserID:         userID,
			PoolID:         pool.ID,
			WalletAddress:  "0x1111111111111111111111111111111111111111",
			StakedValueUSD: 500,
			RewardsEarned:  rewards,
			Active:         active,
		}
		require.NoError(t, repo.CreatePosition(pos))
		if !active {
			require.NoError(t, repo.ApplyDelta(pos.ID, 0, -500, false))
		}
	}
	seed("u1", 25, true)
	seed("u2", 40, true)
	seed("u3", 5, true)    // below the floor
	seed("u4", 100, false) // drained

	total, count, err := repo.HarvestableRewards(10)
	require.NoError(t, err)
	assert.Equal(t, 65.0, total)
	assert.Equal(t, 2, count)
}

func TestApplyDeltaMissingPosition(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.ApplyDelta("nope", 0, -10, false))
}

func TestSnapshotHistoryOldestFirst(t *testing.T) {
	repo := newTestRepo(t)
	pool := seedPool(t, repo)

	for _, apy := range []float64{3.0, 3.5, 4.0, 4.5} {
		require.NoError(t, repo.RecordSnapshot(&domain.YieldSnapshot{
			PoolID: pool.ID, APY: apy, TVLUSD: 1_000_000, RiskScore: 0.2,
		}))
	}

	history, err := repo.SnapshotHistory(pool.ID, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	// Limit trims the oldest rows; order stays oldest first.
	assert.Equal(t, 3.5, history[0].APY)
	assert.Equal(t, 4.5, history[2].APY)

	latest, err := repo.LatestSnapshot(pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.5, latest.APY)
}
