package crisis

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
)

type engineFixture struct {
	engine    *Engine
	positions *positions.Repository
	settings  *policy.SettingsRepository
	policy    *policy.Store
	txRepo    *ledger.TransactionRepository
	decisions *repair.DecisionRepository
	store     *cache.MemoryStore
	proto     *domain.Protocol
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	dir := t.TempDir()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, ledgerDB.Migrate())
	t.Cleanup(func() { _ = ledgerDB.Close() })

	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	require.NoError(t, err)
	require.NoError(t, portfolioDB.Migrate())
	t.Cleanup(func() { _ = portfolioDB.Close() })

	policyStore, err := policy.NewStore(filepath.Join(dir, "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	posRepo := positions.NewRepository(portfolioDB.Conn(), zerolog.Nop())
	settings := policy.NewSettingsRepository(portfolioDB.Conn(), zerolog.Nop())
	txRepo := ledger.NewTransactionRepository(ledgerDB.Conn(), zerolog.Nop())
	decisions := repair.NewDecisionRepository(ledgerDB.Conn(), zerolog.Nop())
	guard := autonomy.NewSpendGuard(txRepo, settings, zerolog.Nop())
	store := cache.NewMemoryStore()

	proto := &domain.Protocol{Slug: "aave-v3", Name: "Aave V3", RiskScore: 0.15}
	require.NoError(t, posRepo.UpsertProtocol(proto))

	engine := NewEngine(posRepo, policyStore, settings, guard, txRepo, decisions,
		store, events.NewBus(zerolog.Nop()), zerolog.Nop())

	return &engineFixture{
		engine:    engine,
		positions: posRepo,
		settings:  settings,
		policy:    policyStore,
		txRepo:    txRepo,
		decisions: decisions,
		store:     store,
		proto:     proto,
	}
}

func (f *engineFixture) enableUser(t *testing.T, userID string, level domain.AutonomyLevel, spendLimit float64) {
	t.Helper()
	require.NoError(t, f.settings.Upsert(&policy.UserSettings{
		UserID:           userID,
		AutopilotEnabled: true,
		MainnetEnabled:   true,
		AutonomyLevel:    level,
		Tier:             "premium",
		DrawdownLimit:    0.08,
		SpendLimit24hUSD: spendLimit,
	}))
}

func (f *engineFixture) seedPosition(t *testing.T, userID string, chainID int64, valueUSD float64) *domain.Position {
	t.Helper()
	pool := &domain.Pool{ProtocolID: f.proto.ID, Symbol: "aUSDC", ChainID: chainID, Active: true}
	require.NoError(t, f.positions.UpsertPool(pool))

	pos := &domain.Position{
		UserID:         userID,
		PoolID:         pool.ID,
		WalletAddress:  "0x1111111111111111111111111111111111111111",
		StakedAmount:   valueUSD,
		StakedValueUSD: valueUSD,
		Active:         true,
	}
	require.NoError(t, f.positions.CreatePosition(pos))
	return pos
}

func TestGasSpikeNeverDerisks(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	f.seedPosition(t, "u1", 1, 10_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerGasSpike)
	require.NoError(t, err)
	assert.False(t, plan.ShouldAct)
	assert.Empty(t, plan.Targets)
	assert.Contains(t, plan.Reason, "never derisks")
}

func TestEachPositionDerisksHalfItsExposure(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	f.seedPosition(t, "u1", 1, 6_000)
	f.seedPosition(t, "u1", 1, 4_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerPortfolioDrawdown)
	require.NoError(t, err)
	assert.True(t, plan.ShouldAct)
	assert.Equal(t, 10_000.0, plan.PortfolioUSD)

	// Every position sheds 50% of its own exposure, not a shared budget.
	require.Len(t, plan.Targets, 2)
	assert.InDelta(t, 3_000.0, plan.Targets[0].WithdrawUSD, 1e-9)
	assert.InDelta(t, 2_000.0, plan.Targets[1].WithdrawUSD, 1e-9)
	assert.InDelta(t, 5_000.0, plan.TotalUSD, 1e-9)
}

func TestChainVolatilityOrdersTargets(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	// Equal dollar exposure: the polygon position (volatility 1.2) outranks
	// the ethereum one (1.0).
	f.seedPosition(t, "u1", 1, 5_000)
	polygon := f.seedPosition(t, "u1", 137, 5_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerStablecoinDepeg)
	require.NoError(t, err)
	require.NotEmpty(t, plan.Targets)
	assert.Equal(t, polygon.ID, plan.Targets[0].Position.ID)
	assert.InDelta(t, 6_000.0, plan.Targets[0].Priority, 1e-9)
}

func TestDeriskTriggerTable(t *testing.T) {
	tests := []struct {
		trigger TriggerType
		acts    bool
	}{
		{TriggerPortfolioDrawdown, true},
		{TriggerProtocolIncident, true},
		{TriggerOracleStale, true},
		{TriggerStablecoinDepeg, true},
		{TriggerGasSpike, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.trigger), func(t *testing.T) {
			f := newEngineFixture(t)
			f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
			f.seedPosition(t, "u1", 1, 1_000)

			plan, err := f.engine.Evaluate(context.Background(), "u1", tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.acts, plan.ShouldAct)
		})
	}
}

func TestNoPositionsNoAction(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerProtocolIncident)
	require.NoError(t, err)
	assert.False(t, plan.ShouldAct)
}

func TestDisabledAutopilotNeverDerisks(t *testing.T) {
	f := newEngineFixture(t)
	// No settings row: autopilot defaults off.
	f.seedPosition(t, "u1", 1, 10_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerPortfolioDrawdown)
	require.NoError(t, err)
	assert.False(t, plan.ShouldAct)
	assert.Contains(t, plan.Reason, "not enabled")
}

func TestCooldownSuppressesRepeatedDerisks(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	f.seedPosition(t, "u1", 1, 10_000)
	ctx := context.Background()

	first, err := f.engine.Evaluate(ctx, "u1", TriggerPortfolioDrawdown)
	require.NoError(t, err)
	require.True(t, first.ShouldAct)

	second, err := f.engine.Evaluate(ctx, "u1", TriggerPortfolioDrawdown)
	require.NoError(t, err)
	assert.False(t, second.ShouldAct)
	assert.Contains(t, second.Reason, "cooldown")
}

func TestPolicyToggleDisablesTrigger(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	f.seedPosition(t, "u1", 1, 10_000)

	doc := policy.Default()
	doc.Version = "v2-no-drawdown"
	doc.DeriskTriggers["portfolio_drawdown"] = false
	require.NoError(t, f.policy.Update(doc))

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerPortfolioDrawdown)
	require.NoError(t, err)
	assert.False(t, plan.ShouldAct)
	assert.Contains(t, plan.Reason, "disabled by policy")

	// Other triggers stay live.
	plan, err = f.engine.Evaluate(context.Background(), "u1", TriggerStablecoinDepeg)
	require.NoError(t, err)
	assert.True(t, plan.ShouldAct)
}

func TestAutoBoundedPreparesPendingWithdrawals(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyAutoBounded, 50_000)
	pos := f.seedPosition(t, "u1", 1, 10_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerStablecoinDepeg)
	require.NoError(t, err)
	require.True(t, plan.ShouldAct)
	require.Len(t, plan.Targets, 1)
	assert.Equal(t, TargetPrepared, plan.Targets[0].Status)

	pending, err := f.txRepo.FindPending("u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "withdraw", pending[0].Action)
	assert.InDelta(t, 5_000.0, pending[0].AmountUSD, 1e-9)

	decision, err := f.decisions.FindByRepairID(
		fmt.Sprintf("crisis:%s:%s", pos.ID, TriggerStablecoinDepeg))
	require.NoError(t, err)
	require.NotNil(t, decision)
	assert.Equal(t, domain.DecisionExecuted, decision.DecisionType)
	assert.Zero(t, decision.ExpectedAPYDelta)
}

func TestSpendGuardBoundsCrisisWithdrawals(t *testing.T) {
	f := newEngineFixture(t)
	// No spend budget: the guard fails closed and nothing is prepared.
	f.enableUser(t, "u1", domain.AutonomyAutoBounded, 0)
	f.seedPosition(t, "u1", 1, 10_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerProtocolIncident)
	require.NoError(t, err)
	require.True(t, plan.ShouldAct)
	require.Len(t, plan.Targets, 1)
	assert.Equal(t, TargetSuggested, plan.Targets[0].Status)

	pending, err := f.txRepo.FindPending("u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApproveRepairsOnlySuggests(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 50_000)
	f.seedPosition(t, "u1", 1, 10_000)

	plan, err := f.engine.Evaluate(context.Background(), "u1", TriggerOracleStale)
	require.NoError(t, err)
	require.True(t, plan.ShouldAct)
	assert.Equal(t, TargetSuggested, plan.Targets[0].Status)

	pending, err := f.txRepo.FindPending("u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEvaluateAllCoversEveryActiveHolder(t *testing.T) {
	f := newEngineFixture(t)
	f.enableUser(t, "u1", domain.AutonomyApproveRepairs, 0)
	f.enableUser(t, "u2", domain.AutonomyApproveRepairs, 0)
	f.seedPosition(t, "u1", 1, 5_000)
	f.seedPosition(t, "u2", 137, 3_000)

	plans, err := f.engine.EvaluateAll(context.Background(), TriggerStablecoinDepeg)
	require.NoError(t, err)
	require.Len(t, plans, 2)

	users := map[string]bool{}
	for _, p := range plans {
		users[p.UserID] = true
		assert.True(t, p.ShouldAct)
	}
	assert.True(t, users["u1"])
	assert.True(t, users["u2"])
}
