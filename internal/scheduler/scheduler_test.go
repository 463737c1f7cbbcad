package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/alerts"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/circuit"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/policygate"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
	"github.com/mkosta/autopilot/internal/modules/riskaudit"
	"github.com/mkosta/autopilot/internal/modules/validation"
)

type countingJob struct {
	name string
	runs int
	err  error
}

func (j *countingJob) Run() error { j.runs++; return j.err }
func (j *countingJob) Name() string {
	if j.name == "" {
		return "counting"
	}
	return j.name
}

func TestAddJobRejectsBadSchedules(t *testing.T) {
	s := New(zerolog.Nop())
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
	assert.NoError(t, s.AddJob("@hourly", &countingJob{}))
}

func TestRunNowExecutesImmediately(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)

	job.err = errors.New("boom")
	assert.Error(t, s.RunNow(job))
}

func TestPanickingSweepDoesNotCrash(t *testing.T) {
	s := New(zerolog.Nop())
	assert.NotPanics(t, func() { s.runJob(&panickingJob{}) })
}

type panickingJob struct{}

func (j *panickingJob) Run() error   { panic("bad sweep") }
func (j *panickingJob) Name() string { return "panicking" }

type planningFixture struct {
	job       *PlanningJob
	settings  *policy.SettingsRepository
	positions *positions.Repository
	txRepo    *ledger.TransactionRepository
	aave      *domain.Protocol
}

type noopRelay struct{}

func (noopRelay) Submit(ctx context.Context, chainID int64, payload []byte) (string, error) {
	return "0xnoop", nil
}

type noopVerifier struct{}

func (noopVerifier) VerifySpendAuthorization(ctx context.Context, wallet string, payload []byte, sig string) (bool, error) {
	return false, nil
}

func newPlanningFixture(t *testing.T) *planningFixture {
	t.Helper()
	dir := t.TempDir()

	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	require.NoError(t, err)
	require.NoError(t, portfolioDB.Migrate())
	t.Cleanup(func() { _ = portfolioDB.Close() })

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(dir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	require.NoError(t, ledgerDB.Migrate())
	t.Cleanup(func() { _ = ledgerDB.Close() })

	policyStore, err := policy.NewStore(filepath.Join(dir, "policy.yaml"), zerolog.Nop())
	require.NoError(t, err)

	posRepo := positions.NewRepository(portfolioDB.Conn(), zerolog.Nop())
	settings := policy.NewSettingsRepository(portfolioDB.Conn(), zerolog.Nop())
	txRepo := ledger.NewTransactionRepository(ledgerDB.Conn(), zerolog.Nop())
	decisions := repair.NewDecisionRepository(ledgerDB.Conn(), zerolog.Nop())
	permissions := autonomy.NewSpendPermissionRepository(ledgerDB.Conn(), zerolog.Nop())
	audit := circuit.NewAuditLog(ledgerDB.Conn(), zerolog.Nop())
	bus := events.NewBus(zerolog.Nop())
	breaker := circuit.NewBreaker(cache.NewMemoryStore(), policyStore, audit, bus, nil, zerolog.Nop())
	pipeline := validation.NewPipeline(settings, breaker, txRepo, posRepo, policyStore, nil, zerolog.Nop())
	guard := autonomy.NewSpendGuard(txRepo, settings, zerolog.Nop())
	suggestions := autonomy.NewSuggestionStore()
	gate := policygate.NewGate(policyStore, zerolog.Nop())
	auditor := riskaudit.NewAuditor(zerolog.Nop())

	planner := repair.NewPlanner(posRepo, decisions, auditor, gate, policyStore,
		settings, bus, false, zerolog.Nop())
	executor := autonomy.NewExecutor(settings, pipeline, guard, permissions,
		noopVerifier{}, noopRelay{}, decisions, suggestions, txRepo, posRepo,
		bus, zerolog.Nop())

	f := &planningFixture{
		job: NewPlanningJob(settings, planner, suggestions, executor, posRepo,
			policyStore, zerolog.Nop()),
		settings:  settings,
		positions: posRepo,
		txRepo:    txRepo,
		aave:      &domain.Protocol{Slug: "aave-v3", Name: "Aave V3", RiskScore: 0.15},
	}
	require.NoError(t, posRepo.UpsertProtocol(f.aave))
	return f
}

// seedFailingPosition gives the user a stake in a vault whose TVL swings
// force an exit verdict, plus a calm same-symbol destination.
func (f *planningFixture) seedFailingPosition(t *testing.T, userID string) {
	t.Helper()
	shaky := &domain.Pool{ProtocolID: f.aave.ID, Symbol: "aUSDC", ChainID: 11155111, ERC4626: true, Active: true}
	require.NoError(t, f.positions.UpsertPool(shaky))
	for i, tvl := range []float64{10_000_000, 2_000_000, 9_000_000, 1_000_000, 8_000_000, 500_000, 7_000_000} {
		require.NoError(t, f.positions.RecordSnapshot(&domain.YieldSnapshot{
			PoolID: shaky.ID, APY: 5 + float64(i), TVLUSD: tvl, RiskScore: f.aave.RiskScore,
		}))
	}

	calm := &domain.Pool{ProtocolID: f.aave.ID, Symbol: "aUSDC", ChainID: 11155111, ERC4626: true, Active: true}
	require.NoError(t, f.positions.UpsertPool(calm))
	for i := 0; i < 7; i++ {
		require.NoError(t, f.positions.RecordSnapshot(&domain.YieldSnapshot{
			PoolID: calm.ID, APY: 4, TVLUSD: 5_000_000, RiskScore: f.aave.RiskScore,
		}))
	}

	require.NoError(t, f.positions.CreatePosition(&domain.Position{
		UserID:         userID,
		PoolID:         shaky.ID,
		WalletAddress:  "0x3333333333333333333333333333333333333333",
		StakedAmount:   1000,
		StakedValueUSD: 1000,
		Active:         true,
	}))
}

func TestPlanningJobAutoExecutesForBoundedUsers(t *testing.T) {
	f := newPlanningFixture(t)
	require.NoError(t, f.settings.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		AutonomyLevel:    domain.AutonomyAutoBounded,
		Tier:             "premium",
		DrawdownLimit:    0.08,
		SpendLimit24hUSD: 50_000,
	}))
	f.seedFailingPosition(t, "u1")

	require.NoError(t, f.job.Run())

	// AUTO_BOUNDED pushes the repair straight to a prepared transaction
	// awaiting the wallet.
	pending, err := f.txRepo.FindPending("u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "redeem_deposit", pending[0].Action)
	assert.InDelta(t, 1000.0, pending[0].AmountUSD, 1e-9)
}

func TestPlanningJobLeavesApprovalUsersAlone(t *testing.T) {
	f := newPlanningFixture(t)
	require.NoError(t, f.settings.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		AutonomyLevel:    domain.AutonomyApproveRepairs,
		Tier:             "premium",
		DrawdownLimit:    0.08,
		SpendLimit24hUSD: 50_000,
	}))
	f.seedFailingPosition(t, "u1")

	require.NoError(t, f.job.Run())

	pending, err := f.txRepo.FindPending("u1")
	require.NoError(t, err)
	assert.Empty(t, pending, "APPROVE_REPAIRS waits for the user")
}

func TestMaintenanceJobCheckpointsAndPrunes(t *testing.T) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	alertRepo := alerts.NewRepository(db.Conn(), zerolog.Nop())
	require.NoError(t, alertRepo.Create(&domain.Alert{
		UserID: "u1", AlertType: "oracle", Severity: "info", Title: "stale",
	}))

	// Future-dated cutoff sweeps the alert just written.
	job := NewMaintenanceJob(map[string]*database.DB{"portfolio": db}, alertRepo, -time.Minute, zerolog.Nop())
	require.NoError(t, job.Run())

	remaining, err := alertRepo.Recent("u1", 10)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
