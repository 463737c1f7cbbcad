package validation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/circuit"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/oracle"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/positions"
)

type stubPrices struct {
	price float64
	age   float64
	err   error
}

func (s *stubPrices) AssetPrice(context.Context, string) (float64, float64, error) {
	return s.price, s.age, s.err
}

type fixture struct {
	pipeline  *Pipeline
	breaker   *circuit.Breaker
	ledger    *ledger.TransactionRepository
	settings  *policy.SettingsRepository
	positions *positions.Repository
	prices    *stubPrices
}

func newFixture(t *testing.T) *fixture {
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

	settings := policy.NewSettingsRepository(portfolioDB.Conn(), zerolog.Nop())
	txRepo := ledger.NewTransactionRepository(ledgerDB.Conn(), zerolog.Nop())
	audit := circuit.NewAuditLog(ledgerDB.Conn(), zerolog.Nop())
	breaker := circuit.NewBreaker(cache.NewMemoryStore(), policyStore, audit,
		events.NewBus(zerolog.Nop()), nil, zerolog.Nop())
	posRepo := positions.NewRepository(portfolioDB.Conn(), zerolog.Nop())
	prices := &stubPrices{price: 1.0, age: 10}
	oracleMon := oracle.NewMonitor(prices, policyStore, events.NewBus(zerolog.Nop()), zerolog.Nop())

	return &fixture{
		pipeline:  NewPipeline(settings, breaker, txRepo, posRepo, policyStore, oracleMon, zerolog.Nop()),
		breaker:   breaker,
		ledger:    txRepo,
		settings:  settings,
		positions: posRepo,
		prices:    prices,
	}
}

func (f *fixture) enableUser(t *testing.T, tier string) {
	t.Helper()
	require.NoError(t, f.settings.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		MainnetEnabled:   true,
		AutonomyLevel:    domain.AutonomyApproveRepairs,
		Tier:             tier,
		DrawdownLimit:    0.08,
	}))
}

func baseRequest() Request {
	return Request{
		UserID:        "u1",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		ChainID:       1,
		Action:        "deposit",
		AmountUSD:     50,
	}
}

func TestDisabledAutopilotBlocksEverything(t *testing.T) {
	f := newFixture(t)
	// No settings row: defaults are autopilot off.
	res := f.pipeline.Validate(context.Background(), baseRequest())
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "not enabled")
}

func TestMainnetToggle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.settings.Upsert(&policy.UserSettings{
		UserID:           "u1",
		AutopilotEnabled: true,
		MainnetEnabled:   false,
		AutonomyLevel:    domain.AutonomyNotifyOnly,
		Tier:             "starter",
		DrawdownLimit:    0.08,
	}))

	res := f.pipeline.Validate(context.Background(), baseRequest())
	assert.False(t, res.IsValid, "ethereum is a mainnet chain")

	req := baseRequest()
	req.ChainID = 11155111 // sepolia is not gated
	res = f.pipeline.Validate(context.Background(), req)
	assert.True(t, res.IsValid, res.Reason)
}

func TestWalletAddressShape(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	bad := []string{
		"",
		"0x123",
		"1111111111111111111111111111111111111111",     // missing prefix
		"0x11111111111111111111111111111111111111zz",   // non-hex
		"0x11111111111111111111111111111111111111111",  // 43 chars
	}
	for _, addr := range bad {
		req := baseRequest()
		req.WalletAddress = addr
		res := f.pipeline.Validate(context.Background(), req)
		assert.False(t, res.IsValid, "address %q should fail", addr)
	}
}

func TestUnsupportedChain(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	req := baseRequest()
	req.ChainID = 56
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "not supported")
}

func TestMinimumAmount(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	req := baseRequest()
	req.AmountUSD = 0.009
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)

	req.AmountUSD = 0.01
	res = f.pipeline.Validate(context.Background(), req)
	assert.True(t, res.IsValid, res.Reason)
}

func TestPerTransactionTierLimit(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	req := baseRequest()
	req.AmountUSD = 100.00
	res := f.pipeline.Validate(context.Background(), req)
	assert.True(t, res.IsValid, "exactly the limit passes")

	req.AmountUSD = 100.01
	res = f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid, "one cent over fails")
	assert.Contains(t, res.Reason, "per-transaction limit")
}

func TestDailyVolumeLimit(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	// 460 already spent today leaves 40 of the 500 daily cap.
	require.NoError(t, f.ledger.Append(&domain.Transaction{
		UserID: "u1", Action: "deposit", ChainID: 1, AmountUSD: 460,
	}))

	req := baseRequest()
	req.AmountUSD = 40
	res := f.pipeline.Validate(context.Background(), req)
	assert.True(t, res.IsValid, res.Reason)

	req.AmountUSD = 41
	res = f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "daily limit")
}

func TestCircuitBreakerBlocksPipeline(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")
	ctx := context.Background()

	require.NoError(t, f.breaker.Trip(ctx, 1, "gas spike", "test", 0))

	res := f.pipeline.Validate(ctx, baseRequest())
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "halted")
}

func TestBorrowHealthFactor(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")
	ctx := context.Background()

	tests := []struct {
		name       string
		collateral float64
		existing   float64
		amount     float64
		valid      bool
		warns      bool
	}{
		// HF = (1000*0.8)/800 = 1.0 -> blocked
		{"liquidation territory", 1000, 0, 800, false, false},
		// HF = (1000*0.8)/750 = 1.067 -> warn
		{"danger zone warns", 1000, 0, 750, true, true},
		// HF = (1000*0.8)/600 = 1.333 -> comfort warn
		{"thin buffer warns", 1000, 0, 600, true, true},
		// HF = (1000*0.8)/400 = 2.0 -> clean
		{"healthy borrow", 1000, 0, 400, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			req.ChainID = 11155111 // testnet, no standing warnings
			req.Action = "borrow"
			req.CollateralUSD = tt.collateral
			req.ExistingBorrowUSD = tt.existing
			req.AmountUSD = tt.amount

			res := f.pipeline.Validate(ctx, req)
			assert.Equal(t, tt.valid, res.IsValid, res.Reason)
			if tt.valid {
				assert.Equal(t, tt.warns, len(res.Warnings) > 0, "warnings: %v", res.Warnings)
			}
		})
	}
}

func TestBorrowTierCap(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	req := baseRequest()
	req.Action = "borrow"
	req.CollateralUSD = 10_000
	req.AmountUSD = 51
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "Borrow exceeds")
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")

	for i := 0; i < 10; i++ {
		require.NoError(t, f.ledger.Append(&domain.Transaction{
			UserID: "u1", Action: "deposit", ChainID: 1, AmountUSD: 1,
		}))
	}

	res := f.pipeline.Validate(context.Background(), baseRequest())
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "Too many operations")
}

func TestDepositAdvisoryWarning(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	req := baseRequest()
	req.ChainID = 11155111
	req.AmountUSD = 60 // over half the 100 starter per-tx limit
	res := f.pipeline.Validate(context.Background(), req)
	require.True(t, res.IsValid, res.Reason)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "half")
}

func TestHealthFactorMath(t *testing.T) {
	assert.InDelta(t, 1.6, HealthFactor(1000, 500), 1e-9)
	assert.Greater(t, HealthFactor(1000, 0), 1e10, "zero borrow reads as effectively infinite")
}

func TestStatusReportsLimits(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "growth")

	status, err := f.pipeline.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "growth", status["tier"])
	assert.Equal(t, 1000.0, status["per_tx_limit_usd"])
	assert.Equal(t, "CLOSED", status["circuit_state"])
}

func TestUnknownTransactionTypeRejected(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")

	req := baseRequest()
	req.Action = "transfer"
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "Unknown transaction type")
}

func TestFlatOperationLimits(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")
	ctx := context.Background()

	// repay has its own floor, below any tier.
	req := baseRequest()
	req.Action = "repay"
	req.AmountUSD = 0.005
	assert.False(t, f.pipeline.Validate(ctx, req).IsValid)

	// zero-amount harvest and approve are legitimate maintenance calls.
	req.Action = "harvest"
	req.AmountUSD = 0
	res := f.pipeline.Validate(ctx, req)
	assert.True(t, res.IsValid, res.Reason)

	req.Action = "approve"
	res = f.pipeline.Validate(ctx, req)
	assert.True(t, res.IsValid, res.Reason)

	// repay and harvest cap at 100k regardless of tier.
	req.Action = "repay"
	req.AmountUSD = 100_001
	res = f.pipeline.Validate(ctx, req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "repay limit")

	// flat ops bypass the starter per-transaction tier limit.
	req.Action = "repay"
	req.AmountUSD = 200
	res = f.pipeline.Validate(ctx, req)
	assert.True(t, res.IsValid, res.Reason)
}

func TestMainnetIrreversibilityWarning(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	res := f.pipeline.Validate(context.Background(), baseRequest())
	require.True(t, res.IsValid, res.Reason)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "irreversible")

	req := baseRequest()
	req.ChainID = 11155111
	res = f.pipeline.Validate(context.Background(), req)
	require.True(t, res.IsValid, res.Reason)
	assert.Empty(t, res.Warnings, "testnets carry no irreversibility warning")
}

func TestPoolMustExistAndBeActive(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")
	ctx := context.Background()

	require.NoError(t, f.positions.UpsertProtocol(&domain.Protocol{
		ID: "pr1", Slug: "aave-v3", Name: "Aave V3", RiskScore: 0.10,
	}))
	require.NoError(t, f.positions.UpsertPool(&domain.Pool{
		ID: "pool-live", ProtocolID: "pr1", Symbol: "ETH", ChainID: 1, Active: true,
	}))
	require.NoError(t, f.positions.UpsertPool(&domain.Pool{
		ID: "pool-dead", ProtocolID: "pr1", Symbol: "ETH", ChainID: 1, Active: false,
	}))

	req := baseRequest()
	req.PoolID = "pool-live"
	res := f.pipeline.Validate(ctx, req)
	assert.True(t, res.IsValid, res.Reason)

	req.PoolID = "pool-dead"
	res = f.pipeline.Validate(ctx, req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "not available")

	req.PoolID = "no-such-pool"
	res = f.pipeline.Validate(ctx, req)
	assert.False(t, res.IsValid)
}

func TestDisallowedProtocolBlocked(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	require.NoError(t, f.positions.UpsertProtocol(&domain.Protocol{
		ID: "pr9", Slug: "shady-farm", Name: "Shady Farm", RiskScore: 0.90,
	}))
	require.NoError(t, f.positions.UpsertPool(&domain.Pool{
		ID: "pool-shady", ProtocolID: "pr9", Symbol: "ETH", ChainID: 1, Active: true,
	}))

	req := baseRequest()
	req.PoolID = "pool-shady"
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "not on the allowed list")
}

func TestDepeggedPoolBlocked(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "starter")

	require.NoError(t, f.positions.UpsertProtocol(&domain.Protocol{
		ID: "pr1", Slug: "aave-v3", Name: "Aave V3", RiskScore: 0.10,
	}))
	require.NoError(t, f.positions.UpsertPool(&domain.Pool{
		ID: "pool-usdc", ProtocolID: "pr1", Symbol: "USDC", ChainID: 1, Active: true,
	}))

	f.prices.price = 0.95 // 5% off peg, past the critical threshold

	req := baseRequest()
	req.PoolID = "pool-usdc"
	res := f.pipeline.Validate(context.Background(), req)
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "off peg")
}

func TestExtremeGasTripsAndBlocks(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")
	ctx := context.Background()

	// Ethereum trips at 200 gwei.
	f.breaker.RecordObservedGas(ctx, 1, 350)

	res := f.pipeline.Validate(ctx, baseRequest())
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Reason, "Gas price is extremely high")

	state, err := f.breaker.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, circuit.StateOpen, state)
}

func TestElevatedGasWarnsWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	f.enableUser(t, "premium")
	ctx := context.Background()

	// Between 70% of the threshold and the threshold itself.
	f.breaker.RecordObservedGas(ctx, 1, 160)

	res := f.pipeline.Validate(ctx, baseRequest())
	require.True(t, res.IsValid, res.Reason)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "elevated") {
			found = true
		}
	}
	assert.True(t, found, "warnings: %v", res.Warnings)
}
