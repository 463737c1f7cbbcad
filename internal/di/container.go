// Package di wires the engine's modules together into a single container
// so the server and scheduler share one set of services.
package di

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/cache"
	"github.com/mkosta/autopilot/internal/config"
	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
	"github.com/mkosta/autopilot/internal/modules/alerts"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/circuit"
	"github.com/mkosta/autopilot/internal/modules/crisis"
	"github.com/mkosta/autopilot/internal/modules/ledger"
	"github.com/mkosta/autopilot/internal/modules/oracle"
	"github.com/mkosta/autopilot/internal/modules/outcome"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/policygate"
	"github.com/mkosta/autopilot/internal/modules/portfoliorisk"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
	"github.com/mkosta/autopilot/internal/modules/riskaudit"
	"github.com/mkosta/autopilot/internal/modules/validation"
	"github.com/mkosta/autopilot/internal/reliability"
)

// Options carries the external adapters the container cannot build itself.
// Any of them may be nil; the engine then fails closed on the paths that
// need them.
type Options struct {
	GasSource domain.GasPriceSource
	Prices    domain.PriceSource
	Verifier  domain.SignatureVerifier
	Relay     domain.TransactionRelay
	Sender    domain.NotificationSender
}

// Container holds every wired service.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger
	Bus    *events.Bus
	Store  cache.Store

	LedgerDB    *database.DB
	PortfolioDB *database.DB
	Databases   map[string]*database.DB

	PolicyStore  *policy.Store
	SettingsRepo *policy.SettingsRepository

	TxRepo        *ledger.TransactionRepository
	PositionsRepo *positions.Repository
	DecisionRepo  *repair.DecisionRepository
	AlertsRepo    *alerts.Repository
	Permissions   *autonomy.SpendPermissionRepository

	CircuitAudit *circuit.AuditLog
	Breaker      *circuit.Breaker
	Auditor      *riskaudit.Auditor
	Gate         *policygate.Gate
	OracleMon    *oracle.Monitor
	Pipeline     *validation.Pipeline
	Planner      *repair.Planner
	Suggestions  *autonomy.SuggestionStore
	SpendGuard   *autonomy.SpendGuard
	Executor     *autonomy.Executor
	PortfolioMon *portfoliorisk.Monitor
	CrisisEngine *crisis.Engine
	Tracker      *outcome.Tracker
	Notifier     *alerts.Notifier

	AuditBackup *reliability.AuditBackupService // nil when backup is not configured
}

// New builds the full container: databases, cache store, policy, and every
// decision module.
func New(cfg *config.Config, opts Options, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, err
	}
	if err := ledgerDB.Migrate(); err != nil {
		return nil, err
	}
	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	if err != nil {
		return nil, err
	}
	if err := portfolioDB.Migrate(); err != nil {
		return nil, err
	}
	c.LedgerDB = ledgerDB
	c.PortfolioDB = portfolioDB
	c.Databases = map[string]*database.DB{
		"ledger":    ledgerDB,
		"portfolio": portfolioDB,
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		cancel()
		if err != nil {
			return nil, err
		}
		c.Store = store
	} else {
		log.Info().Msg("No redis configured, using in-memory store")
		c.Store = cache.NewMemoryStore()
	}

	c.Bus = events.NewBus(log)

	c.PolicyStore, err = policy.NewStore(cfg.PolicyPath, log)
	if err != nil {
		return nil, err
	}
	c.SettingsRepo = policy.NewSettingsRepository(portfolioDB.Conn(), log)

	c.TxRepo = ledger.NewTransactionRepository(ledgerDB.Conn(), log)
	c.PositionsRepo = positions.NewRepository(portfolioDB.Conn(), log)
	c.DecisionRepo = repair.NewDecisionRepository(ledgerDB.Conn(), log)
	c.AlertsRepo = alerts.NewRepository(portfolioDB.Conn(), log)
	c.Permissions = autonomy.NewSpendPermissionRepository(ledgerDB.Conn(), log)

	c.CircuitAudit = circuit.NewAuditLog(ledgerDB.Conn(), log)
	c.Breaker = circuit.NewBreaker(c.Store, c.PolicyStore, c.CircuitAudit, c.Bus, opts.GasSource, log)
	c.Auditor = riskaudit.NewAuditor(log)
	c.Gate = policygate.NewGate(c.PolicyStore, log)
	c.OracleMon = oracle.NewMonitor(opts.Prices, c.PolicyStore, c.Bus, log)
	c.Pipeline = validation.NewPipeline(c.SettingsRepo, c.Breaker, c.TxRepo,
		c.PositionsRepo, c.PolicyStore, c.OracleMon, log)
	c.Planner = repair.NewPlanner(c.PositionsRepo, c.DecisionRepo, c.Auditor, c.Gate,
		c.PolicyStore, c.SettingsRepo, c.Bus, cfg.DemoMode, log)
	c.Suggestions = autonomy.NewSuggestionStore()
	c.SpendGuard = autonomy.NewSpendGuard(c.TxRepo, c.SettingsRepo, log)
	c.Executor = autonomy.NewExecutor(c.SettingsRepo, c.Pipeline, c.SpendGuard,
		c.Permissions, opts.Verifier, opts.Relay, c.DecisionRepo, c.Suggestions,
		c.TxRepo, c.PositionsRepo, c.Bus, log)
	c.PortfolioMon = portfoliorisk.NewMonitor(c.PositionsRepo, c.SettingsRepo, c.Store, c.Bus, log)
	c.CrisisEngine = crisis.NewEngine(c.PositionsRepo, c.PolicyStore, c.SettingsRepo,
		c.SpendGuard, c.TxRepo, c.DecisionRepo, c.Store, c.Bus, log)
	c.Tracker = outcome.NewTracker(c.DecisionRepo, c.PositionsRepo, c.Bus, log)

	c.Notifier = alerts.NewNotifier(c.AlertsRepo, opts.Sender, log)
	c.Notifier.Register(c.Bus)

	if cfg.BackupEnabled {
		store, err := reliability.NewObjectStore(cfg.BackupEndpoint, cfg.BackupRegion,
			cfg.BackupKeyID, cfg.BackupSecret, cfg.BackupBucket, log)
		if err != nil {
			log.Warn().Err(err).Msg("Audit backup disabled, object store init failed")
		} else {
			c.AuditBackup = reliability.NewAuditBackupService(store, c.Databases, cfg.DataDir, log)
			log.Info().Str("bucket", cfg.BackupBucket).Msg("Audit backup enabled")
		}
	}

	return c, nil
}

// Close releases the container's resources.
func (c *Container) Close() error {
	var firstErr error
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			firstErr = err
		}
	}
	for _, db := range c.Databases {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
