package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/database"
	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/modules/alerts"
	"github.com/mkosta/autopilot/internal/modules/autonomy"
	"github.com/mkosta/autopilot/internal/modules/circuit"
	"github.com/mkosta/autopilot/internal/modules/crisis"
	"github.com/mkosta/autopilot/internal/modules/oracle"
	"github.com/mkosta/autopilot/internal/modules/outcome"
	"github.com/mkosta/autopilot/internal/modules/policy"
	"github.com/mkosta/autopilot/internal/modules/portfoliorisk"
	"github.com/mkosta/autopilot/internal/modules/positions"
	"github.com/mkosta/autopilot/internal/modules/repair"
	"github.com/mkosta/autopilot/internal/reliability"
)

// jobTimeout bounds one run of any sweep so a stuck dependency cannot pile
// up overlapping runs.
const jobTimeout = 5 * time.Minute

// GasMonitorJob samples gas on every mainnet chain and trips the breaker
// past the policy threshold.
type GasMonitorJob struct {
	breaker *circuit.Breaker
	log     zerolog.Logger
}

func NewGasMonitorJob(breaker *circuit.Breaker, log zerolog.Logger) *GasMonitorJob {
	return &GasMonitorJob{breaker: breaker, log: log.With().Str("job", "gas_monitor").Logger()}
}

func (j *GasMonitorJob) Name() string { return "gas_monitor" }

func (j *GasMonitorJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	for chainID := range domain.MainnetChains {
		gwei, tripped, err := j.breaker.CheckGasAndTrip(ctx, chainID)
		if err != nil {
			j.log.Warn().Err(err).Int64("chain_id", chainID).Msg("Gas check failed")
			continue
		}
		if tripped {
			j.log.Warn().
				Int64("chain_id", chainID).
				Float64("gas_gwei", gwei).
				Msg("Gas spike tripped the circuit")
		}
	}
	return nil
}

// OracleSweepJob checks stablecoin pegs and feed freshness. Critical
// findings escalate to the crisis engine.
type OracleSweepJob struct {
	monitor *oracle.Monitor
	crisis  *crisis.Engine
	log     zerolog.Logger
}

func NewOracleSweepJob(monitor *oracle.Monitor, crisisEngine *crisis.Engine, log zerolog.Logger) *OracleSweepJob {
	return &OracleSweepJob{
		monitor: monitor,
		crisis:  crisisEngine,
		log:     log.With().Str("job", "oracle_sweep").Logger(),
	}
}

func (j *OracleSweepJob) Name() string { return "oracle_sweep" }

func (j *OracleSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	pegs, freshness, err := j.monitor.CheckStablecoins(ctx)
	if err != nil {
		return err
	}

	for _, peg := range pegs {
		if peg.Severity == oracle.SeverityCritical {
			j.log.Warn().Str("symbol", peg.Symbol).Float64("deviation", peg.Deviation).Msg("Depeg escalated to crisis engine")
			if _, err := j.crisis.EvaluateAll(ctx, crisis.TriggerStablecoinDepeg); err != nil {
				j.log.Error().Err(err).Msg("Depeg crisis sweep failed")
			}
			break
		}
	}
	for _, fresh := range freshness {
		if fresh.Severity == oracle.SeverityCritical {
			j.log.Warn().Str("symbol", fresh.Symbol).Dur("age", fresh.Age).Msg("Stale oracle escalated to crisis engine")
			if _, err := j.crisis.EvaluateAll(ctx, crisis.TriggerOracleStale); err != nil {
				j.log.Error().Err(err).Msg("Stale-oracle crisis sweep failed")
			}
			break
		}
	}
	return nil
}

// PortfolioRiskJob recomputes drawdown against the high-water mark for
// every user holding active positions, and hands breaches to the crisis
// engine. Snapshots cover everyone so the high-water mark is already in
// place when a user enables autopilot; enforcement itself is gated inside
// the monitor.
type PortfolioRiskJob struct {
	positions *positions.Repository
	monitor   *portfoliorisk.Monitor
	crisis    *crisis.Engine
	log       zerolog.Logger
}

func NewPortfolioRiskJob(pos *positions.Repository, monitor *portfoliorisk.Monitor, crisisEngine *crisis.Engine, log zerolog.Logger) *PortfolioRiskJob {
	return &PortfolioRiskJob{
		positions: pos,
		monitor:   monitor,
		crisis:    crisisEngine,
		log:       log.With().Str("job", "portfolio_risk").Logger(),
	}
}

func (j *PortfolioRiskJob) Name() string { return "portfolio_risk" }

func (j *PortfolioRiskJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	users, err := j.positions.ActiveUserIDs()
	if err != nil {
		return err
	}
	for _, userID := range users {
		snap, err := j.monitor.CheckAndEnforce(ctx, userID)
		if err != nil {
			j.log.Error().Err(err).Str("user_id", userID).Msg("Drawdown check failed")
			continue
		}
		if snap != nil && snap.Breached {
			if _, err := j.crisis.Evaluate(ctx, userID, crisis.TriggerPortfolioDrawdown); err != nil {
				j.log.Error().Err(err).Str("user_id", userID).Msg("Crisis evaluation failed")
			}
		}
	}
	return nil
}

// PlanningJob runs the repair planner for every enabled user and publishes
// the suggestions for execution and the pending-repairs API.
type PlanningJob struct {
	settings    *policy.SettingsRepository
	planner     *repair.Planner
	suggestions *autonomy.SuggestionStore
	executor    *autonomy.Executor
	positions   *positions.Repository
	policies    *policy.Store
	log         zerolog.Logger
}

func NewPlanningJob(settings *policy.SettingsRepository, planner *repair.Planner, suggestions *autonomy.SuggestionStore, executor *autonomy.Executor, pos *positions.Repository, policies *policy.Store, log zerolog.Logger) *PlanningJob {
	return &PlanningJob{
		settings:    settings,
		planner:     planner,
		suggestions: suggestions,
		executor:    executor,
		positions:   pos,
		policies:    policies,
		log:         log.With().Str("job", "planning").Logger(),
	}
}

func (j *PlanningJob) Name() string { return "planning" }

func (j *PlanningJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	users, err := j.settings.EnabledUserIDs()
	if err != nil {
		return err
	}
	for _, userID := range users {
		planned, err := j.planner.PlanForUser(ctx, userID)
		if err != nil {
			j.log.Error().Err(err).Str("user_id", userID).Msg("Planning run failed")
			continue
		}
		j.suggestions.Replace(userID, planned)
		if len(planned) > 0 {
			j.log.Info().Str("user_id", userID).Int("suggestions", len(planned)).Msg("Planning run produced suggestions")
		}
		j.autoExecute(ctx, userID, planned)
	}

	total, count, err := j.positions.HarvestableRewards(j.policies.Current().HarvestMinUSD)
	if err != nil {
		j.log.Error().Err(err).Msg("Harvestable rewards scan failed")
	} else if count > 0 {
		j.log.Info().Float64("total_usd", total).Int("positions", count).Msg("Rewards ready for auto-compound")
	}
	return nil
}

// autoExecute pushes freshly planned repairs straight into the executor for
// users at AUTO_BOUNDED or above. Everyone else waits for an approval.
func (j *PlanningJob) autoExecute(ctx context.Context, userID string, planned []*domain.RepairSuggestion) {
	if len(planned) == 0 {
		return
	}
	settings, err := j.settings.Get(userID)
	if err != nil {
		j.log.Error().Err(err).Str("user_id", userID).Msg("Settings load failed")
		return
	}
	if !settings.AutonomyLevel.CanAutoPrepare() {
		return
	}
	for _, s := range planned {
		if s.Demo {
			continue
		}
		outcome, err := j.executor.Execute(ctx, autonomy.ExecuteRequest{UserID: userID, RepairID: s.RepairID})
		if err != nil {
			j.log.Error().Err(err).Str("repair_id", s.RepairID).Msg("Auto-execution failed")
			continue
		}
		j.log.Info().
			Str("repair_id", s.RepairID).
			Str("status", string(outcome.Status)).
			Str("reason", outcome.Reason).
			Msg("Planned repair auto-executed")
	}
}

// OutcomeSweepJob grades executed repairs that have seasoned long enough.
type OutcomeSweepJob struct {
	tracker *outcome.Tracker
}

func NewOutcomeSweepJob(tracker *outcome.Tracker) *OutcomeSweepJob {
	return &OutcomeSweepJob{tracker: tracker}
}

func (j *OutcomeSweepJob) Name() string { return "outcome_sweep" }

func (j *OutcomeSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	_, err := j.tracker.Sweep(ctx)
	return err
}

// MaintenanceJob checkpoints the WAL on every database and prunes old
// alerts.
type MaintenanceJob struct {
	databases      map[string]*database.DB
	alerts         *alerts.Repository
	alertRetention time.Duration
	log            zerolog.Logger
}

func NewMaintenanceJob(databases map[string]*database.DB, alertRepo *alerts.Repository, alertRetention time.Duration, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases:      databases,
		alerts:         alertRepo,
		alertRetention: alertRetention,
		log:            log.With().Str("job", "maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "maintenance" }

func (j *MaintenanceJob) Run() error {
	for name, db := range j.databases {
		if _, err := db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}

	pruned, err := j.alerts.Prune(j.alertRetention)
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.log.Info().Int64("pruned", pruned).Msg("Old alerts pruned")
	}
	return nil
}

// BackupJob archives the databases offsite and rotates stale archives.
type BackupJob struct {
	backup        *reliability.AuditBackupService
	retentionDays int
}

func NewBackupJob(backup *reliability.AuditBackupService, retentionDays int) *BackupJob {
	return &BackupJob{backup: backup, retentionDays: retentionDays}
}

func (j *BackupJob) Name() string { return "audit_backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if err := j.backup.CreateAndUpload(ctx); err != nil {
		return err
	}
	return j.backup.RotateOldBackups(ctx, j.retentionDays)
}
