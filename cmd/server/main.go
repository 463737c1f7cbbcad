package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkosta/autopilot/internal/clients/feed"
	"github.com/mkosta/autopilot/internal/config"
	"github.com/mkosta/autopilot/internal/di"
	"github.com/mkosta/autopilot/internal/scheduler"
	"github.com/mkosta/autopilot/internal/server"
	"github.com/mkosta/autopilot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info"})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting Autopilot decision engine")

	opts := di.Options{}
	if cfg.OracleFeedURL != "" {
		fc := feed.NewClient(cfg.OracleFeedURL, log)
		opts.Prices = fc
		opts.GasSource = fc
	}

	container, err := di.New(cfg, opts, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service container")
	}
	defer container.Close()

	sched := scheduler.New(log)
	if err := registerJobs(sched, container); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(container)
	go func() {
		if err := srv.Start(cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}

func registerJobs(sched *scheduler.Scheduler, c *di.Container) error {
	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		{"0 * * * * *", scheduler.NewGasMonitorJob(c.Breaker, c.Log)},
		{"0 */10 * * * *", scheduler.NewPortfolioRiskJob(c.PositionsRepo, c.PortfolioMon, c.CrisisEngine, c.Log)},
		{"0 */15 * * * *", scheduler.NewPlanningJob(c.SettingsRepo, c.Planner, c.Suggestions, c.Executor, c.PositionsRepo, c.PolicyStore, c.Log)},
		{"0 0 6 * * *", scheduler.NewOutcomeSweepJob(c.Tracker)},
		{"0 0 2 * * *", scheduler.NewMaintenanceJob(c.Databases, c.AlertsRepo, 30*24*time.Hour, c.Log)},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return err
		}
	}

	// The oracle sweep needs a live feed; without one it would fail on
	// every tick.
	if c.Config.OracleFeedURL != "" {
		if err := sched.AddJob("0 */5 * * * *", scheduler.NewOracleSweepJob(c.OracleMon, c.CrisisEngine, c.Log)); err != nil {
			return err
		}
	}

	if c.AuditBackup != nil {
		if err := sched.AddJob("0 0 1 * * *", scheduler.NewBackupJob(c.AuditBackup, 30)); err != nil {
			return err
		}
	}
	return nil
}
