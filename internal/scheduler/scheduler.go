// Package scheduler runs the engine's background sweeps on cron schedules.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named background sweep.
type Job interface {
	Run() error
	Name() string
}

// Scheduler drives the registered sweeps. A panicking sweep is logged and
// the schedule keeps running; one bad job must not take down the others.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New creates a scheduler using six-field cron expressions (with seconds).
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// Start begins dispatching sweeps.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Background sweeps started")
}

// Stop halts dispatch and waits for in-flight sweeps to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Background sweeps stopped")
}

// AddJob registers a sweep on a schedule, e.g. "0 */5 * * * *" for every
// five minutes, or the @every / @hourly shorthands.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() { s.runJob(job) })
	if err != nil {
		return fmt.Errorf("register %s: %w", job.Name(), err)
	}
	s.log.Info().
		Str("schedule", schedule).
		Str("job", job.Name()).
		Msg("Sweep registered")
	return nil
}

// RunNow executes a sweep immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Sweep forced")
	return job.Run()
}

func (s *Scheduler) runJob(job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("job", job.Name()).
				Interface("panic", r).
				Dur("elapsed", time.Since(start)).
				Msg("Sweep panicked")
		}
	}()

	if err := job.Run(); err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("elapsed", time.Since(start)).
			Msg("Sweep failed")
		return
	}
	s.log.Debug().
		Str("job", job.Name()).
		Dur("elapsed", time.Since(start)).
		Msg("Sweep completed")
}
