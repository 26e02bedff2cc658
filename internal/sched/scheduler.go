// Package sched runs reconciliation and backup-store sweeps on a cron
// schedule. It provides no cross-process exclusivity; run one scheduler
// per directory.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/filekeep/filekeep/internal/backup"
	"github.com/filekeep/filekeep/internal/metrics"
	"github.com/filekeep/filekeep/internal/retention"
)

// Config configures a Scheduler.
type Config struct {
	Cron        string // standard cron expression, e.g. "0 3 * * *"
	ArtifactDir string
	Policy      retention.Policy
	Scanner     *retention.Scanner
	Backups     *backup.Manager  // optional; enables the store sweep
	Metrics     *metrics.Metrics // optional
	Logger      *zerolog.Logger  // nil selects the global logger
}

// Scheduler triggers reconcile and sweep cycles at scheduled times.
type Scheduler struct {
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg, cron: cron.New()}
	if cfg.Logger != nil {
		s.logger = *cfg.Logger
	} else {
		s.logger = log.With().Str("component", "sched").Logger()
	}
	return s
}

// Start begins scheduled runs. The scheduler stops itself when ctx is
// canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if _, err := cron.ParseStandard(s.cfg.Cron); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.Cron, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Cron, func() { s.Run(ctx) }); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().
		Str("schedule", s.cfg.Cron).
		Str("dir", s.cfg.ArtifactDir).
		Msg("retention scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Run executes one reconcile plus sweep cycle. It is called by the cron
// entry and may be invoked directly for an immediate pass.
func (s *Scheduler) Run(ctx context.Context) {
	report, err := s.cfg.Scanner.Reconcile(ctx, s.cfg.ArtifactDir, s.cfg.Policy)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled reconcile failed")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ReconcileRuns.WithLabelValues("error").Inc()
		}
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveReport(report, float64(time.Now().Unix()))
	}

	if s.cfg.Backups == nil {
		return
	}
	// The manager logs and counts pruned backups itself.
	if _, err := s.cfg.Backups.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("backup store sweep failed")
	}
}

// Stop stops the scheduler and waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("retention scheduler stopped")
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled cycle time, or nil when not running.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
