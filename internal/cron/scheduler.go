// Package cron runs the daemon's periodic maintenance: expiring orphaned
// correlations and purging old audit history.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-warden/internal/correlation"
	wotel "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// @daily and @every 30s.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Sweeper expires stale correlations.
type Sweeper interface {
	SweepNow() []correlation.Continuation
}

// Retainer purges history older than the given windows.
type Retainer interface {
	RunRetention(ctx context.Context, auditLogDays, sanctionEventDays int) (persistence.RetentionResult, error)
}

// Config holds the dependencies for the scheduler. Directory and Store may
// be nil to disable their job.
type Config struct {
	Directory Sweeper
	Store     Retainer
	Metrics   *wotel.Metrics
	Logger    *slog.Logger

	SweepInterval     time.Duration // defaults to 30s
	RetentionSpec     string        // defaults to @daily
	AuditLogDays      int
	SanctionEventDays int
}

// Scheduler owns a robfig/cron runner with the maintenance jobs.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	runner *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler validates cfg and registers the jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RetentionSpec == "" {
		cfg.RetentionSpec = "@daily"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = wotel.NoopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "cron"),
		runner: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
		ctx: context.Background(),
	}

	if cfg.Directory != nil {
		spec := fmt.Sprintf("@every %s", cfg.SweepInterval)
		if _, err := s.runner.AddFunc(spec, func() { s.SweepOnce(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("register sweep job %q: %w", spec, err)
		}
	}
	if cfg.Store != nil {
		if _, err := s.runner.AddFunc(cfg.RetentionSpec, func() { _, _ = s.RetainOnce(s.jobContext()) }); err != nil {
			return nil, fmt.Errorf("register retention job %q: %w", cfg.RetentionSpec, err)
		}
	}
	return s, nil
}

// Start runs the jobs in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.runner.Start()
	go func() {
		<-s.jobContext().Done()
		s.runner.Stop()
	}()
	attrs := []any{"sweep_interval", s.cfg.SweepInterval, "retention", s.cfg.RetentionSpec}
	if next, ok := s.NextRetention(time.Now()); ok {
		attrs = append(attrs, "next_retention", next.Format(time.RFC3339))
	}
	s.logger.Info("cron scheduler started", attrs...)
}

// Stop halts the runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.runner.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// SweepOnce expires orphaned correlations and returns how many were dropped.
func (s *Scheduler) SweepOnce(ctx context.Context) int {
	if s.cfg.Directory == nil {
		return 0
	}
	expired := s.cfg.Directory.SweepNow()
	if n := len(expired); n > 0 {
		s.cfg.Metrics.CorrelationsOrphaned.Add(ctx, int64(n))
		s.logger.Info("cron: correlation sweep", "expired", n)
	}
	return len(expired)
}

// RetainOnce runs one retention pass.
func (s *Scheduler) RetainOnce(ctx context.Context) (persistence.RetentionResult, error) {
	if s.cfg.Store == nil {
		return persistence.RetentionResult{}, nil
	}
	res, err := s.cfg.Store.RunRetention(ctx, s.cfg.AuditLogDays, s.cfg.SanctionEventDays)
	if err != nil {
		s.logger.Error("cron: retention failed", "error", err)
		return res, err
	}
	s.logger.Info("cron: retention complete",
		"purged_audit_logs", res.PurgedAuditLogs,
		"purged_sanction_events", res.PurgedSanctionEvents,
	)
	return res, nil
}

// NextRetention returns the first retention run after the given time. ok is
// false when the scheduler has no store and so no retention job.
func (s *Scheduler) NextRetention(after time.Time) (next time.Time, ok bool) {
	if s.cfg.Store == nil {
		return time.Time{}, false
	}
	sched, err := cronParser.Parse(s.cfg.RetentionSpec)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(after), true
}
