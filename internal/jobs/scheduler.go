// Package jobs runs the registry's background writers on cron cadences:
// a slow catalog sync and a fast provider discovery sweep. Each job is
// mutually exclusive with itself; overlapping ticks are skipped.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is one named periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler drives registered jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger: logger,
	}
}

// Add registers job on the given cron schedule. ctx bounds every run.
func (s *Scheduler) Add(ctx context.Context, schedule string, job Job) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", schedule, job.Name(), err)
	}
	_, err := s.cron.AddFunc(schedule, func() {
		s.runJob(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Debug("job starting", "job", job.Name())
	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", "job", job.Name(), "error", err)
		return
	}
	s.logger.Debug("job finished", "job", job.Name())
}

// Start begins ticking. Jobs added after Start still get scheduled.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.cron.Start()
		s.running = true
		s.logger.Info("job scheduler started", "jobs", len(s.cron.Entries()))
	}
}

// RunNow executes job once, immediately, outside its schedule. Startup uses
// this to prime the registry before the first tick.
func (s *Scheduler) RunNow(ctx context.Context, job Job) {
	s.runJob(ctx, job)
}

// Stop stops ticking and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("job scheduler stopped")
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
