package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes calls that started before a cutoff
type Pruner interface {
	PruneCallsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler prunes calls older than the retention window on a cron schedule
type Scheduler struct {
	pruner   Pruner
	days     int
	schedule string
	onPrune  func(int64)
	now      func() time.Time

	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewScheduler creates a retention scheduler. days <= 0 disables pruning.
// onPrune, when set, receives the number of calls deleted by each run.
func NewScheduler(pruner Pruner, days int, schedule string, onPrune func(int64)) *Scheduler {
	return &Scheduler{
		pruner:   pruner,
		days:     days,
		schedule: schedule,
		onPrune:  onPrune,
		now:      time.Now,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "retention"),
	}
}

// Start registers the pruning job and starts the cron runner. It stops when
// ctx is cancelled.
//
// Common cron expressions:
//   - "0 3 * * *"   - Daily at 3 AM
//   - "0 */6 * * *" - Every 6 hours
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.days <= 0 || s.schedule == "" {
		s.logger.Info("retention disabled, keeping calls forever")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started", "schedule", s.schedule, "retention_days", s.days)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce prunes calls older than the retention window
func (s *Scheduler) RunOnce(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.days)

	deleted, err := s.pruner.PruneCallsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("scheduled pruning failed", "error", err)
		return
	}

	if s.onPrune != nil {
		s.onPrune(deleted)
	}
	if deleted > 0 {
		s.logger.Info("scheduled pruning completed", "deleted_count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	} else {
		s.logger.Debug("scheduled pruning completed, no calls deleted")
	}
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pruning time, nil when not scheduled
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
