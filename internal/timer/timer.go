// Package timer runs the periodic lifecycle jobs: snooze expiry for issues
// and inbox items, regression watch expiry, and suppression rule cleanup.
// Each job selects due ids in stable order and processes them one row per
// transaction, so a bad row never poisons the batch.
package timer

import (
	"context"
	"log"
	"sync"
	"time"

	"triageline/internal/config"
	"triageline/internal/domain"
	"triageline/internal/engine"
)

// Scheduler owns the background tickers. Context cancellation is the only
// stop mechanism; Wait blocks until the goroutines exit. Config is read
// through the shared store so a config update reaches the next batch.
type Scheduler struct {
	Engine engine.Engine
	Config *config.Store
	Logger *log.Logger
	wg     sync.WaitGroup
}

func New(e engine.Engine, cfg *config.Store, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{Engine: e, Config: cfg, Logger: logger}
}

// Start launches the hourly and daily loops. Both run once immediately so a
// restart never waits a full interval to catch up overdue rows.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHourly(ctx)
		ticker := time.NewTicker(s.Config.Get().Timers.HourlyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runHourly(ctx)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runDaily(ctx)
		ticker := time.NewTicker(s.Config.Get().Timers.DailyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDaily(ctx)
			}
		}
	}()
}

// Wait blocks until the background goroutines exit. Call after canceling
// the context passed to Start.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runHourly(ctx context.Context) {
	s.runJob(ctx, "inbox_snooze_expiry", s.RunInboxSnoozeExpiry)
	s.runJob(ctx, "issue_snooze_expiry", s.RunIssueSnoozeExpiry)
}

func (s *Scheduler) runDaily(ctx context.Context) {
	s.runJob(ctx, "regression_watch_expiry", s.RunRegressionWatchExpiry)
	s.runJob(ctx, "suppression_cleanup", s.RunSuppressionCleanup)
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) (int, int)) {
	processed, failed := job(ctx)
	if processed > 0 || failed > 0 {
		s.Logger.Printf("timer %s: processed=%d failed=%d", name, processed, failed)
	}
}

func (s *Scheduler) now() string {
	if s.Engine.Now != nil {
		return s.Engine.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// RunInboxSnoozeExpiry resurfaces snoozed inbox items whose snooze_until has
// passed.
func (s *Scheduler) RunInboxSnoozeExpiry(ctx context.Context) (processed, failed int) {
	ids, err := s.Engine.Repo.ListSnoozedInboxDue(ctx, s.now(), s.Config.Get().Timers.BatchSize)
	if err != nil {
		s.Logger.Printf("inbox snooze expiry: select: %v", err)
		return 0, 0
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, failed
		}
		if err := s.Engine.ResurfaceDueInboxItem(ctx, id); err != nil {
			s.Logger.Printf("inbox snooze expiry: item %s: %v", id, err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

// RunIssueSnoozeExpiry moves snoozed issues whose snoozed_until has passed
// back to surfaced.
func (s *Scheduler) RunIssueSnoozeExpiry(ctx context.Context) (processed, failed int) {
	ids, err := s.Engine.Repo.ListIssueIDsDue(ctx, domain.IssueSnoozed, "snoozed_until", s.now(), s.Config.Get().Timers.BatchSize)
	if err != nil {
		s.Logger.Printf("issue snooze expiry: select: %v", err)
		return 0, 0
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, failed
		}
		if err := s.Engine.UnsnoozeDueIssue(ctx, id); err != nil {
			s.Logger.Printf("issue snooze expiry: issue %s: %v", id, err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

// RunRegressionWatchExpiry closes issues whose regression watch window has
// elapsed without a triggering signal.
func (s *Scheduler) RunRegressionWatchExpiry(ctx context.Context) (processed, failed int) {
	ids, err := s.Engine.Repo.ListIssueIDsDue(ctx, domain.IssueRegressionWatch, "regression_watch_until", s.now(), s.Config.Get().Timers.BatchSize)
	if err != nil {
		s.Logger.Printf("regression watch expiry: select: %v", err)
		return 0, 0
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return processed, failed
		}
		if err := s.Engine.CloseDueRegressionWatch(ctx, id); err != nil {
			s.Logger.Printf("regression watch expiry: issue %s: %v", id, err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}

// RunSuppressionCleanup deletes expired suppression rules. Expired rules no
// longer block proposals either way; cleanup just keeps the table small.
func (s *Scheduler) RunSuppressionCleanup(ctx context.Context) (processed, failed int) {
	keys, err := s.Engine.Repo.ListExpiredSuppressionKeys(ctx, s.now(), s.Config.Get().Timers.BatchSize)
	if err != nil {
		s.Logger.Printf("suppression cleanup: select: %v", err)
		return 0, 0
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return processed, failed
		}
		if err := s.Engine.Repo.DeleteSuppressionRule(ctx, key); err != nil {
			s.Logger.Printf("suppression cleanup: key %s: %v", key, err)
			failed++
			continue
		}
		processed++
	}
	return processed, failed
}
