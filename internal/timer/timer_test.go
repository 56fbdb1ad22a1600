package timer_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/migrate"
	"triageline/internal/repo"
	"triageline/internal/timer"
)

type testEnv struct {
	Engine    engine.Engine
	Scheduler *timer.Scheduler
	Ctx       context.Context
	Clock     *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return now }
	eng.Suppress.Now = eng.Now
	quiet := log.New(io.Discard, "", 0)
	eng.Logger = quiet
	return testEnv{
		Engine:    eng,
		Scheduler: timer.New(eng, eng.Config, quiet),
		Ctx:       context.Background(),
		Clock:     &now,
	}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func TestInboxSnoozeExpiryResurfacesDueItems(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.IngestSignal(env.Ctx, engine.SignalInput{
		Source: "billing", SourceRef: "inv-1", Severity: "medium",
		ClientID: "cl-1", Summary: "overdue",
	}, "detector")
	if err != nil {
		t.Fatal(err)
	}
	days := 2
	if _, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSnooze,
		engine.ActionPayload{SnoozeDays: &days}, "alice"); err != nil {
		t.Fatal(err)
	}

	// Not yet due: the job selects nothing.
	processed, failed := env.Scheduler.RunInboxSnoozeExpiry(env.Ctx)
	if processed != 0 || failed != 0 {
		t.Fatalf("before due: processed=%d failed=%d", processed, failed)
	}

	env.advance(3 * 24 * time.Hour)
	processed, failed = env.Scheduler.RunInboxSnoozeExpiry(env.Ctx)
	if processed != 1 || failed != 0 {
		t.Fatalf("after due: processed=%d failed=%d", processed, failed)
	}
	item, err := env.Engine.GetInboxItem(env.Ctx, res.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != domain.InboxProposed {
		t.Fatalf("state = %s, want proposed", item.State)
	}
	// A second run finds nothing due.
	processed, failed = env.Scheduler.RunInboxSnoozeExpiry(env.Ctx)
	if processed != 0 || failed != 0 {
		t.Fatalf("second run: processed=%d failed=%d", processed, failed)
	}
}

func TestIssueSnoozeExpirySurfaces(t *testing.T) {
	env := newTestEnv(t)
	issue, _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "risk", Severity: "high", ClientID: "cl-1",
		Title: "silent contact", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionSnooze, "alice",
		engine.IssueActionOptions{SnoozeDays: 5}); err != nil {
		t.Fatal(err)
	}

	env.advance(6 * 24 * time.Hour)
	processed, failed := env.Scheduler.RunIssueSnoozeExpiry(env.Ctx)
	if processed != 1 || failed != 0 {
		t.Fatalf("processed=%d failed=%d", processed, failed)
	}
	got, _ := env.Engine.GetIssue(env.Ctx, issue.ID)
	if got.State != domain.IssueSurfaced {
		t.Fatalf("state = %s, want surfaced", got.State)
	}
	if got.SnoozedUntil != nil || got.SnoozedBy != nil {
		t.Fatal("snooze fields not cleared")
	}
}

func TestRegressionWatchExpiryClosesQuietIssues(t *testing.T) {
	env := newTestEnv(t)
	issue, _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "communication", Severity: "low", ClientID: "cl-1",
		Title: "slow replies", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionAcknowledge, "alice", engine.IssueActionOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionResolve, "alice", engine.IssueActionOptions{}); err != nil {
		t.Fatal(err)
	}

	// Inside the window nothing closes.
	env.advance(30 * 24 * time.Hour)
	if processed, _ := env.Scheduler.RunRegressionWatchExpiry(env.Ctx); processed != 0 {
		t.Fatalf("closed inside the window: processed=%d", processed)
	}

	env.advance(61 * 24 * time.Hour)
	processed, failed := env.Scheduler.RunRegressionWatchExpiry(env.Ctx)
	if processed != 1 || failed != 0 {
		t.Fatalf("processed=%d failed=%d", processed, failed)
	}
	got, _ := env.Engine.GetIssue(env.Ctx, issue.ID)
	if got.State != domain.IssueClosed {
		t.Fatalf("state = %s, want closed", got.State)
	}
}

func TestSuppressionCleanupRemovesExpiredRules(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.IngestSignal(env.Ctx, engine.SignalInput{
		Source: "email", SourceRef: "msg-1", Severity: "low",
		Summary: "unmatched email",
	}, "detector")
	if err != nil {
		t.Fatal(err)
	}
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionDismiss, engine.ActionPayload{}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	key := *item.SuppressionKey

	if processed, _ := env.Scheduler.RunSuppressionCleanup(env.Ctx); processed != 0 {
		t.Fatalf("cleanup removed a live rule: processed=%d", processed)
	}

	// Orphan rules default to 180 days.
	env.advance(181 * 24 * time.Hour)
	processed, failed := env.Scheduler.RunSuppressionCleanup(env.Ctx)
	if processed != 1 || failed != 0 {
		t.Fatalf("processed=%d failed=%d", processed, failed)
	}
	if _, err := env.Engine.Repo.GetSuppressionRule(env.Ctx, key); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rule still present: %v", err)
	}
}

func TestArchivedSnoozedItemIsNotResurfaced(t *testing.T) {
	env := newTestEnv(t)
	issue, item, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "financial", Severity: "medium", ClientID: "cl-1",
		Title: "unpaid invoice", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	days := 2
	if _, err := env.Engine.InboxAct(env.Ctx, item.ID, engine.ActionSnooze,
		engine.ActionPayload{SnoozeDays: &days}, "alice"); err != nil {
		t.Fatal(err)
	}
	// A direct issue action archives the wrapper while it sits snoozed.
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionAcknowledge, "alice", engine.IssueActionOptions{}); err != nil {
		t.Fatal(err)
	}

	env.advance(3 * 24 * time.Hour)
	processed, failed := env.Scheduler.RunInboxSnoozeExpiry(env.Ctx)
	if processed != 0 || failed != 0 {
		t.Fatalf("archived item resurfaced: processed=%d failed=%d", processed, failed)
	}
	got, _ := env.Engine.GetInboxItem(env.Ctx, item.ID)
	if got.State != domain.InboxSnoozed {
		t.Fatalf("state = %s, want snoozed (archived in place)", got.State)
	}
}

func TestStartRunsJobsAndStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	issue, _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "risk", Severity: "high", ClientID: "cl-1",
		Title: "scope creep", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionSnooze, "alice",
		engine.IssueActionOptions{SnoozeDays: 1}); err != nil {
		t.Fatal(err)
	}
	env.advance(2 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	slow := config.Default()
	slow.Timers.HourlyInterval = time.Hour
	slow.Timers.DailyInterval = time.Hour
	env.Scheduler.Config.Set(slow)
	env.Scheduler.Start(ctx)

	// The immediate first run picks up the overdue row.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := env.Engine.GetIssue(context.Background(), issue.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == domain.IssueSurfaced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("issue never unsnoozed, state = %s", got.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		env.Scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
