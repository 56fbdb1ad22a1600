package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"triageline/internal/config"
	"triageline/internal/db"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/migrate"
	"triageline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return now }
	eng.Suppress.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: &now}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func ingest(t *testing.T, env testEnv, in engine.SignalInput) engine.IngestResult {
	t.Helper()
	res, err := env.Engine.IngestSignal(env.Ctx, in, "detector")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func TestIngestClassifiesItemType(t *testing.T) {
	env := newTestEnv(t)

	flagged := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-1", Severity: "high",
		ClientID: "cl-1", Summary: "invoice 30 days overdue",
	})
	if flagged.Item == nil || flagged.Item.Type != domain.ItemTypeFlaggedSignal {
		t.Fatalf("expected flagged_signal item, got %+v", flagged.Item)
	}
	if flagged.Item.State != domain.InboxProposed {
		t.Fatalf("new item state = %s, want proposed", flagged.Item.State)
	}

	orphan := ingest(t, env, engine.SignalInput{
		Source: "email", SourceRef: "msg-1", Severity: "low",
		Summary: "unmatched complaint email",
	})
	if orphan.Item == nil || orphan.Item.Type != domain.ItemTypeOrphan {
		t.Fatalf("expected orphan item, got %+v", orphan.Item)
	}

	ambiguous := ingest(t, env, engine.SignalInput{
		Source: "chat", SourceRef: "th-1", Severity: "medium",
		Summary: "thread mentions two accounts", Candidates: []string{"cl-1", "cl-2"},
	})
	if ambiguous.Item == nil || ambiguous.Item.Type != domain.ItemTypeAmbiguous {
		t.Fatalf("expected ambiguous item, got %+v", ambiguous.Item)
	}
}

func TestIngestDuplicateTouchesLastSeen(t *testing.T) {
	env := newTestEnv(t)
	first := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-1", Severity: "high",
		ClientID: "cl-1", Summary: "overdue",
	})
	env.advance(2 * time.Hour)
	second := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-1", Severity: "high",
		ClientID: "cl-1", Summary: "overdue",
	})
	if !second.Duplicate {
		t.Fatal("expected duplicate")
	}
	if second.Signal.ID != first.Signal.ID {
		t.Fatal("duplicate created a new signal row")
	}
	if second.Signal.LastSeenAt == first.Signal.LastSeenAt {
		t.Fatal("last_seen_at not advanced")
	}
	// No new item: the duplicate reports the one still triaging the signal.
	if second.Item == nil || second.Item.ID != first.Item.ID {
		t.Fatalf("duplicate item = %+v, want the original proposal", second.Item)
	}
}

func TestIngestDuplicateAfterDismissReportsNoItem(t *testing.T) {
	env := newTestEnv(t)
	first := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-8", Severity: "high",
		ClientID: "cl-1", Summary: "overdue",
	})
	if _, err := env.Engine.InboxAct(env.Ctx, first.Item.ID, engine.ActionDismiss, engine.ActionPayload{}, "alice"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	second := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-8", Severity: "high",
		ClientID: "cl-1", Summary: "overdue",
	})
	if !second.Duplicate {
		t.Fatal("expected duplicate")
	}
	if second.Item != nil {
		t.Fatalf("dismissed item reported as active: %+v", second.Item)
	}
}

func TestDismissSetsInvariantFieldsAndRule(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "email", SourceRef: "msg-7", Severity: "low",
		Summary: "unmatched email",
	})
	noise := "noise"
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionDismiss,
		engine.ActionPayload{Reason: &noise}, "alice")
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if item.State != domain.InboxDismissed {
		t.Fatalf("state = %s, want dismissed", item.State)
	}
	if item.SuppressionKey == nil || item.DismissedAt == nil || item.DismissedBy == nil {
		t.Fatal("dismissed item missing suppression_key/dismissed_at/dismissed_by")
	}
	if *item.DismissedBy != "alice" {
		t.Fatalf("dismissed_by = %s, want alice", *item.DismissedBy)
	}

	// The rule exists with the orphan default expiry (180 days).
	rule, err := env.Engine.Repo.GetSuppressionRule(env.Ctx, *item.SuppressionKey)
	if err != nil {
		t.Fatalf("rule lookup: %v", err)
	}
	want := env.Clock.Add(180 * 24 * time.Hour).Format(time.RFC3339)
	if rule.ExpiresAt != want {
		t.Fatalf("rule expires %s, want %s", rule.ExpiresAt, want)
	}
}

func TestSuppressionBlocksReproposal(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "email", SourceRef: "msg-8", Severity: "low",
		Summary: "unmatched email", AggregationKey: "complaint:acme",
	})
	if _, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionDismiss, engine.ActionPayload{}, "alice"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	// Same logical problem, new source ref: blocked while the rule lives.
	blocked := ingest(t, env, engine.SignalInput{
		Source: "email", SourceRef: "msg-9", Severity: "low",
		Summary: "unmatched email again", AggregationKey: "complaint:acme",
	})
	if !blocked.Suppressed || blocked.Item != nil {
		t.Fatalf("expected suppressed ingest, got suppressed=%v item=%v", blocked.Suppressed, blocked.Item)
	}

	// Past the orphan expiry the same fingerprint proposes again.
	env.advance(181 * 24 * time.Hour)
	clear := ingest(t, env, engine.SignalInput{
		Source: "email", SourceRef: "msg-10", Severity: "low",
		Summary: "unmatched email returns", AggregationKey: "complaint:acme",
	})
	if clear.Suppressed || clear.Item == nil {
		t.Fatal("expected expired rule to stop blocking")
	}
}

func TestSnoozeRejectsForeignField(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-2", Severity: "medium",
		ClientID: "cl-1", Summary: "late payment",
	})
	days := 7
	alice := "alice"
	_, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSnooze,
		engine.ActionPayload{SnoozeDays: &days, AssignTo: &alice}, "bob")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "assign_to") {
		t.Fatalf("error %q does not name assign_to", err.Error())
	}
	// Nothing was written.
	item, err := env.Engine.GetInboxItem(env.Ctx, res.Item.ID)
	if err != nil || item.State != domain.InboxProposed {
		t.Fatalf("item mutated despite validation failure: %+v err=%v", item, err)
	}
}

func TestSnoozeRejectsNonPositiveDays(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-6", Severity: "medium",
		ClientID: "cl-1", Summary: "late payment",
	})
	days := 0
	_, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSnooze,
		engine.ActionPayload{SnoozeDays: &days}, "bob")
	var ve *engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// The field is present but unusable, not missing.
	if ve.Invalid != "snooze_days" || ve.Missing != "" {
		t.Fatalf("invalid=%q missing=%q, want invalid=snooze_days", ve.Invalid, ve.Missing)
	}
	if !strings.Contains(err.Error(), "invalid value") {
		t.Fatalf("error %q does not report an invalid value", err.Error())
	}
	item, err := env.Engine.GetInboxItem(env.Ctx, res.Item.ID)
	if err != nil || item.State != domain.InboxProposed {
		t.Fatalf("item mutated despite validation failure: %+v err=%v", item, err)
	}
}

func TestSnoozeAndTimerResurface(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-3", Severity: "medium",
		ClientID: "cl-1", Summary: "late payment",
	})
	days := 3
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSnooze,
		engine.ActionPayload{SnoozeDays: &days}, "bob")
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if item.State != domain.InboxSnoozed || item.SnoozeUntil == nil {
		t.Fatalf("snooze state: %+v", item)
	}

	env.advance(4 * 24 * time.Hour)
	if err := env.Engine.ResurfaceDueInboxItem(env.Ctx, item.ID); err != nil {
		t.Fatalf("resurface: %v", err)
	}
	item, _ = env.Engine.GetInboxItem(env.Ctx, item.ID)
	if item.State != domain.InboxProposed {
		t.Fatalf("state = %s, want proposed", item.State)
	}
	if item.ResurfacedAt == nil {
		t.Fatal("resurfaced_at not stamped")
	}
	if item.ResurfacedAt != nil && *item.ResurfacedAt == item.ProposedAt {
		t.Fatal("resurfaced_at should differ from proposed_at")
	}
}

func TestTagPromotesSignalToIssue(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-4", Severity: "high",
		ClientID: "cl-1", EngagementID: "en-1", Summary: "invoice 60 days overdue",
	})
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionTag, engine.ActionPayload{}, "alice")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if item.State != domain.InboxLinkedToIssue || item.ResolvedIssueID == nil {
		t.Fatalf("tagged item: %+v", item)
	}
	issue, err := env.Engine.GetIssue(env.Ctx, *item.ResolvedIssueID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issue.Type != "financial" || issue.State != domain.IssueSurfaced || issue.ClientID != "cl-1" {
		t.Fatalf("promoted issue: %+v", issue)
	}
	sig, _ := env.Engine.Repo.GetSignal(env.Ctx, res.Signal.ID)
	if sig.SupersededByIssue == nil || *sig.SupersededByIssue != issue.ID {
		t.Fatal("signal not superseded by the issue")
	}
	// Terminal: no further actions.
	_, err = env.Engine.InboxAct(env.Ctx, item.ID, engine.ActionTag, engine.ActionPayload{}, "alice")
	var te engine.AlreadyTerminalError
	if !errors.As(err, &te) {
		t.Fatalf("expected AlreadyTerminalError, got %v", err)
	}
}

func TestSelectRequiredBeforeResolvingAmbiguous(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "chat", SourceRef: "th-2", Severity: "medium",
		Summary: "two possible clients", Candidates: []string{"cl-1", "cl-2"},
	})
	if _, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionTag, engine.ActionPayload{}, "alice"); err == nil {
		t.Fatal("tag before select should fail")
	}
	bogus := "cl-9"
	if _, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSelect,
		engine.ActionPayload{SelectCandidateID: &bogus}, "alice"); err == nil {
		t.Fatal("select of a non-candidate should fail")
	}
	chosen := "cl-2"
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionSelect,
		engine.ActionPayload{SelectCandidateID: &chosen}, "alice")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if item.State != domain.InboxProposed {
		t.Fatalf("select changed state to %s", item.State)
	}
	item, err = env.Engine.InboxAct(env.Ctx, item.ID, engine.ActionTag, engine.ActionPayload{}, "alice")
	if err != nil {
		t.Fatalf("tag after select: %v", err)
	}
	issue, _ := env.Engine.GetIssue(env.Ctx, *item.ResolvedIssueID)
	if issue.ClientID != "cl-2" {
		t.Fatalf("issue client = %s, want the selected candidate", issue.ClientID)
	}
}

func TestDirectIssueSnoozeArchivesWrapperWithoutStateChange(t *testing.T) {
	env := newTestEnv(t)
	issue, item, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "risk", Severity: "high", ClientID: "cl-1",
		Title: "key contact went silent", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if item == nil || item.State != domain.InboxProposed {
		t.Fatalf("expected proposed wrapper, got %+v", item)
	}

	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionSnooze, "alice",
		engine.IssueActionOptions{SnoozeDays: 7}); err != nil {
		t.Fatalf("issue snooze: %v", err)
	}

	got, err := env.Engine.GetInboxItem(env.Ctx, item.ID)
	if err != nil {
		t.Fatalf("get wrapper: %v", err)
	}
	if got.State != domain.InboxProposed {
		t.Fatalf("wrapper state = %s, want proposed (untouched)", got.State)
	}
	if got.ResolutionReason == nil || *got.ResolutionReason != domain.ResolutionIssueSnoozedDirectly {
		t.Fatalf("resolution_reason = %v, want issue_snoozed_directly", got.ResolutionReason)
	}
}

func TestIssueLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	issue, _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "schedule_delivery", Severity: "medium", ClientID: "cl-1",
		Title: "milestone slipping", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	steps := []struct {
		action string
		want   string
	}{
		{engine.IssueActionAcknowledge, domain.IssueAcknowledged},
		{engine.IssueActionStart, domain.IssueAddressing},
		{engine.IssueActionAwait, domain.IssueAwaitingResolution},
		{engine.IssueActionResolve, domain.IssueRegressionWatch},
		{engine.IssueActionClose, domain.IssueClosed},
	}
	for _, s := range steps {
		issue, err = env.Engine.TransitionIssue(env.Ctx, issue.ID, s.action, "alice", engine.IssueActionOptions{})
		if err != nil {
			t.Fatalf("%s: %v", s.action, err)
		}
		if issue.State != s.want {
			t.Fatalf("%s: state = %s, want %s", s.action, issue.State, s.want)
		}
	}
	// Closed is terminal.
	_, err = env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionSurface, "alice", engine.IssueActionOptions{})
	var te engine.AlreadyTerminalError
	if !errors.As(err, &te) {
		t.Fatalf("expected AlreadyTerminalError, got %v", err)
	}

	// Resolve recorded two audit rows: resolved, then regression_watch.
	transitions, err := env.Engine.Repo.ListIssueTransitions(env.Ctx, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	var states []string
	for _, tr := range transitions {
		states = append(states, tr.NewState)
	}
	want := []string{"surfaced", "acknowledged", "addressing", "awaiting_resolution", "resolved", "regression_watch", "closed"}
	if len(states) != len(want) {
		t.Fatalf("audit trail %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("audit trail %v, want %v", states, want)
		}
	}
}

func TestUpdateConfigReachesLaterOperations(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Lifecycle.RegressionWatchDays = 5
	if err := env.Engine.UpdateConfig(env.Ctx, cfg); err != nil {
		t.Fatal(err)
	}

	issue, _, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "financial", Severity: "high", ClientID: "cl-1",
		Title: "overdue invoice", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionAcknowledge, "alice", engine.IssueActionOptions{}); err != nil {
		t.Fatal(err)
	}
	issue, err = env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionResolve, "alice", engine.IssueActionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := env.Clock.Add(5 * 24 * time.Hour).Format(time.RFC3339)
	if issue.RegressionWatchUntil == nil || *issue.RegressionWatchUntil != want {
		t.Fatalf("regression_watch_until = %v, want %v", issue.RegressionWatchUntil, want)
	}

	stored, err := env.Engine.Repo.GetConfig(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Lifecycle.RegressionWatchDays != 5 {
		t.Fatalf("persisted regression_watch_days = %d, want 5", stored.Lifecycle.RegressionWatchDays)
	}
}

func TestRegressionSignalReopensWithNewItem(t *testing.T) {
	env := newTestEnv(t)
	issue, firstItem, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "financial", Severity: "high", ClientID: "cl-1",
		Title: "recurring overdue invoices", AggregationKey: "overdue:cl-1",
		Surfaced: true,
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

	env.advance(10 * 24 * time.Hour)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-99", Severity: "high",
		ClientID: "cl-1", Summary: "overdue again", AggregationKey: "overdue:cl-1",
	})
	if !res.Regression {
		t.Fatalf("expected regression routing, got %+v", res)
	}
	if res.Issue == nil || res.Issue.State != domain.IssueRegressed {
		t.Fatalf("issue state: %+v", res.Issue)
	}
	if res.Issue.EvidenceVersion != 2 {
		t.Fatalf("evidence_version = %d, want 2", res.Issue.EvidenceVersion)
	}
	if res.Item == nil || res.Item.ID == firstItem.ID {
		t.Fatal("expected a brand-new inbox item")
	}
	if res.Item.State != domain.InboxProposed {
		t.Fatalf("new item state = %s, want proposed", res.Item.State)
	}
}

func TestRegressionIngestRollsBackWhenReopenFails(t *testing.T) {
	env := newTestEnv(t)
	issue, firstItem, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "financial", Severity: "high", ClientID: "cl-1",
		Title: "recurring overdue invoices", AggregationKey: "overdue:cl-1",
		Surfaced: true,
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

	// A competing active wrapper makes the reopen's proposal collide with
	// the one-active-item index.
	plant := *firstItem
	plant.ID = "competing-wrapper"
	plant.ResolutionReason = nil
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertInboxItemTx(env.Ctx, tx, plant); err != nil {
		t.Fatalf("plant wrapper: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	in := engine.SignalInput{
		Source: "billing", SourceRef: "inv-77", Severity: "high",
		ClientID: "cl-1", Summary: "overdue again", AggregationKey: "overdue:cl-1",
	}
	if _, err := env.Engine.IngestSignal(env.Ctx, in, "detector"); err == nil {
		t.Fatal("expected the reopen to fail against the competing wrapper")
	}
	// The whole ingest rolled back: no signal row, issue still watching.
	if _, err := env.Engine.Repo.FindSignalBySourceRef(env.Ctx, in.Source, in.SourceRef); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("signal row survived the failed ingest: %v", err)
	}
	got, _ := env.Engine.GetIssue(env.Ctx, issue.ID)
	if got.State != domain.IssueRegressionWatch {
		t.Fatalf("issue state = %s, want regression_watch", got.State)
	}

	// Once the conflict clears, the detector's retry reopens the issue.
	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := env.Clock.Format(time.RFC3339)
	if err := env.Engine.Repo.ArchiveInboxItemForIssueTx(env.Ctx, tx, issue.ID, domain.ResolutionIssueAcknowledgedDirectly, now); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	res := ingest(t, env, in)
	if !res.Regression || res.Duplicate {
		t.Fatalf("retry result: %+v", res)
	}
	if res.Item == nil || res.Item.State != domain.InboxProposed {
		t.Fatalf("retry item: %+v", res.Item)
	}
	got, _ = env.Engine.GetIssue(env.Ctx, issue.ID)
	if got.State != domain.IssueRegressed || got.EvidenceVersion != 2 {
		t.Fatalf("issue after retry: state=%s evidence_version=%d", got.State, got.EvidenceVersion)
	}
}

func TestRegressionWatchExpiryCloses(t *testing.T) {
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
	env.advance(91 * 24 * time.Hour)
	if err := env.Engine.CloseDueRegressionWatch(env.Ctx, issue.ID); err != nil {
		t.Fatalf("close due: %v", err)
	}
	got, _ := env.Engine.GetIssue(env.Ctx, issue.ID)
	if got.State != domain.IssueClosed {
		t.Fatalf("state = %s, want closed", got.State)
	}
	if got.ClosedAt == nil {
		t.Fatal("closed_at not stamped")
	}
}

func TestConcurrentStateWriteConflicts(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "billing", SourceRef: "inv-5", Severity: "high",
		ClientID: "cl-1", Summary: "overdue",
	})
	// A stale copy loaded before another writer resolved the item.
	stale, err := env.Engine.GetInboxItem(env.Ctx, res.Item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionTag, engine.ActionPayload{}, "alice"); err != nil {
		t.Fatalf("first tag: %v", err)
	}

	now := env.Clock.Format(time.RFC3339)
	stale.State = domain.InboxSnoozed
	stale.SnoozeUntil = &now
	stale.UpdatedAt = now
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.UpdateInboxItemTx(env.Ctx, tx, stale, domain.InboxProposed)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOneActiveItemPerUnderlyingIssue(t *testing.T) {
	env := newTestEnv(t)
	issue, item, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "risk", Severity: "medium", ClientID: "cl-1",
		Title: "scope creep", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil {
		t.Fatal("expected a wrapper")
	}
	active, err := env.Engine.Repo.ActiveInboxItemForIssue(env.Ctx, issue.ID)
	if err != nil {
		t.Fatalf("active lookup: %v", err)
	}
	if active.ID != item.ID {
		t.Fatal("active wrapper mismatch")
	}
	// A second active wrapper for the same issue violates the partial
	// unique index.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	dup := active
	dup.ID = "dup-item"
	if err := env.Engine.Repo.InsertInboxItemTx(env.Ctx, tx, dup); err == nil {
		t.Fatal("expected unique index violation")
	}
}

func TestIssueAssignArchivesWrapperAndSetsAssignee(t *testing.T) {
	env := newTestEnv(t)
	issue, item, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Type: "financial", Severity: "medium", ClientID: "cl-1",
		Title: "unpaid retainer", Surfaced: true,
	}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.TransitionIssue(env.Ctx, issue.ID, engine.IssueActionAssign, "alice",
		engine.IssueActionOptions{AssignTo: "bob"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo != "bob" {
		t.Fatalf("assigned_to = %v", got.AssignedTo)
	}
	if got.State != domain.IssueSurfaced {
		t.Fatalf("assign changed state to %s", got.State)
	}
	wrapper, _ := env.Engine.GetInboxItem(env.Ctx, item.ID)
	if wrapper.ResolutionReason == nil || *wrapper.ResolutionReason != domain.ResolutionIssueAssignedDirectly {
		t.Fatalf("resolution_reason = %v", wrapper.ResolutionReason)
	}

	// Flag actions write no audit row.
	transitions, _ := env.Engine.Repo.ListIssueTransitions(env.Ctx, issue.ID)
	if len(transitions) != 1 {
		t.Fatalf("expected only the creation row, got %d", len(transitions))
	}
}

func TestLinkCreatesIssueInEngagement(t *testing.T) {
	env := newTestEnv(t)
	res := ingest(t, env, engine.SignalInput{
		Source: "delivery", SourceRef: "ms-1", Severity: "medium",
		ClientID: "cl-1", Summary: "deliverable slipped",
	})
	en := "en-42"
	item, err := env.Engine.InboxAct(env.Ctx, res.Item.ID, engine.ActionLink,
		engine.ActionPayload{LinkEngagementID: &en}, "alice")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if item.State != domain.InboxLinkedToIssue || item.ResolvedIssueID == nil {
		t.Fatalf("linked item: %+v", item)
	}
	if item.LinkEngagementID == nil || *item.LinkEngagementID != en {
		t.Fatalf("link_engagement_id = %v", item.LinkEngagementID)
	}
	issue, _ := env.Engine.GetIssue(env.Ctx, *item.ResolvedIssueID)
	if issue.EngagementID == nil || *issue.EngagementID != en {
		t.Fatalf("issue engagement = %v, want %s", issue.EngagementID, en)
	}
}
