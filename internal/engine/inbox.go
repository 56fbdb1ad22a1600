package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triageline/internal/domain"
	"triageline/internal/repo"
	"triageline/internal/suppress"
	"triageline/internal/transitions"
)

// issueSuppressionKey fingerprints the inbox wrapper of an issue. Identity
// is the aggregation key when the issue has one, otherwise the issue id;
// scoping is client and engagement.
func (e Engine) issueSuppressionKey(issue domain.Issue) string {
	identity := strOrEmpty(issue.AggregationKey)
	if identity == "" {
		identity = issue.ID
	}
	return suppress.Key(domain.ItemTypeIssue, map[string]string{
		"client_id":     issue.ClientID,
		"engagement_id": strOrEmpty(issue.EngagementID),
		"issue_type":    issue.Type,
		"identity":      identity,
	})
}

// signalSuppressionKey fingerprints a signal-backed inbox item. Identity is
// the aggregation key when present, else the source ref, so repeated
// observations of the same logical problem collapse to one key.
func signalSuppressionKey(itemType string, sig domain.Signal) string {
	identity := sig.AggregationKey
	if identity == "" {
		identity = sig.SourceRef
	}
	return suppress.Key(itemType, map[string]string{
		"client_id":     strOrEmpty(sig.ClientID),
		"engagement_id": strOrEmpty(sig.EngagementID),
		"source":        sig.Source,
		"identity":      identity,
	})
}

// proposeIssueItemTx inserts a fresh proposed wrapper for an issue, with its
// creation audit row, inside the caller's transaction.
func (e Engine) proposeIssueItemTx(ctx context.Context, tx *sql.Tx, issue domain.Issue, key, actor, reason string) (domain.InboxItem, error) {
	now := e.nowStr()
	item := domain.InboxItem{
		ID:                uuid.New().String(),
		Type:              domain.ItemTypeIssue,
		State:             domain.InboxProposed,
		Severity:          issue.Severity,
		UnderlyingIssueID: &issue.ID,
		ClientID:          &issue.ClientID,
		EngagementID:      issue.EngagementID,
		SuppressionKey:    &key,
		ProposedAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertInboxItemTx(ctx, tx, item); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState: "",
		NewState:  domain.InboxProposed,
		Reason:    reason,
		Actor:     actor,
	}); err != nil {
		return item, err
	}
	return item, nil
}

// InboxAct validates and applies one primary action to an inbox item. The
// payload is validated before anything is read or written; terminal items
// reject every action.
func (e Engine) InboxAct(ctx context.Context, itemID, action string, payload ActionPayload, actor string) (domain.InboxItem, error) {
	if err := Validate(action, payload); err != nil {
		return domain.InboxItem{}, err
	}
	if actor == "" {
		return domain.InboxItem{}, fmt.Errorf("actor required")
	}
	item, err := e.Repo.GetInboxItem(ctx, itemID)
	if err != nil {
		return domain.InboxItem{}, err
	}
	if domain.InboxStateTerminal(item.State) {
		return item, AlreadyTerminalError{Entity: "inbox item", ID: item.ID, State: item.State}
	}

	switch action {
	case ActionTag:
		return e.inboxTag(ctx, item, payload, actor)
	case ActionAssign:
		return e.inboxAssign(ctx, item, payload, actor)
	case ActionSnooze:
		return e.inboxSnooze(ctx, item, payload, actor)
	case ActionDismiss:
		return e.inboxDismiss(ctx, item, payload, actor)
	case ActionLink:
		return e.inboxLink(ctx, item, payload, actor)
	case ActionSelect:
		return e.inboxSelect(ctx, item, payload, actor)
	}
	return item, &ValidationError{Action: action, Unknown: true}
}

// inboxTag resolves the item into an issue: an existing one when the payload
// names it, otherwise a new issue promoted from the underlying signal. The
// item terminates in linked_to_issue.
func (e Engine) inboxTag(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	if item.State != domain.InboxProposed {
		return item, InvalidTransitionError{Entity: "inbox item", ID: item.ID, State: item.State, Action: ActionTag}
	}
	if err := e.requireSelection(item); err != nil {
		return item, err
	}
	prev := item.State
	now := e.nowStr()

	var issueID string
	if payload.IssueID != nil && *payload.IssueID != "" {
		issue, err := e.Repo.GetIssue(ctx, *payload.IssueID)
		if err != nil {
			return item, err
		}
		issueID = issue.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()

	if issueID == "" {
		issue, err := e.promoteUnderlyingSignalTx(ctx, tx, item, actor)
		if err != nil {
			return item, err
		}
		issueID = issue.ID
	}
	item.State = domain.InboxLinkedToIssue
	item.ResolvedIssueID = &issueID
	item.ResolvedAt = &now
	item.TaggedBy = &actor
	item.UpdatedAt = now
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState: prev,
		NewState:  item.State,
		Reason:    domain.ReasonUser,
		Actor:     actor,
		Note:      payload.Note,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// inboxAssign sets the assignee. Re-tagging never clears a prior tag actor,
// and assignment changes no lifecycle state, so no audit row is written.
func (e Engine) inboxAssign(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	prev := item.State
	item.AssignedTo = payload.AssignTo
	item.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

func (e Engine) inboxSnooze(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	if item.State != domain.InboxProposed {
		return item, InvalidTransitionError{Entity: "inbox item", ID: item.ID, State: item.State, Action: ActionSnooze}
	}
	days := *payload.SnoozeDays
	if days <= 0 {
		return item, &ValidationError{Action: ActionSnooze, Invalid: "snooze_days"}
	}
	prev := item.State
	now := e.nowStr()
	until := e.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	item.State = domain.InboxSnoozed
	item.SnoozeUntil = &until
	item.SnoozedBy = &actor
	item.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState: prev,
		NewState:  item.State,
		Reason:    domain.ReasonUser,
		Actor:     actor,
		Note:      payload.Note,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// inboxDismiss terminates the item and always records a suppression rule so
// the same logical problem is not re-proposed while the rule is active.
// Dismissal, key computation, and rule insertion commit or roll back as one.
func (e Engine) inboxDismiss(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	prev := item.State
	now := e.nowStr()

	key, rule, err := e.dismissalRule(ctx, item, payload, actor)
	if err != nil {
		return item, err
	}

	item.State = domain.InboxDismissed
	item.SuppressionKey = &key
	item.DismissedAt = &now
	item.DismissedBy = &actor
	item.DismissReason = payload.Reason
	item.ResolvedAt = &now
	item.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	ttl := e.Config.Get().SuppressionExpiry(item.Type)
	if payload.ExpiryDays != nil && *payload.ExpiryDays > 0 {
		ttl = time.Duration(*payload.ExpiryDays) * 24 * time.Hour
	}
	if err := e.Suppress.Record(ctx, tx, rule, ttl); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState:     prev,
		NewState:      item.State,
		Reason:        domain.ReasonUser,
		TriggerRuleID: &key,
		Actor:         actor,
		Note:          payload.Note,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// dismissalRule computes the item's fingerprint and builds the rule row that
// will veto re-proposal.
func (e Engine) dismissalRule(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (string, domain.SuppressionRule, error) {
	var key string
	var source *string
	if item.Type == domain.ItemTypeIssue {
		issue, err := e.Repo.GetIssue(ctx, *item.UnderlyingIssueID)
		if err != nil {
			return "", domain.SuppressionRule{}, err
		}
		key = e.issueSuppressionKey(issue)
	} else {
		sig, err := e.Repo.GetSignal(ctx, *item.UnderlyingSignalID)
		if err != nil {
			return "", domain.SuppressionRule{}, err
		}
		key = signalSuppressionKey(item.Type, sig)
		source = &sig.Source
	}
	rule := domain.SuppressionRule{
		SuppressionKey: key,
		ItemType:       item.Type,
		ClientID:       item.ClientID,
		EngagementID:   item.EngagementID,
		Source:         source,
		CreatedBy:      actor,
		Reason:         strOrEmpty(payload.Reason),
	}
	return key, rule, nil
}

// inboxLink resolves the item against an issue within the named engagement:
// the payload's issue when given, else the engagement's open issue, else a
// new issue promoted from the underlying signal into that engagement.
func (e Engine) inboxLink(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	if item.State != domain.InboxProposed {
		return item, InvalidTransitionError{Entity: "inbox item", ID: item.ID, State: item.State, Action: ActionLink}
	}
	if err := e.requireSelection(item); err != nil {
		return item, err
	}
	engagementID := *payload.LinkEngagementID
	if engagementID == "" {
		return item, &ValidationError{Action: ActionLink, Missing: "link_engagement_id"}
	}
	prev := item.State
	now := e.nowStr()

	var issueID string
	if payload.IssueID != nil && *payload.IssueID != "" {
		issue, err := e.Repo.GetIssue(ctx, *payload.IssueID)
		if err != nil {
			return item, err
		}
		issueID = issue.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()

	if issueID == "" {
		item.EngagementID = &engagementID
		issue, err := e.promoteUnderlyingSignalTx(ctx, tx, item, actor)
		if err != nil {
			return item, err
		}
		issueID = issue.ID
	}
	item.State = domain.InboxLinkedToIssue
	item.ResolvedIssueID = &issueID
	item.LinkEngagementID = &engagementID
	item.ResolvedAt = &now
	item.UpdatedAt = now
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState: prev,
		NewState:  item.State,
		Reason:    domain.ReasonUser,
		Actor:     actor,
		Note:      payload.Note,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// inboxSelect disambiguates an ambiguous item: the chosen candidate must be
// one of the detector's proposals. State is unchanged; selection only makes
// the other actions applicable.
func (e Engine) inboxSelect(ctx context.Context, item domain.InboxItem, payload ActionPayload, actor string) (domain.InboxItem, error) {
	if item.Type != domain.ItemTypeAmbiguous {
		return item, fmt.Errorf("select requires an ambiguous item")
	}
	candidate := *payload.SelectCandidateID
	candidates, err := decodeCandidates(item.CandidatesJSON)
	if err != nil {
		return item, err
	}
	found := false
	for _, c := range candidates {
		if c == candidate {
			found = true
			break
		}
	}
	if !found {
		return item, fmt.Errorf("unknown candidate %q", candidate)
	}
	prev := item.State
	item.SelectedCandidate = &candidate
	item.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// requireSelection blocks resolution of an ambiguous item until select has
// chosen its underlying entity.
func (e Engine) requireSelection(item domain.InboxItem) error {
	if item.Type == domain.ItemTypeAmbiguous && item.SelectedCandidate == nil {
		return fmt.Errorf("ambiguous item requires candidate selection first")
	}
	return nil
}

func decodeCandidates(raw *string) ([]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var candidates []string
	if err := json.Unmarshal([]byte(*raw), &candidates); err != nil {
		return nil, fmt.Errorf("candidates: %w", err)
	}
	return candidates, nil
}

// promoteUnderlyingSignalTx creates an issue from the item's underlying
// signal inside the caller's transaction, superseding the signal.
func (e Engine) promoteUnderlyingSignalTx(ctx context.Context, tx *sql.Tx, item domain.InboxItem, actor string) (domain.Issue, error) {
	if item.UnderlyingSignalID == nil {
		return domain.Issue{}, repo.InvariantViolationError{Entity: "inbox_item", Rule: "tag or link without an issue requires an underlying signal"}
	}
	sig, err := e.Repo.GetSignal(ctx, *item.UnderlyingSignalID)
	if err != nil {
		return domain.Issue{}, err
	}
	clientID := strOrEmpty(sig.ClientID)
	if item.Type == domain.ItemTypeAmbiguous && item.SelectedCandidate != nil {
		clientID = *item.SelectedCandidate
	}
	if clientID == "" && item.ClientID != nil {
		clientID = *item.ClientID
	}
	if clientID == "" {
		return domain.Issue{}, fmt.Errorf("promotion requires a resolved client")
	}
	engagementID := strOrEmpty(item.EngagementID)
	if engagementID == "" {
		engagementID = strOrEmpty(sig.EngagementID)
	}
	now := e.nowStr()
	issue := domain.Issue{
		ID:              uuid.New().String(),
		Type:            issueTypeForSignal(sig),
		State:           domain.IssueSurfaced,
		Severity:        sig.Severity,
		ClientID:        clientID,
		BrandID:         sig.BrandID,
		EngagementID:    optionalString(engagementID),
		Title:           sig.Summary,
		EvidenceJSON:    sig.EvidenceJSON,
		EvidenceVersion: 1,
		AggregationKey:  optionalString(sig.AggregationKey),
		TaggedBy:        &actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
		return issue, err
	}
	if err := e.Transitions.AppendIssue(ctx, tx, issue.ID, transitions.Record{
		PrevState:       "",
		NewState:        issue.State,
		Reason:          domain.ReasonUser,
		TriggerSignalID: &sig.ID,
		Actor:           actor,
	}); err != nil {
		return issue, err
	}
	if err := e.Repo.SupersedeSignalTx(ctx, tx, sig.ID, issue.ID); err != nil {
		return issue, err
	}
	return issue, nil
}

// issueTypeForSignal maps a detector source onto an issue type. Detectors
// that know better pass the type explicitly through CreateIssue.
func issueTypeForSignal(sig domain.Signal) string {
	switch sig.Source {
	case "billing", "finance", "invoicing":
		return "financial"
	case "delivery", "schedule", "calendar":
		return "schedule_delivery"
	case "email", "chat", "meetings":
		return "communication"
	}
	return "risk"
}

// ResurfaceInboxItem moves a snoozed item back to proposed and stamps
// resurfaced_at, keeping first-seen and re-seen separately recoverable.
func (e Engine) ResurfaceInboxItem(ctx context.Context, itemID, actor, reason string) (domain.InboxItem, error) {
	item, err := e.Repo.GetInboxItem(ctx, itemID)
	if err != nil {
		return domain.InboxItem{}, err
	}
	if domain.InboxStateTerminal(item.State) {
		return item, AlreadyTerminalError{Entity: "inbox item", ID: item.ID, State: item.State}
	}
	if item.State != domain.InboxSnoozed {
		return item, InvalidTransitionError{Entity: "inbox item", ID: item.ID, State: item.State, Action: "resurface"}
	}
	if reason == "" {
		reason = domain.ReasonUser
	}
	prev := item.State
	now := e.nowStr()
	item.State = domain.InboxProposed
	item.ResurfacedAt = &now
	item.SnoozeUntil = nil
	item.SnoozedBy = nil
	item.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInboxItemTx(ctx, tx, item, prev); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState: prev,
		NewState:  item.State,
		Reason:    reason,
		Actor:     actor,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}

// MarkInboxItemRead stamps read_at the first time a human opens the item.
func (e Engine) MarkInboxItemRead(ctx context.Context, itemID string) (domain.InboxItem, error) {
	item, err := e.Repo.GetInboxItem(ctx, itemID)
	if err != nil {
		return domain.InboxItem{}, err
	}
	if item.ReadAt != nil {
		return item, nil
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return item, err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkInboxItemReadTx(ctx, tx, item.ID, now); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	item.ReadAt = &now
	item.UpdatedAt = now
	return item, nil
}

// ResurfaceDueInboxItem is the per-row unit of the hourly inbox snooze
// expiry job: snoozed -> proposed with a system_timer audit row.
func (e Engine) ResurfaceDueInboxItem(ctx context.Context, itemID string) error {
	item, err := e.Repo.GetInboxItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.State != domain.InboxSnoozed {
		return nil // already moved; the job is idempotent per row
	}
	_, err = e.ResurfaceInboxItem(ctx, itemID, "system", domain.ReasonSystemTimer)
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

// ListInboxItems is a read passthrough for the API and CLI.
func (e Engine) ListInboxItems(ctx context.Context, f repo.InboxFilter) ([]domain.InboxItem, error) {
	return e.Repo.ListInboxItems(ctx, f)
}

// GetInboxItem is a read passthrough for the API and CLI.
func (e Engine) GetInboxItem(ctx context.Context, id string) (domain.InboxItem, error) {
	return e.Repo.GetInboxItem(ctx, id)
}
