package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triageline/internal/domain"
	"triageline/internal/repo"
	"triageline/internal/transitions"
)

// Issue lifecycle actions.
const (
	IssueActionSurface     = "surface"
	IssueActionSnooze      = "snooze"
	IssueActionUnsnooze    = "unsnooze"
	IssueActionAcknowledge = "acknowledge"
	IssueActionStart       = "start"
	IssueActionAwait       = "await_resolution"
	IssueActionResolve     = "resolve"
	IssueActionClose       = "close"

	// Flag and assignment actions mutate the row without changing state.
	IssueActionAssign     = "assign"
	IssueActionSuppress   = "suppress"
	IssueActionUnsuppress = "unsuppress"
	IssueActionEscalate   = "escalate"
	IssueActionDeescalate = "deescalate"
)

// issueEdges maps state -> action -> next state for the state-changing
// actions. Regression (regression_watch -> regressed) is not listed: it is
// driven only by an arriving signal, never by a direct action.
var issueEdges = map[string]map[string]string{
	domain.IssueDetected: {
		IssueActionSurface: domain.IssueSurfaced,
		IssueActionSnooze:  domain.IssueSnoozed,
	},
	domain.IssueSurfaced: {
		IssueActionAcknowledge: domain.IssueAcknowledged,
		IssueActionSnooze:      domain.IssueSnoozed,
		IssueActionStart:       domain.IssueAddressing,
		IssueActionClose:       domain.IssueClosed,
	},
	domain.IssueSnoozed: {
		IssueActionUnsnooze: domain.IssueSurfaced,
	},
	domain.IssueAcknowledged: {
		IssueActionStart:   domain.IssueAddressing,
		IssueActionSnooze:  domain.IssueSnoozed,
		IssueActionResolve: domain.IssueResolved,
	},
	domain.IssueAddressing: {
		IssueActionAwait:   domain.IssueAwaitingResolution,
		IssueActionResolve: domain.IssueResolved,
	},
	domain.IssueAwaitingResolution: {
		IssueActionResolve: domain.IssueResolved,
		IssueActionStart:   domain.IssueAddressing,
	},
	domain.IssueResolved: {
		IssueActionClose: domain.IssueClosed,
	},
	domain.IssueRegressionWatch: {
		IssueActionClose: domain.IssueClosed,
	},
	domain.IssueRegressed: {
		IssueActionAcknowledge: domain.IssueAcknowledged,
		IssueActionStart:       domain.IssueAddressing,
		IssueActionResolve:     domain.IssueResolved,
		IssueActionClose:       domain.IssueClosed,
	},
	domain.IssueClosed: {},
}

// flagActions are valid in any non-terminal state and never change state.
var flagActions = map[string]bool{
	IssueActionAssign: true, IssueActionSuppress: true, IssueActionUnsuppress: true,
	IssueActionEscalate: true, IssueActionDeescalate: true,
}

// AvailableIssueActions lists the actions an issue in the given state
// accepts. A closed issue accepts none.
func AvailableIssueActions(state string) []string {
	edges, ok := issueEdges[state]
	if !ok {
		return nil
	}
	var actions []string
	for a := range edges {
		actions = append(actions, a)
	}
	if !domain.IssueStateTerminal(state) {
		for a := range flagActions {
			actions = append(actions, a)
		}
	}
	return actions
}

// directResolutionReasons maps a direct issue action onto the resolution
// reason stamped on the superseded inbox wrapper.
var directResolutionReasons = map[string]string{
	IssueActionSnooze:      domain.ResolutionIssueSnoozedDirectly,
	IssueActionResolve:     domain.ResolutionIssueResolvedDirectly,
	IssueActionClose:       domain.ResolutionIssueClosedDirectly,
	IssueActionAcknowledge: domain.ResolutionIssueAcknowledgedDirectly,
	IssueActionAssign:      domain.ResolutionIssueAssignedDirectly,
}

// IssueActionOptions carries the optional parts of a transition.
type IssueActionOptions struct {
	Reason          string // transition reason enum; defaults to user
	SnoozeDays      int    // snooze only; defaults to config snooze_default_days
	SnoozeReason    string
	AssignTo        string // assign only
	Note            *string
	TriggerSignalID *string
}

// TransitionIssue applies one action to an issue. Exactly one audit row is
// written per state change, in the same transaction as the state write; flag
// and assignment actions change no state and write no row. Direct actions
// that supersede the inbox wrapper stamp its resolution_reason in the same
// transaction without touching its state.
func (e Engine) TransitionIssue(ctx context.Context, issueID, action, actor string, opts IssueActionOptions) (domain.Issue, error) {
	if actor == "" {
		return domain.Issue{}, fmt.Errorf("actor required")
	}
	reason := opts.Reason
	if reason == "" {
		reason = domain.ReasonUser
	}
	if !domain.ValidTransitionReason(reason) {
		return domain.Issue{}, fmt.Errorf("unknown transition reason %q", reason)
	}

	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Issue{}, err
	}
	if domain.IssueStateTerminal(issue.State) {
		return issue, AlreadyTerminalError{Entity: "issue", ID: issue.ID, State: issue.State}
	}
	prev := issue.State
	now := e.nowStr()

	if flagActions[action] {
		if err := applyIssueFlag(&issue, action, actor, opts); err != nil {
			return issue, err
		}
	} else {
		next, ok := issueEdges[issue.State][action]
		if !ok {
			return issue, InvalidTransitionError{Entity: "issue", ID: issue.ID, State: issue.State, Action: action}
		}
		issue.State = next
		switch action {
		case IssueActionSnooze:
			days := opts.SnoozeDays
			if days <= 0 {
				days = e.Config.Get().Lifecycle.SnoozeDefaultDays
			}
			until := e.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
			issue.SnoozedUntil = &until
			issue.SnoozedBy = &actor
			issue.SnoozedAt = &now
			issue.SnoozeReason = optionalString(opts.SnoozeReason)
		case IssueActionUnsnooze:
			issue.SnoozedUntil = nil
			issue.SnoozedBy = nil
			issue.SnoozedAt = nil
			issue.SnoozeReason = nil
		case IssueActionResolve:
			until := e.now().UTC().Add(e.Config.Get().RegressionWatchWindow()).Format(time.RFC3339)
			issue.RegressionWatchUntil = &until
		case IssueActionClose:
			issue.ClosedAt = &now
		}
	}
	issue.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateIssueTx(ctx, tx, issue, prev); err != nil {
		return issue, err
	}
	if issue.State != prev {
		if err := e.Transitions.AppendIssue(ctx, tx, issue.ID, transitions.Record{
			PrevState:       prev,
			NewState:        issue.State,
			Reason:          reason,
			TriggerSignalID: opts.TriggerSignalID,
			Actor:           actor,
			Note:            opts.Note,
		}); err != nil {
			return issue, err
		}
	}
	// Resolution moves straight into the regression watch window: a second
	// state change, a second audit row, same transaction.
	if action == IssueActionResolve {
		watched := issue
		watched.State = domain.IssueRegressionWatch
		if err := e.Repo.UpdateIssueTx(ctx, tx, watched, issue.State); err != nil {
			return issue, err
		}
		if err := e.Transitions.AppendIssue(ctx, tx, issue.ID, transitions.Record{
			PrevState: issue.State,
			NewState:  domain.IssueRegressionWatch,
			Reason:    reason,
			Actor:     actor,
		}); err != nil {
			return issue, err
		}
		issue = watched
	}
	if archiveReason, ok := directResolutionReasons[action]; ok {
		if err := e.Repo.ArchiveInboxItemForIssueTx(ctx, tx, issue.ID, archiveReason, now); err != nil {
			return issue, err
		}
	}
	if err := tx.Commit(); err != nil {
		return issue, err
	}
	return issue, nil
}

func applyIssueFlag(issue *domain.Issue, action, actor string, opts IssueActionOptions) error {
	switch action {
	case IssueActionAssign:
		if opts.AssignTo == "" {
			return &ValidationError{Action: action, Missing: "assign_to"}
		}
		issue.AssignedTo = &opts.AssignTo
	case IssueActionSuppress:
		issue.Suppressed = true
	case IssueActionUnsuppress:
		issue.Suppressed = false
	case IssueActionEscalate:
		issue.Escalated = true
	case IssueActionDeescalate:
		issue.Escalated = false
	}
	return nil
}

// IssueCreateOptions are parameters for creating a tracked issue. Detectors
// and humans both come through here.
type IssueCreateOptions struct {
	ID             string
	Type           string
	Severity       string
	ClientID       string
	BrandID        string
	EngagementID   string
	Title          string
	EvidenceJSON   string
	AggregationKey string
	FromSignalID   string // supersedes the signal when set
	Surfaced       bool   // human promotions surface immediately
	Reason         string // transition reason for the creation row
}

// CreateIssue inserts a new issue, runs the suppression check for its inbox
// wrapper, and proposes the wrapper when clear. The signal that produced it,
// if any, is marked superseded in the same transaction.
func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions, actor string) (domain.Issue, *domain.InboxItem, error) {
	if opts.Title == "" {
		return domain.Issue{}, nil, fmt.Errorf("title is required")
	}
	if opts.ClientID == "" {
		return domain.Issue{}, nil, fmt.Errorf("client is required")
	}
	if !domain.ValidIssueType(opts.Type) {
		return domain.Issue{}, nil, fmt.Errorf("unknown issue type %q", opts.Type)
	}
	if !domain.ValidSeverity(opts.Severity) {
		return domain.Issue{}, nil, fmt.Errorf("unknown severity %q", opts.Severity)
	}
	reason := opts.Reason
	if reason == "" {
		reason = domain.ReasonUser
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	state := domain.IssueDetected
	if opts.Surfaced {
		state = domain.IssueSurfaced
	}
	issue := domain.Issue{
		ID:              id,
		Type:            opts.Type,
		State:           state,
		Severity:        opts.Severity,
		ClientID:        opts.ClientID,
		BrandID:         optionalString(opts.BrandID),
		EngagementID:    optionalString(opts.EngagementID),
		Title:           opts.Title,
		EvidenceJSON:    opts.EvidenceJSON,
		EvidenceVersion: 1,
		AggregationKey:  optionalString(opts.AggregationKey),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	key := e.issueSuppressionKey(issue)
	blocked, _, err := e.Suppress.Check(ctx, key)
	if err != nil {
		return issue, nil, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
		return issue, nil, err
	}
	if err := e.Transitions.AppendIssue(ctx, tx, issue.ID, transitions.Record{
		PrevState:       "",
		NewState:        issue.State,
		Reason:          reason,
		TriggerSignalID: optionalString(opts.FromSignalID),
		Actor:           actor,
	}); err != nil {
		return issue, nil, err
	}
	if opts.FromSignalID != "" {
		if err := e.Repo.SupersedeSignalTx(ctx, tx, opts.FromSignalID, issue.ID); err != nil {
			return issue, nil, err
		}
	}
	var item *domain.InboxItem
	if !blocked {
		created, err := e.proposeIssueItemTx(ctx, tx, issue, key, actor, reason)
		if err != nil {
			return issue, nil, err
		}
		item = &created
	}
	if err := tx.Commit(); err != nil {
		return issue, nil, err
	}
	return issue, item, nil
}

// RecordRegressionSignal handles a triggering signal arriving while an issue
// sits in its regression watch window: the issue moves to regressed and a
// brand-new inbox wrapper is proposed. Any prior wrapper stays terminal and
// untouched. Outside the window the signal only bumps the evidence version.
func (e Engine) RecordRegressionSignal(ctx context.Context, issueID, signalID, actor string) (domain.Issue, *domain.InboxItem, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return domain.Issue{}, nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return issue, nil, err
	}
	defer tx.Rollback()
	issue, item, err := e.recordRegressionTx(ctx, tx, issue, signalID, actor)
	if err != nil {
		return issue, nil, err
	}
	if err := tx.Commit(); err != nil {
		return issue, nil, err
	}
	return issue, item, nil
}

// recordRegressionTx applies the regressed transition and proposes the new
// wrapper inside the caller's transaction, so ingest can bind the triggering
// signal insert to the reopen.
func (e Engine) recordRegressionTx(ctx context.Context, tx *sql.Tx, issue domain.Issue, signalID, actor string) (domain.Issue, *domain.InboxItem, error) {
	if issue.State != domain.IssueRegressionWatch {
		return issue, nil, InvalidTransitionError{Entity: "issue", ID: issue.ID, State: issue.State, Action: "regress"}
	}
	prev := issue.State
	now := e.nowStr()
	issue.State = domain.IssueRegressed
	issue.EvidenceVersion++
	issue.RegressionWatchUntil = nil
	issue.UpdatedAt = now

	if err := e.Repo.UpdateIssueTx(ctx, tx, issue, prev); err != nil {
		return issue, nil, err
	}
	if err := e.Transitions.AppendIssue(ctx, tx, issue.ID, transitions.Record{
		PrevState:       prev,
		NewState:        issue.State,
		Reason:          domain.ReasonSystemSignal,
		TriggerSignalID: optionalString(signalID),
		Actor:           actor,
	}); err != nil {
		return issue, nil, err
	}
	key := e.issueSuppressionKey(issue)
	item, err := e.proposeIssueItemTx(ctx, tx, issue, key, actor, domain.ReasonSystemSignal)
	if err != nil {
		return issue, nil, err
	}
	return issue, &item, nil
}

// ListIssues is a read passthrough for the API and CLI.
func (e Engine) ListIssues(ctx context.Context, f repo.IssueFilter) ([]domain.Issue, error) {
	return e.Repo.ListIssues(ctx, f)
}

func (e Engine) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return e.Repo.GetIssue(ctx, id)
}

// UnsnoozeDueIssue is the per-row unit of the hourly issue snooze expiry
// job: snoozed -> surfaced with a system_timer audit row.
func (e Engine) UnsnoozeDueIssue(ctx context.Context, issueID string) error {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.State != domain.IssueSnoozed {
		return nil // already moved; the job is idempotent per row
	}
	_, err = e.TransitionIssue(ctx, issueID, IssueActionUnsnooze, "system", IssueActionOptions{Reason: domain.ReasonSystemTimer})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}

// CloseDueRegressionWatch is the per-row unit of the daily regression watch
// expiry job.
func (e Engine) CloseDueRegressionWatch(ctx context.Context, issueID string) error {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.State != domain.IssueRegressionWatch {
		return nil
	}
	_, err = e.TransitionIssue(ctx, issueID, IssueActionClose, "system", IssueActionOptions{Reason: domain.ReasonSystemTimer})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	return err
}
