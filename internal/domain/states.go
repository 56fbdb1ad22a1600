package domain

// Issue lifecycle states.
const (
	IssueDetected           = "detected"
	IssueSurfaced           = "surfaced"
	IssueSnoozed            = "snoozed"
	IssueAcknowledged       = "acknowledged"
	IssueAddressing         = "addressing"
	IssueAwaitingResolution = "awaiting_resolution"
	IssueResolved           = "resolved"
	IssueRegressionWatch    = "regression_watch"
	IssueClosed             = "closed"
	IssueRegressed          = "regressed"
)

// Inbox lifecycle states.
const (
	InboxProposed      = "proposed"
	InboxSnoozed       = "snoozed"
	InboxDismissed     = "dismissed"
	InboxLinkedToIssue = "linked_to_issue"
)

// Inbox item types.
const (
	ItemTypeIssue         = "issue"
	ItemTypeFlaggedSignal = "flagged_signal"
	ItemTypeOrphan        = "orphan"
	ItemTypeAmbiguous     = "ambiguous"
)

// Transition reasons.
const (
	ReasonUser              = "user"
	ReasonSystemTimer       = "system_timer"
	ReasonSystemSignal      = "system_signal"
	ReasonSystemThreshold   = "system_threshold"
	ReasonSystemAggregation = "system_aggregation"
)

// Resolution reasons stamped on an InboxItem superseded by a direct Issue
// action. The item's own state is left untouched; the two lifecycles are
// independent clocks.
const (
	ResolutionIssueSnoozedDirectly      = "issue_snoozed_directly"
	ResolutionIssueResolvedDirectly     = "issue_resolved_directly"
	ResolutionIssueClosedDirectly       = "issue_closed_directly"
	ResolutionIssueAcknowledgedDirectly = "issue_acknowledged_directly"
	ResolutionIssueAssignedDirectly     = "issue_assigned_directly"
)

var validIssueStates = map[string]bool{
	IssueDetected: true, IssueSurfaced: true, IssueSnoozed: true,
	IssueAcknowledged: true, IssueAddressing: true, IssueAwaitingResolution: true,
	IssueResolved: true, IssueRegressionWatch: true, IssueClosed: true,
	IssueRegressed: true,
}

// penalizedIssueStates are the states that count toward the externally
// computed health penalty.
var penalizedIssueStates = map[string]bool{
	IssueSurfaced: true, IssueAcknowledged: true, IssueAddressing: true,
	IssueAwaitingResolution: true, IssueRegressed: true,
}

func ValidIssueState(s string) bool { return validIssueStates[s] }

// IssueStatePenalized reports whether an issue in state s counts toward the
// health penalty consumed by the external health component.
func IssueStatePenalized(s string) bool { return penalizedIssueStates[s] }

// IssueStateTerminal reports whether s is the terminal issue state. closed is
// the only true terminal: regression_watch can still reopen to regressed.
func IssueStateTerminal(s string) bool { return s == IssueClosed }

func ValidInboxState(s string) bool {
	switch s {
	case InboxProposed, InboxSnoozed, InboxDismissed, InboxLinkedToIssue:
		return true
	}
	return false
}

// InboxStateTerminal reports whether s is a terminal inbox state. Terminal
// items are retained for audit, never deleted.
func InboxStateTerminal(s string) bool {
	return s == InboxDismissed || s == InboxLinkedToIssue
}

// InboxStateActive reports whether s counts against the one-active-item-per-
// underlying-entity invariant.
func InboxStateActive(s string) bool { return !InboxStateTerminal(s) }

func ValidItemType(t string) bool {
	switch t {
	case ItemTypeIssue, ItemTypeFlaggedSignal, ItemTypeOrphan, ItemTypeAmbiguous:
		return true
	}
	return false
}

func ValidIssueType(t string) bool {
	switch t {
	case "financial", "schedule_delivery", "communication", "risk":
		return true
	}
	return false
}

func ValidTransitionReason(r string) bool {
	switch r {
	case ReasonUser, ReasonSystemTimer, ReasonSystemSignal,
		ReasonSystemThreshold, ReasonSystemAggregation:
		return true
	}
	return false
}

// SeverityWeight orders severities for list views: higher sorts first.
// Unknown severities sort last.
func SeverityWeight(severity string) int {
	switch severity {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

func ValidSeverity(s string) bool { return SeverityWeight(s) > 0 }
