package domain

// Signal is a single observation supplied by an external detector.
// Immutable after ingest except for the dismissal fields; a signal is never
// deleted, only dismissed or superseded by an Issue.
type Signal struct {
	ID                string  `json:"id"`
	Source            string  `json:"source"`
	SourceRef         string  `json:"source_ref"`
	Sentiment         string  `json:"sentiment,omitempty" enum:"positive,neutral,negative"`
	Severity          string  `json:"severity" enum:"low,medium,high,critical"`
	ClientID          *string `json:"client_id,omitempty"`
	BrandID           *string `json:"brand_id,omitempty"`
	EngagementID      *string `json:"engagement_id,omitempty"`
	Summary           string  `json:"summary"`
	EvidenceJSON      string  `json:"evidence_json,omitempty"`
	AggregationKey    string  `json:"aggregation_key,omitempty"`
	FirstSeenAt       string  `json:"first_seen_at" format:"date-time"`
	LastSeenAt        string  `json:"last_seen_at" format:"date-time"`
	ObservedAt        string  `json:"observed_at" format:"date-time"`
	IngestedAt        string  `json:"ingested_at" format:"date-time"`
	DismissedAt       *string `json:"dismissed_at,omitempty" format:"date-time"`
	DismissedBy       *string `json:"dismissed_by,omitempty"`
	SupersededByIssue *string `json:"superseded_by_issue_id,omitempty"`
}

// Issue is a tracked problem derived from one or more signals.
// Mutated only through the engine transition function; never physically
// deleted, it terminates in closed.
type Issue struct {
	ID                   string  `json:"id"`
	Type                 string  `json:"type" enum:"financial,schedule_delivery,communication,risk"`
	State                string  `json:"state" enum:"detected,surfaced,snoozed,acknowledged,addressing,awaiting_resolution,resolved,regression_watch,closed,regressed"`
	Severity             string  `json:"severity" enum:"low,medium,high,critical"`
	ClientID             string  `json:"client_id"`
	BrandID              *string `json:"brand_id,omitempty"`
	EngagementID         *string `json:"engagement_id,omitempty"`
	Title                string  `json:"title"`
	EvidenceJSON         string  `json:"evidence_json,omitempty"`
	EvidenceVersion      int     `json:"evidence_version"`
	AggregationKey       *string `json:"aggregation_key,omitempty"`
	TaggedBy             *string `json:"tagged_by,omitempty"`
	AssignedTo           *string `json:"assigned_to,omitempty"`
	SnoozedUntil         *string `json:"snoozed_until,omitempty" format:"date-time"`
	SnoozedBy            *string `json:"snoozed_by,omitempty"`
	SnoozedAt            *string `json:"snoozed_at,omitempty" format:"date-time"`
	SnoozeReason         *string `json:"snooze_reason,omitempty"`
	Suppressed           bool    `json:"suppressed"`
	Escalated            bool    `json:"escalated"`
	RegressionWatchUntil *string `json:"regression_watch_until,omitempty" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
	ClosedAt             *string `json:"closed_at,omitempty" format:"date-time"`
}

// InboxItem is the human-facing proposal wrapper around an Issue, Signal,
// orphan, or ambiguous detection. Exactly one underlying reference is set
// and its kind matches Type. Terminal items are retained for audit.
type InboxItem struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type" enum:"issue,flagged_signal,orphan,ambiguous"`
	State              string  `json:"state" enum:"proposed,snoozed,dismissed,linked_to_issue"`
	Severity           string  `json:"severity" enum:"low,medium,high,critical"`
	UnderlyingIssueID  *string `json:"underlying_issue_id,omitempty"`
	UnderlyingSignalID *string `json:"underlying_signal_id,omitempty"`
	CandidatesJSON     *string `json:"candidates_json,omitempty"`
	SelectedCandidate  *string `json:"selected_candidate_id,omitempty"`
	ClientID           *string `json:"client_id,omitempty"`
	EngagementID       *string `json:"engagement_id,omitempty"`
	Source             *string `json:"source,omitempty"`
	ProposedAt         string  `json:"proposed_at" format:"date-time"`
	ReadAt             *string `json:"read_at,omitempty" format:"date-time"`
	ResurfacedAt       *string `json:"resurfaced_at,omitempty" format:"date-time"`
	ResolvedAt         *string `json:"resolved_at,omitempty" format:"date-time"`
	SnoozeUntil        *string `json:"snooze_until,omitempty" format:"date-time"`
	SnoozedBy          *string `json:"snoozed_by,omitempty"`
	DismissedAt        *string `json:"dismissed_at,omitempty" format:"date-time"`
	DismissedBy        *string `json:"dismissed_by,omitempty"`
	DismissReason      *string `json:"dismiss_reason,omitempty"`
	SuppressionKey     *string `json:"suppression_key,omitempty"`
	ResolvedIssueID    *string `json:"resolved_issue_id,omitempty"`
	ResolutionReason   *string `json:"resolution_reason,omitempty"`
	TaggedBy           *string `json:"tagged_by,omitempty"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	LinkEngagementID   *string `json:"link_engagement_id,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// SuppressionRule is a standing veto against re-proposing a conceptually
// identical inbox item while the rule is active.
type SuppressionRule struct {
	SuppressionKey string  `json:"suppression_key"`
	ItemType       string  `json:"item_type" enum:"issue,flagged_signal,orphan,ambiguous"`
	ClientID       *string `json:"client_id,omitempty"`
	EngagementID   *string `json:"engagement_id,omitempty"`
	Source         *string `json:"source,omitempty"`
	RuleID         *string `json:"rule_id,omitempty"`
	CreatedBy      string  `json:"created_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExpiresAt      string  `json:"expires_at" format:"date-time"`
	Reason         string  `json:"reason,omitempty"`
}

// Transition is one append-only audit row. A row is written for every state
// change, in the same transaction as the state write, no exceptions.
type Transition struct {
	ID              int64   `json:"id"`
	EntityID        string  `json:"entity_id"`
	PrevState       string  `json:"prev_state"`
	NewState        string  `json:"new_state"`
	Reason          string  `json:"reason" enum:"user,system_timer,system_signal,system_threshold,system_aggregation"`
	TriggerSignalID *string `json:"trigger_signal_id,omitempty"`
	TriggerRuleID   *string `json:"trigger_rule_id,omitempty"`
	Actor           string  `json:"actor"`
	Note            *string `json:"note,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// APIKey backs the actor-identity boundary: the key hash resolves to the
// actor string recorded on every transition.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
