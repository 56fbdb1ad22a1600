package server

import (
	"triageline/internal/domain"
)

// Request payloads

type IngestSignalRequest struct {
	Source         string   `json:"source"`
	SourceRef      string   `json:"source_ref"`
	Sentiment      string   `json:"sentiment,omitempty" enum:"positive,neutral,negative"`
	Severity       string   `json:"severity" enum:"low,medium,high,critical"`
	ClientID       string   `json:"client_id,omitempty"`
	BrandID        string   `json:"brand_id,omitempty"`
	EngagementID   string   `json:"engagement_id,omitempty"`
	Summary        string   `json:"summary"`
	EvidenceJSON   string   `json:"evidence_json,omitempty"`
	AggregationKey string   `json:"aggregation_key,omitempty"`
	Candidates     []string `json:"candidate_client_ids,omitempty"`
	ObservedAt     string   `json:"observed_at,omitempty" format:"date-time"`
}

type CreateIssueRequest struct {
	ID             *string `json:"id,omitempty"`
	Type           string  `json:"type" enum:"financial,schedule_delivery,communication,risk"`
	Severity       string  `json:"severity" enum:"low,medium,high,critical"`
	ClientID       string  `json:"client_id"`
	BrandID        *string `json:"brand_id,omitempty"`
	EngagementID   *string `json:"engagement_id,omitempty"`
	Title          string  `json:"title"`
	EvidenceJSON   *string `json:"evidence_json,omitempty"`
	AggregationKey *string `json:"aggregation_key,omitempty"`
	FromSignalID   *string `json:"from_signal_id,omitempty"`
	Surfaced       bool    `json:"surfaced,omitempty"`
}

type IssueActionRequest struct {
	Action          string  `json:"action"`
	SnoozeDays      *int    `json:"snooze_days,omitempty"`
	SnoozeReason    *string `json:"snooze_reason,omitempty"`
	AssignTo        *string `json:"assign_to,omitempty"`
	Note            *string `json:"note,omitempty"`
	TriggerSignalID *string `json:"trigger_signal_id,omitempty"`
}

type InboxActionRequest struct {
	Action            string  `json:"action" enum:"tag,assign,snooze,dismiss,link,select"`
	AssignTo          *string `json:"assign_to,omitempty"`
	SnoozeDays        *int    `json:"snooze_days,omitempty"`
	LinkEngagementID  *string `json:"link_engagement_id,omitempty"`
	SelectCandidateID *string `json:"select_candidate_id,omitempty"`
	IssueID           *string `json:"issue_id,omitempty"`
	ExpiryDays        *int    `json:"expiry_days,omitempty"`
	Reason            *string `json:"reason,omitempty"`
	Note              *string `json:"note,omitempty"`
}

type CreateSuppressionRuleRequest struct {
	SuppressionKey string  `json:"suppression_key"`
	ItemType       string  `json:"item_type" enum:"issue,flagged_signal,orphan,ambiguous"`
	ClientID       *string `json:"client_id,omitempty"`
	EngagementID   *string `json:"engagement_id,omitempty"`
	Source         *string `json:"source,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	ExpiryDays     int     `json:"expiry_days,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response envelopes. Entities carry their own json tags, so responses
// reuse the domain types directly.

type IngestResponse struct {
	Signal     domain.Signal     `json:"signal"`
	Item       *domain.InboxItem `json:"inbox_item,omitempty"`
	Issue      *domain.Issue     `json:"issue,omitempty"`
	Duplicate  bool              `json:"duplicate"`
	Suppressed bool              `json:"suppressed"`
	Regression bool              `json:"regression"`
}

type IssueWithItemResponse struct {
	Issue domain.Issue      `json:"issue"`
	Item  *domain.InboxItem `json:"inbox_item,omitempty"`
}

type issueList struct {
	Items []domain.Issue `json:"items"`
}

type inboxList struct {
	Items []domain.InboxItem `json:"items"`
}

type signalList struct {
	Items []domain.Signal `json:"items"`
}

type ruleList struct {
	Items []domain.SuppressionRule `json:"items"`
}

type transitionList struct {
	Items []domain.Transition `json:"items"`
}

type CountsResponse struct {
	Counts map[string]int `json:"counts"`
}
