package engine

// ActionPayload is the wire shape for inbox actions. Pointers distinguish
// absent from zero: a present-but-empty rejected field is still rejected,
// since it betrays a stale client payload shape.
type ActionPayload struct {
	AssignTo          *string `json:"assign_to,omitempty"`
	SnoozeDays        *int    `json:"snooze_days,omitempty"`
	LinkEngagementID  *string `json:"link_engagement_id,omitempty"`
	SelectCandidateID *string `json:"select_candidate_id,omitempty"`
	IssueID           *string `json:"issue_id,omitempty"`
	ExpiryDays        *int    `json:"expiry_days,omitempty"`
	Reason            *string `json:"reason,omitempty"`
	Note              *string `json:"note,omitempty"`
}

const (
	ActionTag     = "tag"
	ActionAssign  = "assign"
	ActionSnooze  = "snooze"
	ActionDismiss = "dismiss"
	ActionLink    = "link"
	ActionSelect  = "select"
)

type actionSpec struct {
	required string
	rejects  []string
}

var actionSpecs = map[string]actionSpec{
	ActionTag:     {rejects: []string{"assign_to", "snooze_days", "link_engagement_id", "select_candidate_id"}},
	ActionAssign:  {required: "assign_to", rejects: []string{"snooze_days", "link_engagement_id", "select_candidate_id"}},
	ActionSnooze:  {required: "snooze_days", rejects: []string{"assign_to", "link_engagement_id", "select_candidate_id"}},
	ActionDismiss: {rejects: []string{"assign_to", "snooze_days", "link_engagement_id", "select_candidate_id"}},
	ActionLink:    {required: "link_engagement_id", rejects: []string{"assign_to", "snooze_days", "select_candidate_id"}},
	ActionSelect:  {required: "select_candidate_id", rejects: []string{"assign_to", "snooze_days", "link_engagement_id"}},
}

func (p ActionPayload) fieldPresent(name string) bool {
	switch name {
	case "assign_to":
		return p.AssignTo != nil
	case "snooze_days":
		return p.SnoozeDays != nil
	case "link_engagement_id":
		return p.LinkEngagementID != nil
	case "select_candidate_id":
		return p.SelectCandidateID != nil
	}
	return false
}

// Validate checks an action payload against the per-action shape before any
// state is touched. Pure function: no I/O, no mutation.
func Validate(action string, payload ActionPayload) error {
	spec, ok := actionSpecs[action]
	if !ok {
		return &ValidationError{Action: action, Unknown: true}
	}
	var rejected []string
	for _, f := range spec.rejects {
		if payload.fieldPresent(f) {
			rejected = append(rejected, f)
		}
	}
	if len(rejected) > 0 {
		return &ValidationError{Action: action, Rejected: rejected}
	}
	if spec.required != "" && !payload.fieldPresent(spec.required) {
		return &ValidationError{Action: action, Missing: spec.required}
	}
	return nil
}
