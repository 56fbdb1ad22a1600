package engine

import (
	"errors"
	"strings"
	"testing"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	cases := []struct {
		action  string
		payload ActionPayload
	}{
		{ActionTag, ActionPayload{}},
		{ActionTag, ActionPayload{IssueID: strp("is-1"), Note: strp("dup of yesterday")}},
		{ActionAssign, ActionPayload{AssignTo: strp("alice")}},
		{ActionSnooze, ActionPayload{SnoozeDays: intp(7)}},
		{ActionDismiss, ActionPayload{Reason: strp("noise"), ExpiryDays: intp(30)}},
		{ActionLink, ActionPayload{LinkEngagementID: strp("en-1")}},
		{ActionSelect, ActionPayload{SelectCandidateID: strp("cl-2")}},
	}
	for _, c := range cases {
		if err := Validate(c.action, c.payload); err != nil {
			t.Errorf("%s: unexpected error %v", c.action, err)
		}
	}
}

func TestValidateRejectsForeignFields(t *testing.T) {
	err := Validate(ActionSnooze, ActionPayload{SnoozeDays: intp(7), AssignTo: strp("alice")})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Rejected) != 1 || ve.Rejected[0] != "assign_to" {
		t.Fatalf("rejected = %v, want [assign_to]", ve.Rejected)
	}
	if !strings.Contains(err.Error(), "assign_to") {
		t.Fatalf("error %q does not name the offending field", err.Error())
	}
}

func TestValidateRejectionBeatsMissingRequired(t *testing.T) {
	// assign without assign_to but with snooze_days: the foreign field is
	// reported, not the missing one.
	err := Validate(ActionAssign, ActionPayload{SnoozeDays: intp(3)})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Rejected) != 1 || ve.Rejected[0] != "snooze_days" {
		t.Fatalf("rejected = %v, want [snooze_days]", ve.Rejected)
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	for action, field := range map[string]string{
		ActionAssign: "assign_to",
		ActionSnooze: "snooze_days",
		ActionLink:   "link_engagement_id",
		ActionSelect: "select_candidate_id",
	} {
		err := Validate(action, ActionPayload{})
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", action, err)
		}
		if ve.Missing != field {
			t.Errorf("%s: missing = %q, want %q", action, ve.Missing, field)
		}
	}
}

func TestValidateUnknownAction(t *testing.T) {
	err := Validate("promote", ActionPayload{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !ve.Unknown {
		t.Fatal("expected Unknown to be set")
	}
}
