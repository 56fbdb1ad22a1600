package engine

import (
	"fmt"
	"strings"
)

// ValidationError reports an action payload that violates the per-action
// shape. It is raised before any read or mutation; the caller fixes the
// payload and retries.
type ValidationError struct {
	Action   string
	Unknown  bool     // action name itself is unrecognized
	Missing  string   // required field absent
	Invalid  string   // field present but with an unusable value
	Rejected []string // fields belonging to other actions that were present
}

func (e *ValidationError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("unknown action %q", e.Action)
	}
	if e.Missing != "" {
		return fmt.Sprintf("action %s requires field %s", e.Action, e.Missing)
	}
	if e.Invalid != "" {
		return fmt.Sprintf("action %s has an invalid value for field %s", e.Action, e.Invalid)
	}
	return fmt.Sprintf("action %s rejects fields: %s", e.Action, strings.Join(e.Rejected, ", "))
}

// AlreadyTerminalError reports an action against a closed, dismissed, or
// linked entity. Hard error for everything except unsuppress, which is an
// idempotent no-op by contract.
type AlreadyTerminalError struct {
	Entity string
	ID     string
	State  string
}

func (e AlreadyTerminalError) Error() string {
	return fmt.Sprintf("%s %s is %s and accepts no further actions", e.Entity, e.ID, e.State)
}

// InvalidTransitionError reports an action not available in the entity's
// current state.
type InvalidTransitionError struct {
	Entity string
	ID     string
	State  string
	Action string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %s not available for %s %s in state %s", e.Action, e.Entity, e.ID, e.State)
}
