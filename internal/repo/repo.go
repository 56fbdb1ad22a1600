package repo

import (
	"database/sql"
	"errors"
	"fmt"
)

// Repo is the SQL access layer for the entity store. All lifecycle state
// lives here; nothing above it caches state past a single request or tick.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost optimistic-concurrency race: the row moved
// under the caller, who should refetch and retry against fresh state.
var ErrConflict = errors.New("concurrent transition conflict")

// InvariantViolationError is returned when a write would break a structural
// constraint. It must never reach storage; if it does, the schema CHECK
// constraints are the backstop and the error is a defect report either way.
type InvariantViolationError struct {
	Entity string
	Rule   string
}

func (e InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Entity, e.Rule)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
