// Package transitions appends audit rows to the two transition tables.
// Every state change writes exactly one row, in the same transaction as the
// state write; the writer is the single write path for both tables (the
// read/write adapter over the canonical schema).
package transitions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"triageline/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

// Record carries everything a single audit row needs except the entity id.
type Record struct {
	PrevState       string
	NewState        string
	Reason          string
	TriggerSignalID *string
	TriggerRuleID   *string
	Actor           string
	Note            *string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// AppendIssue writes one row to issue_transitions inside the caller's
// transaction.
func (w Writer) AppendIssue(ctx context.Context, tx *sql.Tx, issueID string, rec Record) error {
	return w.append(ctx, tx, "issue_transitions", "issue_id", issueID, rec)
}

// AppendInbox writes one row to engagement_transitions inside the caller's
// transaction.
func (w Writer) AppendInbox(ctx context.Context, tx *sql.Tx, itemID string, rec Record) error {
	return w.append(ctx, tx, "engagement_transitions", "inbox_item_id", itemID, rec)
}

func (w Writer) append(ctx context.Context, tx *sql.Tx, table, idCol, entityID string, rec Record) error {
	if entityID == "" {
		return fmt.Errorf("transition entity id required")
	}
	if rec.Actor == "" {
		return fmt.Errorf("transition actor required")
	}
	if !domain.ValidTransitionReason(rec.Reason) {
		return fmt.Errorf("unknown transition reason %q", rec.Reason)
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO `+table+`(`+idCol+`,prev_state,new_state,reason,trigger_signal_id,trigger_rule_id,actor,note,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		entityID, rec.PrevState, rec.NewState, rec.Reason, optStr(rec.TriggerSignalID), optStr(rec.TriggerRuleID), rec.Actor, optStr(rec.Note), ts)
	return err
}

func optStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
