package repo

import (
	"context"
	"database/sql"

	"triageline/internal/domain"
)

func scanTransition(rows *sql.Rows) (domain.Transition, error) {
	var t domain.Transition
	var signalID, ruleID, note sql.NullString
	err := rows.Scan(&t.ID, &t.EntityID, &t.PrevState, &t.NewState, &t.Reason, &signalID, &ruleID, &t.Actor, &note, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	t.TriggerSignalID = fromNull(signalID)
	t.TriggerRuleID = fromNull(ruleID)
	t.Note = fromNull(note)
	return t, nil
}

// ListIssueTransitions returns the full audit trail for an issue, oldest
// first. This is the ground truth for who/why the state changed.
func (r Repo) ListIssueTransitions(ctx context.Context, issueID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,prev_state,new_state,reason,trigger_signal_id,trigger_rule_id,actor,note,created_at
FROM issue_transitions WHERE issue_id=? ORDER BY id`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListInboxTransitions returns the audit trail for an inbox item, oldest
// first.
func (r Repo) ListInboxTransitions(ctx context.Context, itemID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,inbox_item_id,prev_state,new_state,reason,trigger_signal_id,trigger_rule_id,actor,note,created_at
FROM engagement_transitions WHERE inbox_item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TailIssueTransitions returns the most recent issue transitions, newest
// first, for the log tail command.
func (r Repo) TailIssueTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,prev_state,new_state,reason,trigger_signal_id,trigger_rule_id,actor,note,created_at
FROM issue_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
