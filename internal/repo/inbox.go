package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"triageline/internal/domain"
)

const inboxCols = `id,type,state,severity,underlying_issue_id,underlying_signal_id,candidates_json,selected_candidate_id,client_id,engagement_id,source,proposed_at,read_at,resurfaced_at,resolved_at,snooze_until,snoozed_by,dismissed_at,dismissed_by,dismiss_reason,suppression_key,resolved_issue_id,resolution_reason,tagged_by,assigned_to,link_engagement_id,created_at,updated_at`

func scanInboxItem(row interface{ Scan(...any) error }) (domain.InboxItem, error) {
	var it domain.InboxItem
	var issueID, signalID, candidates, selected, clientID, engagementID, source sql.NullString
	var readAt, resurfacedAt, resolvedAt, snoozeUntil, snoozedBy sql.NullString
	var dismissedAt, dismissedBy, dismissReason, suppressionKey, resolvedIssueID, resolutionReason sql.NullString
	var taggedBy, assignedTo, linkEngagementID sql.NullString
	err := row.Scan(&it.ID, &it.Type, &it.State, &it.Severity, &issueID, &signalID, &candidates, &selected,
		&clientID, &engagementID, &source, &it.ProposedAt, &readAt, &resurfacedAt, &resolvedAt,
		&snoozeUntil, &snoozedBy, &dismissedAt, &dismissedBy, &dismissReason, &suppressionKey,
		&resolvedIssueID, &resolutionReason, &taggedBy, &assignedTo, &linkEngagementID,
		&it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.UnderlyingIssueID = fromNull(issueID)
	it.UnderlyingSignalID = fromNull(signalID)
	it.CandidatesJSON = fromNull(candidates)
	it.SelectedCandidate = fromNull(selected)
	it.ClientID = fromNull(clientID)
	it.EngagementID = fromNull(engagementID)
	it.Source = fromNull(source)
	it.ReadAt = fromNull(readAt)
	it.ResurfacedAt = fromNull(resurfacedAt)
	it.ResolvedAt = fromNull(resolvedAt)
	it.SnoozeUntil = fromNull(snoozeUntil)
	it.SnoozedBy = fromNull(snoozedBy)
	it.DismissedAt = fromNull(dismissedAt)
	it.DismissedBy = fromNull(dismissedBy)
	it.DismissReason = fromNull(dismissReason)
	it.SuppressionKey = fromNull(suppressionKey)
	it.ResolvedIssueID = fromNull(resolvedIssueID)
	it.ResolutionReason = fromNull(resolutionReason)
	it.TaggedBy = fromNull(taggedBy)
	it.AssignedTo = fromNull(assignedTo)
	it.LinkEngagementID = fromNull(linkEngagementID)
	return it, nil
}

// CheckInboxInvariants enforces the structural constraints the schema also
// carries as CHECK constraints. Rejecting here keeps the error typed and the
// write untouched; the schema is the backstop for external writers.
func CheckInboxInvariants(it domain.InboxItem) error {
	bad := func(rule string) error {
		return InvariantViolationError{Entity: "inbox_item", Rule: rule}
	}
	if !domain.ValidItemType(it.Type) {
		return bad(fmt.Sprintf("unknown type %q", it.Type))
	}
	if !domain.ValidInboxState(it.State) {
		return bad(fmt.Sprintf("unknown state %q", it.State))
	}
	hasIssue := it.UnderlyingIssueID != nil
	hasSignal := it.UnderlyingSignalID != nil
	if hasIssue == hasSignal {
		return bad("exactly one of underlying_issue_id/underlying_signal_id must be set")
	}
	if it.Type == domain.ItemTypeIssue && !hasIssue {
		return bad("type issue requires underlying_issue_id")
	}
	if it.Type != domain.ItemTypeIssue && !hasSignal {
		return bad(fmt.Sprintf("type %s requires underlying_signal_id", it.Type))
	}
	if it.State == domain.InboxSnoozed && it.SnoozeUntil == nil {
		return bad("snoozed requires snooze_until")
	}
	if it.State == domain.InboxDismissed {
		if it.SuppressionKey == nil || it.DismissedAt == nil || it.DismissedBy == nil {
			return bad("dismissed requires suppression_key, dismissed_at and dismissed_by")
		}
	}
	if it.State == domain.InboxLinkedToIssue && it.ResolvedIssueID == nil {
		return bad("linked_to_issue requires resolved_issue_id")
	}
	if domain.InboxStateTerminal(it.State) && it.ResolvedAt == nil {
		return bad("terminal state requires resolved_at")
	}
	return nil
}

func (r Repo) InsertInboxItemTx(ctx context.Context, tx *sql.Tx, it domain.InboxItem) error {
	if err := CheckInboxInvariants(it); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO inbox_items(`+inboxCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Type, it.State, it.Severity, optStr(it.UnderlyingIssueID), optStr(it.UnderlyingSignalID),
		optStr(it.CandidatesJSON), optStr(it.SelectedCandidate), optStr(it.ClientID), optStr(it.EngagementID), optStr(it.Source),
		it.ProposedAt, optStr(it.ReadAt), optStr(it.ResurfacedAt), optStr(it.ResolvedAt),
		optStr(it.SnoozeUntil), optStr(it.SnoozedBy), optStr(it.DismissedAt), optStr(it.DismissedBy), optStr(it.DismissReason),
		optStr(it.SuppressionKey), optStr(it.ResolvedIssueID), optStr(it.ResolutionReason),
		optStr(it.TaggedBy), optStr(it.AssignedTo), optStr(it.LinkEngagementID), it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetInboxItem(ctx context.Context, id string) (domain.InboxItem, error) {
	return scanInboxItem(r.DB.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox_items WHERE id=?`, id))
}

func (r Repo) GetInboxItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.InboxItem, error) {
	return scanInboxItem(tx.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox_items WHERE id=?`, id))
}

// UpdateInboxItemTx rewrites the mutable column set, guarded by the state the
// caller loaded. The invariants are checked before the write; zero rows with
// the row still present means a concurrent actor won.
func (r Repo) UpdateInboxItemTx(ctx context.Context, tx *sql.Tx, it domain.InboxItem, expectedState string) error {
	if err := CheckInboxInvariants(it); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE inbox_items SET state=?, severity=?, candidates_json=?, selected_candidate_id=?,
read_at=?, resurfaced_at=?, resolved_at=?, snooze_until=?, snoozed_by=?, dismissed_at=?, dismissed_by=?, dismiss_reason=?,
suppression_key=?, resolved_issue_id=?, resolution_reason=?, tagged_by=?, assigned_to=?, link_engagement_id=?, updated_at=?
WHERE id=? AND state=?`,
		it.State, it.Severity, optStr(it.CandidatesJSON), optStr(it.SelectedCandidate),
		optStr(it.ReadAt), optStr(it.ResurfacedAt), optStr(it.ResolvedAt),
		optStr(it.SnoozeUntil), optStr(it.SnoozedBy), optStr(it.DismissedAt), optStr(it.DismissedBy), optStr(it.DismissReason),
		optStr(it.SuppressionKey), optStr(it.ResolvedIssueID), optStr(it.ResolutionReason),
		optStr(it.TaggedBy), optStr(it.AssignedTo), optStr(it.LinkEngagementID), it.UpdatedAt,
		it.ID, expectedState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetInboxItemTx(ctx, tx, it.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// ActiveInboxItemForIssue returns the one non-terminal item wrapping an
// issue, if any.
func (r Repo) ActiveInboxItemForIssue(ctx context.Context, issueID string) (domain.InboxItem, error) {
	return scanInboxItem(r.DB.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox_items
WHERE underlying_issue_id=? AND state IN ('proposed','snoozed') AND resolution_reason IS NULL`, issueID))
}

func (r Repo) ActiveInboxItemForIssueTx(ctx context.Context, tx *sql.Tx, issueID string) (domain.InboxItem, error) {
	return scanInboxItem(tx.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox_items
WHERE underlying_issue_id=? AND state IN ('proposed','snoozed') AND resolution_reason IS NULL`, issueID))
}

func (r Repo) ActiveInboxItemForSignal(ctx context.Context, signalID string) (domain.InboxItem, error) {
	return scanInboxItem(r.DB.QueryRowContext(ctx, `SELECT `+inboxCols+` FROM inbox_items
WHERE underlying_signal_id=? AND state IN ('proposed','snoozed') AND resolution_reason IS NULL`, signalID))
}

// ArchiveInboxItemForIssueTx stamps the active wrapper of an issue with a
// resolution reason after a direct issue action. The item's own state is
// deliberately untouched: the two lifecycles are independent clocks.
func (r Repo) ArchiveInboxItemForIssueTx(ctx context.Context, tx *sql.Tx, issueID, reason, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE inbox_items SET resolution_reason=?, updated_at=?
WHERE underlying_issue_id=? AND state IN ('proposed','snoozed') AND resolution_reason IS NULL`, reason, now, issueID)
	return err
}

// InboxFilter narrows ListInboxItems. Zero values mean "any".
type InboxFilter struct {
	State        string
	Type         string
	Severity     string
	ClientID     string
	EngagementID string
	Limit        int
}

// ListInboxItems returns items sorted deterministically for list views:
// severity weight, then recency, then id.
func (r Repo) ListInboxItems(ctx context.Context, f InboxFilter) ([]domain.InboxItem, error) {
	var conds []string
	var args []any
	if f.State != "" {
		conds = append(conds, "state=?")
		args = append(args, f.State)
	}
	if f.Type != "" {
		conds = append(conds, "type=?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		conds = append(conds, "severity=?")
		args = append(args, f.Severity)
	}
	if f.ClientID != "" {
		conds = append(conds, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.EngagementID != "" {
		conds = append(conds, "engagement_id=?")
		args = append(args, f.EngagementID)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	q := `SELECT ` + inboxCols + ` FROM inbox_items` + where + `
ORDER BY CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
proposed_at DESC, id LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InboxItem
	for rows.Next() {
		it, err := scanInboxItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// CountInboxBy groups inbox counts for summary badges.
func (r Repo) CountInboxBy(ctx context.Context, group string) (map[string]int, error) {
	switch group {
	case "state", "severity", "type":
	default:
		return nil, fmt.Errorf("unsupported grouping %q", group)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+group+`, COUNT(*) FROM inbox_items GROUP BY `+group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var k sql.NullString
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		res[k.String] = n
	}
	return res, rows.Err()
}

// ListSnoozedInboxDue returns ids of snoozed items whose snooze has lapsed,
// in stable id order, bounded by limit.
func (r Repo) ListSnoozedInboxDue(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM inbox_items WHERE state='snoozed' AND resolution_reason IS NULL AND snooze_until<=? ORDER BY id LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkInboxItemReadTx stamps read_at the first time a human opens the item.
func (r Repo) MarkInboxItemReadTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE inbox_items SET read_at=?, updated_at=? WHERE id=? AND read_at IS NULL`, now, now, id)
	return err
}
