package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"triageline/internal/domain"
)

const issueCols = `id,type,state,severity,client_id,brand_id,engagement_id,title,evidence_json,evidence_version,aggregation_key,tagged_by,assigned_to,snoozed_until,snoozed_by,snoozed_at,snooze_reason,suppressed,escalated,regression_watch_until,created_at,updated_at,closed_at`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var i domain.Issue
	var evidence sql.NullString
	var brandID, engagementID, aggKey, taggedBy, assignedTo sql.NullString
	var snUntil, snBy, snAt, snReason, regUntil, closedAt sql.NullString
	var suppressed, escalated int
	err := row.Scan(&i.ID, &i.Type, &i.State, &i.Severity, &i.ClientID, &brandID, &engagementID, &i.Title,
		&evidence, &i.EvidenceVersion, &aggKey, &taggedBy, &assignedTo,
		&snUntil, &snBy, &snAt, &snReason, &suppressed, &escalated, &regUntil,
		&i.CreatedAt, &i.UpdatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.EvidenceJSON = evidence.String
	i.BrandID = fromNull(brandID)
	i.EngagementID = fromNull(engagementID)
	i.AggregationKey = fromNull(aggKey)
	i.TaggedBy = fromNull(taggedBy)
	i.AssignedTo = fromNull(assignedTo)
	i.SnoozedUntil = fromNull(snUntil)
	i.SnoozedBy = fromNull(snBy)
	i.SnoozedAt = fromNull(snAt)
	i.SnoozeReason = fromNull(snReason)
	i.Suppressed = suppressed != 0
	i.Escalated = escalated != 0
	i.RegressionWatchUntil = fromNull(regUntil)
	i.ClosedAt = fromNull(closedAt)
	return i, nil
}

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	if !domain.ValidIssueState(i.State) {
		return InvariantViolationError{Entity: "issue", Rule: fmt.Sprintf("unknown state %q", i.State)}
	}
	if i.ClientID == "" {
		return InvariantViolationError{Entity: "issue", Rule: "client_id is required"}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Type, i.State, i.Severity, i.ClientID, optStr(i.BrandID), optStr(i.EngagementID), i.Title,
		nullable(i.EvidenceJSON), i.EvidenceVersion, optStr(i.AggregationKey), optStr(i.TaggedBy), optStr(i.AssignedTo),
		optStr(i.SnoozedUntil), optStr(i.SnoozedBy), optStr(i.SnoozedAt), optStr(i.SnoozeReason),
		boolInt(i.Suppressed), boolInt(i.Escalated), optStr(i.RegressionWatchUntil),
		i.CreatedAt, i.UpdatedAt, optStr(i.ClosedAt))
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

// UpdateIssueTx writes the full mutable column set, guarded by the state the
// caller loaded. Zero rows affected with the row still present means a
// concurrent transition won the race.
func (r Repo) UpdateIssueTx(ctx context.Context, tx *sql.Tx, i domain.Issue, expectedState string) error {
	if !domain.ValidIssueState(i.State) {
		return InvariantViolationError{Entity: "issue", Rule: fmt.Sprintf("unknown state %q", i.State)}
	}
	if i.State == domain.IssueSnoozed && i.SnoozedUntil == nil {
		return InvariantViolationError{Entity: "issue", Rule: "snoozed requires snoozed_until"}
	}
	res, err := tx.ExecContext(ctx, `UPDATE issues SET state=?, severity=?, title=?, evidence_json=?, evidence_version=?,
aggregation_key=?, tagged_by=?, assigned_to=?, snoozed_until=?, snoozed_by=?, snoozed_at=?, snooze_reason=?,
suppressed=?, escalated=?, regression_watch_until=?, updated_at=?, closed_at=? WHERE id=? AND state=?`,
		i.State, i.Severity, i.Title, nullable(i.EvidenceJSON), i.EvidenceVersion,
		optStr(i.AggregationKey), optStr(i.TaggedBy), optStr(i.AssignedTo),
		optStr(i.SnoozedUntil), optStr(i.SnoozedBy), optStr(i.SnoozedAt), optStr(i.SnoozeReason),
		boolInt(i.Suppressed), boolInt(i.Escalated), optStr(i.RegressionWatchUntil),
		i.UpdatedAt, optStr(i.ClosedAt), i.ID, expectedState)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetIssueTx(ctx, tx, i.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// IssueFilter narrows ListIssues. Zero values mean "any".
type IssueFilter struct {
	State        string
	Type         string
	Severity     string
	ClientID     string
	EngagementID string
	Limit        int
}

// ListIssues returns issues sorted for list views: severity weight first,
// then recency, then id for a stable order.
func (r Repo) ListIssues(ctx context.Context, f IssueFilter) ([]domain.Issue, error) {
	where, args := issueFilterClause(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	q := `SELECT ` + issueCols + ` FROM issues` + where + `
ORDER BY CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
created_at DESC, id LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func issueFilterClause(f IssueFilter) (string, []any) {
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
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountIssuesBy groups issue counts for summary badges. group must be one of
// the whitelisted columns; anything else is rejected before touching SQL.
func (r Repo) CountIssuesBy(ctx context.Context, group string) (map[string]int, error) {
	switch group {
	case "state", "severity", "type", "client_id":
	default:
		return nil, fmt.Errorf("unsupported grouping %q", group)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+group+`, COUNT(*) FROM issues GROUP BY `+group)
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

// ListIssueIDsDue returns ids of issues in state whose dueField has passed,
// in stable id order, bounded by limit. Used by timer jobs so each row can
// be transitioned in its own transaction.
func (r Repo) ListIssueIDsDue(ctx context.Context, state, dueField, now string, limit int) ([]string, error) {
	switch dueField {
	case "snoozed_until", "regression_watch_until":
	default:
		return nil, fmt.Errorf("unsupported due field %q", dueField)
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM issues WHERE state=? AND `+dueField+` IS NOT NULL AND `+dueField+`<=? ORDER BY id LIMIT ?`,
		state, now, limit)
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

// FindIssueByAggregationKey resolves the issue a related signal should fold
// into, preferring non-closed issues, most recent first.
func (r Repo) FindIssueByAggregationKey(ctx context.Context, key string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE aggregation_key=?
ORDER BY CASE WHEN state='closed' THEN 1 ELSE 0 END, created_at DESC LIMIT 1`, key))
}
