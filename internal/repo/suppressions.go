package repo

import (
	"context"
	"database/sql"

	"triageline/internal/domain"
)

const ruleCols = `suppression_key,item_type,client_id,engagement_id,source,rule_id,created_by,created_at,expires_at,reason`

func scanRule(row interface{ Scan(...any) error }) (domain.SuppressionRule, error) {
	var sr domain.SuppressionRule
	var clientID, engagementID, source, ruleID, reason sql.NullString
	err := row.Scan(&sr.SuppressionKey, &sr.ItemType, &clientID, &engagementID, &source, &ruleID,
		&sr.CreatedBy, &sr.CreatedAt, &sr.ExpiresAt, &reason)
	if err == sql.ErrNoRows {
		return sr, ErrNotFound
	}
	if err != nil {
		return sr, err
	}
	sr.ClientID = fromNull(clientID)
	sr.EngagementID = fromNull(engagementID)
	sr.Source = fromNull(source)
	sr.RuleID = fromNull(ruleID)
	sr.Reason = reason.String
	return sr, nil
}

func (r Repo) GetSuppressionRule(ctx context.Context, key string) (domain.SuppressionRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleCols+` FROM suppression_rules WHERE suppression_key=?`, key))
}

// InsertSuppressionRuleTx upserts a rule inside the dismissal transaction so
// a failed dismissal never leaves a rule behind (and vice versa).
func (r Repo) InsertSuppressionRuleTx(ctx context.Context, tx *sql.Tx, sr domain.SuppressionRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO suppression_rules(`+ruleCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(suppression_key) DO UPDATE SET expires_at=excluded.expires_at, reason=excluded.reason, created_by=excluded.created_by`,
		sr.SuppressionKey, sr.ItemType, optStr(sr.ClientID), optStr(sr.EngagementID), optStr(sr.Source), optStr(sr.RuleID),
		sr.CreatedBy, sr.CreatedAt, sr.ExpiresAt, nullable(sr.Reason))
	return err
}

// DeleteSuppressionRule removes a rule. Idempotent: deleting a missing or
// already-expired rule succeeds.
func (r Repo) DeleteSuppressionRule(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM suppression_rules WHERE suppression_key=?`, key)
	return err
}

func (r Repo) ListSuppressionRules(ctx context.Context, limit int) ([]domain.SuppressionRule, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleCols+` FROM suppression_rules ORDER BY expires_at, suppression_key LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SuppressionRule
	for rows.Next() {
		sr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sr)
	}
	return res, rows.Err()
}

// ListExpiredSuppressionKeys returns keys of lapsed rules in stable order
// for the daily cleanup job.
func (r Repo) ListExpiredSuppressionKeys(ctx context.Context, now string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT suppression_key FROM suppression_rules WHERE expires_at<=? ORDER BY suppression_key LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
