package repo

import (
	"context"
	"database/sql"

	"triageline/internal/domain"
)

const signalCols = `id,source,source_ref,sentiment,severity,client_id,brand_id,engagement_id,summary,evidence_json,aggregation_key,first_seen_at,last_seen_at,observed_at,ingested_at,dismissed_at,dismissed_by,superseded_by_issue_id`

func scanSignal(row interface{ Scan(...any) error }) (domain.Signal, error) {
	var s domain.Signal
	var sentiment, evidence, aggKey, clientID, brandID, engagementID, dismissedAt, dismissedBy, superseded sql.NullString
	err := row.Scan(&s.ID, &s.Source, &s.SourceRef, &sentiment, &s.Severity, &clientID, &brandID, &engagementID,
		&s.Summary, &evidence, &aggKey, &s.FirstSeenAt, &s.LastSeenAt, &s.ObservedAt, &s.IngestedAt,
		&dismissedAt, &dismissedBy, &superseded)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Sentiment = sentiment.String
	s.EvidenceJSON = evidence.String
	s.AggregationKey = aggKey.String
	s.ClientID = fromNull(clientID)
	s.BrandID = fromNull(brandID)
	s.EngagementID = fromNull(engagementID)
	s.DismissedAt = fromNull(dismissedAt)
	s.DismissedBy = fromNull(dismissedBy)
	s.SupersededByIssue = fromNull(superseded)
	return s, nil
}

func (r Repo) InsertSignalTx(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO signals(`+signalCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Source, s.SourceRef, nullable(s.Sentiment), s.Severity, optStr(s.ClientID), optStr(s.BrandID), optStr(s.EngagementID),
		s.Summary, nullable(s.EvidenceJSON), nullable(s.AggregationKey), s.FirstSeenAt, s.LastSeenAt, s.ObservedAt, s.IngestedAt,
		optStr(s.DismissedAt), optStr(s.DismissedBy), optStr(s.SupersededByIssue))
	return err
}

func (r Repo) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx, `SELECT `+signalCols+` FROM signals WHERE id=?`, id))
}

// DismissSignalTx marks a signal dismissed. Signals are never deleted.
func (r Repo) DismissSignalTx(ctx context.Context, tx *sql.Tx, id, dismissedAt, dismissedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE signals SET dismissed_at=?, dismissed_by=? WHERE id=?`, dismissedAt, dismissedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedeSignalTx records that an issue now tracks the problem this signal
// observed.
func (r Repo) SupersedeSignalTx(ctx context.Context, tx *sql.Tx, id, issueID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE signals SET superseded_by_issue_id=? WHERE id=?`, issueID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSignalLastSeenTx advances last_seen_at for a repeated observation.
func (r Repo) TouchSignalLastSeenTx(ctx context.Context, tx *sql.Tx, id, lastSeenAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE signals SET last_seen_at=? WHERE id=? AND last_seen_at < ?`, lastSeenAt, id, lastSeenAt)
	return err
}

// FindSignalBySourceRef locates an existing observation from the same source
// system, used by ingest to fold repeats into first/last seen bookkeeping.
func (r Repo) FindSignalBySourceRef(ctx context.Context, source, sourceRef string) (domain.Signal, error) {
	return scanSignal(r.DB.QueryRowContext(ctx, `SELECT `+signalCols+` FROM signals WHERE source=? AND source_ref=? ORDER BY ingested_at DESC LIMIT 1`, source, sourceRef))
}

func (r Repo) ListSignals(ctx context.Context, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+signalCols+` FROM signals ORDER BY ingested_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
