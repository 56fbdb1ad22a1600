package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"triageline/internal/domain"
	"triageline/internal/repo"
	"triageline/internal/transitions"
)

// SignalInput is the detector-facing ingest payload.
type SignalInput struct {
	Source         string   `json:"source"`
	SourceRef      string   `json:"source_ref"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Severity       string   `json:"severity"`
	ClientID       string   `json:"client_id,omitempty"`
	BrandID        string   `json:"brand_id,omitempty"`
	EngagementID   string   `json:"engagement_id,omitempty"`
	Summary        string   `json:"summary"`
	EvidenceJSON   string   `json:"evidence_json,omitempty"`
	AggregationKey string   `json:"aggregation_key,omitempty"`
	Candidates     []string `json:"candidate_client_ids,omitempty"`
	ObservedAt     string   `json:"observed_at,omitempty"`
}

// IngestResult reports what ingest did with one observation.
type IngestResult struct {
	Signal     domain.Signal     `json:"signal"`
	Item       *domain.InboxItem `json:"inbox_item,omitempty"`
	Issue      *domain.Issue     `json:"issue,omitempty"`
	Duplicate  bool              `json:"duplicate"`
	Suppressed bool              `json:"suppressed"`
	Regression bool              `json:"regression"`
}

func (in SignalInput) validate() error {
	v := &ValidationError{Action: "ingest"}
	switch {
	case in.Source == "":
		v.Missing = "source"
	case in.SourceRef == "":
		v.Missing = "source_ref"
	case in.Summary == "":
		v.Missing = "summary"
	case in.Severity == "":
		v.Missing = "severity"
	case !domain.ValidSeverity(in.Severity):
		v.Invalid = "severity"
	}
	if v.Missing != "" || v.Invalid != "" {
		return v
	}
	return nil
}

// IngestSignal records one detector observation. A repeat of the same
// (source, source_ref) only touches last_seen and reports the item still
// triaging it, if any. A signal whose aggregation key matches an issue under
// regression watch reopens that issue instead of proposing a new item.
// Otherwise a suppression check gates creation of a flagged_signal, orphan,
// or ambiguous inbox item.
func (e Engine) IngestSignal(ctx context.Context, in SignalInput, actor string) (IngestResult, error) {
	if err := in.validate(); err != nil {
		return IngestResult{}, err
	}
	now := e.nowStr()

	if existing, err := e.Repo.FindSignalBySourceRef(ctx, in.Source, in.SourceRef); err == nil {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return IngestResult{}, err
		}
		defer tx.Rollback()
		if err := e.Repo.TouchSignalLastSeenTx(ctx, tx, existing.ID, now); err != nil {
			return IngestResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return IngestResult{}, err
		}
		existing.LastSeenAt = now
		res := IngestResult{Signal: existing, Duplicate: true}
		if item, err := e.Repo.ActiveInboxItemForSignal(ctx, existing.ID); err == nil {
			res.Item = &item
		} else if !errors.Is(err, repo.ErrNotFound) {
			return IngestResult{}, err
		}
		return res, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return IngestResult{}, err
	}

	observed := in.ObservedAt
	if observed == "" {
		observed = now
	}
	sig := domain.Signal{
		ID:             uuid.New().String(),
		Source:         in.Source,
		SourceRef:      in.SourceRef,
		Sentiment:      in.Sentiment,
		Severity:       in.Severity,
		ClientID:       optionalString(in.ClientID),
		BrandID:        optionalString(in.BrandID),
		EngagementID:   optionalString(in.EngagementID),
		Summary:        in.Summary,
		EvidenceJSON:   in.EvidenceJSON,
		AggregationKey: in.AggregationKey,
		FirstSeenAt:    now,
		LastSeenAt:     now,
		ObservedAt:     observed,
		IngestedAt:     now,
	}

	if in.AggregationKey != "" {
		watched, err := e.Repo.FindIssueByAggregationKey(ctx, in.AggregationKey)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return IngestResult{}, err
		}
		if err == nil && watched.State == domain.IssueRegressionWatch {
			// Signal insert, regressed transition, and new wrapper are one
			// transaction: a failed reopen leaves no signal row behind, so
			// the detector's retry is not swallowed as a duplicate.
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return IngestResult{}, err
			}
			defer tx.Rollback()
			if err := e.Repo.InsertSignalTx(ctx, tx, sig); err != nil {
				return IngestResult{}, err
			}
			issue, item, err := e.recordRegressionTx(ctx, tx, watched, sig.ID, actor)
			if err != nil {
				return IngestResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return IngestResult{}, err
			}
			return IngestResult{Signal: sig, Issue: &issue, Item: item, Regression: true}, nil
		}
	}

	itemType := itemTypeForSignal(in)
	key := signalSuppressionKey(itemType, sig)
	blocked, _, err := e.Suppress.Check(ctx, key)
	if err != nil {
		return IngestResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IngestResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSignalTx(ctx, tx, sig); err != nil {
		return IngestResult{}, err
	}

	var item *domain.InboxItem
	if !blocked {
		it, err := e.proposeSignalItemTx(ctx, tx, sig, itemType, in.Candidates, key, actor)
		if err != nil {
			return IngestResult{}, err
		}
		item = &it
	}
	if err := tx.Commit(); err != nil {
		return IngestResult{}, err
	}
	if blocked {
		e.logger().Printf("signal %s suppressed by key %s", sig.ID, key)
	}
	return IngestResult{Signal: sig, Item: item, Suppressed: blocked}, nil
}

// itemTypeForSignal classifies the observation: ambiguous when the detector
// proposes candidate clients, orphan when nothing resolves a client.
func itemTypeForSignal(in SignalInput) string {
	if len(in.Candidates) > 0 {
		return domain.ItemTypeAmbiguous
	}
	if in.ClientID == "" {
		return domain.ItemTypeOrphan
	}
	return domain.ItemTypeFlaggedSignal
}

func (e Engine) proposeSignalItemTx(ctx context.Context, tx *sql.Tx, sig domain.Signal, itemType string, candidates []string, key, actor string) (domain.InboxItem, error) {
	now := e.nowStr()
	item := domain.InboxItem{
		ID:                 uuid.New().String(),
		Type:               itemType,
		State:              domain.InboxProposed,
		Severity:           sig.Severity,
		UnderlyingSignalID: &sig.ID,
		ClientID:           sig.ClientID,
		EngagementID:       sig.EngagementID,
		Source:             &sig.Source,
		SuppressionKey:     &key,
		ProposedAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(candidates) > 0 {
		raw, err := json.Marshal(candidates)
		if err != nil {
			return item, fmt.Errorf("candidates: %w", err)
		}
		s := string(raw)
		item.CandidatesJSON = &s
	}
	if err := e.Repo.InsertInboxItemTx(ctx, tx, item); err != nil {
		return item, err
	}
	if err := e.Transitions.AppendInbox(ctx, tx, item.ID, transitions.Record{
		PrevState:       "",
		NewState:        domain.InboxProposed,
		Reason:          domain.ReasonSystemSignal,
		TriggerSignalID: &sig.ID,
		Actor:           actor,
	}); err != nil {
		return item, err
	}
	return item, nil
}

// DismissSignal marks a raw signal dismissed without touching any inbox
// item. Useful for detector noise that never produced an item.
func (e Engine) DismissSignal(ctx context.Context, signalID, actor string) (domain.Signal, error) {
	sig, err := e.Repo.GetSignal(ctx, signalID)
	if err != nil {
		return domain.Signal{}, err
	}
	if sig.DismissedAt != nil {
		return sig, nil
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sig, err
	}
	defer tx.Rollback()
	if err := e.Repo.DismissSignalTx(ctx, tx, sig.ID, now, actor); err != nil {
		return sig, err
	}
	if err := tx.Commit(); err != nil {
		return sig, err
	}
	sig.DismissedAt = &now
	sig.DismissedBy = &actor
	return sig, nil
}

// CreateSuppressionRule inserts a standing rule directly, outside any
// dismissal. Used by the CLI and API for pre-emptive muting.
func (e Engine) CreateSuppressionRule(ctx context.Context, rule domain.SuppressionRule, expiryDays int) (domain.SuppressionRule, error) {
	if rule.SuppressionKey == "" {
		return rule, &ValidationError{Action: "suppress", Missing: "suppression_key"}
	}
	if rule.ItemType == "" {
		return rule, &ValidationError{Action: "suppress", Missing: "item_type"}
	}
	if !domain.ValidItemType(rule.ItemType) {
		return rule, &ValidationError{Action: "suppress", Invalid: "item_type"}
	}
	ttl := e.Config.Get().SuppressionExpiry(rule.ItemType)
	if expiryDays > 0 {
		ttl = time.Duration(expiryDays) * 24 * time.Hour
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Suppress.Record(ctx, tx, rule, ttl); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return e.Repo.GetSuppressionRule(ctx, rule.SuppressionKey)
}

// Unsuppress removes a rule by key; removing an absent key is a no-op.
func (e Engine) Unsuppress(ctx context.Context, key string) error {
	return e.Suppress.Unsuppress(ctx, key)
}

// ListSuppressionRules is a read passthrough.
func (e Engine) ListSuppressionRules(ctx context.Context, limit int) ([]domain.SuppressionRule, error) {
	return e.Repo.ListSuppressionRules(ctx, limit)
}
