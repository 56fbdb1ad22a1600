// Package suppress computes deterministic fingerprints for would-be inbox
// items and tracks the standing rules that veto re-proposing them.
package suppress

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"triageline/internal/domain"
)

// KeyVersion tags the canonical object so a future derivation change cannot
// collide with existing stored keys.
const KeyVersion = "v1"

// Key derives the suppression fingerprint for an item. The canonical object
// {v, t, fields...} is serialized with sorted keys and no incidental
// whitespace, hashed, and truncated. The result is a pure function of
// (item type, scoping, identity): field order and empty values never matter,
// so the same logical item always maps to the same key across processes and
// over time.
func Key(itemType string, fields map[string]string) string {
	canon := make(map[string]string, len(fields)+2)
	canon["v"] = KeyVersion
	canon["t"] = itemType
	for k, v := range fields {
		if v != "" {
			canon[k] = v
		}
	}
	// json.Marshal writes map keys in sorted order with no extra whitespace,
	// which is exactly the canonical form the key needs.
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return "sk_" + hex.EncodeToString(sum[:])[:32]
}

// RuleStore is the persistence boundary for suppression rules. It is an
// injected dependency rather than ambient state so tests can substitute an
// in-memory implementation.
type RuleStore interface {
	// Find returns the rule for a key, reporting whether one exists.
	Find(ctx context.Context, key string) (domain.SuppressionRule, bool, error)
	// Insert records a rule inside the caller's transaction so rule creation
	// and the dismissal that caused it commit or roll back together.
	Insert(ctx context.Context, tx *sql.Tx, rule domain.SuppressionRule) error
	// Delete removes a rule; deleting a missing rule is not an error.
	Delete(ctx context.Context, key string) error
}

// Engine answers "is this fingerprint currently vetoed" and records vetoes.
type Engine struct {
	Store RuleStore
	Now   func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Check reports whether an active (unexpired) rule blocks the key. Expired
// rules do not block; the daily cleanup job removes them eventually.
func (e Engine) Check(ctx context.Context, key string) (bool, domain.SuppressionRule, error) {
	rule, ok, err := e.Store.Find(ctx, key)
	if err != nil || !ok {
		return false, domain.SuppressionRule{}, err
	}
	expires, err := time.Parse(time.RFC3339, rule.ExpiresAt)
	if err != nil {
		return false, rule, err
	}
	if !expires.After(e.now().UTC()) {
		return false, domain.SuppressionRule{}, nil
	}
	return true, rule, nil
}

// Record writes a rule within the caller's transaction, filling in creation
// time and the default expiry when the caller supplied none.
func (e Engine) Record(ctx context.Context, tx *sql.Tx, rule domain.SuppressionRule, defaultTTL time.Duration) error {
	now := e.now().UTC()
	if rule.CreatedAt == "" {
		rule.CreatedAt = now.Format(time.RFC3339)
	}
	if rule.ExpiresAt == "" {
		rule.ExpiresAt = now.Add(defaultTTL).Format(time.RFC3339)
	}
	return e.Store.Insert(ctx, tx, rule)
}

// Unsuppress lifts a rule. Idempotent: lifting a missing or already-deleted
// rule succeeds without error.
func (e Engine) Unsuppress(ctx context.Context, key string) error {
	return e.Store.Delete(ctx, key)
}
