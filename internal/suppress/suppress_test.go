package suppress_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"triageline/internal/domain"
	"triageline/internal/suppress"
)

func TestKeyDeterministicAcrossFieldOrder(t *testing.T) {
	a := suppress.Key("flagged_signal", map[string]string{
		"client_id":     "cl-1",
		"engagement_id": "en-1",
		"source":        "billing",
		"identity":      "inv-9",
	})
	b := suppress.Key("flagged_signal", map[string]string{
		"identity":      "inv-9",
		"source":        "billing",
		"engagement_id": "en-1",
		"client_id":     "cl-1",
	})
	if a != b {
		t.Fatalf("same fields in different order produced %s vs %s", a, b)
	}
}

func TestKeyShape(t *testing.T) {
	key := suppress.Key("issue", map[string]string{"identity": "x"})
	if !strings.HasPrefix(key, "sk_") {
		t.Fatalf("key %s missing sk_ prefix", key)
	}
	if len(key) != 3+32 {
		t.Fatalf("key %s has length %d, want 35", key, len(key))
	}
}

func TestKeyEmptyFieldsDropped(t *testing.T) {
	with := suppress.Key("orphan", map[string]string{"identity": "ref-1", "engagement_id": ""})
	without := suppress.Key("orphan", map[string]string{"identity": "ref-1"})
	if with != without {
		t.Fatalf("empty field changed the key: %s vs %s", with, without)
	}
}

func TestKeyDiscriminates(t *testing.T) {
	base := suppress.Key("orphan", map[string]string{"identity": "ref-1"})
	if suppress.Key("issue", map[string]string{"identity": "ref-1"}) == base {
		t.Fatal("item type not part of the key")
	}
	if suppress.Key("orphan", map[string]string{"identity": "ref-2"}) == base {
		t.Fatal("identity not part of the key")
	}
}

func TestCheckRespectsExpiry(t *testing.T) {
	store := suppress.NewMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng := suppress.Engine{Store: store, Now: func() time.Time { return now }}
	ctx := context.Background()

	key := suppress.Key("orphan", map[string]string{"identity": "ref-1"})
	if err := eng.Record(ctx, nil, domain.SuppressionRule{
		SuppressionKey: key,
		ItemType:       "orphan",
		CreatedBy:      "tester",
	}, 180*24*time.Hour); err != nil {
		t.Fatalf("record: %v", err)
	}

	blocked, rule, err := eng.Check(ctx, key)
	if err != nil || !blocked {
		t.Fatalf("expected active rule to block: blocked=%v err=%v", blocked, err)
	}
	wantExpiry := now.Add(180 * 24 * time.Hour).Format(time.RFC3339)
	if rule.ExpiresAt != wantExpiry {
		t.Fatalf("expires_at = %s, want %s", rule.ExpiresAt, wantExpiry)
	}

	// Move past expiry: the rule stops blocking even before cleanup.
	now = now.Add(181 * 24 * time.Hour)
	blocked, _, err = eng.Check(ctx, key)
	if err != nil || blocked {
		t.Fatalf("expected expired rule to pass: blocked=%v err=%v", blocked, err)
	}
}

func TestUnsuppressIdempotent(t *testing.T) {
	store := suppress.NewMemStore()
	eng := suppress.Engine{Store: store}
	ctx := context.Background()
	if err := eng.Unsuppress(ctx, "sk_missing"); err != nil {
		t.Fatalf("unsuppress of missing key: %v", err)
	}
	if err := eng.Unsuppress(ctx, "sk_missing"); err != nil {
		t.Fatalf("second unsuppress: %v", err)
	}
}
