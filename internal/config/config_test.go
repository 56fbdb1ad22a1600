package config_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"triageline/internal/config"
	"triageline/internal/domain"
)

func TestDefaultValidates(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSuppressionExpiryPerItemType(t *testing.T) {
	cfg := config.Default()
	cases := map[string]time.Duration{
		domain.ItemTypeIssue:         90 * 24 * time.Hour,
		domain.ItemTypeFlaggedSignal: 30 * 24 * time.Hour,
		domain.ItemTypeOrphan:        180 * 24 * time.Hour,
		domain.ItemTypeAmbiguous:     30 * 24 * time.Hour,
	}
	for itemType, want := range cases {
		if got := cfg.SuppressionExpiry(itemType); got != want {
			t.Errorf("%s: expiry = %v, want %v", itemType, got, want)
		}
	}
	if got := cfg.SuppressionExpiry("something_else"); got != 30*24*time.Hour {
		t.Errorf("unknown type: expiry = %v, want 30d fallback", got)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	doc := `
lifecycle:
  regression_watch_days: 30
  snooze_default_days: 14
`
	cfg, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lifecycle.RegressionWatchDays != 30 || cfg.Lifecycle.SnoozeDefaultDays != 14 {
		t.Fatalf("lifecycle = %+v", cfg.Lifecycle)
	}
	// Unset sections keep the defaults.
	if cfg.Suppression.DefaultExpiryDays[domain.ItemTypeOrphan] != 180 {
		t.Fatalf("orphan expiry = %d", cfg.Suppression.DefaultExpiryDays[domain.ItemTypeOrphan])
	}
	if cfg.Timers.BatchSize != 500 {
		t.Fatalf("batch size = %d", cfg.Timers.BatchSize)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"negative snooze", "lifecycle:\n  snooze_default_days: -1\n", "snooze_default_days"},
		{"zero watch", "lifecycle:\n  regression_watch_days: 0\n", "regression_watch_days"},
		{"unknown item type", "suppression:\n  default_expiry_days:\n    bogus: 5\n", "unknown item type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Lifecycle.SnoozeDefaultDays = 3
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	back, err := config.FromYAML(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.Lifecycle.SnoozeDefaultDays != 3 {
		t.Fatalf("snooze_default_days = %d", back.Lifecycle.SnoozeDefaultDays)
	}
}

func TestStoreSwapVisibleToConcurrentReaders(t *testing.T) {
	store := config.NewStore(config.Default())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cfg := store.Get()
				// Every snapshot is internally consistent.
				if err := cfg.Validate(); err != nil {
					t.Errorf("reader saw invalid config: %v", err)
					return
				}
			}
		}()
	}

	for days := 1; days <= 50; days++ {
		next := config.Default()
		next.Lifecycle.RegressionWatchDays = days
		store.Set(next)
	}
	close(stop)
	wg.Wait()

	if got := store.Get().Lifecycle.RegressionWatchDays; got != 50 {
		t.Fatalf("regression_watch_days = %d, want 50", got)
	}
}
