package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"triageline/internal/domain"
)

// Config models triageline.yml.
type Config struct {
	Suppression struct {
		// DefaultExpiryDays maps inbox item type to the rule lifetime used
		// when a dismissing action supplies no explicit duration.
		DefaultExpiryDays map[string]int `yaml:"default_expiry_days"`
	} `yaml:"suppression"`
	Lifecycle struct {
		RegressionWatchDays int `yaml:"regression_watch_days"`
		SnoozeDefaultDays   int `yaml:"snooze_default_days"`
	} `yaml:"lifecycle"`
	Timers struct {
		HourlyInterval time.Duration `yaml:"hourly_interval"`
		DailyInterval  time.Duration `yaml:"daily_interval"`
		BatchSize      int           `yaml:"batch_size"`
	} `yaml:"timers"`
}

// Default returns the stock configuration.
func Default() *Config {
	c := &Config{}
	c.Suppression.DefaultExpiryDays = map[string]int{
		domain.ItemTypeIssue:         90,
		domain.ItemTypeFlaggedSignal: 30,
		domain.ItemTypeOrphan:        180,
		domain.ItemTypeAmbiguous:     30,
	}
	c.Lifecycle.RegressionWatchDays = 90
	c.Lifecycle.SnoozeDefaultDays = 7
	c.Timers.HourlyInterval = time.Hour
	c.Timers.DailyInterval = 24 * time.Hour
	c.Timers.BatchSize = 500
	return c
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "triageline.yml")
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML serializes the config.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Suppression.DefaultExpiryDays) == 0 {
		return fmt.Errorf("config.suppression.default_expiry_days is required")
	}
	for itemType, days := range c.Suppression.DefaultExpiryDays {
		if !domain.ValidItemType(itemType) {
			return fmt.Errorf("config.suppression.default_expiry_days: unknown item type %s", itemType)
		}
		if days <= 0 {
			return fmt.Errorf("config.suppression.default_expiry_days.%s must be positive", itemType)
		}
	}
	for _, itemType := range []string{domain.ItemTypeIssue, domain.ItemTypeFlaggedSignal, domain.ItemTypeOrphan, domain.ItemTypeAmbiguous} {
		if _, ok := c.Suppression.DefaultExpiryDays[itemType]; !ok {
			return fmt.Errorf("config.suppression.default_expiry_days.%s is required", itemType)
		}
	}
	if c.Lifecycle.RegressionWatchDays <= 0 {
		return fmt.Errorf("config.lifecycle.regression_watch_days must be positive")
	}
	if c.Lifecycle.SnoozeDefaultDays <= 0 {
		return fmt.Errorf("config.lifecycle.snooze_default_days must be positive")
	}
	if c.Timers.HourlyInterval <= 0 || c.Timers.DailyInterval <= 0 {
		return fmt.Errorf("config.timers intervals must be positive")
	}
	if c.Timers.BatchSize <= 0 {
		return fmt.Errorf("config.timers.batch_size must be positive")
	}
	return nil
}

// SuppressionExpiry returns the default rule lifetime for an item type.
func (c *Config) SuppressionExpiry(itemType string) time.Duration {
	days, ok := c.Suppression.DefaultExpiryDays[itemType]
	if !ok {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

// RegressionWatchWindow returns the cool-down window after resolution.
func (c *Config) RegressionWatchWindow() time.Duration {
	return time.Duration(c.Lifecycle.RegressionWatchDays) * 24 * time.Hour
}
