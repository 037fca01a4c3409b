// Package config provides centralized configuration for the UpDown
// settlement engine. All round, fee, and confirmation parameters MUST be
// defined here and threaded into component constructors explicitly — no
// package-level settings singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interface contract.
type Config struct {
	// Timezone is the IANA zone name used to compute the daily round
	// boundary (lock at 15:59:59 local, settle shortly after 16:00 local).
	Timezone string `yaml:"timezone"`

	// FeeBps is the house fee, in basis points (0-10000), taken from the
	// losing pool at settlement.
	FeeBps int64 `yaml:"fee_bps"`

	// SettleGraceMinutes is how long after settle_ts an oracle outage is
	// tolerated before the round is auto-voided.
	SettleGraceMinutes int `yaml:"settle_grace_min"`

	// CloseFetchDelayMinutes is added to 16:00 local to get settle_ts,
	// giving the oracle time to publish its official close.
	CloseFetchDelayMinutes int `yaml:"close_fetch_delay_min"`

	// MinConfirmations is the default confirmation threshold before a
	// deposit is CONFIRMED/CREDITED or a withdrawal is CONFIRMED.
	MinConfirmations uint32 `yaml:"min_confirmations"`

	// MaxPendingHours is the alert threshold for a transfer stuck in a
	// non-terminal state.
	MaxPendingHours int `yaml:"max_pending_hours"`

	// DeriveSeed is the secret used for deterministic deposit address
	// derivation. Never logged.
	DeriveSeed string `yaml:"derive_seed"`

	// LargeWithdrawalThresholdU flags any withdrawal at or above this
	// amount (micro-units) for the large-withdrawal alert and admin
	// approval gate.
	LargeWithdrawalThresholdU int64 `yaml:"large_withdrawal_threshold_u"`

	// IntentExpiryHours is how long an ISSUED deposit intent survives
	// before expire_old() marks it EXPIRED.
	IntentExpiryHours int `yaml:"intent_expiry_hours"`

	// AlertDedupWindow is how long an identical alert is suppressed for.
	AlertDedupWindow time.Duration `yaml:"alert_dedup_window"`

	// GatewayCallTimeout is read from and written to the YAML config
	// only; no component reads it, and gateway and oracle calls run
	// without a per-call timeout.
	GatewayCallTimeout time.Duration `yaml:"gateway_call_timeout"`

	// RetryMaxBackoff is read from and written to the YAML config only;
	// no component reads it or applies backoff between gateway retries.
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`

	// BreakerFailureThreshold is read from and written to the YAML
	// config only; no component reads it, and gateway calls pass through
	// no circuit breaker.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`

	// BreakerRecoveryTimeout is read from and written to the YAML config
	// only; no component reads it.
	BreakerRecoveryTimeout time.Duration `yaml:"breaker_recovery_timeout"`

	// Storage holds the sqlite data directory.
	Storage StorageConfig `yaml:"storage"`

	// Logging controls the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Location parses Timezone into a *time.Location, defaulting to UTC on
// any error so callers never have to special-case a bad config value.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Timezone:                  "UTC",
		FeeBps:                    100,
		SettleGraceMinutes:        30,
		CloseFetchDelayMinutes:    5,
		MinConfirmations:          3,
		MaxPendingHours:           24,
		DeriveSeed:                "",
		LargeWithdrawalThresholdU: 1_000_000_000, // 1,000 display units
		IntentExpiryHours:         24,
		AlertDedupWindow:          5 * time.Minute,
		GatewayCallTimeout:        30 * time.Second,
		RetryMaxBackoff:           60 * time.Second,
		BreakerFailureThreshold:   5,
		BreakerRecoveryTimeout:    60 * time.Second,
		Storage: StorageConfig{
			DataDir: "~/.updown",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// FileName is the default config file name.
const FileName = "config.yaml"

// Load loads configuration from a YAML file under dataDir, creating one
// with default values if it doesn't exist yet.
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	path := filepath.Join(expanded, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# UpDown settlement engine configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
