// Package loader handles configuration file loading, validation, and
// conversion into component configs.
//
// This package is responsible for:
//   - Loading the YAML configuration file
//   - Expanding environment variables
//   - Applying documented defaults
//   - Validating the result before any component sees it
package loader

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/fieldsync/config"
	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/quota"
	"github.com/xtxerr/fieldsync/internal/remote"
	"github.com/xtxerr/fieldsync/internal/store"
)

// =============================================================================
// Config Types
// =============================================================================

// Config is the full daemon configuration.
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Storage StorageConfig `yaml:"storage"`
	Cache   CacheConfig   `yaml:"cache"`
	Poll    PollConfig    `yaml:"poll"`
	Display DisplayConfig `yaml:"display"`
	Log     LogConfig     `yaml:"log"`
}

// RemoteConfig configures the telemetry API client.
type RemoteConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BaseURL            string `yaml:"base_url"`
	UnitID             string `yaml:"unit_id"`
	Secret             string `yaml:"secret"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	RetryBaseDelayMs   int    `yaml:"retry_base_delay_ms"`
	RateLimitWindowSec int    `yaml:"rate_limit_window_sec"`
}

// StorageConfig configures the persistent cache and its quota.
type StorageConfig struct {
	Path                  string  `yaml:"path"`
	MaxCacheBytes         int64   `yaml:"max_cache_bytes"`
	QuotaSoftPercent      float64 `yaml:"quota_soft_percent"`
	QuotaHardPercent      float64 `yaml:"quota_hard_percent"`
	QuotaCheckIntervalSec int     `yaml:"quota_check_interval_sec"`
}

// CacheConfig configures cache TTLs.
type CacheConfig struct {
	MemoryTTLSec int               `yaml:"memory_ttl_sec"`
	TTLs         map[string]string `yaml:"ttls"`
}

// PollConfig configures the polling distributor.
type PollConfig struct {
	IntervalSec int  `yaml:"interval_sec"`
	DropLate    bool `yaml:"drop_late"`
}

// DisplayConfig configures client-side presentation of fetched data.
type DisplayConfig struct {
	SpeedUnits string `yaml:"speed_units"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// =============================================================================
// Load
// =============================================================================

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			TimeoutMs:          config.DefaultCallTimeoutMs,
			MaxRetries:         config.DefaultMaxRetries,
			RetryBaseDelayMs:   config.DefaultRetryBaseDelayMs,
			RateLimitWindowSec: config.DefaultRateLimitWindowSec,
		},
		Storage: StorageConfig{
			Path:                  "fieldsync.db",
			MaxCacheBytes:         config.DefaultMaxCacheBytes,
			QuotaSoftPercent:      config.DefaultQuotaSoftPercent,
			QuotaHardPercent:      config.DefaultQuotaHardPercent,
			QuotaCheckIntervalSec: config.DefaultQuotaCheckIntervalSec,
		},
		Cache: CacheConfig{
			MemoryTTLSec: config.DefaultMemoryCacheTTLSec,
		},
		Poll: PollConfig{
			IntervalSec: config.DefaultPollIntervalSec,
		},
		Display: DisplayConfig{
			SpeedUnits: config.DefaultSpeedUnits,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, expanding environment
// variables and applying defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.Storage.QuotaSoftPercent <= 0 || c.Storage.QuotaSoftPercent >= 100 {
		return errors.NewInvalidValue("storage.quota_soft_percent", c.Storage.QuotaSoftPercent, "must be in (0, 100)")
	}
	if c.Storage.QuotaHardPercent <= c.Storage.QuotaSoftPercent {
		return errors.NewInvalidValue("storage.quota_hard_percent", c.Storage.QuotaHardPercent, "must exceed the soft threshold")
	}
	if c.Storage.MaxCacheBytes <= 0 {
		return errors.NewInvalidValue("storage.max_cache_bytes", c.Storage.MaxCacheBytes, "must be positive")
	}
	if c.Poll.IntervalSec <= 0 {
		return errors.NewInvalidValue("poll.interval_sec", c.Poll.IntervalSec, "must be positive")
	}
	switch c.Display.SpeedUnits {
	case "kph", "mph":
	default:
		return errors.NewInvalidValue("display.speed_units", c.Display.SpeedUnits, "must be kph or mph")
	}

	for dataset, raw := range c.Cache.TTLs {
		if _, err := time.ParseDuration(raw); err != nil {
			return errors.NewInvalidValue("cache.ttls."+dataset, raw, err.Error())
		}
	}
	return nil
}

// =============================================================================
// Component config conversion
// =============================================================================

// TTLPolicy builds the dataset TTL policy: documented defaults overlaid
// with any per-dataset overrides from the config file.
func (c *Config) TTLPolicy() *store.TTLPolicy {
	ttls := map[string]time.Duration{
		"assets":   config.DefaultAssetTTL,
		"coverage": config.DefaultCoverageTTL,
		"plant":    config.DefaultPlantTTL,
	}
	for dataset, raw := range c.Cache.TTLs {
		if d, err := time.ParseDuration(raw); err == nil {
			ttls[dataset] = d
		}
	}
	return store.NewTTLPolicyWithDefault(ttls, config.DefaultDatasetTTL)
}

// MemoryTTL returns the memory tier TTL.
func (c *Config) MemoryTTL() time.Duration {
	return time.Duration(c.Cache.MemoryTTLSec) * time.Second
}

// PollInterval returns the poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

// RemoteClientConfig converts the remote section for the client.
// Returns ErrConfigurationMissing when the remote surface is disabled
// or incomplete; the caller then runs cache-only.
func (c *Config) RemoteClientConfig() (*remote.Config, error) {
	if !c.Remote.Enabled {
		return nil, fmt.Errorf("%w: remote surface disabled", errors.ErrConfigurationMissing)
	}
	return &remote.Config{
		BaseURL:         c.Remote.BaseURL,
		UnitID:          c.Remote.UnitID,
		Secret:          c.Remote.Secret,
		CallTimeout:     time.Duration(c.Remote.TimeoutMs) * time.Millisecond,
		MaxRetries:      c.Remote.MaxRetries,
		RetryBaseDelay:  time.Duration(c.Remote.RetryBaseDelayMs) * time.Millisecond,
		RateLimitWindow: time.Duration(c.Remote.RateLimitWindowSec) * time.Second,
	}, nil
}

// QuotaConfig converts the storage section for the quota monitor.
func (c *Config) QuotaConfig() quota.Config {
	return quota.Config{
		CapacityBytes: c.Storage.MaxCacheBytes,
		SoftPercent:   c.Storage.QuotaSoftPercent,
		HardPercent:   c.Storage.QuotaHardPercent,
		CheckInterval: time.Duration(c.Storage.QuotaCheckIntervalSec) * time.Second,
	}
}

// StoreConfig converts the storage section for the persistent store.
func (c *Config) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.Path = c.Storage.Path
	return cfg
}
