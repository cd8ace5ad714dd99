// Package config provides configuration defaults and utilities
// for the fieldsync application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or CLI flags.
package config

import "time"

// =============================================================================
// Dataset TTL Defaults
// =============================================================================

const (
	// DefaultAssetTTL is the maximum age of cached fleet/asset positions.
	// Assets move, so this is the shortest-lived dataset.
	// Override via config: cache.ttls.assets
	DefaultAssetTTL = 5 * time.Minute

	// DefaultCoverageTTL is the maximum age of cached coverage-area data.
	// Coverage polygons change rarely.
	// Override via config: cache.ttls.coverage
	DefaultCoverageTTL = 24 * time.Hour

	// DefaultPlantTTL is the maximum age of cached physical-plant data.
	// Override via config: cache.ttls.plant
	DefaultPlantTTL = 12 * time.Hour

	// DefaultDatasetTTL applies to any dataset type without an explicit TTL.
	DefaultDatasetTTL = 24 * time.Hour

	// DefaultMemoryCacheTTLSec is how long entries live in the in-process
	// memory tier. Short by design: it only has to absorb bursts of
	// near-simultaneous requests without touching the persistent store.
	// Override via config: cache.memory_ttl_sec
	DefaultMemoryCacheTTLSec = 30
)

// =============================================================================
// Storage Quota Defaults
// =============================================================================

const (
	// DefaultMaxCacheBytes is the byte budget for the persistent cache.
	// Override via config: storage.max_cache_bytes
	DefaultMaxCacheBytes = 64 * 1024 * 1024

	// DefaultQuotaSoftPercent triggers expired-entry cleanup.
	// Override via config: storage.quota_soft_percent
	DefaultQuotaSoftPercent = 80.0

	// DefaultQuotaHardPercent triggers a full cache wipe when expired-entry
	// cleanup did not relieve pressure.
	// Override via config: storage.quota_hard_percent
	DefaultQuotaHardPercent = 90.0

	// DefaultQuotaCheckIntervalSec is how often storage utilization is sampled.
	// Override via config: storage.quota_check_interval_sec
	DefaultQuotaCheckIntervalSec = 300
)

// =============================================================================
// Remote API Defaults
// =============================================================================

const (
	// DefaultCallTimeoutMs is the timeout for a single remote API call.
	// Exceeding it is treated like any other network failure.
	// Override via config: remote.timeout_ms
	DefaultCallTimeoutMs = 10000

	// DefaultMaxRetries is the number of automatic re-authentication
	// attempts after non-rate-limit failures. Beyond this the client
	// stays down until explicitly reset.
	// Override via config: remote.max_retries
	DefaultMaxRetries = 3

	// DefaultRetryBaseDelayMs is the base delay for exponential
	// authentication backoff: base * 2^(attempt-1).
	// Override via config: remote.retry_base_delay_ms
	DefaultRetryBaseDelayMs = 1000

	// DefaultRateLimitWindowSec is the remote limiter's nominal window.
	// A rate-limit response imposes a fixed cooldown of twice this window,
	// because the remote limiter resets on its own clock, not on ours.
	// Override via config: remote.rate_limit_window_sec
	DefaultRateLimitWindowSec = 60

	// RateLimitCooldownFactor scales the limiter window into the cooldown.
	RateLimitCooldownFactor = 2
)

// =============================================================================
// Polling Defaults
// =============================================================================

const (
	// DefaultPollIntervalSec is the default fetch-and-deliver interval.
	// Override via config: poll.interval_sec
	DefaultPollIntervalSec = 60
)

// =============================================================================
// Display Defaults
// =============================================================================

const (
	// DefaultSpeedUnits is the display unit for asset speeds.
	// The remote API reports knots; conversion happens client-side.
	// Override via config: display.speed_units
	DefaultSpeedUnits = "kph"
)
