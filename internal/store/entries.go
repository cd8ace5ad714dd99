// Package store - Dataset entry operations
//
// Provides get/put/expiry operations for cached dataset payloads.
// One entry exists per dataset key; Put fully replaces the prior entry.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// Entry is one cached dataset payload.
type Entry struct {
	Key         string
	DatasetType string
	Timestamp   time.Time
	Payload     []byte
	SizeBytes   int64
}

// EntryStat describes a cached entry for diagnostics.
type EntryStat struct {
	Key       string
	Age       time.Duration
	SizeBytes int64
	ExpiresAt time.Time
	Expired   bool
}

// SizeFunc computes the size metric for a dataset payload. Registered
// per dataset type so quota accounting never probes payload shape at
// runtime.
type SizeFunc func(payload []byte) int64

// TTLPolicy maps dataset types to their maximum cache age. Unknown
// dataset types fall back to the default TTL. Immutable after creation.
type TTLPolicy struct {
	ttls       map[string]time.Duration
	defaultTTL time.Duration
}

// NewTTLPolicy creates a TTL policy. A zero defaultTTL selects 24h.
func NewTTLPolicy(ttls map[string]time.Duration) *TTLPolicy {
	copied := make(map[string]time.Duration, len(ttls))
	for k, v := range ttls {
		copied[k] = v
	}
	return &TTLPolicy{
		ttls:       copied,
		defaultTTL: 24 * time.Hour,
	}
}

// NewTTLPolicyWithDefault creates a TTL policy with an explicit fallback.
func NewTTLPolicyWithDefault(ttls map[string]time.Duration, defaultTTL time.Duration) *TTLPolicy {
	p := NewTTLPolicy(ttls)
	if defaultTTL > 0 {
		p.defaultTTL = defaultTTL
	}
	return p
}

// TTL returns the maximum age for a dataset type.
func (p *TTLPolicy) TTL(datasetType string) time.Duration {
	if ttl, ok := p.ttls[datasetType]; ok {
		return ttl
	}
	return p.defaultTTL
}

// =============================================================================
// Size registry
// =============================================================================

// RegisterSizeFunc registers the size function for a dataset type.
// Datasets without a registered function use payload byte length.
func (s *Store) RegisterSizeFunc(datasetType string, fn SizeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizeFuncs[datasetType] = fn
}

func (s *Store) sizeOf(datasetType string, payload []byte) int64 {
	s.mu.RLock()
	fn := s.sizeFuncs[datasetType]
	s.mu.RUnlock()

	if fn != nil {
		return fn(payload)
	}
	return int64(len(payload))
}

// =============================================================================
// Entry Operations
// =============================================================================

// Get returns the cached entry for a dataset type, or nil when absent.
// Storage failures are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, datasetType string) *Entry {
	if !s.Available() {
		return nil
	}

	e := &Entry{Key: datasetType}
	var tsMs int64
	var payload string

	err := s.db.QueryRowContext(ctx, `
		SELECT dataset_type, timestamp_ms, payload, size_bytes
		FROM dataset_entries WHERE key = ?
	`, datasetType).Scan(&e.DatasetType, &tsMs, &payload, &e.SizeBytes)

	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		log.Warn("cache read failed, treating as miss", "dataset", datasetType, "error", err)
		return nil
	}

	e.Timestamp = time.UnixMilli(tsMs)
	e.Payload = []byte(payload)
	return e
}

// Put replaces the cached entry for a dataset type and stamps it with
// the current time. The returned error is informational: callers treat
// a failed write as a skipped optimization, never as fatal.
func (s *Store) Put(ctx context.Context, datasetType string, payload []byte) error {
	if !s.Available() {
		return nil
	}

	now := s.clock.Now()
	size := s.sizeOf(datasetType, payload)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dataset_entries (key, dataset_type, timestamp_ms, payload, size_bytes)
		VALUES (?, ?, ?, ?, ?)
	`, datasetType, datasetType, now.UnixMilli(), string(payload), size)

	if err != nil {
		log.Warn("cache write failed", "dataset", datasetType, "error", err)
		return fmt.Errorf("put %s: %w", datasetType, err)
	}
	return nil
}

// IsValid reports whether an entry is still within its TTL.
// The boundary is strict: an entry exactly at its TTL is invalid.
func (s *Store) IsValid(e *Entry, datasetType string) bool {
	if e == nil {
		return false
	}
	return s.clock.Since(e.Timestamp) < s.policy.TTL(datasetType)
}

// ClearExpired deletes every entry past its TTL, logging each deletion.
// Returns the number of entries removed.
func (s *Store) ClearExpired(ctx context.Context) int {
	if !s.Available() {
		return 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, dataset_type, timestamp_ms FROM dataset_entries`)
	if err != nil {
		log.Warn("cleanup scan failed", "error", err)
		return 0
	}

	type candidate struct {
		key string
		age time.Duration
	}
	var expired []candidate

	for rows.Next() {
		var key, datasetType string
		var tsMs int64
		if err := rows.Scan(&key, &datasetType, &tsMs); err != nil {
			continue
		}
		age := s.clock.Since(time.UnixMilli(tsMs))
		if age >= s.policy.TTL(datasetType) {
			expired = append(expired, candidate{key: key, age: age})
		}
	}
	rows.Close()

	removed := 0
	for _, c := range expired {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM dataset_entries WHERE key = ?`, c.key); err != nil {
			log.Warn("delete expired entry failed", "key", c.key, "error", err)
			continue
		}
		log.Info("removed expired cache entry", "key", c.key, "age", c.age)
		removed++
	}

	s.SetMeta(ctx, "last_clear_expired_ms", fmt.Sprintf("%d", s.clock.Now().UnixMilli()))
	return removed
}

// ClearAll wipes every cached entry.
func (s *Store) ClearAll(ctx context.Context) {
	if !s.Available() {
		return
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dataset_entries`); err != nil {
		log.Warn("clear all failed", "error", err)
		return
	}

	log.Info("cleared all cache entries")
	s.SetMeta(ctx, "last_clear_all_ms", fmt.Sprintf("%d", s.clock.Now().UnixMilli()))
}

// Stats returns per-entry diagnostics: age, size and expiry time.
func (s *Store) Stats(ctx context.Context) []EntryStat {
	if !s.Available() {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, dataset_type, timestamp_ms, size_bytes FROM dataset_entries ORDER BY key`)
	if err != nil {
		log.Warn("stats scan failed", "error", err)
		return nil
	}
	defer rows.Close()

	var stats []EntryStat
	for rows.Next() {
		var key, datasetType string
		var tsMs, size int64
		if err := rows.Scan(&key, &datasetType, &tsMs, &size); err != nil {
			continue
		}

		ts := time.UnixMilli(tsMs)
		ttl := s.policy.TTL(datasetType)
		age := s.clock.Since(ts)

		stats = append(stats, EntryStat{
			Key:       key,
			Age:       age,
			SizeBytes: size,
			ExpiresAt: ts.Add(ttl),
			Expired:   age >= ttl,
		})
	}
	return stats
}

// TotalSize returns the summed size metric of all cached entries.
// Used by the quota monitor; a failed sample reads as zero usage.
func (s *Store) TotalSize(ctx context.Context) int64 {
	if !s.Available() {
		return 0
	}

	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size_bytes) FROM dataset_entries`).Scan(&total)
	if err != nil {
		log.Warn("size sample failed", "error", err)
		return 0
	}
	return total.Int64
}
