// Package store provides the persistent cache tier for the fieldsync
// application.
//
// This package owns the durable dataset cache. It uses DuckDB as the
// backing database with two tables: dataset_entries holds one cached
// payload per dataset type, metadata holds auxiliary bookkeeping.
//
// The cache is a performance optimization, never the data source of
// record: a store that fails to open is reported once at startup and
// every subsequent operation degrades to "no cached value" instead of
// surfacing the failure to callers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/fieldsync/internal/logging"
)

var log = logging.Component("store")

// =============================================================================
// Store Configuration
// =============================================================================

// Config holds store configuration options.
type Config struct {
	// Path is the database file path. Empty means in-memory.
	Path string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections.
	MaxIdleConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// QueryTimeout is the default timeout for queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// =============================================================================
// Store
// =============================================================================

// Store provides the persistent dataset cache.
//
// Store is safe for concurrent use. All writes are whole-entry
// replacements, so the last writer per dataset key wins.
type Store struct {
	db     *sql.DB
	config Config
	policy *TTLPolicy
	clock  clockwork.Clock

	mu        sync.RWMutex
	sizeFuncs map[string]SizeFunc
	closed    bool

	// Set when the database failed to open. Reported once; afterwards
	// every operation behaves as a cache miss.
	unavailable bool
}

// Open opens the store. It never fails the caller: if the database
// cannot be opened or migrated, the error is logged once and the
// returned store serves misses for every operation.
func Open(cfg Config, policy *TTLPolicy, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if policy == nil {
		policy = NewTTLPolicy(nil)
	}

	s := &Store{
		config:    cfg,
		policy:    policy,
		clock:     clock,
		sizeFuncs: make(map[string]SizeFunc),
	}

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		log.Error("cache store unavailable, serving misses", "path", cfg.Path, "error", err)
		s.unavailable = true
		return s
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Error("cache store unavailable, serving misses", "path", cfg.Path, "error", err)
		db.Close()
		s.unavailable = true
		return s
	}

	s.db = db

	if err := s.migrate(ctx); err != nil {
		log.Error("cache store migration failed, serving misses", "path", cfg.Path, "error", err)
		db.Close()
		s.db = nil
		s.unavailable = true
		return s
	}

	return s
}

// migrate creates the schema if it does not exist.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dataset_entries (
			key          TEXT PRIMARY KEY,
			dataset_type TEXT NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			payload      TEXT NOT NULL,
			size_bytes   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return s.setMetaTx(ctx, "schema_version", "1")
}

// Available reports whether the backing database is usable.
func (s *Store) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable && !s.closed
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.db == nil {
		s.closed = true
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Policy returns the TTL policy in effect.
func (s *Store) Policy() *TTLPolicy {
	return s.policy
}

// =============================================================================
// Metadata
// =============================================================================

// SetMeta stores an auxiliary bookkeeping value.
func (s *Store) SetMeta(ctx context.Context, key, value string) {
	if !s.Available() {
		return
	}
	if err := s.setMetaTx(ctx, key, value); err != nil {
		log.Warn("set metadata failed", "key", key, "error", err)
	}
}

func (s *Store) setMetaTx(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}
	return nil
}

// GetMeta retrieves an auxiliary bookkeeping value. Missing keys and
// storage failures both return ("", false).
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool) {
	if !s.Available() {
		return "", false
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		log.Warn("get metadata failed", "key", key, "error", err)
		return "", false
	}
	return value, true
}
