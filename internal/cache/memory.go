// Package cache provides the short-horizon in-memory cache tier.
//
// Entries live for tens of seconds and exist only for the lifetime of
// the process. The tier absorbs bursts of near-simultaneous requests
// for the same dataset so they never touch the persistent store or the
// network.
package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Entry is a cached payload with its write time.
type Entry struct {
	Payload   []byte
	Timestamp time.Time
}

// Memory is the in-process cache tier.
//
// Memory is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
	clock   clockwork.Clock
}

// New creates a memory cache with the given TTL.
func New(ttl time.Duration, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		entries: make(map[string]Entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the entry for key if it is present and within TTL.
func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}
	if m.clock.Since(e.Timestamp) >= m.ttl {
		return Entry{}, false
	}
	return e, true
}

// GetAny returns the entry for key regardless of TTL. Used as the
// first fallback tier when a fetch fails.
func (m *Memory) GetAny(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Put replaces the entry for key, stamping the current time.
func (m *Memory) Put(key string, payload []byte) {
	m.mu.Lock()
	m.entries[key] = Entry{Payload: payload, Timestamp: m.clock.Now()}
	m.mu.Unlock()
}

// Invalidate removes the entry for key.
func (m *Memory) Invalidate(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Purge removes every entry.
func (m *Memory) Purge() {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
