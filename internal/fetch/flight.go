// Package fetch - Single-flight coordination
//
// Concurrent fetches for the same operation key share one unit of work.
// The memory tier is consulted first, so bursts of rapid calls that do
// not even overlap can be satisfied without deduplication or network
// access.

package fetch

import (
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/fieldsync/internal/cache"
)

// Flight deduplicates concurrent fetches by operation key on top of
// the short-horizon memory cache.
//
// The pending slot for a key is removed before the result reaches the
// original caller (singleflight semantics), so a fresh call arriving in
// that instant starts new work instead of joining a resolved slot.
type Flight struct {
	memory *cache.Memory
	group  singleflight.Group
}

// NewFlight creates a coordinator over the given memory tier.
func NewFlight(memory *cache.Memory) *Flight {
	return &Flight{memory: memory}
}

// Do returns the payload for key. Order of attempts:
//  1. memory cache hit within TTL (fromCache=true, no work started)
//  2. join an in-flight fetch for the same key, or start one
//
// A successful fetch is written back to the memory tier before any
// waiter observes it.
func (f *Flight) Do(key string, fn func() ([]byte, error)) (payload []byte, fromCache bool, err error) {
	if e, ok := f.memory.Get(key); ok {
		return e.Payload, true, nil
	}

	v, err, _ := f.group.Do(key, func() (interface{}, error) {
		b, err := fn()
		if err != nil {
			return nil, err
		}
		f.memory.Put(key, b)
		return b, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}
