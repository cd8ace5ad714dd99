// Package fetch composes the cache tiers and the remote client into one
// freshness-aware "get current data" operation.
//
// The orchestrator prefers fresh data when it is cheaply available and
// degrades gracefully when it is not: persistent cache, memory cache,
// deduplicated network fetch, then stale cache of either tier, and as a
// last resort a well-formed empty result. No code path lets a caller
// observe a raised error.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/cache"
	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/logging"
	"github.com/xtxerr/fieldsync/internal/store"
)

var log = logging.Component("orchestrator")

// Source tags where a result came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result is the well-formed outcome of a fetch. Err is a message, not
// an error value: fetch failures degrade into stale or empty results
// instead of propagating.
type Result struct {
	Dataset   string
	Payload   json.RawMessage
	Source    Source
	Stale     bool
	Err       string
	Timestamp time.Time
}

// Assets decodes the payload as asset records.
func (r Result) Assets() ([]AssetRecord, error) {
	var records []AssetRecord
	if err := json.Unmarshal(r.Payload, &records); err != nil {
		return nil, fmt.Errorf("decode assets: %w", err)
	}
	return records, nil
}

// FetchFunc produces the canonical payload for one dataset from the
// remote API.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Stats summarizes fetch latencies for diagnostics.
type Stats struct {
	Count   int64
	P50Ms   float64
	P95Ms   float64
	P99Ms   float64
	Network int64
	Cached  int64
}

// Orchestrator is the freshness-aware fetch front end.
//
// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store  *store.Store
	memory *cache.Memory
	flight *Flight
	clock  clockwork.Clock

	mu       sync.Mutex
	fetchers map[string]FetchFunc
	sketch   *ddsketch.DDSketch
	network  int64
	cached   int64
}

// New creates an orchestrator over the given tiers. Datasets gain a
// network path only once a fetcher is registered for them; everything
// else is served from cache or as an empty result.
func New(st *store.Store, memory *cache.Memory, clock clockwork.Clock) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	// 1% relative accuracy is plenty for latency diagnostics.
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		sketch = nil
	}

	return &Orchestrator{
		store:    st,
		memory:   memory,
		flight:   NewFlight(memory),
		clock:    clock,
		fetchers: make(map[string]FetchFunc),
		sketch:   sketch,
	}
}

// RegisterDataset installs the network fetcher for a dataset type.
func (o *Orchestrator) RegisterDataset(dataset string, fn FetchFunc) {
	o.mu.Lock()
	o.fetchers[dataset] = fn
	o.mu.Unlock()
}

// Fetch returns the current data for a dataset. It always returns a
// well-formed Result; degraded outcomes carry Stale and Err tags.
func (o *Orchestrator) Fetch(ctx context.Context, dataset string) Result {
	start := o.clock.Now()
	res := o.fetch(ctx, dataset)
	o.record(o.clock.Since(start), res.Source)
	return res
}

func (o *Orchestrator) fetch(ctx context.Context, dataset string) Result {
	// Tier 1: persistent cache within TTL.
	if e := o.store.Get(ctx, dataset); e != nil && o.store.IsValid(e, dataset) {
		return Result{
			Dataset:   dataset,
			Payload:   e.Payload,
			Source:    SourceCache,
			Timestamp: e.Timestamp,
		}
	}

	// Tier 2: memory cache within its shorter TTL.
	if e, ok := o.memory.Get(dataset); ok {
		return Result{
			Dataset:   dataset,
			Payload:   e.Payload,
			Source:    SourceCache,
			Timestamp: e.Timestamp,
		}
	}

	// Tier 3: deduplicated network fetch.
	o.mu.Lock()
	fn := o.fetchers[dataset]
	o.mu.Unlock()

	if fn == nil {
		return o.fallback(ctx, dataset,
			fmt.Errorf("%w: no network source for %q", errors.ErrConfigurationMissing, dataset))
	}

	payload, fromCache, err := o.flight.Do(dataset, func() ([]byte, error) {
		return fn(ctx)
	})
	if err != nil {
		return o.fallback(ctx, dataset, err)
	}

	if fromCache {
		return Result{
			Dataset:   dataset,
			Payload:   payload,
			Source:    SourceCache,
			Timestamp: o.clock.Now(),
		}
	}

	// Write-through to the persistent tier. A failed write is a skipped
	// optimization, not a failed fetch.
	if err := o.store.Put(ctx, dataset, payload); err != nil {
		log.Warn("persistent write-through failed", "dataset", dataset, "error", err)
	}

	return Result{
		Dataset:   dataset,
		Payload:   payload,
		Source:    SourceNetwork,
		Timestamp: o.clock.Now(),
	}
}

// fallback serves the freshest value still on hand, expiry ignored, or
// a well-formed empty result when nothing is cached at all.
func (o *Orchestrator) fallback(ctx context.Context, dataset string, cause error) Result {
	log.Warn("fetch failed, serving cached fallback", "dataset", dataset, "error", cause)

	if e, ok := o.memory.GetAny(dataset); ok {
		return Result{
			Dataset:   dataset,
			Payload:   e.Payload,
			Source:    SourceCache,
			Stale:     true,
			Err:       cause.Error(),
			Timestamp: e.Timestamp,
		}
	}

	if e := o.store.Get(ctx, dataset); e != nil {
		return Result{
			Dataset:   dataset,
			Payload:   e.Payload,
			Source:    SourceCache,
			Stale:     true,
			Err:       cause.Error(),
			Timestamp: e.Timestamp,
		}
	}

	return Result{
		Dataset:   dataset,
		Payload:   json.RawMessage("[]"),
		Source:    SourceCache,
		Stale:     true,
		Err:       cause.Error(),
		Timestamp: o.clock.Now(),
	}
}

// record feeds the latency sketch.
func (o *Orchestrator) record(elapsed time.Duration, src Source) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if src == SourceNetwork {
		o.network++
	} else {
		o.cached++
	}
	if o.sketch != nil {
		_ = o.sketch.Add(float64(elapsed.Milliseconds()))
	}
}

// Stats returns latency quantiles and source counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{Network: o.network, Cached: o.cached}
	if o.sketch == nil {
		return s
	}

	s.Count = int64(o.sketch.GetCount())
	if s.Count > 0 {
		if v, err := o.sketch.GetValueAtQuantile(0.50); err == nil {
			s.P50Ms = v
		}
		if v, err := o.sketch.GetValueAtQuantile(0.95); err == nil {
			s.P95Ms = v
		}
		if v, err := o.sketch.GetValueAtQuantile(0.99); err == nil {
			s.P99Ms = v
		}
	}
	return s
}
