package fetch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/cache"
	"github.com/xtxerr/fieldsync/internal/store"
)

func newTestOrchestrator(t *testing.T, fc clockwork.Clock) (*Orchestrator, *store.Store, *cache.Memory) {
	t.Helper()

	policy := store.NewTTLPolicyWithDefault(map[string]time.Duration{
		DatasetAssets: 5 * time.Minute,
	}, 24*time.Hour)

	st := store.Open(store.Config{Path: ""}, policy, fc)
	if !st.Available() {
		t.Fatal("in-memory store should be available")
	}
	t.Cleanup(func() { st.Close() })

	memory := cache.New(30*time.Second, fc)
	return New(st, memory, fc), st, memory
}

func TestFetchColdCacheGoesToNetwork(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, st, _ := newTestOrchestrator(t, fc)
	ctx := context.Background()

	payload := []byte(`[{"id":"olt-1","category":"fiber"},{"id":"xfmr-1","category":"electric"}]`)
	var calls atomic.Int64
	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return payload, nil
	})

	res := orch.Fetch(ctx, DatasetAssets)

	if res.Source != SourceNetwork {
		t.Errorf("Source = %s, want network", res.Source)
	}
	if res.Stale || res.Err != "" {
		t.Errorf("cold fetch should be clean: %+v", res)
	}
	if string(res.Payload) != string(payload) {
		t.Errorf("Payload = %s", res.Payload)
	}
	if calls.Load() != 1 {
		t.Errorf("network calls = %d, want 1", calls.Load())
	}

	// Write-through landed in the persistent tier.
	if e := st.Get(ctx, DatasetAssets); e == nil {
		t.Error("network result should be written through to the store")
	}
}

func TestFetchServesPersistentCacheWhileFresh(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, _, _ := newTestOrchestrator(t, fc)
	ctx := context.Background()

	var calls atomic.Int64
	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`["net"]`), nil
	})

	first := orch.Fetch(ctx, DatasetAssets)
	if first.Source != SourceNetwork {
		t.Fatalf("first Source = %s, want network", first.Source)
	}

	fc.Advance(2 * time.Minute) // inside the 5m persistent TTL

	second := orch.Fetch(ctx, DatasetAssets)
	if second.Source != SourceCache {
		t.Errorf("second Source = %s, want cache", second.Source)
	}
	if second.Stale {
		t.Error("a within-TTL cache hit is not stale")
	}
	if calls.Load() != 1 {
		t.Errorf("network calls = %d, want 1", calls.Load())
	}

	stats := orch.Stats()
	if stats.Network != 1 || stats.Cached != 1 {
		t.Errorf("Stats = %+v, want 1 network / 1 cached", stats)
	}
}

func TestFetchStaleFallbackPrefersMemory(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, st, memory := newTestOrchestrator(t, fc)
	ctx := context.Background()

	st.Put(ctx, DatasetAssets, []byte(`["persistent"]`))
	memory.Put(DatasetAssets, []byte(`["memory"]`))

	// Expire both tiers, then fail the network path.
	fc.Advance(10 * time.Minute)
	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	})

	res := orch.Fetch(ctx, DatasetAssets)

	if res.Source != SourceCache || !res.Stale {
		t.Errorf("Source/Stale = %s/%v, want stale cache", res.Source, res.Stale)
	}
	if res.Err == "" {
		t.Error("degraded result should carry the failure message")
	}
	if string(res.Payload) != `["memory"]` {
		t.Errorf("Payload = %s, want the memory-tier value", res.Payload)
	}
}

func TestFetchStaleFallbackUsesExpiredStore(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, st, _ := newTestOrchestrator(t, fc)
	ctx := context.Background()

	st.Put(ctx, DatasetAssets, []byte(`["persistent"]`))
	fc.Advance(10 * time.Minute)

	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	})

	res := orch.Fetch(ctx, DatasetAssets)
	if string(res.Payload) != `["persistent"]` || !res.Stale {
		t.Errorf("result = %+v, want the expired persistent entry", res)
	}
}

func TestFetchEmptyResultWhenNothingCached(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, _, _ := newTestOrchestrator(t, fc)

	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	})

	res := orch.Fetch(context.Background(), DatasetAssets)

	if string(res.Payload) != "[]" {
		t.Errorf("Payload = %s, want well-formed empty []", res.Payload)
	}
	if !res.Stale || res.Err == "" {
		t.Errorf("empty fallback must be tagged: %+v", res)
	}

	records, err := res.Assets()
	if err != nil || len(records) != 0 {
		t.Errorf("Assets() = %v, %v; want empty slice", records, err)
	}
}

func TestFetchWithoutRegisteredFetcher(t *testing.T) {
	fc := clockwork.NewFakeClock()
	orch, _, _ := newTestOrchestrator(t, fc)

	res := orch.Fetch(context.Background(), "coverage")
	if string(res.Payload) != "[]" || !res.Stale || res.Err == "" {
		t.Errorf("unregistered dataset should degrade to tagged empty: %+v", res)
	}
}

func TestConcurrentFetchesShareOneNetworkCall(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, clockwork.NewRealClock())

	var calls atomic.Int64
	release := make(chan struct{})
	orch.RegisterDataset(DatasetAssets, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte(`["shared"]`), nil
	})

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = orch.Fetch(context.Background(), DatasetAssets)
		}(i)
	}

	// Give every caller time to reach the coordinator, then release
	// the single in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("network calls = %d, want 1", calls.Load())
	}
	for i, res := range results {
		if string(res.Payload) != `["shared"]` || res.Err != "" {
			t.Errorf("result %d = %+v, want shared payload", i, res)
		}
	}
}
