package poll

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/fetch"
)

// fetcherFunc adapts a function to the Fetcher interface.
type fetcherFunc func(ctx context.Context, dataset string) fetch.Result

func (f fetcherFunc) Fetch(ctx context.Context, dataset string) fetch.Result {
	return f(ctx, dataset)
}

func okFetcher(payload string) fetcherFunc {
	return func(ctx context.Context, dataset string) fetch.Result {
		return fetch.Result{
			Dataset: dataset,
			Payload: json.RawMessage(payload),
			Source:  fetch.SourceNetwork,
		}
	}
}

func waitUpdate(t *testing.T, ch <-chan Update, what string) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return Update{}
	}
}

func TestStartRunsImmediateCycle(t *testing.T) {
	fc := clockwork.NewFakeClock()
	d := New(okFetcher(`["a"]`), Config{}, fc)
	defer d.StopAll()

	updates := make(chan Update, 4)
	if err := d.Start(context.Background(), "dashboard", "assets", time.Minute, func(u Update) {
		updates <- u
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	u := waitUpdate(t, updates, "immediate cycle")
	if u.Seq != 1 {
		t.Errorf("Seq = %d, want 1", u.Seq)
	}
	if u.Session != "dashboard" || u.Dataset != "assets" {
		t.Errorf("update = %+v", u)
	}
	if u.Source != fetch.SourceNetwork || string(u.Payload) != `["a"]` {
		t.Errorf("update payload = %s source = %s", u.Payload, u.Source)
	}
}

func TestCyclesFollowInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	d := New(okFetcher(`[]`), Config{}, fc)
	defer d.StopAll()

	updates := make(chan Update, 4)
	d.Start(context.Background(), "dashboard", "assets", time.Minute, func(u Update) {
		updates <- u
	})

	waitUpdate(t, updates, "immediate cycle")

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	if u := waitUpdate(t, updates, "first tick"); u.Seq != 2 {
		t.Errorf("Seq = %d, want 2", u.Seq)
	}

	fc.Advance(time.Minute)
	if u := waitUpdate(t, updates, "second tick"); u.Seq != 3 {
		t.Errorf("Seq = %d, want 3", u.Seq)
	}
}

func TestDegradedCycleDeliversErrorUpdate(t *testing.T) {
	fc := clockwork.NewFakeClock()
	degraded := fetcherFunc(func(ctx context.Context, dataset string) fetch.Result {
		return fetch.Result{
			Dataset: dataset,
			Payload: json.RawMessage("[]"),
			Source:  fetch.SourceCache,
			Stale:   true,
			Err:     "connection refused",
		}
	})
	d := New(degraded, Config{}, fc)
	defer d.StopAll()

	updates := make(chan Update, 4)
	d.Start(context.Background(), "dashboard", "assets", time.Minute, func(u Update) {
		updates <- u
	})

	u := waitUpdate(t, updates, "degraded cycle")
	if u.Err != "connection refused" || !u.Stale {
		t.Errorf("update = %+v, want tagged degraded delivery", u)
	}

	// The loop keeps running after a degraded cycle.
	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	if u := waitUpdate(t, updates, "cycle after degradation"); u.Seq != 2 {
		t.Errorf("Seq = %d, want 2", u.Seq)
	}
}

func TestFetchPanicSurvives(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var calls atomic.Int64
	panicky := fetcherFunc(func(ctx context.Context, dataset string) fetch.Result {
		if calls.Add(1) == 1 {
			panic("bad cycle")
		}
		return fetch.Result{Dataset: dataset, Payload: json.RawMessage("[]")}
	})
	d := New(panicky, Config{}, fc)
	defer d.StopAll()

	updates := make(chan Update, 4)
	d.Start(context.Background(), "dashboard", "assets", time.Minute, func(u Update) {
		updates <- u
	})

	u := waitUpdate(t, updates, "panicked cycle")
	if u.Err == "" {
		t.Error("panicked cycle should deliver an error update")
	}

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	if u := waitUpdate(t, updates, "cycle after panic"); u.Err != "" {
		t.Errorf("loop did not recover: %+v", u)
	}
}

func TestCallbackPanicSurvives(t *testing.T) {
	fc := clockwork.NewFakeClock()
	d := New(okFetcher(`[]`), Config{}, fc)
	defer d.StopAll()

	var delivered atomic.Int64
	updates := make(chan Update, 4)
	d.Start(context.Background(), "dashboard", "assets", time.Minute, func(u Update) {
		if delivered.Add(1) == 1 {
			panic("bad subscriber")
		}
		updates <- u
	})

	// First delivery panics inside the callback; wait for it to land.
	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	fc.BlockUntil(1)
	fc.Advance(time.Minute)
	if u := waitUpdate(t, updates, "cycle after callback panic"); u.Seq != 2 {
		t.Errorf("Seq = %d, want 2", u.Seq)
	}
}

func TestStartRejectsDuplicateAndBadInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	d := New(okFetcher(`[]`), Config{}, fc)
	defer d.StopAll()

	if err := d.Start(context.Background(), "s", "assets", 0, func(Update) {}); err == nil {
		t.Error("Start() with zero interval should fail")
	}

	if err := d.Start(context.Background(), "s", "assets", time.Minute, func(Update) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	err := d.Start(context.Background(), "s", "assets", time.Minute, func(Update) {})
	if !errors.Is(err, errors.ErrSessionExists) {
		t.Errorf("duplicate Start() = %v, want ErrSessionExists", err)
	}

	// The name frees up once stopped.
	d.Stop("s")
	if err := d.Start(context.Background(), "s", "assets", time.Minute, func(Update) {}); err != nil {
		t.Errorf("Start() after Stop error = %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	fc := clockwork.NewFakeClock()
	d := New(okFetcher(`[]`), Config{}, fc)

	d.Start(context.Background(), "s", "assets", time.Minute, func(Update) {})
	if got := d.Sessions(); len(got) != 1 {
		t.Fatalf("Sessions() = %v, want [s]", got)
	}

	d.Stop("s")
	d.Stop("s")       // second stop is a no-op
	d.Stop("unknown") // unknown session is a no-op

	if got := d.Sessions(); len(got) != 0 {
		t.Errorf("Sessions() after Stop = %v, want none", got)
	}
}

func TestDropLateSuppressesInFlightResult(t *testing.T) {
	tests := []struct {
		name        string
		dropLate    bool
		wantDeliver bool
	}{
		{name: "deliver late by default", dropLate: false, wantDeliver: true},
		{name: "drop late when configured", dropLate: true, wantDeliver: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			entered := make(chan struct{})
			blocking := fetcherFunc(func(ctx context.Context, dataset string) fetch.Result {
				close(entered)
				<-release
				return fetch.Result{Dataset: dataset, Payload: json.RawMessage(`["late"]`)}
			})

			d := New(blocking, Config{DropLate: tt.dropLate}, clockwork.NewFakeClock())

			updates := make(chan Update, 1)
			d.Start(context.Background(), "s", "assets", time.Minute, func(u Update) {
				updates <- u
			})

			// Stop while the first cycle is still fetching.
			<-entered
			d.Stop("s")
			close(release)
			d.StopAll()

			select {
			case u := <-updates:
				if !tt.wantDeliver {
					t.Errorf("late result delivered: %+v", u)
				}
			case <-time.After(200 * time.Millisecond):
				if tt.wantDeliver {
					t.Error("late result should have been delivered")
				}
			}
		})
	}
}
