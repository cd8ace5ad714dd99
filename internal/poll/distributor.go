// Package poll drives the fetch orchestrator on a timer and streams
// structured updates to subscriber callbacks.
//
// Each named poll session is an independent fetch-and-deliver loop: one
// cycle runs immediately at start, then on every interval tick. A bad
// cycle delivers a structured error update instead of killing the loop.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/fetch"
	"github.com/xtxerr/fieldsync/internal/logging"
)

var log = logging.Component("poll")

// Fetcher is the orchestrator surface the distributor drives.
type Fetcher interface {
	Fetch(ctx context.Context, dataset string) fetch.Result
}

// Update is one delivery to a poll subscriber. Err carries the failure
// message for degraded cycles; Payload is still the best value on hand.
type Update struct {
	Session   string
	Dataset   string
	Payload   json.RawMessage
	Source    fetch.Source
	Stale     bool
	Err       string
	Timestamp time.Time
	Seq       uint64
}

// Callback receives poll updates. It runs on the session's goroutine;
// a panicking callback is logged, never fatal.
type Callback func(Update)

// Config holds distributor configuration.
type Config struct {
	// DropLate suppresses delivery of a cycle that was already in
	// flight when its session was stopped. Default is to deliver.
	DropLate bool
}

// Distributor manages named poll sessions.
//
// Distributor is safe for concurrent use. Sessions do not interact.
type Distributor struct {
	fetcher  Fetcher
	clock    clockwork.Clock
	dropLate bool

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	name     string
	dataset  string
	interval time.Duration

	seq     atomic.Uint64
	stopped atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a distributor over the given fetcher.
func New(fetcher Fetcher, cfg Config, clock clockwork.Clock) *Distributor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Distributor{
		fetcher:  fetcher,
		clock:    clock,
		dropLate: cfg.DropLate,
		sessions: make(map[string]*session),
	}
}

// Start launches a named poll session: one immediate cycle, then one
// per interval. Session names are unique while running.
func (d *Distributor) Start(ctx context.Context, name, dataset string, interval time.Duration, cb Callback) error {
	if interval <= 0 {
		return errors.NewInvalidValue("interval", interval, "must be positive")
	}

	d.mu.Lock()
	if _, exists := d.sessions[name]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrSessionExists, name)
	}

	s := &session{
		name:     name,
		dataset:  dataset,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.sessions[name] = s
	d.mu.Unlock()

	go d.run(ctx, s, cb)

	log.Info("poll session started", "session", name, "dataset", dataset, "interval", interval)
	return nil
}

func (d *Distributor) run(ctx context.Context, s *session, cb Callback) {
	defer close(s.done)

	ctx = logging.ContextWithSession(ctx, s.name)

	d.cycle(ctx, s, cb)

	ticker := d.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.cycle(ctx, s, cb)
		}
	}
}

// cycle runs one fetch-and-deliver pass. The fetch and the callback are
// both panic-guarded so a single bad cycle never kills the loop.
func (d *Distributor) cycle(ctx context.Context, s *session, cb Callback) {
	update := Update{
		Session:   s.name,
		Dataset:   s.dataset,
		Seq:       s.seq.Add(1),
		Source:    fetch.SourceCache,
		Timestamp: d.clock.Now(),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				update.Err = fmt.Sprintf("fetch cycle panic: %v", r)
				log.Error("poll cycle recovered", "session", s.name, "seq", update.Seq, "panic", r)
			}
		}()

		res := d.fetcher.Fetch(ctx, s.dataset)
		update.Payload = res.Payload
		update.Source = res.Source
		update.Stale = res.Stale
		update.Err = res.Err
		update.Timestamp = res.Timestamp
	}()

	// A cycle that was in flight when Stop arrived either delivers its
	// result or is dropped, per configuration.
	if s.stopped.Load() && d.dropLate {
		log.Debug("dropping late poll result", "session", s.name, "seq", update.Seq)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("poll callback panic", "session", s.name, "seq", update.Seq, "panic", r)
			}
		}()
		cb(update)
	}()
}

// Stop cancels future cycles for a session. Idempotent; stopping an
// unknown session is a no-op. A cycle already in flight completes.
func (d *Distributor) Stop(name string) {
	d.mu.Lock()
	s, ok := d.sessions[name]
	if ok {
		delete(d.sessions, name)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stop)
	}
	log.Info("poll session stopped", "session", name)
}

// StopAll stops every session and waits for their loops to exit.
func (d *Distributor) StopAll() {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*session)
	d.mu.Unlock()

	for _, s := range sessions {
		if s.stopped.CompareAndSwap(false, true) {
			close(s.stop)
		}
	}
	for _, s := range sessions {
		<-s.done
	}
}

// Sessions returns the names of running sessions.
func (d *Distributor) Sessions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.sessions))
	for name := range d.sessions {
		names = append(names, name)
	}
	return names
}
