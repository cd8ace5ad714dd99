// Package quota monitors persistent cache utilization and applies
// tiered eviction when the configured byte budget runs low.
//
// Escalation is two-stage: above the soft threshold only expired
// entries are removed; if usage still exceeds the hard threshold after
// that, the whole cache is wiped. Wiping is a last resort because every
// cached dataset lost means a network round-trip to recover it.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/fieldsync/internal/logging"
)

var log = logging.Component("quota")

// Cache is the subset of the persistent store the monitor drives.
type Cache interface {
	TotalSize(ctx context.Context) int64
	ClearExpired(ctx context.Context) int
	ClearAll(ctx context.Context)
}

// Config holds monitor configuration.
type Config struct {
	// CapacityBytes is the cache byte budget.
	CapacityBytes int64

	// SoftPercent triggers expired-entry cleanup.
	SoftPercent float64

	// HardPercent triggers a full wipe when cleanup was not enough.
	HardPercent float64

	// CheckInterval is the sampling period for StartMonitoring.
	CheckInterval time.Duration
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		CapacityBytes: 64 * 1024 * 1024,
		SoftPercent:   80,
		HardPercent:   90,
		CheckInterval: 5 * time.Minute,
	}
}

// Report describes the outcome of one quota check.
type Report struct {
	UsedBytes      int64
	CapacityBytes  int64
	PercentUsed    float64
	ClearedExpired bool
	RemovedEntries int
	AfterCleanup   float64
	ClearedAll     bool
}

// Monitor samples cache utilization and evicts under pressure.
//
// Monitor is safe for concurrent use.
type Monitor struct {
	cache  Cache
	config Config
	clock  clockwork.Clock

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool

	lastReport Report
	lastCheck  time.Time
}

// New creates a quota monitor.
func New(cache Cache, cfg Config, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Monitor{
		cache:  cache,
		config: cfg,
		clock:  clock,
	}
}

// CheckQuota samples usage and applies the two-stage eviction policy.
func (m *Monitor) CheckQuota(ctx context.Context) Report {
	r := Report{CapacityBytes: m.config.CapacityBytes}

	r.UsedBytes = m.cache.TotalSize(ctx)
	r.PercentUsed = percent(r.UsedBytes, r.CapacityBytes)
	r.AfterCleanup = r.PercentUsed

	if r.PercentUsed > m.config.SoftPercent {
		r.ClearedExpired = true
		r.RemovedEntries = m.cache.ClearExpired(ctx)

		used := m.cache.TotalSize(ctx)
		r.AfterCleanup = percent(used, r.CapacityBytes)

		log.Info("quota pressure, cleared expired entries",
			"percent_before", r.PercentUsed,
			"percent_after", r.AfterCleanup,
			"removed", r.RemovedEntries)

		if r.AfterCleanup > m.config.HardPercent {
			r.ClearedAll = true
			m.cache.ClearAll(ctx)
			log.Warn("severe quota pressure, cleared entire cache",
				"percent_after_cleanup", r.AfterCleanup)
		}
	}

	m.mu.Lock()
	m.lastReport = r
	m.lastCheck = m.clock.Now()
	m.mu.Unlock()

	return r
}

// StartMonitoring checks immediately, then on every interval tick.
// Calling it while already running is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go m.loop(ctx, stop, done)
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	m.CheckQuota(ctx)

	ticker := m.clock.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.CheckQuota(ctx)
		}
	}
}

// StopMonitoring cancels the periodic checks. Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
}

// LastReport returns the most recent check outcome and its time.
func (m *Monitor) LastReport() (Report, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReport, m.lastCheck
}

func percent(used, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(used) / float64(capacity) * 100
}
