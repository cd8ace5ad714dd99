// fieldsyncd is the field-operations data synchronization daemon.
//
// It keeps the dashboard's datasets fresh: a persistent DuckDB cache
// plus an in-memory tier in front of a rate-limited telemetry API, a
// quota monitor guarding the cache budget, and a polling distributor
// streaming updates to subscribers.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/fieldsync/internal/cache"
	"github.com/xtxerr/fieldsync/internal/errors"
	"github.com/xtxerr/fieldsync/internal/export"
	"github.com/xtxerr/fieldsync/internal/fetch"
	"github.com/xtxerr/fieldsync/internal/loader"
	"github.com/xtxerr/fieldsync/internal/logging"
	"github.com/xtxerr/fieldsync/internal/poll"
	"github.com/xtxerr/fieldsync/internal/quota"
	"github.com/xtxerr/fieldsync/internal/remote"
	"github.com/xtxerr/fieldsync/internal/store"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dbPath := flag.String("db", "", "cache database path (overrides config)")
	baseURL := flag.String("api", "", "telemetry API base URL (overrides config)")
	interval := flag.Int("interval", 0, "poll interval seconds (overrides config)")
	snapshotDir := flag.String("snapshot-dir", "", "write Parquet asset snapshots to this directory")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("fieldsyncd %s starting...", Version)

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = loader.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *baseURL != "" {
		cfg.Remote.Enabled = true
		cfg.Remote.BaseURL = *baseURL
	}
	if *interval > 0 {
		cfg.Poll.IntervalSec = *interval
	}

	// Secret from env when not in config
	if cfg.Remote.Secret == "" {
		cfg.Remote.Secret = os.Getenv("FIELDSYNC_SECRET")
	}

	level := slog.LevelInfo
	if cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	logging.Init(level, cfg.Log.JSON)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =========================================================================
	// Persistent cache + quota monitor
	// =========================================================================

	log.Printf("Opening cache store: %s", cfg.Storage.Path)

	st := store.Open(cfg.StoreConfig(), cfg.TTLPolicy(), nil)
	defer st.Close()

	monitor := quota.New(st, cfg.QuotaConfig(), nil)
	monitor.StartMonitoring(ctx)
	defer monitor.StopMonitoring()

	// =========================================================================
	// Remote client (optional) + orchestrator
	// =========================================================================

	memory := cache.New(cfg.MemoryTTL(), nil)
	orch := fetch.New(st, memory, nil)

	var client *remote.Client
	if rcfg, err := cfg.RemoteClientConfig(); err != nil {
		// Missing configuration disables the network path entirely;
		// the orchestrator serves cache or empty results.
		log.Printf("Remote client disabled: %v", err)
	} else {
		client, err = remote.New(rcfg)
		if errors.Is(err, errors.ErrConfigurationMissing) {
			log.Printf("Remote client disabled: %v", err)
		} else if err != nil {
			log.Fatalf("Create remote client: %v", err)
		}
	}

	if client != nil {
		defer client.Close()
		orch.RegisterDataset(fetch.DatasetAssets, fetch.AssetFetcher(client, cfg.Display.SpeedUnits))

		authCtx, authCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := client.Authenticate(authCtx); err != nil {
			// Retries are self-scheduling; the poll loop serves cache
			// until a session comes up.
			log.Printf("Initial authentication failed: %v", err)
		}
		authCancel()
	}

	// =========================================================================
	// Polling distributor
	// =========================================================================

	dist := poll.New(orch, poll.Config{DropLate: cfg.Poll.DropLate}, nil)
	defer dist.StopAll()

	callback := func(u poll.Update) {
		if u.Err != "" {
			slog.Warn("poll update degraded",
				"session", u.Session, "seq", u.Seq, "stale", u.Stale, "error", u.Err)
		} else {
			slog.Info("poll update",
				"session", u.Session, "seq", u.Seq, "source", u.Source, "bytes", len(u.Payload))
		}

		if *snapshotDir != "" && u.Source == fetch.SourceNetwork {
			writeSnapshot(*snapshotDir, u)
		}
	}

	if err := dist.Start(ctx, "dashboard", fetch.DatasetAssets, cfg.PollInterval(), callback); err != nil {
		log.Fatalf("Start poll session: %v", err)
	}

	// =========================================================================
	// Wait for shutdown
	// =========================================================================

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Printf("Received %v, shutting down...", s)
}

// writeSnapshot persists a network-fresh update as a Parquet snapshot.
func writeSnapshot(dir string, u poll.Update) {
	res := fetch.Result{Payload: u.Payload}
	records, err := res.Assets()
	if err != nil {
		slog.Warn("snapshot decode failed", "error", err)
		return
	}
	path := export.SnapshotPath(dir, u.Timestamp)
	if err := export.WriteSnapshot(path, records, u.Timestamp); err != nil {
		slog.Warn("snapshot write failed", "path", path, "error", err)
	}
}
