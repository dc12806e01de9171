// unifyd - Desktop Session Daemon
//
// This is the main entry point for unifyd, a per-user daemon that unifies
// Bluetooth, audio, and Wi-Fi state behind a single local API:
//   - One aggregated state model across all three subsystems
//   - Snapshot-then-deltas event streaming over WebSocket
//   - Validated command dispatch to the owning backend
//   - Optional change journal and telemetry export
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veldaine/unifyd/internal/aggregate"
	"github.com/veldaine/unifyd/internal/api"
	"github.com/veldaine/unifyd/internal/backend/bluez"
	"github.com/veldaine/unifyd/internal/backend/netman"
	"github.com/veldaine/unifyd/internal/backend/pulse"
	"github.com/veldaine/unifyd/internal/command"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/infrastructure/database"
	"github.com/veldaine/unifyd/internal/infrastructure/logging"
	"github.com/veldaine/unifyd/internal/infrastructure/telemetry"
	"github.com/veldaine/unifyd/internal/journal"
	"github.com/veldaine/unifyd/internal/state"
	"github.com/veldaine/unifyd/internal/subscribe"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting unifyd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// State store: the single authoritative model all backends feed
	store := state.NewStore(state.Policy{
		NetworkMissedScans: cfg.Policy.NetworkMissedScans,
		DeviceGracePeriod:  cfg.Policy.GetDeviceGracePeriod(),
	})
	store.SetLogger(log)

	// Change journal (optional)
	var jrnl *journal.Journal
	var db *database.DB
	if cfg.Journal.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Journal.Path,
			WALMode:     cfg.Journal.WALMode,
			BusyTimeout: cfg.Journal.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening journal database: %w", err)
		}
		defer func() {
			log.Info("closing journal database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing journal database", "error", closeErr)
			}
		}()

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running journal migrations: %w", migrateErr)
		}

		jrnl = journal.New(db, cfg.Journal.Retention)
		jrnl.SetLogger(log)
		log.Info("journal enabled",
			"path", cfg.Journal.Path,
			"retention", cfg.Journal.Retention,
		)
	} else {
		log.Info("journal disabled")
	}

	// Telemetry export (optional, best effort)
	var telem *telemetry.Client
	if cfg.Telemetry.Enabled {
		telem, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			log.Warn("telemetry unavailable, continuing without it", "error", err)
			telem = nil
		} else {
			defer func() {
				log.Info("closing telemetry connection")
				if closeErr := telem.Close(); closeErr != nil {
					log.Error("error closing telemetry", "error", closeErr)
				}
			}()
			telem.SetOnError(func(err error) {
				log.Error("telemetry write error", "error", err)
			})
			log.Info("telemetry connected",
				"url", cfg.Telemetry.URL,
				"bucket", cfg.Telemetry.Bucket,
			)
		}
	} else {
		log.Info("telemetry disabled")
	}

	// Backend adapters
	var adapters []aggregate.Adapter
	executors := make(map[state.Backend]command.Executor)
	if cfg.Backends.Bluetooth.Enabled {
		a := bluez.New(cfg.Backends.Bluetooth, log)
		adapters = append(adapters, a)
		executors[state.BackendBluetooth] = a
	}
	if cfg.Backends.Audio.Enabled {
		a := pulse.New(cfg.Backends.Audio, log)
		adapters = append(adapters, a)
		executors[state.BackendAudio] = a
	}
	if cfg.Backends.Network.Enabled {
		a := netman.New(cfg.Backends.Network, log)
		adapters = append(adapters, a)
		executors[state.BackendNetwork] = a
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no backends enabled; enable at least one of bluetooth, audio, network")
	}
	log.Info("backends configured", "count", len(adapters))

	// Subscription registry: fans normalised changes out to consumers
	subs := subscribe.NewRegistry(store)
	subs.SetLogger(log)

	// Aggregator: the single writer driving the store from adapter events
	aggOpts := aggregate.Options{
		Store:            store,
		Adapters:         adapters,
		Notifier:         subs,
		EventBuffer:      cfg.Aggregator.EventBuffer,
		ReconnectInitial: time.Duration(cfg.Aggregator.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:     time.Duration(cfg.Aggregator.Reconnect.MaxDelay) * time.Second,
		SweepInterval:    cfg.Policy.GetSweepInterval(),
		Logger:           log,
	}
	if jrnl != nil {
		aggOpts.Journal = jrnl
	}
	if telem != nil {
		aggOpts.Telemetry = telem
	}
	agg, err := aggregate.New(aggOpts)
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}
	agg.Start(ctx)
	defer func() {
		log.Info("stopping aggregator")
		agg.Stop()
	}()
	log.Info("aggregator started")

	// Command router: validates before any backend sees a command
	router, err := command.NewRouter(command.Options{
		Store:     store,
		Timeouts:  &cfg.Commands,
		Executors: executors,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating command router: %w", err)
	}

	// API server
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Store:      store,
		Subs:       subs,
		Dispatcher: router,
		Status:     agg,
		Journal:    jrnl,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify infrastructure connections are healthy
	if err := healthCheck(ctx, db, telem, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Aggregator (and its adapters)
	// 3. Telemetry (if enabled)
	// 4. Journal database (if enabled)

	log.Info("unifyd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses UNIFYD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("UNIFYD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Journal database to check (may be nil if disabled)
//   - telem: Telemetry client to check (may be nil if disabled)
//   - server: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, telem *telemetry.Client, server *api.Server) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("journal database: %w", err)
		}
	}

	if telem != nil {
		if err := telem.HealthCheck(ctx); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	// Backend adapter health is continuous: the aggregator supervises each
	// adapter and reconnects with backoff, so a backend being down at boot
	// is not fatal.

	return nil
}
