/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, then the YAML config file and environment overrides
  2. Apply command-line flags
  3. Initialize logging
  4. Open the store (memory, sqlite or postgres)
  5. Wire the workspace importer and its cron schedule, if enabled
  6. Configure the HTTP router and start the server

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port (overrides config)
  -db      SQLite database path (overrides config, implies sqlite)
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sync scheduler (waits for a running sync)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with a config file
  ./server -config=config.yaml

  # Run with an in-memory SQLite database
  ./server -db=":memory:"

  # Run against Postgres
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

ENVIRONMENT:
  See config/config.go for the full list (PORT, DB_DRIVER, DATABASE_URL,
  LOG_LEVEL, SYNC_ENABLED, ...).

SEE ALSO:
  - config/config.go: Configuration layers
  - api/server.go: Router configuration
  - api/scheduler.go: Sync schedule
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/importer"
	"github.com/warp/points-engine/logger"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/points/store"
	"github.com/warp/points-engine/store/postgres"
	"github.com/warp/points-engine/store/sqlite"
)

// backend is what the server needs from a storage driver.
type backend interface {
	points.TxStore
	points.SyncRunStore
	io.Closer
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithService("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info("store ready", "driver", cfg.Database.Driver)

	svc := points.NewService(db)

	// Workspace sync
	var syncer api.Syncer
	var scheduler *api.SyncScheduler
	if cfg.Sync.Enabled {
		imp, err := newImporter(svc, db, cfg.Sync)
		if err != nil {
			return err
		}
		syncer = imp

		scheduler, err = api.NewSyncScheduler(imp, cfg.Sync.Schedule, points.SyncKind(cfg.Sync.Kind))
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	handler := api.NewHandler(svc, syncer)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		EnableScenarios: cfg.Server.EnableScenarios,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "scenarios", cfg.Server.EnableScenarios)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		return sqlite.New(cfg.Path)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func newImporter(svc *points.Service, runs points.SyncRunStore, cfg config.SyncConfig) (*importer.Importer, error) {
	source := importer.NewHTTPSource(cfg.BaseURL, cfg.ParticipantsPath, cfg.LedgerPath, cfg.ServiceToken, cfg.Timeout)

	var opts []importer.Option
	if cfg.MappingsFile != "" {
		mapping, err := importer.LoadMappings(cfg.MappingsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, importer.WithMapping(mapping))
	}
	return importer.New(svc, source, runs, opts...), nil
}
