/*
main.go - Application entry point

PURPOSE:
  Starts the circulation engine HTTP server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logging
  3. Open the store (memory, SQLite or PostgreSQL)
  4. Load the circulation rules
  5. Build the service and warm the policy cache
  6. Start the refresh scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides the configuration
  -db      Database DSN, overrides the configuration

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the database connection

EXAMPLES:
  ./server -config=./config.yaml
  CIRC_DB_DRIVER=memory ./server -port=3000
  CIRC_DB_DRIVER=postgres CIRC_DB_DSN="postgres://circ@localhost/circ?sslmode=disable" ./server

SEE ALSO:
  - config/config.go: Configuration and environment overrides
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/config"
	"github.com/warp/circulation-engine/logger"
	"github.com/warp/circulation-engine/rules"
	"github.com/warp/circulation-engine/service"
	"github.com/warp/circulation-engine/store/memory"
	"github.com/warp/circulation-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")

	store, pinger, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	table, err := loadRules(cfg.Rules.File)
	if err != nil {
		return err
	}

	svc := service.New(store, table)
	if err := svc.RefreshPolicies(context.Background()); err != nil {
		log.Warn("failed to load policies", "error", err)
	}

	var scheduler *api.RefreshScheduler
	if cfg.Scheduler.PolicyRefresh != "" {
		scheduler, err = api.NewRefreshScheduler(svc, table, cfg.Rules.File, cfg.Scheduler.PolicyRefresh)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(api.NewHandler(svc, pinger), api.RouterOptions{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", server.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (circulation.TxStore, api.Pinger, func(), error) {
	if strings.EqualFold(cfg.Driver, "memory") {
		return memory.NewTxMemory(), nil, func() {}, nil
	}

	dialect, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, nil, err
	}
	if dialect == sqlstore.DialectSQLite && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := sqlstore.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, store, func() { store.Close() }, nil
}

// loadRules reads the rule table. A missing file starts with an empty table
// so that every lookup fails until the file appears and is reloaded.
func loadRules(path string) (*rules.Table, error) {
	table, err := rules.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("circulation rules file not found, starting empty", "file", path)
		return rules.NewTable(nil, rules.Rule{}), nil
	}
	return table, err
}
