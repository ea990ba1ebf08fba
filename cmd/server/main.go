/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance fee ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present), environment, then command-line overrides
  2. Validate configuration
  3. Open the storage backend (memory, sqlite or postgres)
  4. Apply the seed file, if configured
  5. Connect the refund publisher (AMQP), if configured
  6. Build the fee engine, HTTP router and sweeper
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides SQLITE_DB_PATH)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  See internal/config/config.go. Main ones: DATA_BACKEND, DATABASE_URL,
  JWT_SECRET, AMQP_URL, FEE_SWEEP_SCHEDULE, FEE_TIMEZONE, POLICY_SEED_FILE.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweeper (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the publisher and the database
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
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Hoanganh010999/songthuyeducation-sub005/api"
	"github.com/Hoanganh010999/songthuyeducation-sub005/events"
	"github.com/Hoanganh010999/songthuyeducation-sub005/factory"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee"
	"github.com/Hoanganh010999/songthuyeducation-sub005/fee/store"
	"github.com/Hoanganh010999/songthuyeducation-sub005/internal/config"
	applog "github.com/Hoanganh010999/songthuyeducation-sub005/internal/log"
	"github.com/Hoanganh010999/songthuyeducation-sub005/store/postgres"
	"github.com/Hoanganh010999/songthuyeducation-sub005/store/sqlite"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.SQLiteDBPath, "SQLite database path")
	flag.Parse()
	cfg.Port = *port
	cfg.SQLiteDBPath = *dbPath

	logger := applog.New(applog.Config{
		Level:  applog.ParseLevel(cfg.LogLevel),
		Format: cfg.LogFormat,
	})
	applog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", applog.FieldError, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *applog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize store
	backend, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer backend.Close()
	logger.Info("storage ready", "backend", cfg.DataBackend)

	if cfg.PolicySeedFile != "" {
		seed, err := factory.LoadSeedFile(cfg.PolicySeedFile)
		if err != nil {
			return err
		}
		if err := factory.Apply(context.Background(), backend, seed); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("seed applied",
			"policies", len(seed.Policies),
			"classes", len(seed.Classes),
			"wallets", len(seed.Wallets))
	}

	opts := []fee.Option{fee.WithLogger(logger), fee.WithLocation(loc)}
	if cfg.AMQPURL != "" {
		publisher, err := events.Dial(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		opts = append(opts, fee.WithRefundPublisher(publisher))
	}
	engine := fee.NewEngine(backend, opts...)

	handler := api.NewHandler(backend, engine, logger)
	router := api.NewRouter(handler, api.RouterConfig{JWTSecret: cfg.JWTSecret})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, every request runs as the system actor")
	}

	sweeper := api.NewSweeper(backend, engine, api.SweeperConfig{
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
	}, logger)
	if cfg.SweepSchedule != "" {
		if err := sweeper.Start(cfg.SweepSchedule); err != nil {
			return err
		}
	}

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", "http://localhost:"+cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sweeper.Stop(ctx)
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openBackend(cfg *config.Config) (fee.Backend, error) {
	switch cfg.DataBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendPostgres:
		return postgres.Open(cfg.DatabaseURL)
	default:
		return sqlite.New(cfg.SQLiteDBPath)
	}
}
