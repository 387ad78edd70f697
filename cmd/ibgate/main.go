package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/rickgao/ibgate/internal/client"
	"github.com/rickgao/ibgate/internal/config"
	"github.com/rickgao/ibgate/internal/connection"
	"github.com/rickgao/ibgate/internal/database"
	"github.com/rickgao/ibgate/internal/instrument"
	"github.com/rickgao/ibgate/internal/metrics"
	"github.com/rickgao/ibgate/internal/model"
	"github.com/rickgao/ibgate/internal/version"
	"github.com/rickgao/ibgate/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/ibgate.local.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Environment first so ${VAR} in the config resolves
	envErr := godotenv.Load(*envPath)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warn("failed to load env file", "path", *envPath, "error", envErr)
	}

	logger.Info("starting ibgate",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	collector := metrics.NewCollector()
	registryOpts := []instrument.Option{instrument.WithObserver(collector)}

	// Optional instrument store
	var (
		pool *pgxpool.Pool
		iw   *writer.InstrumentWriter
	)
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)

		pool, err = database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}

		iw = writer.NewInstrumentWriter(writer.DefaultWriterConfig(), pool, logger.With("component", "writer"))
		if err := iw.Start(ctx); err != nil {
			logger.Error("failed to start instrument writer", "error", err)
			os.Exit(1)
		}
		collector.WatchWriter(iw.Stats)
		registryOpts = append(registryOpts, instrument.WithSink(iw))

		logger.Info("database connected")
	}

	transport := connection.NewWSTransport(cfg.WSConfig(), logger.With("component", "transport"))
	gw := client.New(
		client.Config{
			Host:               cfg.Gateway.Host,
			Port:               cfg.Gateway.Port,
			ClientID:           cfg.Gateway.ClientID,
			Connect:            cfg.ConnectOptions(),
			Controller:         cfg.ControllerConfig(),
			Registry:           cfg.RegistryConfig(),
			ResolveConcurrency: cfg.Registry.ResolveConcurrency,
		},
		transport,
		logger,
		client.WithControllerOptions(connection.WithObserver(collector)),
		client.WithRegistryOptions(registryOpts...),
	)

	// Start health server early so we can monitor the session
	var db pinger
	if pool != nil {
		db = pool
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHealthHandler(gw, gw.Registry(), db, collector.Handler(), cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	go logChanges(ctx, gw.Registry().Changes(), logger)

	if err := gw.Connect(ctx); err != nil {
		logger.Error("failed to connect to gateway", "error", err)
		os.Exit(1)
	}

	specs, err := startupSpecs(ctx, cfg, pool, logger)
	if err != nil {
		logger.Error("invalid watchlist", "error", err)
		os.Exit(1)
	}
	if len(specs) > 0 {
		ids, err := gw.ResolveAll(ctx, specs)
		if err != nil {
			logger.Error("failed to resolve watchlist", "error", err)
		} else {
			logger.Info("watchlist registered", "instruments", len(ids))
		}
	}

	logger.Info("ibgate running",
		"gateway", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Warn("client close", "error", err)
	}
	if iw != nil {
		if err := iw.Stop(shutdownCtx); err != nil {
			logger.Warn("instrument writer stop", "error", err)
		}
	}

	logger.Info("ibgate stopped")
}

// startupSpecs returns the watchlist followed by recently stored instruments.
func startupSpecs(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) ([]model.InstrumentSpec, error) {
	specs, err := cfg.WatchlistSpecs()
	if err != nil {
		return nil, err
	}
	if pool == nil || cfg.Database.WarmStartLimit == 0 {
		return specs, nil
	}

	stored, err := database.LoadSpecs(ctx, pool, cfg.Database.WarmStartLimit)
	if err != nil {
		logger.Warn("warm start skipped", "error", err)
		return specs, nil
	}
	logger.Info("warm start", "stored_instruments", len(stored))
	return append(specs, stored...), nil
}

// logChanges logs registry resolution events until ctx ends.
func logChanges(ctx context.Context, changes <-chan instrument.Change, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			switch ch.Type {
			case instrument.ChangeFailed:
				logger.Warn("instrument lookup failed", "ticker_id", ch.TickerID, "key", ch.Key, "error", ch.Err)
			default:
				logger.Debug("instrument changed", "ticker_id", ch.TickerID, "key", ch.Key, "type", ch.Type, "leaves", ch.Leaves)
			}
		}
	}
}
