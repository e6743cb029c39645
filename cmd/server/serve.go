package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpattn/devprov/internal/cache"
	"github.com/rpattn/devprov/internal/config"
	"github.com/rpattn/devprov/internal/db"
	"github.com/rpattn/devprov/internal/export"
	"github.com/rpattn/devprov/internal/ingestion"
	"github.com/rpattn/devprov/internal/logging"
	"github.com/rpattn/devprov/internal/metrics"
	"github.com/rpattn/devprov/internal/progress"
	"github.com/rpattn/devprov/internal/provisioner"
	"github.com/rpattn/devprov/internal/provisioning"
	"github.com/rpattn/devprov/internal/repository"
	"github.com/rpattn/devprov/internal/server"
)

var skipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	if !skipMigrations {
		if err := db.RunMigrations(conn.Pool); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	statuses, err := cache.NewStatusCache(cfg.Redis, logger.Named("cache"))
	if err != nil {
		return fmt.Errorf("failed to configure redis: %w", err)
	}
	defer func() { _ = statuses.Close() }()
	if statuses.Enabled() {
		if err := statuses.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, status snapshots will fall back to the database", zap.Error(err))
		}
	} else {
		logger.Info("redis not configured, status snapshots served from the database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipelineMetrics := metrics.NewProvisioning(registry)

	store := repository.NewProvisioningRepository(conn)
	hub := progress.NewHub()

	coordinator := provisioning.NewCoordinator(
		store,
		provisioner.NewClient(cfg.Provisioner),
		progress.Multi(hub, statusPublisher(statuses)),
		provisioning.WithBatchSize(cfg.Batch.Size),
		provisioning.WithConcurrency(cfg.Batch.Concurrency),
		provisioning.WithPersistAttempts(cfg.Batch.PersistAttempts),
		provisioning.WithLogger(logger.Named("coordinator")),
		provisioning.WithMetrics(pipelineMetrics),
	)

	provisioningHandler := provisioning.NewHTTPHandler(
		coordinator,
		ingestion.NewIngestor(),
		store,
		statusReader(statuses),
		hub,
		provisioning.HandlerConfig{
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
			Logger:         logger.Named("provisioning"),
		},
	)
	exportHandler := export.NewHTTPHandler(store, export.NewFormatter(), logger.Named("export"))

	checks := map[string]server.Checker{"database": conn}
	if statuses.Enabled() {
		checks["redis"] = statuses
	}

	srv := server.New(cfg.Server, server.Dependencies{
		Provisioning: []server.Routes{provisioningHandler, exportHandler},
		Checks:       checks,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:       logger,
	})
	return srv.Run(ctx)
}

// statusPublisher and statusReader keep a disabled cache out of the
// interfaces, where a typed nil would not compare equal to nil.
func statusPublisher(c *cache.StatusCache) progress.Publisher {
	if !c.Enabled() {
		return nil
	}
	return c
}

func statusReader(c *cache.StatusCache) provisioning.StatusReader {
	if !c.Enabled() {
		return nil
	}
	return c
}
