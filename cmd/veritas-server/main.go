package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Noodynamo/conceptus-veritas/pkg/analytics"
	"github.com/Noodynamo/conceptus-veritas/pkg/api"
	"github.com/Noodynamo/conceptus-veritas/pkg/config"
	"github.com/Noodynamo/conceptus-veritas/pkg/middleware"
	"github.com/Noodynamo/conceptus-veritas/pkg/monitoring"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/schemas"
	"github.com/Noodynamo/conceptus-veritas/pkg/storage/postgres"
	"github.com/Noodynamo/conceptus-veritas/pkg/subscriptions"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting conceptus-veritas")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}
	defer db.Close()

	if err := postgres.Bootstrap(ctx, db); err != nil {
		logger.WithError(err).Error("failed to bootstrap database schema")
		os.Exit(1)
	}

	redisClient, err := postgres.OpenRedis(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	} else {
		logger.Warn("redis not configured, usage cache and rate limiting disabled")
	}

	metrics := observability.NewMetrics(nil)

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize tracing")
		os.Exit(1)
	}

	var monClient *monitoring.Client
	if cfg.Monitoring.Enabled {
		monClient, err = monitoring.NewClient(monitoring.Config{
			DSN:         cfg.Monitoring.DSN,
			Environment: cfg.Monitoring.Environment,
			Release:     cfg.Monitoring.Release,
			SampleRate:  cfg.Monitoring.SampleRate,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize error monitoring")
			os.Exit(1)
		}
	}

	// Event schema registry, persisted and seeded with the service's own
	// lifecycle events
	registry := schemas.NewRegistry(schemas.NewPostgresStore(db))
	if err := registry.Load(ctx); err != nil {
		logger.WithError(err).Error("failed to load schema registry")
		os.Exit(1)
	}
	if err := schemas.SeedDefaults(ctx, registry); err != nil {
		logger.WithError(err).Error("failed to seed schema registry")
		os.Exit(1)
	}

	var analyticsClient *analytics.Client
	if cfg.Analytics.Enabled {
		analyticsClient = analytics.NewClient(analytics.ClientConfig{
			Endpoint:   cfg.Analytics.Endpoint,
			APIKey:     cfg.Analytics.APIKey,
			Timeout:    cfg.Analytics.Timeout,
			MaxRetries: cfg.Analytics.MaxRetries,
		})
	}
	dispatcher := analytics.NewDispatcher(analyticsClient, registry, metrics, logger, cfg.Analytics.AppVersion)

	catalog := subscriptions.NewCatalog()
	if cfg.Subscriptions.CatalogFile != "" {
		if err := catalog.LoadFile(cfg.Subscriptions.CatalogFile); err != nil {
			logger.WithError(err).Error("failed to load tier catalog")
			os.Exit(1)
		}
	}

	usage := subscriptions.NewPostgresUsageTracker(db, redisClient, catalog, logger)
	usage.SetMetrics(metrics)
	svc := subscriptions.NewPostgresService(
		db, catalog,
		subscriptions.DowngradePolicy(cfg.Subscriptions.DowngradePolicy),
		dispatcher, usage, logger,
	)
	svc.SetDefaultTrialDays(cfg.Subscriptions.TrialDays)
	svc.SetMetrics(metrics)

	jobs := subscriptions.NewJobs(svc, usage, logger)
	if err := jobs.Start(); err != nil {
		logger.WithError(err).Error("failed to start maintenance jobs")
		os.Exit(1)
	}

	auth := middleware.NewAuth(middleware.OpaqueVerifier{}, logger)
	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimitPerMinute,
			WindowDuration:    time.Minute,
		}, logger)
	}

	server := api.NewServer(api.ServerDeps{
		Subscriptions: svc,
		Usage:         usage,
		Catalog:       catalog,
		Access:        svc.Access(),
		Registry:      registry,
		Dispatcher:    dispatcher,
		Monitoring:    monClient,
		Metrics:       metrics,
		Logger:        logger,
		Auth:          auth,
		RateLimiter:   limiter,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port so probes bypass auth and
	// rate limiting
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, cfg.Analytics.AppVersion))
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", metrics.Handler())
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if cfg.Subscriptions.CatalogFile != "" && cfg.Subscriptions.CatalogWatch {
		group.Go(func() error {
			err := catalog.Watch(groupCtx, cfg.Subscriptions.CatalogFile, logger)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		jobs.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		return nil
	})
	if monClient != nil {
		shutdown.RegisterShutdownFunc(monClient.Flush)
	}
	if tp != nil {
		shutdown.RegisterShutdownFunc(tp.Shutdown)
	}

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}
	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
