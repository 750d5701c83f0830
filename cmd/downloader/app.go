package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"solar-history/internal/config"
	"solar-history/internal/repository"
	"solar-history/internal/services"
	"solar-history/internal/telemetry"
	"solar-history/pkg/database"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

const serviceName = "solar-history"

// app holds everything a command needs, wired from configuration
type app struct {
	cfg      *config.Config
	logger   *logging.StructuredLogger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	fetcher  *telemetry.Fetcher
	store    repository.PeriodStore
	db       *database.PostgresDB
	service  *services.DownloadService
}

// loadConfig reads configuration and applies the global flags
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.email != "" {
		cfg.Tesla.Email = opts.email
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp wires logger, metrics, API client, store and services. The store
// is only opened when withStore is set.
func newApp(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewStructuredLogger(serviceName, version, logging.ParseLevel(cfg.Logging.Level))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := metrics.NewCollector("solar_history", registry)

	token, err := telemetry.ResolveAccessToken(cfg.Tesla.AccessToken, cfg.Tesla.TokenCache, cfg.Tesla.Email, time.Now())
	if err != nil {
		return nil, err
	}

	client := telemetry.NewClient(cfg.Tesla.BaseURL, token, cfg.Tesla.UserAgent, cfg.Tesla.RequestTimeout, logger)
	fetcher := telemetry.NewFetcher(client, logger, metricsCollector,
		telemetry.WithRetryPolicy(telemetry.RetryPolicy{
			MaxAttempts: cfg.Fetch.MaxAttempts,
			Delay:       cfg.Fetch.RetryDelay,
		}),
		telemetry.WithRequestSpacing(cfg.Fetch.RequestSpacing),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metricsCollector,
		fetcher:  fetcher,
	}
	if !withStore {
		return a, nil
	}

	if err := a.openStore(); err != nil {
		return nil, err
	}

	ids, err := snowflake.NewNode(1)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create run id generator: %w", err)
	}

	engine := services.NewResumeEngine(fetcher, a.store, telemetry.SystemClock{}, logger, metricsCollector)
	a.service = services.NewDownloadService(fetcher, engine, telemetry.SystemClock{}, ids, logger, metricsCollector)

	logger.Info(ctx, "[STARTUP] Downloader ready", logging.Fields{
		"version":         version,
		"backend":         a.store.Backend(),
		"max_attempts":    cfg.Fetch.MaxAttempts,
		"retry_delay":     cfg.Fetch.RetryDelay.String(),
		"request_spacing": cfg.Fetch.RequestSpacing.String(),
	})
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := database.NewPostgresDB(databaseConfig(a.cfg), a.logger, a.metrics)
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.db = db
		a.store = repository.NewPostgresStore(db, a.logger, a.metrics)
	case config.BackendMemory:
		a.store = repository.NewMemoryStore()
	default:
		a.store = repository.NewCSVStore(a.cfg.Store.Directory, a.logger, a.metrics)
	}
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func databaseConfig(cfg *config.Config) *database.Config {
	return &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
}
