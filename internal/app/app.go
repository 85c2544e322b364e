// Package app wires configuration, storage and services into a runnable process.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/api"
	"github.com/rpattn/feeddelta/internal/config"
	"github.com/rpattn/feeddelta/internal/db"
	"github.com/rpattn/feeddelta/internal/delta"
	"github.com/rpattn/feeddelta/internal/domain"
	"github.com/rpattn/feeddelta/internal/export"
	"github.com/rpattn/feeddelta/internal/feed"
	"github.com/rpattn/feeddelta/internal/ingestion"
	"github.com/rpattn/feeddelta/internal/publish"
	"github.com/rpattn/feeddelta/internal/repository"
)

// App owns the long-lived dependencies of the process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Conn         *db.Connection
	Registry     *feed.Registry
	Runs         *repository.JobRunRepository
	Deltas       *repository.DeltaRepository
	Orchestrator *ingestion.Orchestrator

	publisher *publish.KafkaPublisher
}

// New connects to the database and builds every service.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	registry := feed.Default()
	enabled, err := registry.ParseList(cfg.Ingestion.EnabledFeeds)
	if err != nil {
		return nil, fmt.Errorf("ingestion.enabled_feeds: %w", err)
	}

	conn, err := db.NewConnection(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	runs := repository.NewJobRunRepository(conn.Pool)
	deltas := repository.NewDeltaRepository(conn.Pool)
	orch := ingestion.NewOrchestrator(
		registry,
		ingestion.Locator{InputDir: cfg.Ingestion.InputDir},
		ingestion.NewLoader(logger),
		repository.NewTxManager(conn.Pool),
		runs,
		delta.NewEngine(cfg.Ingestion.DeltaBatchSize),
		logger,
		ingestion.Options{EnabledFeeds: enabled, FeedTimeout: cfg.Ingestion.FeedTimeout},
	)

	a := &App{
		Config:       cfg,
		Logger:       logger,
		Conn:         conn,
		Registry:     registry,
		Runs:         runs,
		Deltas:       deltas,
		Orchestrator: orch,
	}
	if cfg.Kafka.Enabled() {
		a.publisher = publish.NewKafkaPublisher(publish.Config{
			Brokers: publish.ParseBrokers(cfg.Kafka.Brokers),
			Topic:   cfg.Kafka.Topic,
		}, deltas, logger)
		orch.WithPublisher(a.publisher)
		logger.Info("delta publication enabled", zap.String("topic", cfg.Kafka.Topic))
	}
	return a, nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate() error {
	return db.RunMigrations(a.Conn.Pool, a.Logger)
}

// Handler builds the admin HTTP API.
func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Deps{
		Registry:       a.Registry,
		EnabledFeeds:   a.Orchestrator.EnabledFeeds(),
		Runs:           a.Runs,
		Deltas:         a.Deltas,
		Ingest:         ingestion.NewHTTPHandler(a.Orchestrator, a.Registry),
		Delta:          export.NewHTTPHandler(export.NewService(a.Registry, a.Runs, a.Deltas, a.Logger), a.Logger),
		DB:             a.Conn.Pool,
		AllowedOrigins: a.Config.Server.Origins(),
		Logger:         a.Logger,
	})
}

// ParseFeeds resolves a comma separated list, falling back to the enabled feeds.
func (a *App) ParseFeeds(raw string) ([]domain.FeedName, error) {
	if raw == "" {
		return a.Orchestrator.EnabledFeeds(), nil
	}
	return a.Registry.ParseList(raw)
}

// Close releases the publisher and the pool.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("failed to close kafka writer", zap.Error(err))
		}
	}
	a.Conn.Close()
}
