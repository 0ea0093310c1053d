package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	kafkaadapter "github.com/couchcryptid/er-occupancy-etl/internal/adapter/kafka"
	"github.com/couchcryptid/er-occupancy-etl/internal/archival"
	"github.com/couchcryptid/er-occupancy-etl/internal/backfill"
	"github.com/couchcryptid/er-occupancy-etl/internal/catalog"
	"github.com/couchcryptid/er-occupancy-etl/internal/config"
	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	"github.com/couchcryptid/er-occupancy-etl/internal/observability"
	"github.com/couchcryptid/er-occupancy-etl/internal/pipeline"
	"github.com/couchcryptid/er-occupancy-etl/internal/resolver"
	"github.com/couchcryptid/er-occupancy-etl/internal/store"
)

// app is the wired service shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	store    *store.Store
	writer   *kafkaadapter.Writer
	pipeline *pipeline.Pipeline
	backfill *backfill.Job
}

// openStore loads the configuration, connects to the database and migrates it.
func openStore(ctx context.Context, envFiles []string) (*config.Config, *slog.Logger, *store.Store, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	s, err := store.Open(store.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}
	if _, err := s.SeedRegions(ctx, domain.QuebecRegions()); err != nil {
		_ = s.Close()
		return nil, nil, nil, err
	}
	return cfg, logger, s, nil
}

func newApp(ctx context.Context, envFiles []string) (*app, error) {
	cfg, logger, s, err := openStore(ctx, envFiles)
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics()

	normalizer := domain.NewNormalizer(domain.DefaultNormalizerConfig())
	coercerCfg := domain.DefaultCoercerConfig()
	coercerCfg.Location = cfg.Feed.Location
	coercer := domain.NewCoercer(coercerCfg, normalizer, logger)

	// An unavailable catalog is already logged and leaves enrichment on defaults.
	cat, err := catalog.LoadODHF(cfg.Feed.CatalogPath, normalizer, logger)
	if err != nil && !errors.Is(err, catalog.ErrCatalogUnavailable) {
		_ = s.Close()
		return nil, err
	}

	res := resolver.New(cat, normalizer, resolver.NewRegionResolver(cfg.Ingest.DefaultRegionCode, logger), logger)
	writer := archival.New(cfg.Policy(), logger)

	a := &app{cfg: cfg, logger: logger, metrics: metrics, store: s}

	var publisher pipeline.Publisher
	if cfg.SinkEnabled() {
		a.writer = kafkaadapter.NewWriter(cfg, logger)
		publisher = a.writer
		logger.Info("snapshot sink enabled", "topic", cfg.Kafka.SnapshotTopic, "brokers", cfg.Kafka.Brokers)
	}

	a.pipeline = pipeline.New(pipeline.StoreAdapter{Store: s}, coercer, res, writer, publisher, pipeline.Config{
		MaxStretchers: cfg.Ingest.MaxStretchers,
		DateLayout:    cfg.Feed.DateLayout,
		AnomalyDir:    cfg.Feed.AnomalyDir,
		LeaseTTL:      cfg.Schedule.LeaseTTL,
	}, logger, metrics)
	a.backfill = backfill.New(s, res, normalizer, cfg.Schedule.LeaseTTL, logger, metrics)
	return a, nil
}

// Close releases the sink and the database.
func (a *app) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.logger.Error("kafka writer close error", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}
}
