package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crypto-ingest/internal/cache"
	"github.com/crypto-ingest/internal/database"
	"github.com/crypto-ingest/internal/external"
	"github.com/crypto-ingest/internal/messaging"
	"github.com/crypto-ingest/internal/services"
	"github.com/crypto-ingest/pkg/config"
	"github.com/crypto-ingest/pkg/models"
	"github.com/sirupsen/logrus"
)

// App wires the ingestion components together
type App struct {
	cfg    *config.Config
	logger *logrus.Logger

	// Core components
	store   database.Store
	coincap *external.CoinCapClient

	// Optional components
	influxDB   *database.InfluxClient
	redisCache *cache.RedisClient
	natsClient *messaging.NATSClient

	ingestor *services.Ingestor
}

// ErrCacheDisabled is returned by lookups that need Redis when it is not connected
var ErrCacheDisabled = errors.New("redis is not enabled")

// Status is the stored state reported by the status command
type Status struct {
	Watermarks []models.Watermark
	LastRun    *models.RunSummary
	Components []ComponentHealth
}

// ComponentHealth is the result of one connection check
type ComponentHealth struct {
	Name  string
	Error string
}

// Healthy reports whether the check passed
func (c ComponentHealth) Healthy() bool {
	return c.Error == ""
}

// New creates a new application instance
func New(cfg *config.Config, logger *logrus.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Initialize connects every component needed for an ingestion run
func (a *App) Initialize(ctx context.Context, autoMigrate bool) error {
	if err := a.InitializeStore(ctx); err != nil {
		return err
	}

	if autoMigrate {
		n, err := a.store.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		if n > 0 {
			a.logger.WithField("applied", n).Info("Applied pending migrations")
		}
	}

	if err := a.InitializeCache(ctx); err != nil {
		return err
	}

	a.initializeMessaging()
	a.initializeTimeSeries(ctx)

	if err := a.initializeIngestor(); err != nil {
		return fmt.Errorf("failed to initialize ingestor: %w", err)
	}

	return nil
}

// InitializeStore connects the relational store only
func (a *App) InitializeStore(ctx context.Context) error {
	store, err := database.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = store

	a.logger.WithField("driver", a.cfg.Database.Driver).Debug("Database connected")
	return nil
}

// InitializeCache connects Redis when enabled
func (a *App) InitializeCache(ctx context.Context) error {
	if !a.cfg.Redis.Enabled {
		return nil
	}

	redisClient, err := cache.NewRedisClient(ctx, &a.cfg.Redis, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.redisCache = redisClient

	return nil
}

// Store returns the relational store
func (a *App) Store() database.Store {
	return a.store
}

// Run executes one ingestion run. With Redis enabled the run holds the run lock
// and its summary is stored for the status command.
func (a *App) Run(ctx context.Context, opts services.RunOptions) (*models.RunSummary, error) {
	if a.ingestor == nil {
		return nil, errors.New("application is not initialized")
	}

	if a.redisCache != nil {
		lock, err := a.redisCache.AcquireRunLock(ctx)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				a.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	summary, err := a.ingestor.Run(ctx, opts)
	if err != nil {
		return nil, err
	}

	if a.redisCache != nil {
		if err := a.redisCache.SaveRunSummary(context.WithoutCancel(ctx), summary); err != nil {
			a.logger.WithError(err).Warn("Failed to save run summary")
		}
	}

	return summary, nil
}

// Status reports per-asset watermarks and, with Redis enabled, the last run
func (a *App) Status(ctx context.Context) (*Status, error) {
	if a.store == nil {
		return nil, errors.New("application is not initialized")
	}

	watermarks, err := a.store.HistoryWatermarks(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{Watermarks: watermarks}
	status.Components = append(status.Components, checkHealth(ctx, a.cfg.Database.Driver, a.store.Health))

	if a.redisCache != nil {
		status.Components = append(status.Components, checkHealth(ctx, "redis", a.redisCache.Health))

		last, err := a.redisCache.LastRunSummary(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to load last run summary")
		}
		status.LastRun = last
	}

	return status, nil
}

// RunSummary loads the stored summary of one run; nil when it has expired
func (a *App) RunSummary(ctx context.Context, runID string) (*models.RunSummary, error) {
	if a.redisCache == nil {
		return nil, ErrCacheDisabled
	}
	return a.redisCache.RunSummary(ctx, runID)
}

// AssetOutcome loads the last recorded outcome of an asset; nil when none is stored
func (a *App) AssetOutcome(ctx context.Context, assetID string) (*models.AssetOutcome, error) {
	if a.redisCache == nil {
		return nil, ErrCacheDisabled
	}
	return a.redisCache.LastAssetOutcome(ctx, strings.TrimSpace(assetID))
}

func checkHealth(ctx context.Context, name string, check func(context.Context) error) ComponentHealth {
	h := ComponentHealth{Name: name}
	if err := check(ctx); err != nil {
		h.Error = err.Error()
	}
	return h
}

// Close releases every connection
func (a *App) Close() error {
	var errs []error

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	if a.influxDB != nil {
		a.influxDB.Close()
	}

	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}

	if a.natsClient != nil {
		if err := a.natsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close NATS: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Private initialization methods

// initializeMessaging connects NATS when enabled; events are optional so failures only warn
func (a *App) initializeMessaging() {
	if !a.cfg.NATS.Enabled {
		return
	}

	natsClient, err := messaging.NewNATSClient(&a.cfg.NATS, a.logger)
	if err != nil {
		a.logger.WithError(err).Warn("NATS unavailable, outcome events disabled")
		return
	}
	a.natsClient = natsClient
}

// initializeTimeSeries connects InfluxDB when enabled; the mirror is optional so failures only warn
func (a *App) initializeTimeSeries(ctx context.Context) {
	if !a.cfg.InfluxDB.Enabled {
		return
	}

	influxClient := database.NewInfluxClient(&a.cfg.InfluxDB, a.logger)
	if err := influxClient.Health(ctx); err != nil {
		a.logger.WithError(err).Warn("InfluxDB unavailable, history mirror disabled")
		influxClient.Close()
		return
	}
	a.influxDB = influxClient
}

func (a *App) initializeIngestor() error {
	defaultStart, err := a.cfg.Ingest.DefaultStartDate()
	if err != nil {
		return err
	}

	if a.coincap == nil {
		a.coincap = external.NewCoinCapClient(&a.cfg.CoinCap, a.logger)
	}

	opts := []services.Option{services.WithDefaultStart(defaultStart)}
	if a.influxDB != nil {
		opts = append(opts, services.WithMirror(a.influxDB))
	}
	if a.natsClient != nil {
		opts = append(opts, services.WithPublisher(a.natsClient))
	}

	a.ingestor = services.NewIngestor(a.coincap, a.store, a.logger, opts...)
	return nil
}
