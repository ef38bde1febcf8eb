// Package bootstrap wires configuration into stores, transports and services for the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/ledger-core/internal/clock"
	"github.com/jnst/ledger-core/internal/config"
	"github.com/jnst/ledger-core/internal/fx"
	"github.com/jnst/ledger-core/internal/idgen"
	"github.com/jnst/ledger-core/internal/integrity"
	"github.com/jnst/ledger-core/internal/lock"
	"github.com/jnst/ledger-core/internal/metrics"
	"github.com/jnst/ledger-core/internal/migrations"
	"github.com/jnst/ledger-core/internal/repository"
	"github.com/jnst/ledger-core/internal/repository/sqlite"
	"github.com/jnst/ledger-core/internal/retry"
	"github.com/jnst/ledger-core/internal/service"
	"github.com/jnst/ledger-core/internal/telemetry"
	"github.com/jnst/ledger-core/internal/transport"
)

// Stores is an open storage engine.
type Stores struct {
	Repos *repository.Repositories
	Ping  func(ctx context.Context) error
	close func()
}

// Close releases the underlying connections.
func (s *Stores) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenStores opens the engine named by STORE_DRIVER. SQLite is always migrated on open;
// PostgreSQL only when MIGRATE_ON_START is set.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}

		return &Stores{
			Repos: store.Repositories(),
			Ping:  store.DB().PingContext,
			close: func() { _ = store.Close() },
		}, nil
	default:
		if cfg.MigrateOnStart {
			if err := migrations.UpPostgres(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}

		pool, err := repository.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		return &Stores{
			Repos: repository.NewPostgresRepositories(pool),
			Ping:  pool.Ping,
			close: pool.Close,
		}, nil
	}
}

// NewRedisClient connects to REDIS_ADDR.
func NewRedisClient(cfg *config.Config) (rueidis.Client, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// NewPublisher returns the transport named by OUTBOX_TRANSPORT. redis may be nil for Kafka.
func NewPublisher(cfg *config.Config, redis rueidis.Client) (transport.Publisher, error) {
	switch cfg.OutboxTransport {
	case config.TransportKafka:
		brokers := transport.SplitBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS is empty")
		}

		return transport.NewKafka(brokers), nil
	default:
		if redis == nil {
			return nil, fmt.Errorf("redis transport requires a redis client")
		}

		return transport.NewRedisStreams(redis, cfg.RedisStreamPrefix), nil
	}
}

// NewLocker returns the period lock named by PERIOD_LOCK_BACKEND.
func NewLocker(cfg *config.Config, redis rueidis.Client, ids idgen.Generator) (lock.Locker, error) {
	if cfg.PeriodLockBackend != config.LockRedis {
		return lock.NewLocal(cfg.PeriodLockWait), nil
	}
	if redis == nil {
		return nil, fmt.Errorf("redis period lock requires a redis client")
	}

	return lock.NewRedis(redis, ids, cfg.PeriodLockTTL, cfg.PeriodLockWait), nil
}

// NewRates returns the external provider (if configured) backed by the FX_RATES defaults.
func NewRates(cfg *config.Config, clk clock.Clock, log *slog.Logger) (fx.RateProvider, error) {
	defaults, err := fx.ParseStatic(cfg.FXRates, clk.Now)
	if err != nil {
		return nil, err
	}

	var primary fx.RateProvider
	if cfg.FXProviderURL != "" {
		primary = fx.NewHTTPProvider(cfg.FXProviderURL, cfg.FXProviderTimeout)
	}

	var fallback fx.RateProvider
	if defaults.Len() > 0 {
		fallback = defaults
	}
	if primary == nil && fallback == nil {
		return nil, nil
	}

	return fx.NewFallback(primary, fallback, log), nil
}

// NewKeyring parses SNAPSHOT_HMAC_KEYS. Without keys snapshots are left unsigned.
func NewKeyring(cfg *config.Config) (*integrity.Keyring, error) {
	active := cfg.SnapshotHMACActiveKey
	keyring, err := integrity.ParseKeyring(cfg.SnapshotHMACKeys, active)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_HMAC_KEYS: %w", err)
	}

	return keyring, nil
}

// SetupTelemetry installs the tracer provider for serviceName.
func SetupTelemetry(ctx context.Context, cfg *config.Config, serviceName string) (func(context.Context) error, error) {
	return telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.OTelEnabled,
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRatio:  cfg.OTelSamplingRatio,
	})
}

// App holds the wired services of one process.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Clock      clock.Clock
	IDs        idgen.Generator
	Metrics    metrics.Sink
	Recent     *metrics.Memory
	Stores     *Stores
	Redis      rueidis.Client
	Events     service.EventStore
	Projection service.ProjectionService
	Periods    service.PeriodCloseService
}

// New opens storage and wires the ledger services. The Redis client is created only when the
// transport or the period lock needs it.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	recent := metrics.NewMemory()
	app := &App{
		Config:  cfg,
		Logger:  log,
		Clock:   clock.System{},
		IDs:     idgen.UUIDv7{},
		Metrics: metrics.Fanout{metrics.NewOTelSink(telemetry.InstrumentationName), recent},
		Recent:  recent,
	}

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Stores = stores

	if cfg.OutboxTransport == config.TransportRedis || cfg.PeriodLockBackend == config.LockRedis {
		if app.Redis, err = NewRedisClient(cfg); err != nil {
			app.Close()
			return nil, err
		}
	}

	rates, err := NewRates(cfg, app.Clock, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	keyring, err := NewKeyring(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	locker, err := NewLocker(cfg, app.Redis, app.IDs)
	if err != nil {
		app.Close()
		return nil, err
	}

	repos := stores.Repos
	app.Events = service.NewEventStoreImpl(repos, locker, app.Clock, app.IDs, log)
	app.Projection = service.NewProjectionServiceImpl(repos, rates, service.ProjectionOptions{
		BatchSize:      cfg.ProjectionBatchSize,
		StaleThreshold: cfg.ProjectionStaleThreshold,
	}, app.Clock, app.Metrics, log)
	app.Periods = service.NewPeriodCloseServiceImpl(repos, app.Events, app.Projection, locker, keyring,
		app.Clock, app.IDs, log)

	return app, nil
}

// NewOutboxService wires delivery to publisher with the configured retry schedule.
func (a *App) NewOutboxService(publisher transport.Publisher) service.OutboxService {
	cfg := a.Config

	return service.NewOutboxServiceImpl(a.Stores.Repos.Outbox, publisher, service.OutboxOptions{
		MaxRetries:     cfg.OutboxMaxRetries,
		Backoff:        retry.DefaultPolicy(cfg.OutboxBaseBackoff, cfg.OutboxMaxBackoff),
		PublishTimeout: cfg.OutboxPublishTimeout,
		ClaimLease:     cfg.OutboxClaimLease,
	}, a.Clock, a.Metrics, a.Logger)
}

// Close releases Redis and storage.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Stores.Close()
}

// ShutdownTimeout bounds flushing telemetry and draining servers on exit.
const ShutdownTimeout = 10 * time.Second
