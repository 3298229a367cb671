package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/events"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/queue"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/scheduler"
	"github.com/jkaninda/runbox/internal/secrets"
	"github.com/jkaninda/runbox/internal/storage"
	pgstore "github.com/jkaninda/runbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/runbox/internal/storage/sqlite"
	"github.com/jkaninda/runbox/internal/workspace"
)

// SharedComponents holds the subsystems every long-running mode needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // nil only for one-shot runs.
	Obs       *observability.Observability
	Daemon    *sandbox.Daemon // nil when the Docker API is unreachable.
	Engine    *engine.Engine

	redis redis.UniversalClient // Lazily created, shared by queue and events.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger returns the JSON logger every command writes to stderr.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig reads the config file selected by RUNBOX_CONFIG or the flag.
// A missing file at the default location falls back to defaults and
// environment overrides.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("RUNBOX_CONFIG", path)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == config.DefaultConfigPath() {
		return config.Default()
	}
	return nil, err
}

// initShared performs the initialization shared by serve, worker, mcp and
// janitor. withStore=false skips the history store.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger, withStore bool) (*SharedComponents, error) {
	observability.Version = version
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized",
		slog.String("root", ws.Root),
		slog.Bool("shared", ws.IsShared()),
	)

	// Docker API client for image checks and orphan reaping. The executor
	// itself drives the docker CLI, so a missing API only degrades.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	daemon, err := sandbox.NewDaemon(pingCtx, logger)
	cancel()
	if err != nil {
		logger.Warn("docker api unavailable, image checks and orphan reaping disabled",
			slog.String("error", err.Error()),
		)
	} else {
		sc.Daemon = daemon
		sc.addCleanup(func() { _ = daemon.Close() })
	}

	// Storage (SQLite default, PostgreSQL optional).
	if withStore {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	sc.Engine = initEngine(cfg, ws, sc.Daemon, obs, logger)

	// Health checks.
	if health := obs.HealthOrNil(); health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeDB && sc.Store != nil {
			health.AddCheck("database", sc.Store.Ping)
		}
		if cfg.Observability.Health.IncludeDocker && sc.Daemon != nil {
			health.AddCheck("docker", sc.Daemon.Ping)
		}
	}

	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Engine.Shared() {
		return workspace.Shared(cfg.Engine.SharedWorkDir, cfg.Engine.Volume)
	}
	return workspace.New(cfg.WorkRoot())
}

func initEngine(cfg *config.Config, ws *workspace.Workspace, daemon *sandbox.Daemon, obs *observability.Observability, logger *slog.Logger) *engine.Engine {
	e := &cfg.Engine
	scriptLimits := sandbox.Limits{MemoryMB: e.ScriptMemoryMB, CPUs: e.ScriptCPUs, PIDs: e.PIDsLimit}
	javaLimits := sandbox.Limits{MemoryMB: e.JavaMemoryMB, CPUs: e.JavaCPUs, PIDs: e.PIDsLimit}

	executor := sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Binary:         e.Docker(),
		DefaultTimeout: e.DefaultTimeout(),
	}, logger)

	eng := engine.New(ws, executor, logger, engine.Config{
		Registry:       e.Registry,
		Tag:            e.Tag,
		Images:         e.Images,
		CachePrefix:    e.CachePrefix,
		ScriptLimits:   scriptLimits,
		JavaLimits:     javaLimits,
		PythonTmpfs:    e.PythonTmpfs,
		DefaultTimeout: e.DefaultTimeout(),
		MaxTimeout:     e.MaxTimeout(),
	})
	if e.CheckImages && daemon != nil {
		eng.WithImageChecker(daemon)
	}
	return eng.WithMetrics(engine.NewMetrics(obs.Registry())).WithTracer(obs.SpanTracer())
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// redisClient returns the shared Redis client for addr, creating it on
// first use.
func (sc *SharedComponents) redisClient(addr string) redis.UniversalClient {
	if sc.redis != nil {
		return sc.redis
	}
	opts := &redis.Options{Addr: addr}
	if q := sc.Config.Queue; q != nil && (q.Addr == addr || q.Addr == "") {
		opts.Password = q.Password
		opts.DB = q.DB
	}
	client := redis.NewClient(opts)
	sc.redis = client
	sc.addCleanup(func() { _ = client.Close() })
	return client
}

// initQueue opens the Redis Streams queue, or returns nil when async
// execution is not configured.
func (sc *SharedComponents) initQueue(metrics *queue.Metrics) *queue.RedisQueue {
	cfg := sc.Config
	if !cfg.AsyncEnabled() {
		return nil
	}
	q := queue.NewRedisQueue(sc.redisClient(cfg.Queue.Addr), queue.RedisConfig{
		Stream:    cfg.Queue.StreamName(),
		Group:     cfg.Queue.GroupName(),
		Consumer:  cfg.Queue.ConsumerName(),
		ClaimIdle: cfg.Queue.ClaimIdle(),
	}, sc.Logger).WithMetrics(metrics)

	if health := sc.Obs.HealthOrNil(); health != nil && cfg.Observability.Health != nil && cfg.Observability.Health.IncludeQueue {
		health.AddCheck("queue", q.Ping)
	}
	sc.Logger.Debug("queue initialized",
		slog.String("stream", cfg.Queue.StreamName()),
		slog.String("group", cfg.Queue.GroupName()),
	)
	return q
}

// initEvents builds the lifecycle event bus selected by events.driver.
func (sc *SharedComponents) initEvents() (events.Bus, error) {
	cfg := sc.Config
	var bus events.Bus
	switch driver := cfg.Events.EventsDriver(); driver {
	case "redis":
		addr := cfg.Events.Addr
		if addr == "" {
			addr = cfg.Queue.Addr
		}
		bus = events.NewRedisBus(sc.redisClient(addr), cfg.Events.SubjectPrefix(), sc.Logger)
	case "nats":
		nb, err := events.NewNATSBus(events.NATSConfig{
			URL:    cfg.Events.NATSURL,
			Prefix: cfg.Events.SubjectPrefix(),
		}, sc.Logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		bus = nb
	default:
		bus = events.NewMemoryBus()
	}
	sc.addCleanup(func() { _ = bus.Close() })
	sc.Logger.Debug("event bus initialized", slog.String("driver", cfg.Events.EventsDriver()))
	return bus, nil
}

// initSecrets builds the provider chain that resolves env:// references.
func initSecrets(cfg *config.Config) secrets.Provider {
	if cfg.Secrets == nil || len(cfg.Secrets.Providers) == 0 {
		return secrets.NewEnvProvider("")
	}
	providers := make([]secrets.Provider, 0, len(cfg.Secrets.Providers))
	for _, p := range cfg.Secrets.Providers {
		providers = append(providers, secrets.NewEnvProvider(p.Config["prefix"]))
	}
	return secrets.NewCompositeProvider(providers...)
}

// initJanitor registers the cleanup sweeps.
func (sc *SharedComponents) initJanitor() (*scheduler.Janitor, error) {
	jc := sc.Config.Janitor
	janitor := scheduler.New(scheduler.NewMetrics(sc.Obs.Registry()), sc.Logger)

	maxAge := jc.MaxJobAge()
	if err := janitor.Add("job_dirs", jc.SweepSchedule(), func(context.Context) (int, error) {
		return sc.Workspace.Sweep(maxAge)
	}); err != nil {
		return nil, err
	}
	if sc.Daemon != nil {
		if err := janitor.Add("containers", jc.SweepSchedule(), func(ctx context.Context) (int, error) {
			return sc.Daemon.ReapOrphans(ctx, workspace.ContainerPrefix, maxAge)
		}); err != nil {
			return nil, err
		}
	}
	if sc.Store != nil {
		retention := jc.Retention()
		if err := janitor.Add("history", jc.PruneSpec(), func(ctx context.Context) (int, error) {
			return sc.Store.Prune(ctx, time.Now().Add(-retention))
		}); err != nil {
			return nil, err
		}
	}
	return janitor, nil
}

// recordAnomaly returns the worker callback feeding anomaly detection, or
// nil when it is disabled.
func (sc *SharedComponents) recordAnomaly() func(*domain.ExecutionResult, error) {
	if sc.Obs == nil || sc.Obs.Anomaly == nil {
		return nil
	}
	detector := sc.Obs.Anomaly
	return func(res *domain.ExecutionResult, err error) {
		key := ""
		if res != nil {
			key = string(res.Language)
		}
		detector.RecordExecution(key, res, err)
	}
}
