// Package postgres implements the PostgreSQL execution history store using
// GORM. The models and repository are shared with the SQLite backend, so
// domain types stay ORM-free.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config configures the PostgreSQL connection and pool.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
	ConnMaxIdleTime time.Duration // Default: 10m
	ConnectAttempts int           // Attempts before Open gives up. Default: 5.
	ConnectBackoff  time.Duration // Wait between attempts, doubled each time. Default: 1s.
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	return c
}

// DB owns the GORM handle of the history database.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL, retrying while the server is still starting,
// sizes the pool and migrates the history schema.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	cfg = cfg.withDefaults()

	db, err := connect(cfg, slogger)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.AutoMigrate(Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

func connect(cfg Config, slogger *slog.Logger) (*gorm.DB, error) {
	backoff := cfg.ConnectBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger:         NewGormLogger(slogger),
			NowFunc:        func() time.Time { return time.Now().UTC() },
			PrepareStmt:    true,
			TranslateError: true,
		})
		if err == nil {
			return db, nil
		}
		lastErr = err
		if attempt == cfg.ConnectAttempts {
			break
		}
		slogger.Warn("postgres not reachable, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, fmt.Errorf("connecting to postgres after %d attempts: %w", cfg.ConnectAttempts, lastErr)
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping checks the database connection for health/readiness probes.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}

// NewGormLogger routes GORM warnings and slow queries to slog. Query
// parameters are never logged: stored outputs may contain job data.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	if slogger == nil {
		slogger = slog.New(slog.DiscardHandler)
	}
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)
}
