// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.runbox. Override: RUNBOX_DATA_DIR env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Queue         *QueueConfig         `json:"queue,omitempty" yaml:"queue,omitempty"`                 // nil = async execution disabled
	Events        *EventsConfig        `json:"events,omitempty" yaml:"events,omitempty"`               // nil = in-process events only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"` // nil = env-only secrets
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"` // nil = janitor with defaults
}

// EngineConfig configures job materialization and the container runtime.
type EngineConfig struct {
	WorkRoot      string `json:"work_root,omitempty" yaml:"work_root,omitempty"`             // Job directory root for bind mounts. Default: <data_dir>/jobs. Override: RUNBOX_WORK_ROOT.
	SharedWorkDir string `json:"shared_work_dir,omitempty" yaml:"shared_work_dir,omitempty"` // Shared-volume mount point inside this process. Override: SHARED_WORK_DIR.
	Volume        string `json:"volume,omitempty" yaml:"volume,omitempty"`                   // Named volume backing SharedWorkDir. Override: DOCKER_VOLUME_NAME.
	DockerBinary  string `json:"docker_binary,omitempty" yaml:"docker_binary,omitempty"`     // Default: "docker".
	CheckImages   bool   `json:"check_images" yaml:"check_images"`                           // Reject jobs whose runtime image is not present.

	Registry    string            `json:"registry,omitempty" yaml:"registry,omitempty"`         // Default: "genaiqa".
	Tag         string            `json:"tag,omitempty" yaml:"tag,omitempty"`                   // Default: "latest".
	Images      map[string]string `json:"images,omitempty" yaml:"images,omitempty"`             // Profile → image reference.
	CachePrefix string            `json:"cache_prefix,omitempty" yaml:"cache_prefix,omitempty"` // Default: "runbox".

	ScriptMemoryMB int     `json:"script_memory_mb" yaml:"script_memory_mb"` // Default: 512.
	ScriptCPUs     float64 `json:"script_cpus" yaml:"script_cpus"`           // Default: 1.0.
	JavaMemoryMB   int     `json:"java_memory_mb" yaml:"java_memory_mb"`     // Default: 1024.
	JavaCPUs       float64 `json:"java_cpus" yaml:"java_cpus"`               // Default: 2.0.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`             // 0 = no limit.
	PythonTmpfs    string  `json:"python_tmpfs,omitempty" yaml:"python_tmpfs,omitempty"`

	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 120.
	MaxTimeoutSeconds     int `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`         // Default: 600.
}

// Shared reports whether jobs are materialized on a named volume.
func (e *EngineConfig) Shared() bool {
	return e.SharedWorkDir != "" && e.Volume != ""
}

// Docker returns the docker binary with a default of "docker".
func (e *EngineConfig) Docker() string {
	if e.DockerBinary != "" {
		return e.DockerBinary
	}
	return "docker"
}

// DefaultTimeout returns the per-job timeout used when a request sets none.
func (e *EngineConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutSeconds > 0 {
		return time.Duration(e.DefaultTimeoutSeconds) * time.Second
	}
	return 120 * time.Second
}

// MaxTimeout returns the upper bound for request timeouts with a default of 10m.
func (e *EngineConfig) MaxTimeout() time.Duration {
	if e.MaxTimeoutSeconds > 0 {
		return time.Duration(e.MaxTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: RUNBOX_POSTGRES_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// QueueConfig configures the Redis Streams queue for async executions.
type QueueConfig struct {
	Addr             string `json:"addr" yaml:"addr"` // Override: RUNBOX_REDIS_ADDR.
	Password         string `json:"password,omitempty" yaml:"password,omitempty"`
	DB               int    `json:"db" yaml:"db"`
	Stream           string `json:"stream,omitempty" yaml:"stream,omitempty"`     // Default: "runbox:executions".
	Group            string `json:"group,omitempty" yaml:"group,omitempty"`       // Default: "runbox-workers".
	Consumer         string `json:"consumer,omitempty" yaml:"consumer,omitempty"` // Default: hostname-pid.
	Workers          int    `json:"workers" yaml:"workers"`                       // Concurrent executions per worker process. Default: 2.
	ClaimIdleSeconds int    `json:"claim_idle_seconds" yaml:"claim_idle_seconds"` // Pending entries idle this long are reclaimed. Default: 900.
}

// StreamName returns the stream key with a default of "runbox:executions".
func (q *QueueConfig) StreamName() string {
	if q != nil && q.Stream != "" {
		return q.Stream
	}
	return "runbox:executions"
}

// GroupName returns the consumer group with a default of "runbox-workers".
func (q *QueueConfig) GroupName() string {
	if q != nil && q.Group != "" {
		return q.Group
	}
	return "runbox-workers"
}

// ConsumerName returns the consumer name with a default of hostname-pid.
func (q *QueueConfig) ConsumerName() string {
	if q != nil && q.Consumer != "" {
		return q.Consumer
	}
	host, err := os.Hostname()
	if err != nil {
		host = "runbox"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

// Concurrency returns the worker count with a default of 2.
func (q *QueueConfig) Concurrency() int {
	if q != nil && q.Workers > 0 {
		return q.Workers
	}
	return 2
}

// ClaimIdle returns the pending-entry reclaim threshold with a default of 15m.
func (q *QueueConfig) ClaimIdle() time.Duration {
	if q != nil && q.ClaimIdleSeconds > 0 {
		return time.Duration(q.ClaimIdleSeconds) * time.Second
	}
	return 15 * time.Minute
}

// EventsConfig selects the lifecycle event bus.
type EventsConfig struct {
	Driver  string `json:"driver" yaml:"driver"`                         // "redis", "nats" or "memory" (default).
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`         // Redis address. Default: queue.addr.
	NATSURL string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"` // Override: RUNBOX_NATS_URL.
	Prefix  string `json:"prefix,omitempty" yaml:"prefix,omitempty"`     // Channel/subject prefix. Default: "runbox.executions".
}

// EventsDriver returns the configured driver, defaulting to "memory".
func (e *EventsConfig) EventsDriver() string {
	if e != nil && e.Driver != "" {
		return e.Driver
	}
	return "memory"
}

// SubjectPrefix returns the channel prefix with a default of "runbox.executions".
func (e *EventsConfig) SubjectPrefix() string {
	if e != nil && e.Prefix != "" {
		return e.Prefix
	}
	return "runbox.executions"
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "runbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeDocker bool `json:"include_docker" yaml:"include_docker"`
	IncludeQueue  bool `json:"include_queue" yaml:"include_queue"`
}

// AnomalyConfig configures threshold-based anomaly detection on execution outcomes.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	FailureRateThreshold float64 `json:"failure_rate_threshold" yaml:"failure_rate_threshold"` // e.g. 0.5 = 50% crashed or timed out
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: RUNBOX_LISTEN_ADDR.
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 5 MiB.
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // SHA-256 hex of API key → client ID. Empty = open API.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	MaxConcurrent       int               `json:"max_concurrent" yaml:"max_concurrent"` // Per-client concurrent synchronous executions. Default: 4.
}

// Listen returns the listen address with a default of ":8080".
func (h *HTTPConfig) Listen() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxBody returns the request size limit with a default of 5 MiB.
func (h *HTTPConfig) MaxBody() int64 {
	if h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 5 << 20
}

// Concurrency returns the per-client execution ceiling with a default of 4.
func (h *HTTPConfig) Concurrency() int {
	if h.MaxConcurrent > 0 {
		return h.MaxConcurrent
	}
	return 4
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// SecretsConfig configures the secret provider chain used to resolve
// env:// references in async requests.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration, e.g. "prefix".
}

// JanitorConfig configures the cron-driven cleanup sweeps.
type JanitorConfig struct {
	Disabled             bool   `json:"disabled" yaml:"disabled"`
	Schedule             string `json:"schedule,omitempty" yaml:"schedule,omitempty"`             // Cron spec. Default: "*/10 * * * *".
	PruneSchedule        string `json:"prune_schedule,omitempty" yaml:"prune_schedule,omitempty"` // Cron spec for history pruning. Default: "17 3 * * *".
	MaxJobAgeMinutes     int    `json:"max_job_age_minutes" yaml:"max_job_age_minutes"`           // Default: 30.
	HistoryRetentionDays int    `json:"history_retention_days" yaml:"history_retention_days"`     // Default: 30.
}

// Enabled reports whether the janitor runs.
func (j *JanitorConfig) Enabled() bool {
	return j == nil || !j.Disabled
}

// SweepSchedule returns the directory and container sweep schedule.
func (j *JanitorConfig) SweepSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/10 * * * *"
}

// PruneSpec returns the history pruning schedule.
func (j *JanitorConfig) PruneSpec() string {
	if j != nil && j.PruneSchedule != "" {
		return j.PruneSchedule
	}
	return "17 3 * * *"
}

// MaxJobAge returns the age after which job directories and containers are
// considered leaked. Default: 30m.
func (j *JanitorConfig) MaxJobAge() time.Duration {
	if j != nil && j.MaxJobAgeMinutes > 0 {
		return time.Duration(j.MaxJobAgeMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// Retention returns the history retention with a default of 30 days.
func (j *JanitorConfig) Retention() time.Duration {
	if j != nil && j.HistoryRetentionDays > 0 {
		return time.Duration(j.HistoryRetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Deployment settings can be overridden by environment variables, which take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides. Env vars take precedence over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("RUNBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RUNBOX_WORK_ROOT"); v != "" {
		c.Engine.WorkRoot = v
	}
	if v := os.Getenv("SHARED_WORK_DIR"); v != "" {
		c.Engine.SharedWorkDir = v
	}
	if v := os.Getenv("DOCKER_VOLUME_NAME"); v != "" {
		c.Engine.Volume = v
	}
	if v := os.Getenv("RUNBOX_REDIS_ADDR"); v != "" {
		if c.Queue == nil {
			c.Queue = &QueueConfig{}
		}
		c.Queue.Addr = v
	}
	if v := os.Getenv("RUNBOX_NATS_URL"); v != "" {
		if c.Events == nil {
			c.Events = &EventsConfig{Driver: "nats"}
		}
		c.Events.NATSURL = v
	}
	if v := os.Getenv("RUNBOX_POSTGRES_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = "postgres"
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("RUNBOX_LISTEN_ADDR"); v != "" {
		c.HTTP.ListenAddr = v
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".runbox")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "runbox.db")
}

// WorkRoot returns the job directory root used for bind mounts.
func (c *Config) WorkRoot() string {
	if c.Engine.WorkRoot != "" {
		return c.Engine.WorkRoot
	}
	return filepath.Join(c.ResolvedDataDir(), "jobs")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// AsyncEnabled reports whether a queue is configured.
func (c *Config) AsyncEnabled() bool {
	return c.Queue != nil && c.Queue.Addr != ""
}

func (c *Config) validate() error {
	e := &c.Engine
	if (e.SharedWorkDir == "") != (e.Volume == "") {
		return fmt.Errorf("engine.shared_work_dir and engine.volume must be set together")
	}
	if e.ScriptMemoryMB < 0 || e.JavaMemoryMB < 0 {
		return fmt.Errorf("engine memory limits must not be negative")
	}
	if e.ScriptCPUs < 0 || e.JavaCPUs < 0 {
		return fmt.Errorf("engine cpu limits must not be negative")
	}
	if e.DefaultTimeoutSeconds < 0 || e.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("engine timeouts must not be negative")
	}
	if e.DefaultTimeout() > e.MaxTimeout() {
		return fmt.Errorf("engine.default_timeout_seconds must not exceed engine.max_timeout_seconds")
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set RUNBOX_POSTGRES_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Queue != nil && c.Queue.Workers < 0 {
		return fmt.Errorf("queue.workers must not be negative")
	}
	switch c.Events.EventsDriver() {
	case "memory":
	case "redis":
		if c.Events.Addr == "" && !c.AsyncEnabled() {
			return fmt.Errorf("events.addr or queue.addr is required for the redis event driver")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required for the nats event driver (set RUNBOX_NATS_URL env var)")
		}
	default:
		return fmt.Errorf("events.driver %q is not supported (use memory, redis or nats)", c.Events.Driver)
	}
	if c.HTTP.RateLimit.RequestsPerMinute < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		return fmt.Errorf("http.rate_limit values must not be negative")
	}
	if c.HTTP.MaxConcurrent < 0 {
		return fmt.Errorf("http.max_concurrent must not be negative")
	}
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			if p.Type != "env" {
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env)", i, p.Type)
			}
		}
	}
	if t := c.Observability; t != nil && t.Tracing != nil && t.Tracing.Enabled {
		switch t.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
		if t.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}
