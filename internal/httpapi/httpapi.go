// Package httpapi exposes the execution engine over HTTP.
//
// Security:
//   - API key authentication (SHA-256 digests, constant-time comparison)
//   - Request body size limits (default 5 MiB)
//   - Per-client rate limiting and a per-client ceiling on concurrent runs
//   - Environment variable values are never logged or stored
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/runbox/internal/events"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/queue"
	"github.com/jkaninda/runbox/internal/ratelimit"
	"github.com/jkaninda/runbox/internal/storage"
)

const (
	defaultMaxRequestSize = 5 << 20
	anonymousClient       = "anonymous"
	clientKey             = "clientID"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // SHA-256 hex of API key → client ID. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 5 MiB default.
	Version        string

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Server is the HTTP API.
type Server struct {
	config  Config
	runner  queue.Runner
	store   storage.Store
	queue   queue.Queue // nil = async endpoint disabled.
	bus     events.Bus  // nil = event stream disabled.
	limiter *ratelimit.Limiter
	slots   *ratelimit.Slots
	anomaly *observability.AnomalyDetector
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// New creates the API server. store may be nil, in which case executions
// are not recorded and lookups return 503.
func New(cfg Config, runner queue.Runner, store storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Server{
		config: cfg,
		runner: runner,
		store:  store,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithQueue enables POST /v1/executions/async.
func (s *Server) WithQueue(q queue.Queue) *Server {
	s.queue = q
	return s
}

// WithEvents enables the lifecycle event stream and publishes queued events.
func (s *Server) WithEvents(bus events.Bus) *Server {
	s.bus = bus
	return s
}

// WithAdmission attaches rate limiting and the concurrency ceiling. Either
// may be nil.
func (s *Server) WithAdmission(limiter *ratelimit.Limiter, slots *ratelimit.Slots) *Server {
	s.limiter = limiter
	s.slots = slots
	return s
}

// WithAnomalyDetector feeds synchronous outcomes to anomaly detection.
func (s *Server) WithAnomalyDetector(a *observability.AnomalyDetector) *Server {
	s.anomaly = a
	return s
}

// WithOpenAPIDocs serves the generated OpenAPI document.
func (s *Server) WithOpenAPIDocs() *Server {
	version := s.config.Version
	if version == "" {
		version = "dev"
	}
	s.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: version,
		},
	)
	return s
}

// routes mounts every endpoint on the okapi instance.
func (s *Server) routes() {
	group := s.okapi.Group("/v1",
		observability.MetricsMiddleware(s.config.Metrics, s.config.Tracer),
		s.authenticate,
	)

	group.Post("/executions", s.handleExecute,
		okapi.DocSummary("Run a test suite and wait for the result"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	group.Post("/executions/async", s.handleSubmit,
		okapi.DocSummary("Queue a test suite for a worker"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusAccepted, SubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	group.Get("/executions", s.handleList,
		okapi.DocSummary("List recent executions"),
		okapi.DocTags("Executions"),
		okapi.DocResponse([]ExecutionSummary{}),
	)
	group.Get("/executions/{id}", s.handleGet,
		okapi.DocSummary("Get an execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(ExecutionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Raw XML and websocket responses are written on the standard handler.
	s.okapi.HandleStd("GET", "/v1/executions/{id}/junit", s.handleJUnit)
	if s.bus != nil {
		s.okapi.HandleStd("GET", "/v1/executions/{id}/events", s.handleEvents)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.config.MetricsRegistry != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.config.EnableDocs {
		s.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.routes()

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute, // Synchronous runs last up to the engine's maximum timeout.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting",
		slog.String("addr", s.config.ListenAddr),
		slog.Bool("async", s.queue != nil),
		slog.Bool("auth", len(s.config.APIKeys) > 0),
	)
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := s.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.OK() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate resolves the bearer key to a client ID.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		clientID, ok := s.clientID(c.Header("Authorization"), "")
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set(clientKey, clientID)
		return next(c)
	}
}

// clientID maps an Authorization header (or, for websocket clients that
// cannot set headers, a token query value) to the configured client.
func (s *Server) clientID(header, token string) (string, bool) {
	if len(s.config.APIKeys) == 0 {
		return anonymousClient, true
	}
	key := token
	if strings.HasPrefix(header, "Bearer ") {
		key = strings.TrimPrefix(header, "Bearer ")
	}
	if key == "" {
		return "", false
	}
	return lookupKey(s.config.APIKeys, key)
}

// lookupKey compares the digest of key against every configured digest so
// the time taken does not depend on which entry matched.
func lookupKey(keys map[string]string, key string) (string, bool) {
	sum := sha256.Sum256([]byte(key))
	digest := []byte(hex.EncodeToString(sum[:]))
	clientID := ""
	for hash, client := range keys {
		if subtle.ConstantTimeCompare(digest, []byte(strings.ToLower(hash))) == 1 {
			clientID = client
		}
	}
	return clientID, clientID != ""
}

// HashKey returns the digest stored in the api_keys configuration for key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// authorizeStd authenticates a request served on a standard handler.
func (s *Server) authorizeStd(w http.ResponseWriter, r *http.Request) (string, bool) {
	clientID, ok := s.clientID(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid API key")
		return "", false
	}
	return clientID, true
}
