package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/runbox/internal/domain"
	"github.com/jkaninda/runbox/internal/engine"
	"github.com/jkaninda/runbox/internal/events"
	"github.com/jkaninda/runbox/internal/parser"
	"github.com/jkaninda/runbox/internal/queue"
	"github.com/jkaninda/runbox/internal/secrets"
	"github.com/jkaninda/runbox/internal/storage"
)

// ExecuteRequest is the JSON body for POST /v1/executions and
// POST /v1/executions/async.
type ExecuteRequest = domain.ExecutionRequest

// ExecutionResponse describes one execution. Result is set once the
// execution reached a terminal status.
type ExecutionResponse struct {
	ID         string                  `json:"id"`
	Status     storage.Status          `json:"status"`
	Origin     storage.Origin          `json:"origin,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Result     *domain.ExecutionResult `json:"result,omitempty"`
}

// SubmitResponse is returned with HTTP 202 by POST /v1/executions/async.
type SubmitResponse struct {
	ID     string         `json:"id"`
	Status storage.Status `json:"status"`
	Links  Links          `json:"links"`
}

// Links points at the resources of a queued execution.
type Links struct {
	Self   string `json:"self"`
	JUnit  string `json:"junit"`
	Events string `json:"events,omitempty"`
}

// ExecutionSummary is one entry of GET /v1/executions.
type ExecutionSummary struct {
	ID         string           `json:"id"`
	Status     storage.Status   `json:"status"`
	Origin     storage.Origin   `json:"origin"`
	Language   domain.Language  `json:"language,omitempty"`
	Framework  domain.Framework `json:"framework,omitempty"`
	Success    bool             `json:"success"`
	ExitCode   int              `json:"exit_code"`
	DurationMs int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

// apiError carries the HTTP status a failure maps to.
type apiError struct {
	status int
	msg    string
	err    error
}

func (e *apiError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *apiError) Unwrap() error { return e.err }

func newAPIError(status int, msg string, err error) *apiError {
	return &apiError{status: status, msg: msg, err: err}
}

// --- Handlers ---

func (s *Server) handleExecute(c *okapi.Context) error {
	clientID := c.GetString(clientKey)
	req, err := s.bind(c)
	if err != nil {
		return s.fail(c, err)
	}
	resp, err := s.execute(c.Context(), clientID, req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(resp)
}

func (s *Server) handleSubmit(c *okapi.Context) error {
	clientID := c.GetString(clientKey)
	req, err := s.bind(c)
	if err != nil {
		return s.fail(c, err)
	}
	resp, err := s.submit(c.Context(), clientID, req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleGet(c *okapi.Context) error {
	exec, err := s.lookup(c.Context(), c.GetString(clientKey), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(toResponse(exec))
}

func (s *Server) handleList(c *okapi.Context) error {
	list, err := s.list(c.Context(), c.GetString(clientKey), c.Request().URL.Query().Get("limit"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.OK(list)
}

func (s *Server) handleJUnit(w http.ResponseWriter, r *http.Request) {
	clientID, ok := s.authorizeStd(w, r)
	if !ok {
		return
	}
	id, _ := pathID(r.URL.Path, "junit")
	data, err := s.junit(r.Context(), clientID, id)
	if err != nil {
		status, msg := s.classify(err)
		writeError(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// --- Operations ---

// bind decodes the request body, bounded by the configured size.
func (s *Server) bind(c *okapi.Context) (*domain.ExecutionRequest, error) {
	r := c.Request()
	if r.ContentLength > s.config.MaxRequestSize {
		return nil, newAPIError(http.StatusRequestEntityTooLarge, "request body too large", nil)
	}
	r.Body = http.MaxBytesReader(nil, r.Body, s.config.MaxRequestSize)

	var req domain.ExecutionRequest
	if err := c.Bind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, newAPIError(http.StatusRequestEntityTooLarge, "request body too large", err)
		}
		return nil, newAPIError(http.StatusBadRequest, "invalid request body", err)
	}
	return &req, nil
}

// admit applies the rate limit and, for synchronous runs, claims one of the
// client's concurrency slots.
func (s *Server) admit(clientID string, sync bool) (func(), error) {
	if s.limiter != nil {
		if err := s.limiter.Allow(clientID); err != nil {
			s.rejected("rate")
			return nil, newAPIError(http.StatusTooManyRequests, "rate limit exceeded", err)
		}
	}
	if !sync || s.slots == nil {
		return func() {}, nil
	}
	release, err := s.slots.Acquire(clientID)
	if err != nil {
		s.rejected("concurrency")
		return nil, newAPIError(http.StatusTooManyRequests, "too many concurrent executions", err)
	}
	return release, nil
}

func (s *Server) rejected(reason string) {
	if s.config.Metrics != nil {
		s.config.Metrics.AdmissionRejectedTotal.WithLabelValues(reason).Inc()
	}
}

// execute runs a request synchronously and records the outcome.
func (s *Server) execute(ctx context.Context, clientID string, req *domain.ExecutionRequest) (*ExecutionResponse, error) {
	release, err := s.admit(clientID, true)
	if err != nil {
		return nil, err
	}
	defer release()

	id := uuid.New()
	exec := storage.NewExecution(id, storage.OriginHTTP, clientID, req)
	log := s.logger.With(
		slog.String("execution_id", id.String()),
		slog.String("client_id", clientID),
	)
	log.Info("execution started",
		slog.String("language", string(req.DeclaredLanguage)),
		slog.String("mode", string(req.Mode)),
		slog.Int("env_vars", len(req.EnvVars)),
	)

	res, runErr := s.runner.Execute(ctx, req)
	if runErr != nil {
		exec.Fail(runErr.Error())
		s.record(ctx, log, exec)
		if engine.IsConfigError(runErr) {
			log.Info("execution rejected", slog.String("error", runErr.Error()))
			return nil, newAPIError(http.StatusBadRequest, runErr.Error(), runErr)
		}
		s.anomaly.RecordExecution(string(req.DeclaredLanguage), nil, runErr)
		log.Error("execution failed", slog.String("error", runErr.Error()))
		return nil, newAPIError(http.StatusInternalServerError, "execution failed", runErr)
	}

	exec.Complete(res)
	s.record(ctx, log, exec)
	s.anomaly.RecordExecution(string(res.Language), res, nil)
	log.Info("execution finished",
		slog.Bool("success", res.Success),
		slog.Int("tests", res.Summary.Total),
		slog.Int64("duration_ms", res.DurationMs),
	)

	out := *res
	out.ID = id.String()
	resp := toResponse(exec)
	resp.Result = &out
	return resp, nil
}

// record stores a finished synchronous execution. A store failure is
// logged; the caller still gets the result.
func (s *Server) record(ctx context.Context, log *slog.Logger, exec *storage.Execution) {
	if s.store == nil {
		return
	}
	if err := s.store.Create(context.WithoutCancel(ctx), exec); err != nil {
		log.Error("storing execution failed", slog.String("error", err.Error()))
	}
}

// submit queues a request for a worker. Environment variables must be
// env:// references; raw values are refused before anything is stored.
func (s *Server) submit(ctx context.Context, clientID string, req *domain.ExecutionRequest) (*SubmitResponse, error) {
	if s.queue == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "asynchronous execution is disabled", nil)
	}
	if _, err := s.admit(clientID, false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TestCode) == "" {
		return nil, newAPIError(http.StatusBadRequest, "test_code is required", nil)
	}
	if err := secrets.CheckReferences(req.EnvVars); err != nil {
		return nil, newAPIError(http.StatusBadRequest, err.Error(), nil)
	}

	refs := map[string]string(req.EnvVars)
	queued := *req
	queued.EnvVars = nil

	id := uuid.New()
	log := s.logger.With(
		slog.String("execution_id", id.String()),
		slog.String("client_id", clientID),
	)
	exec := storage.NewExecution(id, storage.OriginAsync, clientID, &queued)
	if s.store != nil {
		// The worker creates the record itself when this insert is lost.
		if err := s.store.Create(ctx, exec); err != nil {
			log.Warn("storing queued execution failed", slog.String("error", err.Error()))
		}
	}

	msg := &queue.Message{
		ID:         id,
		ClientID:   clientID,
		Request:    queued,
		EnvRefs:    refs,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		log.Error("enqueue failed", slog.String("error", err.Error()))
		if s.store != nil {
			exec.Fail("enqueue failed")
			_ = s.store.Finish(context.WithoutCancel(ctx), exec)
		}
		return nil, newAPIError(http.StatusServiceUnavailable, "queue unavailable", err)
	}

	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.New(id, events.Queued)); err != nil {
			log.Warn("publishing queued event failed", slog.String("error", err.Error()))
		}
	}
	log.Info("execution queued", slog.Int("env_refs", len(refs)))

	return &SubmitResponse{
		ID:     id.String(),
		Status: storage.StatusQueued,
		Links:  s.links(id),
	}, nil
}

func (s *Server) links(id uuid.UUID) Links {
	base := "/v1/executions/" + id.String()
	l := Links{Self: base, JUnit: base + "/junit"}
	if s.bus != nil {
		l.Events = base + "/events"
	}
	return l
}

// lookup loads an execution owned by clientID. Executions of other
// clients are reported as missing.
func (s *Server) lookup(ctx context.Context, clientID, raw string) (*storage.Execution, error) {
	if s.store == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "execution history is disabled", nil)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "invalid execution id", err)
	}
	exec, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newAPIError(http.StatusNotFound, "execution not found", err)
	}
	if err != nil {
		return nil, err
	}
	if !s.owns(clientID, exec) {
		return nil, newAPIError(http.StatusNotFound, "execution not found", nil)
	}
	return exec, nil
}

func (s *Server) owns(clientID string, exec *storage.Execution) bool {
	if len(s.config.APIKeys) == 0 {
		return true
	}
	return exec.ClientID == clientID
}

func (s *Server) list(ctx context.Context, clientID, rawLimit string) ([]ExecutionSummary, error) {
	if s.store == nil {
		return nil, newAPIError(http.StatusServiceUnavailable, "execution history is disabled", nil)
	}
	limit := storage.DefaultListLimit
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 || n > 500 {
			return nil, newAPIError(http.StatusBadRequest, "limit must be between 1 and 500", err)
		}
		limit = n
	}
	filter := clientID
	if len(s.config.APIKeys) == 0 {
		filter = ""
	}
	execs, err := s.store.List(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionSummary, len(execs))
	for i, e := range execs {
		out[i] = ExecutionSummary{
			ID:         e.ID.String(),
			Status:     e.Status,
			Origin:     e.Origin,
			Language:   e.Language,
			Framework:  e.Framework,
			Success:    e.Success,
			ExitCode:   e.ExitCode,
			DurationMs: e.DurationMs,
			CreatedAt:  e.CreatedAt,
		}
	}
	return out, nil
}

// junit renders a finished execution as a JUnit XML document.
func (s *Server) junit(ctx context.Context, clientID, raw string) ([]byte, error) {
	exec, err := s.lookup(ctx, clientID, raw)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Terminal() {
		return nil, newAPIError(http.StatusConflict, fmt.Sprintf("execution is %s", exec.Status), nil)
	}
	var buf bytes.Buffer
	opts := parser.JUnitOptions{Timestamp: exec.CreatedAt}
	if err := parser.WriteJUnit(&buf, exec.Result(), opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toResponse(exec *storage.Execution) *ExecutionResponse {
	resp := &ExecutionResponse{
		ID:         exec.ID.String(),
		Status:     exec.Status,
		Origin:     exec.Origin,
		CreatedAt:  exec.CreatedAt,
		FinishedAt: exec.FinishedAt,
	}
	if exec.Status.Terminal() {
		resp.Result = exec.Result()
	}
	return resp
}

// --- Helpers ---

// classify maps an error to a status and a client-safe message.
func (s *Server) classify(err error) (int, string) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, ae.msg
	}
	s.logger.Error("request failed", slog.String("error", err.Error()))
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) fail(c *okapi.Context, err error) error {
	status, msg := s.classify(err)
	return c.JSON(status, ErrorBody{Error: msg})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}

// pathID extracts the id from /v1/executions/{id}/<suffix>.
func pathID(path, suffix string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/v1/executions/")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, "/"+suffix)
}
