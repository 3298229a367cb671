// Package storage defines the execution history store.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
// Environment variables are never part of a stored execution.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
)

var (
	// ErrNotFound is returned when no execution has the requested id.
	ErrNotFound = errors.New("execution not found")
	// ErrDuplicate is returned when an execution id is already stored.
	ErrDuplicate = errors.New("execution already exists")
)

// Store persists executions and their test cases.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Create inserts a new execution with its test cases.
	Create(ctx context.Context, exec *Execution) error
	// SetStatus moves an execution to another lifecycle status.
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	// Finish stores the outcome of an execution, replacing its test cases.
	Finish(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id uuid.UUID) (*Execution, error)
	// List returns the most recent executions, newest first. An empty
	// clientID lists every client's executions.
	List(ctx context.Context, clientID string, limit int) ([]*Execution, error)
	// Prune deletes executions created before the cutoff and returns how
	// many were removed.
	Prune(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DefaultListLimit applies when List is called with a non-positive limit.
const DefaultListLimit = 50

// MaxOutputBytes caps the stdout and stderr kept per execution.
const MaxOutputBytes = 64 << 10

// Status is the lifecycle position of an execution.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Origin names the surface that submitted an execution.
type Origin string

const (
	OriginHTTP  Origin = "http"
	OriginAsync Origin = "async"
	OriginCLI   Origin = "cli"
	OriginMCP   Origin = "mcp"
)

// Execution is one stored run.
type Execution struct {
	ID         uuid.UUID
	Status     Status
	Origin     Origin
	ClientID   string
	JobID      string
	Language   domain.Language
	Framework  domain.Framework
	Image      string
	Mode       domain.Mode
	Success    bool
	ExitCode   int
	Stdout     string
	Stderr     string
	Error      string
	DurationMs int64
	Tests      []domain.TestCase
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// NewExecution starts a record for a request. The request's environment
// variables are not copied.
func NewExecution(id uuid.UUID, origin Origin, clientID string, req *domain.ExecutionRequest) *Execution {
	e := &Execution{
		ID:        id,
		Status:    StatusQueued,
		Origin:    origin,
		ClientID:  clientID,
		CreatedAt: time.Now().UTC(),
	}
	if req != nil {
		e.Language = req.DeclaredLanguage
		e.Mode = req.Mode
	}
	return e
}

// Complete copies a result into the record and marks it completed.
// Output is truncated to MaxOutputBytes.
func (e *Execution) Complete(res *domain.ExecutionResult) {
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.FinishedAt = &now
	e.JobID = res.ID
	if res.Language != "" {
		e.Language = res.Language
	}
	e.Framework = res.Framework
	e.Image = res.Image
	e.Success = res.Success
	e.ExitCode = res.ExitCode
	e.Stdout = Truncate(res.Stdout, MaxOutputBytes)
	e.Stderr = Truncate(res.Stderr, MaxOutputBytes)
	e.Error = res.Error
	e.DurationMs = res.DurationMs
	e.Tests = append([]domain.TestCase(nil), res.Tests...)
}

// Fail marks the record failed without a result, e.g. for a rejected
// request.
func (e *Execution) Fail(msg string) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.FinishedAt = &now
	e.Success = false
	e.ExitCode = -1
	e.Error = msg
}

// Result rebuilds the normalized result. Its ID is the execution id.
func (e *Execution) Result() *domain.ExecutionResult {
	tests := e.Tests
	if tests == nil {
		tests = []domain.TestCase{}
	}
	return &domain.ExecutionResult{
		ID:         e.ID.String(),
		Success:    e.Success,
		ExitCode:   e.ExitCode,
		Stdout:     e.Stdout,
		Stderr:     e.Stderr,
		Tests:      tests,
		Summary:    domain.Summarize(tests),
		Error:      e.Error,
		Language:   e.Language,
		Framework:  e.Framework,
		Image:      e.Image,
		DurationMs: e.DurationMs,
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
