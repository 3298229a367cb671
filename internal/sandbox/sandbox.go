// Package sandbox runs a job's test command inside an ephemeral container
// with resource ceilings, an optional network, secret injection through an
// env file and shared package caches. A run never returns an error: timeouts
// and crashes come back as an Outcome in a terminal state.
package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/runbox/internal/workspace"
)

// Executor runs one job container to completion.
type Executor interface {
	Run(ctx context.Context, spec Spec) *Outcome
}

// State is a container lifecycle state.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateTimedOut  State = "TIMED_OUT"
	StateCrashed   State = "CRASHED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCrashed
}

// Spec describes one container run.
type Spec struct {
	// Name is the unique container name; it is also the handle used to kill
	// the container.
	Name  string
	Image string
	Mount workspace.Mount

	// EnvFile is passed with --env-file. Secret values never appear in the
	// argument list.
	EnvFile string
	// Env holds non-secret settings passed with -e.
	Env map[string]string

	Caches  []CacheVolume
	Tmpfs   []string
	Network bool
	Limits  Limits

	// Command runs under "sh -c" in the job's working directory.
	Command string
	Timeout time.Duration
}

// Limits are the container's resource ceilings.
type Limits struct {
	MemoryMB int
	CPUs     float64
	PIDs     int
}

// Outcome is the terminal result of a run.
type Outcome struct {
	State    State
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Err describes a TIMED_OUT or CRASHED outcome.
	Err error
}

// Failed reports whether the container never completed.
func (o *Outcome) Failed() bool {
	return o.State != StateCompleted
}

// ErrTimeout is wrapped by the Err of TIMED_OUT outcomes.
type ErrTimeout struct {
	After time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("Execution timeout: exceeded %ds", int(e.After.Seconds()))
}

// CacheVolume is a named volume shared by every job with the same cache key.
// Concurrent jobs rely on the package manager's own locking.
type CacheVolume struct {
	Name   string
	Target string
}

// Cache kinds and their mount points in the runtime images.
const (
	CachePip = "pip"
	CacheM2  = "m2"
	CacheNPM = "npm"
)

var cacheTargets = map[string]string{
	CachePip: "/root/.cache/pip",
	CacheM2:  "/root/.m2",
	CacheNPM: "/root/.npm",
}

var volumeUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// NewCache returns the cache volume <prefix>_<key>_<kind>_cache. An empty key
// shares the volume across all jobs of the deployment.
func NewCache(prefix, key, kind string) CacheVolume {
	if key == "" {
		key = "shared"
	}
	key = strings.Trim(volumeUnsafe.ReplaceAllString(key, "_"), "_.-")
	if key == "" {
		key = "shared"
	}
	return CacheVolume{
		Name:   fmt.Sprintf("%s_%s_%s_cache", prefix, key, kind),
		Target: cacheTargets[kind],
	}
}
