package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"time"
)

const (
	defaultPIDsLimit = 256
	defaultMemoryMB  = 512
	defaultCPUs      = 1.0
	defaultTimeout   = 120 * time.Second

	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty test runs.
	maxOutputBytes = 4 << 20

	cleanupTimeout = 10 * time.Second
)

// DockerConfig configures the Docker CLI executor.
type DockerConfig struct {
	Binary         string        // docker CLI path; defaults to "docker".
	DefaultTimeout time.Duration // Used when Spec.Timeout is zero.
	DefaultLimits  Limits        // Fills zero fields of Spec.Limits.
}

// runFunc starts the docker CLI with args and waits for it.
type runFunc func(ctx context.Context, args []string, stdout, stderr io.Writer) error

// cleanupFunc runs a docker CLI housekeeping command such as kill or rm.
type cleanupFunc func(ctx context.Context, args ...string) ([]byte, error)

// DockerExecutor runs each job in an ephemeral container through the docker
// CLI.
//
// Guarantees:
//   - every run gets its own named container (--rm, plus a forced rm afterwards)
//   - privilege escalation is blocked and capabilities are reduced
//   - memory is hard-limited with swap disabled, CPU and PIDs are capped
//   - network is off unless the spec enables it
//   - stdout/stderr are capped
//   - on timeout or crash the container is killed by name before removal
type DockerExecutor struct {
	config  DockerConfig
	logger  *slog.Logger
	run     runFunc
	cleanup cleanupFunc
}

// NewDockerExecutor creates a Docker CLI executor.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultLimits.MemoryMB == 0 {
		cfg.DefaultLimits.MemoryMB = defaultMemoryMB
	}
	if cfg.DefaultLimits.CPUs <= 0 {
		cfg.DefaultLimits.CPUs = defaultCPUs
	}
	if cfg.DefaultLimits.PIDs <= 0 {
		cfg.DefaultLimits.PIDs = defaultPIDsLimit
	}
	bin := cfg.Binary
	return &DockerExecutor{
		config: cfg,
		logger: logger,
		run: func(ctx context.Context, args []string, stdout, stderr io.Writer) error {
			cmd := exec.CommandContext(ctx, bin, args...)
			// Killing the CLI does not stop the container; the handle's
			// release kills it by name.
			cmd.Cancel = func() error {
				if cmd.Process == nil {
					return nil
				}
				return cmd.Process.Kill()
			}
			cmd.WaitDelay = 5 * time.Second
			cmd.Stdout = stdout
			cmd.Stderr = stderr
			return cmd.Run()
		},
		cleanup: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, bin, args...).CombinedOutput()
		},
	}
}

// Run executes spec and always returns a terminal Outcome.
func (s *DockerExecutor) Run(ctx context.Context, spec Spec) (out *Outcome) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTimeout
	}
	spec.Limits = s.limits(spec.Limits)

	h := &handle{name: spec.Name, state: StateCreated, exec: s}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			h.transition(StateCrashed)
			out = &Outcome{State: StateCrashed, ExitCode: -1, Err: fmt.Errorf("executor panic: %v", r)}
		}
		h.release()
		out.Duration = time.Since(start)
	}()

	if spec.Name == "" || spec.Image == "" || spec.Command == "" {
		h.transition(StateCrashed)
		return &Outcome{State: StateCrashed, ExitCode: -1, Err: errors.New("container name, image and command are required")}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	args := buildArgs(spec)

	s.logger.Info("docker executor starting",
		slog.String("container", spec.Name),
		slog.String("image", spec.Image),
		slog.Bool("network", spec.Network),
		slog.Int("memory_mb", spec.Limits.MemoryMB),
		slog.Float64("cpus", spec.Limits.CPUs),
		slog.Bool("env_file", spec.EnvFile != ""),
		slog.Duration("timeout", timeout),
	)

	h.transition(StateRunning)
	runErr := s.run(runCtx,
		args,
		&limitedWriter{w: &stdout, remaining: maxOutputBytes},
		&limitedWriter{w: &stderr, remaining: maxOutputBytes},
	)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		h.transition(StateTimedOut)
		s.logger.Warn("docker executor timed out",
			slog.String("container", spec.Name),
			slog.Duration("timeout", timeout),
		)
		return &Outcome{
			State:    StateTimedOut,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: -1,
			Err:      &ErrTimeout{After: timeout},
		}
	case ctx.Err() != nil:
		h.transition(StateCrashed)
		return &Outcome{State: StateCrashed, ExitCode: -1, Err: fmt.Errorf("execution cancelled: %w", ctx.Err())}
	case runErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			h.transition(StateCrashed)
			return &Outcome{State: StateCrashed, ExitCode: -1, Stderr: stderr.String(), Err: fmt.Errorf("docker run failed: %w", runErr)}
		}
		h.transition(StateCompleted)
		out = &Outcome{State: StateCompleted, Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitCode()}
	default:
		h.transition(StateCompleted)
		out = &Outcome{State: StateCompleted, Stdout: stdout.String(), Stderr: stderr.String()}
	}

	s.logger.Info("docker executor completed",
		slog.String("container", spec.Name),
		slog.Int("exit_code", out.ExitCode),
		slog.Int("stdout_bytes", stdout.Len()),
		slog.Int("stderr_bytes", stderr.Len()),
	)
	return out
}

func (s *DockerExecutor) limits(l Limits) Limits {
	d := s.config.DefaultLimits
	if l.MemoryMB <= 0 {
		l.MemoryMB = d.MemoryMB
	}
	if l.CPUs <= 0 {
		l.CPUs = d.CPUs
	}
	if l.PIDs <= 0 {
		l.PIDs = d.PIDs
	}
	return l
}

// handle owns a container name for one run. release is deferred right
// after creation, so the kill cannot be skipped on any exit path.
type handle struct {
	name  string
	state State
	exec  *DockerExecutor
}

func (h *handle) transition(to State) {
	h.exec.logger.Debug("container state",
		slog.String("container", h.name),
		slog.String("from", string(h.state)),
		slog.String("to", string(to)),
	)
	h.state = to
}

// release kills the container unless it completed, then force-removes it.
func (h *handle) release() {
	if h.name == "" {
		return
	}
	if h.state != StateCompleted && h.state != StateCreated {
		h.exec.kill(h.name)
	}
	h.exec.forceRemove(h.name)
}

// kill issues docker kill. Errors are logged; a container that already
// exited is not an error.
func (s *DockerExecutor) kill(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	out, err := s.cleanup(ctx, "kill", name)
	if err != nil && !isGone(out) {
		s.logger.Warn("docker kill failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// forceRemove is the safety net for containers --rm did not clean up
// (OOM kill, daemon restart, cancel race).
func (s *DockerExecutor) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	out, err := s.cleanup(ctx, "rm", "-f", name)
	if err != nil && !isGone(out) {
		s.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

func isGone(out []byte) bool {
	return bytes.Contains(out, []byte("No such container")) || bytes.Contains(out, []byte("is not running"))
}

// buildArgs constructs the docker run argument list, image and command
// included.
func buildArgs(spec Spec) []string {
	memory := strconv.Itoa(spec.Limits.MemoryMB) + "m"
	args := []string{
		"run", "--rm",
		"--name", spec.Name,

		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		"--cap-add=CHOWN", "--cap-add=DAC_OVERRIDE", "--cap-add=FOWNER",
		"--cap-add=SETUID", "--cap-add=SETGID",

		"--memory=" + memory,
		"--memory-swap=" + memory,
		"--cpus=" + strconv.FormatFloat(spec.Limits.CPUs, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(spec.Limits.PIDs),
	}

	m := spec.Mount
	if m.Volume {
		args = append(args, "-v", m.Source+":"+m.Target)
	} else {
		args = append(args, "-v", m.Source+":"+m.Target+":rw")
	}
	args = append(args, "-w", m.Workdir)

	for _, c := range spec.Caches {
		args = append(args, "-v", c.Name+":"+c.Target)
	}
	for _, t := range spec.Tmpfs {
		args = append(args, "--tmpfs", t)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	if spec.EnvFile != "" {
		args = append(args, "--env-file", spec.EnvFile)
	}

	if !spec.Network {
		args = append(args, "--network", "none")
	}

	return append(args, spec.Image, "sh", "-c", spec.Command)
}

// limitedWriter drops writes past its budget while reporting them as
// written, so the child process never sees a short write.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
