// Package workspace materializes jobs on disk. Every job owns one directory
// under the workspace root; the directory is mounted into the job's container
// and removed when the job ends.
//
// Two layouts are supported: a local root bind-mounted per job, and a shared
// root that is itself the mount point of a named Docker volume (the engine
// runs in a container and talks to the host daemon). In the shared layout the
// whole volume is mounted and the working directory points at the job's
// subtree.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/domain"
)

// ContainerPrefix starts the name of every job container.
const ContainerPrefix = "runbox-"

// Mount points inside the runtime images.
const (
	bindTarget   = "/app"
	volumeTarget = "/workspace"
)

const defaultRelativePath = ".runbox/jobs"

// ErrPathEscape is returned when a file would be written outside its job.
var ErrPathEscape = errors.New("path escapes job directory")

// Workspace hands out job directories.
type Workspace struct {
	// Root holds one subdirectory per running job.
	Root string
	// Volume is the named Docker volume mounted at Root, empty for bind mounts.
	Volume string

	envDir string

	mu      sync.Mutex
	created map[string]bool
}

// New creates a Workspace whose job directories are bind-mounted.
func New(root string) (*Workspace, error) {
	return open(root, "")
}

// Shared creates a Workspace over a directory that is the mount point of the
// named Docker volume.
func Shared(root, volume string) (*Workspace, error) {
	if volume == "" {
		return nil, fmt.Errorf("shared workspace %q: volume name is required", root)
	}
	return open(root, volume)
}

// Default creates a bind-mount Workspace at ~/.runbox/jobs.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

func open(root, volume string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	w := &Workspace{
		Root:    resolved,
		Volume:  volume,
		envDir:  filepath.Join(os.TempDir(), "runbox-env"),
		created: make(map[string]bool),
	}
	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	// Environment files never live under Root: a shared volume is visible to
	// every job container.
	if err := w.ensureDir(w.envDir, 0700); err != nil {
		return nil, fmt.Errorf("creating env dir: %w", err)
	}
	return w, nil
}

// IsShared reports whether jobs run from a named volume.
func (w *Workspace) IsShared() bool {
	return w.Volume != ""
}

// Job is one ephemeral execution attempt with its own directory and
// container name.
type Job struct {
	ID            string
	Dir           string
	ContainerName string
	Language      domain.Language
	StartedAt     time.Time
	Deadline      time.Time

	ws      *Workspace
	envFile string
}

// Create allocates a fresh job directory.
func (w *Workspace) Create(lang domain.Language, timeout time.Duration) (*Job, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	dir := filepath.Join(w.Root, id)
	// Mkdir, not MkdirAll: an existing directory means an id collision.
	if err := os.Mkdir(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	now := time.Now()
	return &Job{
		ID:            id,
		Dir:           dir,
		ContainerName: ContainerPrefix + id,
		Language:      lang,
		StartedAt:     now,
		Deadline:      now.Add(timeout),
		ws:            w,
	}, nil
}

// Mount describes how the job directory appears inside the container.
type Mount struct {
	// Source is a host path for bind mounts, or a volume name.
	Source  string
	Target  string
	Workdir string
	Volume  bool
}

// Mount returns the job's mount arguments.
func (j *Job) Mount() Mount {
	if j.ws.IsShared() {
		return Mount{
			Source:  j.ws.Volume,
			Target:  volumeTarget,
			Workdir: volumeTarget + "/" + j.ID,
			Volume:  true,
		}
	}
	return Mount{Source: j.Dir, Target: bindTarget, Workdir: bindTarget}
}

// WriteFile writes content at rel inside the job directory, creating parent
// directories.
func (j *Job) WriteFile(rel string, content []byte) error {
	p, err := j.Path(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", rel, err)
	}
	if err := os.WriteFile(p, content, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// Path resolves rel inside the job directory.
func (j *Job) Path(rel string) (string, error) {
	p := filepath.Join(j.Dir, filepath.FromSlash(rel))
	if p != j.Dir && !strings.HasPrefix(p, j.Dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return p, nil
}

var envKey = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// WriteEnvFile writes env into a 0600 file outside the mounted tree and
// returns its path. An empty map writes nothing and returns "".
// Errors never include values.
func (j *Job) WriteEnvFile(env domain.EnvVars) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if !envKey.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		if strings.ContainsAny(env[k], "\r\n") {
			return "", fmt.Errorf("environment variable %s: multi-line values are not supported", k)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(env[k])
		b.WriteByte('\n')
	}

	path := filepath.Join(j.ws.envDir, j.ID+".env")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", fmt.Errorf("creating env file: %w", err)
	}
	j.envFile = path
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("writing env file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing env file: %w", err)
	}
	return path, nil
}

// Remove deletes the job directory and its env file. Safe to call twice.
func (j *Job) Remove() error {
	var errs []error
	if j.envFile != "" {
		if err := os.Remove(j.envFile); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("removing env file: %w", err))
		}
	}
	if err := os.RemoveAll(j.Dir); err != nil {
		errs = append(errs, fmt.Errorf("removing job dir: %w", err))
	}
	return errors.Join(errs...)
}

// Sweep removes job directories and env files last modified before
// now-maxAge. It returns the number of jobs removed.
func (w *Workspace) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return 0, fmt.Errorf("reading workspace root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || !isJobID(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Root, e.Name())); err != nil {
			return removed, fmt.Errorf("removing job %s: %w", e.Name(), err)
		}
		removed++
	}

	envs, err := os.ReadDir(w.envDir)
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("reading env dir: %w", err)
	}
	for _, e := range envs {
		if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(w.envDir, e.Name()))
		}
	}
	return removed, nil
}

var jobID = regexp.MustCompile(`^[0-9a-f]{32}$`)

func isJobID(name string) bool {
	return jobID.MatchString(name)
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
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
