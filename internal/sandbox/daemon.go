package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// Daemon talks to the Docker Engine API for the housekeeping the executor
// does not do per run: image presence checks and orphan reaping.
type Daemon struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDaemon connects to the daemon configured in the environment
// (DOCKER_HOST etc.) and verifies it answers.
func NewDaemon(ctx context.Context, logger *slog.Logger) (*Daemon, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connecting to docker daemon: %w", err)
	}
	return &Daemon{cli: cli, logger: logger}, nil
}

// Ping checks that the daemon answers.
func (d *Daemon) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

// Close releases the client's connections.
func (d *Daemon) Close() error {
	return d.cli.Close()
}

// ImageExists reports whether ref is present locally. Runtime images are
// never pulled by the engine.
func (d *Daemon) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting image %s: %w", ref, err)
}

// ReapOrphans force-removes containers whose name starts with prefix and
// that were created more than maxAge ago. It returns the number removed.
func (d *Daemon) ReapOrphans(ctx context.Context, prefix string, maxAge time.Duration) (int, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, c := range list {
		if !hasNamePrefix(c.Names, prefix) || time.Unix(c.Created, 0).After(cutoff) {
			continue
		}
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if cerrdefs.IsNotFound(err) {
				continue
			}
			d.logger.Warn("reaping container failed",
				slog.String("container", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	if removed > 0 {
		d.logger.Info("reaped orphan containers", slog.Int("count", removed))
	}
	return removed, nil
}

// hasNamePrefix matches the API's "/name" form; the list filter is a
// substring match.
func hasNamePrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), prefix) {
			return true
		}
	}
	return false
}
