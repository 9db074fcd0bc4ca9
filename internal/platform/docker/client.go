// Package docker runs sandbox instances as short-lived Docker containers.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/dontdude/sandboxd/internal/domain"
)

const (
	labelInstance = "sandboxd.instance"
	labelLanguage = "sandboxd.language"
)

// dockerAPI is the part of the SDK a running container needs.
type dockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Backend wraps the official Docker SDK client.
type Backend struct {
	cli *client.Client
}

var (
	_ domain.Backend  = (*Backend)(nil)
	_ domain.Preparer = (*Backend)(nil)
)

// NewBackend initializes a Docker client and verifies the daemon is reachable.
// Callers treat an error as fatal: the worker must not start without its backend.
func NewBackend(ctx context.Context) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}

	slog.Info("Docker Client initialized successfully", "host", cli.DaemonHost())
	return &Backend{cli: cli}, nil
}

func (b *Backend) Name() string { return "docker" }

// Close releases the client's connections.
func (b *Backend) Close() error { return b.cli.Close() }

// Prepare makes sure every environment image is present, pulling missing ones.
func (b *Backend) Prepare(ctx context.Context, envs []domain.Environment) error {
	var errs []error
	seen := make(map[string]bool)
	for _, env := range envs {
		if env.Image == "" || seen[env.Image] {
			continue
		}
		seen[env.Image] = true
		if err := b.EnsureImage(ctx, env.Image); err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", env.Language, err))
		}
	}
	return errors.Join(errs...)
}

// EnsureImage pulls img unless it already exists locally.
func (b *Backend) EnsureImage(ctx context.Context, img string) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !cerrdefs.IsNotFound(err) {
		return classify(err)
	}

	slog.Info("Pulling image", "image", img)
	reader, err := b.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, classify(err))
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	slog.Info("Image ready", "image", img)
	return nil
}

// Reap force-removes containers left behind by a previous worker run.
func (b *Backend) Reap(ctx context.Context) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelInstance)),
	})
	if err != nil {
		return 0, classify(err)
	}

	removed := 0
	for _, c := range list {
		err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			slog.Warn("Failed to reap container", "containerID", c.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// classify marks daemon-side capacity and connectivity failures as
// ErrEnvironmentUnavailable so callers retry instead of failing the submission.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err),
		cerrdefs.IsUnavailable(err),
		cerrdefs.IsResourceExhausted(err),
		cerrdefs.IsNotFound(err),
		cerrdefs.IsDeadlineExceeded(err):
		return fmt.Errorf("%w: %v", domain.ErrEnvironmentUnavailable, err)
	}
	return err
}
