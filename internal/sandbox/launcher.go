// Package sandbox implements the per-submission sandbox lifecycle: launching an
// instance, watching it against its limits and collecting its result.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/environment"
	"github.com/google/uuid"
)

// Environments resolves language identifiers. *environment.Registry satisfies it.
type Environments interface {
	Lookup(language string) (domain.Environment, error)
}

// LauncherConfig holds the host-wide launch policy.
type LauncherConfig struct {
	// WorkRoot is the host directory under which per-instance workspaces are created.
	WorkRoot string
	// Defaults apply to every submission before environment and caller overrides.
	Defaults domain.Limits
	// Max caps the resolved limits; zero fields are uncapped.
	Max            domain.Limits
	MaxSourceBytes int64
	// AdmissionWait is how long a launch queues for a free slot before giving up.
	AdmissionWait time.Duration
}

// Launcher creates one Instance per Submission on a Backend.
type Launcher struct {
	envs    Environments
	backend domain.Backend
	pool    *Pool
	cfg     LauncherConfig
}

// NewLauncher wires a launcher.
func NewLauncher(envs Environments, backend domain.Backend, pool *Pool, cfg LauncherConfig) *Launcher {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "sandboxd")
	}
	return &Launcher{envs: envs, backend: backend, pool: pool, cfg: cfg}
}

// Backend returns the isolation backend instances are started on.
func (l *Launcher) Backend() domain.Backend { return l.backend }

// Launch validates sub, reserves capacity, prepares the workspace and starts the
// entrypoint asynchronously. The returned Instance is Running.
func (l *Launcher) Launch(ctx context.Context, sub domain.Submission) (*Instance, error) {
	env, err := l.envs.Lookup(sub.Language)
	if err != nil {
		return nil, err
	}

	if l.cfg.MaxSourceBytes > 0 && int64(len(sub.Source)) > l.cfg.MaxSourceBytes {
		return nil, &domain.LaunchError{Op: "validate", Err: fmt.Errorf("source is %d bytes, limit is %d", len(sub.Source), l.cfg.MaxSourceBytes)}
	}
	if environment.Privileged(env.User) {
		return nil, &domain.LaunchError{Op: "validate", Err: fmt.Errorf("environment %q runs as a privileged user", env.Language)}
	}
	command, err := environment.Command(env)
	if err != nil {
		return nil, &domain.LaunchError{Op: "command", Err: err}
	}

	limits := l.cfg.Defaults.Override(env.Limits).Override(sub.Limits).Clamp(l.cfg.Max)

	release, err := l.pool.Acquire(ctx, l.cfg.AdmissionWait)
	if err != nil {
		return nil, err
	}

	inst := newInstance(uuid.NewString(), sub, env, limits)

	workspace, err := l.prepareWorkspace(inst.ID, env.SourceFile, sub.Source)
	if err != nil {
		release()
		return nil, err
	}
	inst.Workspace = workspace
	inst.release = func() {
		if err := os.RemoveAll(workspace); err != nil {
			slog.Warn("Failed to remove workspace", "instanceID", inst.ID, "workspace", workspace, "error", err)
		}
		release()
	}

	proc, err := l.backend.Start(ctx, domain.LaunchSpec{
		InstanceID:  inst.ID,
		Environment: env,
		Command:     command,
		Workspace:   workspace,
		Limits:      limits,
		Stdin:       []byte(sub.Stdin),
		Stdout:      inst.stdout,
		Stderr:      inst.stderr,
	})
	if err != nil {
		inst.Destroy(context.Background())
		if errors.Is(err, domain.ErrEnvironmentUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &domain.LaunchError{Op: "start", Err: err}
	}

	inst.start(proc)
	slog.Debug("Sandbox instance running",
		"instanceID", inst.ID, "submissionID", sub.ID, "language", env.Language, "backend", l.backend.Name())
	return inst, nil
}

// prepareWorkspace writes the source under the environment's fixed file name in a
// fresh directory the unprivileged sandbox user can write to.
func (l *Launcher) prepareWorkspace(id, sourceFile, source string) (string, error) {
	if err := os.MkdirAll(l.cfg.WorkRoot, 0o755); err != nil {
		return "", fmt.Errorf("%w: create work root: %v", domain.ErrEnvironmentUnavailable, err)
	}
	dir := filepath.Join(l.cfg.WorkRoot, id)
	if err := os.Mkdir(dir, 0o777); err != nil {
		return "", fmt.Errorf("%w: create workspace: %v", domain.ErrEnvironmentUnavailable, err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(dir, 0o777); err != nil {
		os.RemoveAll(dir)
		return "", &domain.LaunchError{Op: "workspace", Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, sourceFile), []byte(source), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("%w: write source: %v", domain.ErrEnvironmentUnavailable, err)
	}
	return dir, nil
}
