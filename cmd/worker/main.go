package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dontdude/sandboxd/internal/config"
	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/environment"
	"github.com/dontdude/sandboxd/internal/orchestrator"
	"github.com/dontdude/sandboxd/internal/platform/docker"
	"github.com/dontdude/sandboxd/internal/platform/process"
	"github.com/dontdude/sandboxd/internal/platform/queue"
	"github.com/dontdude/sandboxd/internal/sandbox"
	"github.com/dontdude/sandboxd/internal/worker"
	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sandboxd-worker",
	Short: "Executes queued submissions in sandboxes",
	Long: `sandboxd-worker consumes submissions from the Redis stream, runs each one in
an isolated sandbox and publishes the result.

Send SIGHUP to reload the environments file.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Path to sandboxd.yaml (default: ./ or /etc/sandboxd)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// 1. Configuration and logger
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)
	slog.Info("Starting sandboxd worker...", "backend", cfg.Worker.Backend)

	defaults, err := cfg.Limits.Defaults()
	if err != nil {
		return err
	}
	ceiling, err := cfg.Limits.Max()
	if err != nil {
		return err
	}
	maxSource, err := cfg.Sandbox.SourceLimit()
	if err != nil {
		return err
	}

	// 2. Environment table, reloadable on SIGHUP
	envs := environment.NewRegistry(environment.Defaults()...)
	if cfg.EnvironmentsFile != "" {
		if err := envs.LoadFile(cfg.EnvironmentsFile); err != nil {
			return err
		}
		go reloadOnHangup(ctx, envs, cfg.EnvironmentsFile)
	}

	// 3. Isolation backend
	backend, closeBackend, err := newBackend(ctx, cfg, envs.List())
	if err != nil {
		return err
	}
	defer closeBackend()

	// 4. Execution pipeline
	launcher := sandbox.NewLauncher(envs, backend, sandbox.NewPool(cfg.Sandbox.Capacity), sandbox.LauncherConfig{
		WorkRoot:       cfg.Sandbox.WorkRoot,
		Defaults:       defaults,
		Max:            ceiling,
		MaxSourceBytes: maxSource,
		AdmissionWait:  cfg.Sandbox.AdmissionWait,
	})
	orch := orchestrator.New(
		launcher,
		sandbox.NewMonitor(cfg.Sandbox.PollInterval, cfg.Sandbox.KillGrace),
		sandbox.NewCollector(cfg.Sandbox.TeardownTimeout),
	)

	// 5. Redis queue (panics when Redis is unreachable)
	redisQ := queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Stream, cfg.Redis.Group)
	defer redisQ.Close()

	// Results are published and acked even while shutting down so that drained
	// jobs are not redelivered.
	pool := worker.NewPool(cfg.Worker.Concurrency, orch, func(job domain.Job, res domain.Result) {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisQ.Broadcast(pubCtx, res); err != nil {
			slog.Error("Failed to broadcast result", "jobID", job.ID, "error", err)
		}
		if err := redisQ.Acknowledge(pubCtx, job.RawID); err != nil {
			slog.Error("Failed to ack job", "jobID", job.ID, "error", err)
		}
	})
	pool.Start()

	// 6. Cancellation requests from the API
	cancels, err := redisQ.SubscribeCancels(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cancels: %w", err)
	}
	go func() {
		for id := range cancels {
			if orch.Cancel(id) {
				slog.Info("Cancelled submission", "submissionID", id)
			}
		}
	}()

	// 7. Feeders: live stream and stale-job recovery
	jobs, err := redisQ.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe jobs: %w", err)
	}

	var feeders sync.WaitGroup
	feeders.Add(1)
	go func() {
		defer feeders.Done()
		redisQ.StartRecoveryRoutine(ctx, queue.RecoveryConfig{
			Interval:      cfg.Recovery.Interval,
			MaxAge:        cfg.Recovery.MaxAge,
			MaxDeliveries: cfg.Recovery.MaxDeliveries,
		}, func(job domain.Job) {
			err := pool.Submit(ctx, job)
			switch {
			case errors.Is(err, worker.ErrAlreadyQueued):
				slog.Debug("Recovered job is still pending here", "jobID", job.ID)
			case err != nil:
				slog.Warn("Recovered job not resubmitted", "jobID", job.ID, "error", err)
			}
		})
	}()

	slog.Info("Worker ready", "concurrency", cfg.Worker.Concurrency, "capacity", cfg.Sandbox.Capacity)
	for job := range jobs {
		if err := pool.Submit(ctx, job); err != nil {
			slog.Warn("Job left pending for recovery", "jobID", job.ID, "error", err)
		}
	}

	// 8. Graceful shutdown: stop feeding, then drain executions
	feeders.Wait()
	pool.Stop()
	return nil
}

func newBackend(ctx context.Context, cfg *config.Config, envs []domain.Environment) (domain.Backend, func(), error) {
	switch cfg.Worker.Backend {
	case "process":
		b, err := process.NewBackend(process.Config{
			CgroupRoot:       cfg.Worker.CgroupRoot,
			ShareHostNetwork: cfg.Worker.ShareHostNetwork,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil
	default:
		b, err := docker.NewBackend(ctx)
		if err != nil {
			return nil, nil, err
		}
		if n, err := b.Reap(ctx); err != nil {
			slog.Warn("Failed to reap leftover containers", "error", err)
		} else if n > 0 {
			slog.Info("Reaped leftover containers", "count", n)
		}
		if err := b.Prepare(ctx, envs); err != nil {
			// Missing images surface per submission as environment_unavailable.
			slog.Warn("Some images could not be prepared", "error", err)
		}
		return b, func() { b.Close() }, nil
	}
}

func reloadOnHangup(ctx context.Context, envs *environment.Registry, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := envs.LoadFile(path); err != nil {
				slog.Error("Environment reload failed, keeping current table", "path", path, "error", err)
				continue
			}
			slog.Info("Environments reloaded", "path", path, "languages", len(envs.List()))
		}
	}
}
