package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dontdude/sandboxd/internal/config"
	"github.com/dontdude/sandboxd/internal/environment"
	"github.com/dontdude/sandboxd/internal/platform/queue"
	"github.com/dontdude/sandboxd/internal/platform/web"
	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "sandboxd-server",
	Short: "HTTP and WebSocket front end for sandboxd",
	Long: `sandboxd-server accepts submissions over HTTP, enqueues them on Redis and
streams results back to WebSocket clients.`,
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

	maxSource, err := cfg.Sandbox.SourceLimit()
	if err != nil {
		return err
	}
	proxies, err := cfg.RateLimit.Proxies()
	if err != nil {
		return err
	}

	// 2. Language table, used to reject unknown languages before enqueueing
	envs := environment.NewRegistry(environment.Defaults()...)
	if cfg.EnvironmentsFile != "" {
		if err := envs.LoadFile(cfg.EnvironmentsFile); err != nil {
			return err
		}
	}

	// 3. Redis queue (panics when Redis is unreachable)
	redisQ := queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Stream, cfg.Redis.Group)
	defer redisQ.Close()

	// 4. Result fan-out to WebSocket clients
	results, err := redisQ.SubscribeResults(ctx)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	hub := web.NewHub()
	go hub.Run(ctx, results)

	// 5. HTTP server
	srv := &web.Server{
		Queue:          redisQ,
		Environments:   envs,
		Hub:            hub,
		Limiter:        web.NewRateLimiter(ctx, cfg.RateLimit.Rate, cfg.RateLimit.Burst, proxies),
		MaxSourceBytes: maxSource,
	}
	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", "addr", cfg.Server.Addr, "languages", len(envs.List()))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// 6. Graceful shutdown
	slog.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
