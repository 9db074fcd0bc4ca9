package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dontdude/sandboxd/internal/config"
	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/platform/queue"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configFlag   string
	languageFlag string
	fileFlag     string
	stdinFlag    string
	timeoutFlag  time.Duration
	waitFlag     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd-producer",
	Short: "Enqueue submissions directly on the sandboxd Redis stream",
	Long: `sandboxd-producer talks to Redis without going through the API server. It is
meant for smoke tests and load generation against a running worker fleet.`,
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish one submission and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		source, err := os.ReadFile(fileFlag)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}

		redisQ, err := connect()
		if err != nil {
			return err
		}
		defer redisQ.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), waitFlag)
		defer cancel()

		// Subscribe before publishing so a fast worker cannot beat us.
		results, err := redisQ.SubscribeResults(ctx)
		if err != nil {
			return fmt.Errorf("subscribe results: %w", err)
		}

		id := uuid.NewString()
		job := domain.Job{
			ID: id,
			Submission: domain.Submission{
				ID:       id,
				Language: languageFlag,
				Source:   string(source),
				Stdin:    stdinFlag,
				Limits:   domain.Limits{WallTime: timeoutFlag},
			},
		}
		slog.Info("Publishing job", "jobID", id, "language", languageFlag)
		if err := redisQ.Publish(ctx, job); err != nil {
			return fmt.Errorf("publish: %w", err)
		}

		for {
			select {
			case res, ok := <-results:
				if !ok {
					return fmt.Errorf("result subscription closed before job %s finished", id)
				}
				if res.SubmissionID != id {
					continue
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			case <-ctx.Done():
				return fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
			}
		}
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Ask the workers to stop a running submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := uuid.Validate(args[0]); err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		redisQ, err := connect()
		if err != nil {
			return err
		}
		defer redisQ.Close()
		return redisQ.RequestCancel(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to sandboxd.yaml (default: ./ or /etc/sandboxd)")

	submitCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language identifier (e.g. python, cpp)")
	submitCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Source file to run")
	submitCmd.Flags().StringVar(&stdinFlag, "stdin", "", "Data fed to the program's standard input")
	submitCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Wall-clock limit (0 uses the server default)")
	submitCmd.Flags().DurationVar(&waitFlag, "wait", 2*time.Minute, "How long to wait for the result")
	_ = submitCmd.MarkFlagRequired("language")
	_ = submitCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(submitCmd, cancelCmd)
}

func connect() (*queue.RedisQueue, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	return queue.NewRedisQueue(cfg.Redis.Addr, cfg.Redis.Stream, cfg.Redis.Group), nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
