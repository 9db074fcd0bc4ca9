package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/redis/go-redis/v9"
)

const recoveryConsumer = "recovery-agent"

// RecoveryConfig controls how stale jobs are reclaimed.
type RecoveryConfig struct {
	Interval time.Duration
	// MaxAge is how long a delivered job may stay unacknowledged. It must exceed
	// the longest execution.
	MaxAge time.Duration
	// MaxDeliveries abandons a job after this many deliveries.
	MaxDeliveries int64
}

// StartRecoveryRoutine polls the PEL for stale jobs until ctx is done. Jobs under
// the delivery budget are handed to redeliver; the rest are acknowledged and
// reported as failed.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, cfg RecoveryConfig, redeliver func(domain.Job)) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", cfg.Interval, "maxAge", cfg.MaxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.recoverStale(ctx, cfg, redeliver)
			if err != nil {
				slog.Error("Recovery routine failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Recovered stale jobs", "count", n)
			}
		}
	}
}

// recoverStale runs one XAUTOCLAIM sweep and returns the number of claimed jobs.
func (r *RedisQueue) recoverStale(ctx context.Context, cfg RecoveryConfig, redeliver func(domain.Job)) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	claimed := 0
	start := "-"
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  cfg.MaxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return claimed, err
		}

		for _, msg := range messages {
			claimed++
			r.handleStale(ctx, cfg, msg, redeliver)
		}

		if len(messages) == 0 || next == "0-0" {
			return claimed, nil
		}
		start = next
	}
}

func (r *RedisQueue) handleStale(ctx context.Context, cfg RecoveryConfig, msg redis.XMessage, redeliver func(domain.Job)) {
	job, err := decodeJob(msg)
	if err != nil {
		slog.Error("Dropping malformed stale job", "msgID", msg.ID, "error", err)
		r.Acknowledge(ctx, msg.ID)
		return
	}

	deliveries := r.deliveries(ctx, msg.ID)
	if cfg.MaxDeliveries > 0 && deliveries > cfg.MaxDeliveries {
		slog.Warn("Abandoning job after repeated deliveries", "jobID", job.ID, "deliveries", deliveries)
		now := time.Now()
		r.Broadcast(ctx, domain.Result{
			SubmissionID: job.ID,
			Language:     job.Submission.Language,
			Reason:       domain.ReasonInternalError,
			ExitCode:     -1,
			Error: &domain.ErrorInfo{
				Kind:    domain.KindBackendError,
				Message: fmt.Sprintf("job abandoned after %d deliveries", deliveries),
			},
			StartedAt:  now,
			FinishedAt: now,
		})
		r.Acknowledge(ctx, msg.ID)
		return
	}

	slog.Warn("Stale job claimed by recovery agent", "jobID", job.ID, "msgID", msg.ID, "deliveries", deliveries)
	redeliver(job)
}

// deliveries reads the delivery counter of one pending entry.
func (r *RedisQueue) deliveries(ctx context.Context, id string) int64 {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.stream,
		Group:  r.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return pending[0].RetryCount
}
