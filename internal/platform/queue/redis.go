// Package queue carries jobs, results and cancellations between the API server
// and the workers over Redis.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "sandboxd:jobs"
	DefaultGroup  = "sandboxd:workers"

	resultsChannel = "sandboxd:results"
	cancelChannel  = "sandboxd:cancel"
)

// RedisQueue implements domain.JobQueue using Redis Streams for jobs and
// Pub/Sub for results and cancellations.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed queue adapter.
// It panics when Redis is unreachable so a misconfigured process never starts.
func NewRedisQueue(addr, stream, group string) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	// Unique consumer name per process (hostname-pid)
	host, _ := os.Hostname()
	if host == "" {
		host = "consumer"
	}

	return &RedisQueue{
		client:   rdb,
		stream:   stream,
		group:    group,
		consumer: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Close closes the underlying client.
func (r *RedisQueue) Close() error { return r.client.Close() }

// Ping reports whether Redis is reachable.
func (r *RedisQueue) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group, and the stream with it.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs using XREADGROUP (Consumer). The channel
// closes when ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)
	go func() {
		defer close(outCh)

		for ctx.Err() == nil {
			// Block for 2s at most so ctx is rechecked.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "error", err)
				sleep(ctx, time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						slog.Error("Dropping malformed job", "msgID", msg.ID, "error", err)
						r.client.XAck(ctx, r.stream, r.group, msg.ID)
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	var job domain.Job
	val, ok := msg.Values["job"].(string)
	if !ok {
		return job, errors.New("missing job field")
	}
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return job, fmt.Errorf("unmarshal job: %w", err)
	}
	// Keep the stream ID so the job can be acknowledged later.
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes an execution result to every API server.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.Publish(ctx, resultsChannel, data).Err()
}

// SubscribeResults streams results published by all workers.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.Result, error) {
	return subscribe(ctx, r.client, resultsChannel, func(payload string) (domain.Result, error) {
		var res domain.Result
		err := json.Unmarshal([]byte(payload), &res)
		return res, err
	})
}

// RequestCancel asks every worker to stop jobID.
func (r *RedisQueue) RequestCancel(ctx context.Context, jobID string) error {
	return r.client.Publish(ctx, cancelChannel, jobID).Err()
}

// SubscribeCancels streams cancellation requests.
func (r *RedisQueue) SubscribeCancels(ctx context.Context) (<-chan string, error) {
	return subscribe(ctx, r.client, cancelChannel, func(payload string) (string, error) {
		return payload, nil
	})
}

// subscribe forwards decoded Pub/Sub messages on channel until ctx is done.
func subscribe[T any](ctx context.Context, client *redis.Client, channel string, decode func(string) (T, error)) (<-chan T, error) {
	pubsub := client.Subscribe(ctx, channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	outCh := make(chan T)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				v, err := decode(msg.Payload)
				if err != nil {
					slog.Error("Failed to decode message", "channel", channel, "error", err)
					continue
				}
				select {
				case outCh <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
