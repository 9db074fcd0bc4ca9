package domain

import "context"

// JobQueue defines the contract for a distributed job queue.
// It decouples the application from the underlying message broker (Redis, RabbitMQ, etc.).
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been processed.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes the execution result to the Pub/Sub channel.
	Broadcast(ctx context.Context, result Result) error

	// SubscribeResults returns a channel that streams execution results from all workers.
	SubscribeResults(ctx context.Context) (<-chan Result, error)

	// RequestCancel asks every worker to cancel the given job if it is running.
	RequestCancel(ctx context.Context, jobID string) error

	// SubscribeCancels streams job IDs whose cancellation was requested.
	SubscribeCancels(ctx context.Context) (<-chan string, error)
}

// Job represents a unit of work to be executed.
type Job struct {
	ID         string     `json:"id"`
	Submission Submission `json:"submission"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}
