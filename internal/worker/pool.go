package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/metrics"
)

// Executor runs one submission to completion. *orchestrator.Orchestrator
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, sub domain.Submission) domain.Result
}

// ErrAlreadyQueued is returned by Submit for a job ID that is still buffered or
// executing on this pool.
var ErrAlreadyQueued = errors.New("job already queued or running")

// ResultHandler receives every finished job, typically to broadcast and ack it.
type ResultHandler func(job domain.Job, res domain.Result)

// Pool implements a fixed-size worker pool pattern.
// It throttles concurrent executions with a fixed number of goroutines reading
// a buffered channel.
type Pool struct {
	// workerCount determines how many submissions execute at once on this host.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg sync.WaitGroup

	executor Executor
	handle   ResultHandler

	// pending holds the IDs between Submit and the end of their handler.
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, executor Executor, handle ResultHandler) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:  make(chan domain.Job, concurrency),
		executor: executor,
		handle:   handle,
		pending:  make(map[string]struct{}),
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current task and exit.
// It blocks until all workers have exited. Submit must not be called afterwards.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool, waiting for tasks to drain...")
	close(p.tasksCh)
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks while the queue and workers are saturated, or until ctx is done.
// A job whose ID is already pending is rejected with ErrAlreadyQueued.
func (p *Pool) Submit(ctx context.Context, job domain.Job) error {
	p.mu.Lock()
	if _, dup := p.pending[job.ID]; dup {
		p.mu.Unlock()
		return ErrAlreadyQueued
	}
	p.pending[job.ID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.tasksCh <- job:
		metrics.QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		p.done(job.ID)
		return ctx.Err()
	}
}

// Pending reports whether id is buffered or executing.
func (p *Pool) Pending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[id]
	return ok
}

func (p *Pool) done(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerId", id)

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		metrics.QueueDepth.Dec()
		slog.Debug("Processing job", "workerId", id, "jobID", job.ID)

		sub := job.Submission
		if sub.ID == "" {
			sub.ID = job.ID
		}

		// Executions are independent of shutdown so in-flight jobs drain.
		res := p.executor.Execute(context.Background(), sub)
		p.handle(job, res)
		p.done(job.ID)
	}

	slog.Info("Worker stopped", "workerID", id)
}
