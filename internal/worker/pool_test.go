package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

type slowExecutor struct {
	delay   time.Duration
	running atomic.Int32
	peak    atomic.Int32
}

func (e *slowExecutor) Execute(ctx context.Context, sub domain.Submission) domain.Result {
	n := e.running.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.delay)
	e.running.Add(-1)
	return domain.Result{SubmissionID: sub.ID, Language: sub.Language, Reason: domain.ReasonCompleted}
}

func TestPoolBoundsConcurrencyAndDrains(t *testing.T) {
	exec := &slowExecutor{delay: 20 * time.Millisecond}

	var mu sync.Mutex
	got := map[string]domain.Result{}
	pool := NewPool(3, exec, func(job domain.Job, res domain.Result) {
		mu.Lock()
		got[job.ID] = res
		mu.Unlock()
	})
	pool.Start()

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, id := range ids {
		if err := pool.Submit(context.Background(), domain.Job{ID: id, Submission: domain.Submission{Language: "python"}}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Stop()

	if len(got) != len(ids) {
		t.Fatalf("handled %d jobs, want %d", len(got), len(ids))
	}
	for _, id := range ids {
		if got[id].SubmissionID != id {
			t.Errorf("job %s result carries submission %q", id, got[id].SubmissionID)
		}
	}
	if p := exec.peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds pool size", p)
	}
}

func TestPoolSubmitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(1, executorFunc(func(ctx context.Context, sub domain.Submission) domain.Result {
		<-block
		return domain.Result{}
	}), func(domain.Job, domain.Result) {})
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	// One job runs, one waits in the buffer; the third cannot be accepted.
	pool.Submit(context.Background(), domain.Job{ID: "1"})
	pool.Submit(context.Background(), domain.Job{ID: "2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	deadline := time.Now().Add(time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = pool.Submit(ctx, domain.Job{ID: fmt.Sprintf("3-%d", time.Now().UnixNano())}); err != nil {
			break
		}
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on a saturated pool = %v, want deadline exceeded", err)
	}
}

func TestPoolRejectsJobAlreadyPending(t *testing.T) {
	block := make(chan struct{})
	var runs atomic.Int32
	handled := make(chan string, 4)
	pool := NewPool(1, executorFunc(func(ctx context.Context, sub domain.Submission) domain.Result {
		runs.Add(1)
		<-block
		return domain.Result{SubmissionID: sub.ID}
	}), func(job domain.Job, res domain.Result) { handled <- job.ID })
	pool.Start()

	// "run" executes, "wait" sits in the buffer; a redelivery of either is refused.
	if err := pool.Submit(context.Background(), domain.Job{ID: "run"}); err != nil {
		t.Fatalf("Submit(run): %v", err)
	}
	for runs.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := pool.Submit(context.Background(), domain.Job{ID: "wait"}); err != nil {
		t.Fatalf("Submit(wait): %v", err)
	}
	for _, id := range []string{"run", "wait"} {
		if !pool.Pending(id) {
			t.Errorf("Pending(%s) = false", id)
		}
		if err := pool.Submit(context.Background(), domain.Job{ID: id}); !errors.Is(err, ErrAlreadyQueued) {
			t.Errorf("second Submit(%s) = %v, want ErrAlreadyQueued", id, err)
		}
	}

	close(block)
	pool.Stop()
	if runs.Load() != 2 || len(handled) != 2 {
		t.Fatalf("runs=%d handled=%d, want each job exactly once", runs.Load(), len(handled))
	}
	if pool.Pending("run") || pool.Pending("wait") {
		t.Error("finished jobs still pending")
	}
}

type executorFunc func(ctx context.Context, sub domain.Submission) domain.Result

func (f executorFunc) Execute(ctx context.Context, sub domain.Submission) domain.Result {
	return f(ctx, sub)
}
