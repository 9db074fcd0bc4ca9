package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

// Collector turns a finished Instance into a Result and tears it down.
type Collector struct {
	teardownTimeout time.Duration
}

// NewCollector returns a collector that gives backend teardown at most timeout.
func NewCollector(teardownTimeout time.Duration) *Collector {
	if teardownTimeout <= 0 {
		teardownTimeout = 10 * time.Second
	}
	return &Collector{teardownTimeout: teardownTimeout}
}

// Collect drains inst's output, records timing and memory, and destroys inst on
// every path. A failure while collecting becomes ReasonInternalError.
func (c *Collector) Collect(inst *Instance, reason domain.Reason) (res domain.Result) {
	defer c.teardown(inst)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Result collection panicked", "instanceID", inst.ID, "panic", r)
			res = failedResult(inst, &domain.ErrorInfo{
				Kind:    domain.KindCollectionError,
				Message: fmt.Sprint(r),
			})
		}
	}()

	res = domain.Result{
		SubmissionID: inst.Submission.ID,
		InstanceID:   inst.ID,
		Language:     inst.Environment.Language,
		Reason:       reason,
		ExitCode:     -1,
		StartedAt:    inst.startedAt,
		FinishedAt:   inst.finishedAt,
	}

	res.Stdout, res.StdoutTruncated = inst.stdout.Snapshot()
	res.Stderr, res.StderrTruncated = inst.stderr.Snapshot()

	peak := inst.PeakMemory()
	if inst.exited() {
		exit := inst.process.Exit()
		res.ExitCode = exit.Code
		res.Signal = exit.Signal
		peak = max(peak, exit.PeakMemoryBytes)
		if exit.Err != nil {
			res.Error = &domain.ErrorInfo{Kind: domain.KindBackendError, Message: exit.Err.Error()}
		}
	}
	res.PeakMemoryBytes = peak

	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	if !res.StartedAt.IsZero() {
		res.WallTimeMs = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	}
	return res
}

func (c *Collector) teardown(inst *Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
	defer cancel()
	if err := inst.Destroy(ctx); err != nil {
		slog.Error("Sandbox teardown failed", "instanceID", inst.ID, "error", err)
	}
}

func failedResult(inst *Instance, info *domain.ErrorInfo) domain.Result {
	return domain.Result{
		SubmissionID: inst.Submission.ID,
		InstanceID:   inst.ID,
		Language:     inst.Environment.Language,
		Reason:       domain.ReasonInternalError,
		ExitCode:     -1,
		Error:        info,
		StartedAt:    inst.startedAt,
		FinishedAt:   time.Now(),
	}
}
