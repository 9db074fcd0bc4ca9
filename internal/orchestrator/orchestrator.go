// Package orchestrator runs one submission end to end: launch, watch, collect.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/metrics"
	"github.com/dontdude/sandboxd/internal/sandbox"
	"github.com/google/uuid"
)

// Orchestrator executes submissions. It is safe for concurrent use; each
// Execute call runs on the caller's goroutine.
type Orchestrator struct {
	launcher  *sandbox.Launcher
	monitor   *sandbox.Monitor
	collector *sandbox.Collector

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func New(launcher *sandbox.Launcher, monitor *sandbox.Monitor, collector *sandbox.Collector) *Orchestrator {
	return &Orchestrator{
		launcher:  launcher,
		monitor:   monitor,
		collector: collector,
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Execute runs sub to completion and returns exactly one Result. It never returns
// an error: launch failures and cancellation are reported inside the Result.
func (o *Orchestrator) Execute(ctx context.Context, sub domain.Submission) domain.Result {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !o.register(sub.ID, cancel) {
		err := &domain.LaunchError{Op: "admit", Err: fmt.Errorf("submission %q is already running", sub.ID)}
		return o.finish(sub, failed(sub, domain.ErrorInfoFor(err)))
	}
	defer o.unregister(sub.ID)

	inst, err := o.launcher.Launch(ctx, sub)
	if err != nil {
		info := domain.ErrorInfoFor(err)
		res := failed(sub, info)
		if ctx.Err() != nil {
			info = &domain.ErrorInfo{Kind: domain.KindCancelled, Message: "cancelled before launch: " + err.Error()}
			res = failed(sub, info)
			res.Reason = domain.ReasonKilled
		}
		metrics.LaunchFailures.WithLabelValues(string(info.Kind)).Inc()
		slog.Warn("Launch failed", "submissionID", sub.ID, "language", sub.Language, "kind", info.Kind, "error", err)
		return o.finish(sub, res)
	}

	reason := o.monitor.Watch(ctx, inst)
	return o.finish(sub, o.collector.Collect(inst, reason))
}

// Cancel stops the in-flight submission id. It reports false when id is unknown
// or already finished.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[id]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight is the number of submissions currently executing.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) register(id string, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.inflight[id]; dup {
		return false
	}
	o.inflight[id] = cancel
	return true
}

func (o *Orchestrator) unregister(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) finish(sub domain.Submission, res domain.Result) domain.Result {
	lang := res.Language
	if lang == "" {
		lang = sub.Language
	}
	metrics.ExecutionsTotal.WithLabelValues(lang, string(res.Reason)).Inc()
	if res.InstanceID != "" {
		metrics.ExecutionDuration.WithLabelValues(lang).Observe(float64(res.WallTimeMs))
		metrics.PeakMemory.WithLabelValues(lang).Observe(float64(res.PeakMemoryBytes))
	}

	slog.Info("Execution finished",
		"submissionID", res.SubmissionID,
		"instanceID", res.InstanceID,
		"language", lang,
		"reason", res.Reason,
		"exitCode", res.ExitCode,
		"wallTimeMs", res.WallTimeMs,
	)
	return res
}

func failed(sub domain.Submission, info *domain.ErrorInfo) domain.Result {
	now := time.Now()
	return domain.Result{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		Reason:       domain.ReasonInternalError,
		ExitCode:     -1,
		Error:        info,
		StartedAt:    now,
		FinishedAt:   now,
	}
}
