package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/sandbox"
	"github.com/dontdude/sandboxd/internal/sandbox/sandboxtest"
)

func TestCollectRecoversAndTearsDown(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Hang: true, PanicOnExit: true}), 1, domain.Limits{})
	ctx, cancel := context.WithCancel(context.Background())

	inst, err := f.launcher.Launch(ctx, domain.Submission{ID: "s1", Language: "sh"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	cancel()
	reason := f.monitor.Watch(ctx, inst)

	res := f.collect.Collect(inst, reason)
	if res.Reason != domain.ReasonInternalError {
		t.Fatalf("Reason = %s, want internal_error", res.Reason)
	}
	if res.Error == nil || res.Error.Kind != domain.KindCollectionError {
		t.Fatalf("Error = %+v, want collection_error", res.Error)
	}
	if res.SubmissionID != "s1" {
		t.Errorf("SubmissionID = %q", res.SubmissionID)
	}
	if f.backend.Live() != 0 || f.pool.InUse() != 0 {
		t.Fatal("teardown skipped after a collection failure")
	}
}

func TestCollectReportsBackendError(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{
		Exit: domain.Exit{Code: -1, Err: context.DeadlineExceeded},
	}), 1, domain.Limits{})

	res := f.run(t, context.Background(), domain.Submission{Language: "sh"})
	if res.Error == nil || res.Error.Kind != domain.KindBackendError {
		t.Fatalf("Error = %+v, want backend_error", res.Error)
	}
}

func TestCollectPeakMemory(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{
		Runtime: 50 * time.Millisecond,
		Memory:  10 << 20,
		Exit:    domain.Exit{PeakMemoryBytes: 12 << 20},
	}), 1, domain.Limits{MemoryBytes: 64 << 20})

	res := f.run(t, context.Background(), domain.Submission{Language: "sh"})
	if res.Reason != domain.ReasonCompleted {
		t.Fatalf("Reason = %s", res.Reason)
	}
	if res.PeakMemoryBytes != 12<<20 {
		t.Fatalf("PeakMemoryBytes = %d, want the larger of sampled and reported peak", res.PeakMemoryBytes)
	}
}

func TestInstanceDestroyIsIdempotent(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Hang: true}), 1, domain.Limits{})
	inst, err := f.launcher.Launch(context.Background(), domain.Submission{Language: "sh"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if inst.State() != sandbox.StateRunning {
		t.Fatalf("State = %s, want running", inst.State())
	}
	for range 3 {
		inst.Destroy(context.Background())
	}
	if f.pool.InUse() != 0 || f.backend.Live() != 0 {
		t.Fatal("Destroy leaked")
	}
	if inst.State() != sandbox.StateTerminated {
		t.Fatalf("State = %s, want terminated", inst.State())
	}
}
