package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/environment"
	"github.com/dontdude/sandboxd/internal/orchestrator"
	"github.com/dontdude/sandboxd/internal/sandbox"
	"github.com/dontdude/sandboxd/internal/sandbox/sandboxtest"
)

// programs maps a submission's source text to how the fake backend runs it.
var programs = map[string]sandboxtest.Script{
	"hello":   {Stdout: "hello"},
	"forever": {Hang: true},
	"alloc":   {Hang: true, Memory: 1 << 30},
	"spam":    {Flood: true},
	"bad.cpp": {Stderr: "solution.cpp:1:1: error: expected unqualified-id", Exit: domain.Exit{Code: 1}},
	"down":    {StartErr: fmt.Errorf("%w: daemon restarting", domain.ErrEnvironmentUnavailable)},
}

func scripted(spec domain.LaunchSpec) sandboxtest.Script {
	src, err := os.ReadFile(filepath.Join(spec.Workspace, spec.Environment.SourceFile))
	if err != nil {
		return sandboxtest.Script{StartErr: err}
	}
	return programs[string(src)]
}

type harness struct {
	orch    *orchestrator.Orchestrator
	backend *sandboxtest.Backend
	pool    *sandbox.Pool
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	backend := &sandboxtest.Backend{Pick: scripted}
	pool := sandbox.NewPool(capacity)
	registry := environment.NewRegistry(
		domain.Environment{Language: "python", SourceFile: "main.py", User: "65534", Run: "python3 main.py"},
		domain.Environment{Language: "cpp", SourceFile: "solution.cpp", User: "coderunner", Compile: "g++ -o solution solution.cpp", Run: "./solution"},
	)
	launcher := sandbox.NewLauncher(registry, backend, pool, sandbox.LauncherConfig{
		WorkRoot:      t.TempDir(),
		Defaults:      domain.Limits{WallTime: 200 * time.Millisecond, MemoryBytes: 64 << 20, OutputBytes: 2048},
		AdmissionWait: 5 * time.Second,
	})
	return &harness{
		orch:    orchestrator.New(launcher, sandbox.NewMonitor(5*time.Millisecond, 100*time.Millisecond), sandbox.NewCollector(time.Second)),
		backend: backend,
		pool:    pool,
	}
}

func (h *harness) assertClean(t *testing.T) {
	t.Helper()
	if h.backend.Live() != 0 {
		t.Fatalf("%d sandbox instances left alive", h.backend.Live())
	}
	if h.pool.InUse() != 0 {
		t.Fatalf("%d admission slots still held", h.pool.InUse())
	}
	if h.orch.InFlight() != 0 {
		t.Fatalf("%d submissions still registered", h.orch.InFlight())
	}
}

func TestExecuteHello(t *testing.T) {
	h := newHarness(t, 2)
	res := h.orch.Execute(context.Background(), domain.Submission{ID: "s1", Language: "python", Source: "hello"})

	if res.Reason != domain.ReasonCompleted || res.ExitCode != 0 || res.Stdout != "hello" {
		t.Fatalf("got reason=%s exit=%d stdout=%q", res.Reason, res.ExitCode, res.Stdout)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error info %+v", res.Error)
	}
	h.assertClean(t)
}

func TestExecuteCompileFailureIsCompleted(t *testing.T) {
	h := newHarness(t, 1)
	res := h.orch.Execute(context.Background(), domain.Submission{Language: "cpp", Source: "bad.cpp"})

	if res.Reason != domain.ReasonCompleted {
		t.Fatalf("Reason = %s, want completed", res.Reason)
	}
	if res.ExitCode == 0 {
		t.Fatal("compile failure must keep a non-zero exit")
	}
	if !strings.Contains(res.Stderr, "error:") {
		t.Fatalf("Stderr = %q, want compiler diagnostics", res.Stderr)
	}
	if res.SubmissionID == "" {
		t.Fatal("an ID must be assigned")
	}
	h.assertClean(t)
}

func TestExecuteLimits(t *testing.T) {
	tests := []struct {
		source string
		want   domain.Reason
	}{
		{"forever", domain.ReasonTimedOut},
		{"alloc", domain.ReasonMemoryExceeded},
		{"spam", domain.ReasonOutputExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			h := newHarness(t, 1)
			start := time.Now()
			res := h.orch.Execute(context.Background(), domain.Submission{Language: "python", Source: tt.source})

			if res.Reason != tt.want {
				t.Fatalf("Reason = %s, want %s", res.Reason, tt.want)
			}
			// wall limit plus kill grace plus slack
			if elapsed := time.Since(start); elapsed > 200*time.Millisecond+100*time.Millisecond+time.Second {
				t.Fatalf("took %v", elapsed)
			}
			if tt.want == domain.ReasonOutputExceeded && len(res.Stdout) != 2048 {
				t.Fatalf("len(Stdout) = %d, want exactly the 2048 byte ceiling", len(res.Stdout))
			}
			h.assertClean(t)
		})
	}
}

func TestExecuteUnknownLanguage(t *testing.T) {
	h := newHarness(t, 1)
	res := h.orch.Execute(context.Background(), domain.Submission{Language: "brainfuck", Source: "hello"})

	if res.Reason != domain.ReasonInternalError {
		t.Fatalf("Reason = %s, want internal_error", res.Reason)
	}
	if res.Error == nil || res.Error.Kind != domain.KindUnknownLanguage {
		t.Fatalf("Error = %+v, want unknown_language", res.Error)
	}
	if h.backend.Started() != 0 {
		t.Fatal("no sandbox instance may be created for an unknown language")
	}
	h.assertClean(t)
}

func TestExecuteEnvironmentUnavailableIsRetryable(t *testing.T) {
	h := newHarness(t, 1)
	res := h.orch.Execute(context.Background(), domain.Submission{Language: "python", Source: "down"})

	if res.Error == nil || res.Error.Kind != domain.KindEnvironmentUnavailable || !res.Error.Retryable {
		t.Fatalf("Error = %+v, want retryable environment_unavailable", res.Error)
	}
	h.assertClean(t)
}

func TestCancelInFlight(t *testing.T) {
	h := newHarness(t, 1)
	sub := domain.Submission{ID: "loop", Language: "python", Source: "forever", Limits: domain.Limits{WallTime: time.Minute}}

	done := make(chan domain.Result, 1)
	go func() { done <- h.orch.Execute(context.Background(), sub) }()

	deadline := time.Now().Add(time.Second)
	for !h.orch.Cancel("loop") {
		if time.Now().After(deadline) {
			t.Fatal("submission never became cancellable")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case res := <-done:
		if res.Reason != domain.ReasonKilled {
			t.Fatalf("Reason = %s, want killed", res.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled submission hung")
	}
	if h.orch.Cancel("loop") {
		t.Fatal("cancelling a finished submission must be a no-op")
	}
	h.assertClean(t)
}

func TestExecuteCancelledBeforeLaunch(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Hold the only slot so Launch blocks on admission and sees the cancellation.
	release, err := h.pool.Acquire(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	res := h.orch.Execute(ctx, domain.Submission{Language: "python", Source: "hello"})
	release()

	if res.Reason != domain.ReasonKilled {
		t.Fatalf("Reason = %s, want killed", res.Reason)
	}
	if res.Error == nil || res.Error.Kind != domain.KindCancelled {
		t.Fatalf("Error = %+v, want cancelled", res.Error)
	}
	h.assertClean(t)
}

func TestExecuteRejectsDuplicateInFlightID(t *testing.T) {
	h := newHarness(t, 2)
	sub := domain.Submission{ID: "dup", Language: "python", Source: "forever", Limits: domain.Limits{WallTime: time.Minute}}

	done := make(chan domain.Result, 1)
	go func() { done <- h.orch.Execute(context.Background(), sub) }()
	for h.backend.Started() == 0 {
		time.Sleep(time.Millisecond)
	}

	res := h.orch.Execute(context.Background(), sub)
	if res.Error == nil || res.Error.Kind != domain.KindLaunchError {
		t.Fatalf("Error = %+v, want launch_error for a duplicate ID", res.Error)
	}

	h.orch.Cancel("dup")
	<-done
	if h.orch.InFlight() != 0 {
		t.Error("duplicate left an in-flight entry behind")
	}
	h.assertClean(t)
}

func TestExecuteConcurrentSubmissions(t *testing.T) {
	h := newHarness(t, 4)

	var wg sync.WaitGroup
	results := make([]domain.Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := "hello"
			if i%4 == 0 {
				source = "forever"
			}
			results[i] = h.orch.Execute(context.Background(), domain.Submission{
				ID:       fmt.Sprintf("s%d", i),
				Language: "python",
				Source:   source,
			})
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		if res.SubmissionID != fmt.Sprintf("s%d", i) {
			t.Errorf("result %d belongs to %q", i, res.SubmissionID)
		}
		if res.Reason == domain.ReasonInternalError {
			t.Errorf("result %d: %+v", i, res.Error)
		}
	}
	h.assertClean(t)
}
