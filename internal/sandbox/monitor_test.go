package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/sandbox/sandboxtest"
)

func TestWatchReasons(t *testing.T) {
	tests := []struct {
		name   string
		script sandboxtest.Script
		limits domain.Limits
		want   domain.Reason
		code   int
	}{
		{
			name:   "clean exit",
			script: sandboxtest.Script{Stdout: "hello\n"},
			want:   domain.ReasonCompleted,
		},
		{
			name:   "non-zero exit is still completed",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 3}},
			want:   domain.ReasonCompleted,
			code:   3,
		},
		{
			name:   "wall clock",
			script: sandboxtest.Script{Hang: true},
			limits: domain.Limits{WallTime: 50 * time.Millisecond},
			want:   domain.ReasonTimedOut,
			code:   137,
		},
		{
			name:   "memory sample over limit",
			script: sandboxtest.Script{Hang: true, Memory: 256 << 20},
			limits: domain.Limits{MemoryBytes: 64 << 20},
			want:   domain.ReasonMemoryExceeded,
			code:   137,
		},
		{
			name:   "oom killed",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 137, Signal: "SIGKILL", OOMKilled: true}},
			want:   domain.ReasonMemoryExceeded,
			code:   137,
		},
		{
			name:   "peak over limit at exit",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 1, PeakMemoryBytes: 128 << 20}},
			limits: domain.Limits{MemoryBytes: 64 << 20},
			want:   domain.ReasonMemoryExceeded,
			code:   1,
		},
		{
			name:   "allocation failure reported by the runtime",
			script: sandboxtest.Script{Stderr: "fatal: out of memory\n", Exit: domain.Exit{Code: 2}},
			limits: domain.Limits{MemoryBytes: 64 << 20},
			want:   domain.ReasonMemoryExceeded,
			code:   2,
		},
		{
			name:   "allocation message on a successful run",
			script: sandboxtest.Script{Stderr: "Out of memory is just a string\n"},
			limits: domain.Limits{MemoryBytes: 64 << 20},
			want:   domain.ReasonCompleted,
		},
		{
			name:   "allocation message without a memory limit",
			script: sandboxtest.Script{Stderr: "Out of memory\n", Exit: domain.Exit{Code: 1}},
			want:   domain.ReasonCompleted,
			code:   1,
		},
		{
			name:   "cpu limit signal",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 152, Signal: "SIGXCPU"}},
			want:   domain.ReasonTimedOut,
			code:   152,
		},
		{
			name:   "file size signal",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 153, Signal: "SIGXFSZ"}},
			want:   domain.ReasonOutputExceeded,
			code:   153,
		},
		{
			name:   "crash",
			script: sandboxtest.Script{Exit: domain.Exit{Code: 139, Signal: "SIGSEGV"}},
			want:   domain.ReasonKilled,
			code:   139,
		},
		{
			name:   "backend lost the process",
			script: sandboxtest.Script{Exit: domain.Exit{Code: -1, Err: errors.New("daemon went away")}},
			want:   domain.ReasonInternalError,
			code:   -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sandboxtest.Always(tt.script), 1, tt.limits)
			res := f.run(t, context.Background(), domain.Submission{ID: "s1", Language: "sh"})

			if res.Reason != tt.want {
				t.Fatalf("Reason = %s, want %s", res.Reason, tt.want)
			}
			if res.ExitCode != tt.code {
				t.Errorf("ExitCode = %d, want %d", res.ExitCode, tt.code)
			}
			if f.backend.Live() != 0 || f.pool.InUse() != 0 {
				t.Errorf("instance leaked: live=%d inUse=%d", f.backend.Live(), f.pool.InUse())
			}
		})
	}
}

func TestWatchTimeoutIsPrompt(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Hang: true}), 1, domain.Limits{WallTime: 100 * time.Millisecond})

	start := time.Now()
	res := f.run(t, context.Background(), domain.Submission{Language: "sh"})
	elapsed := time.Since(start)

	if res.Reason != domain.ReasonTimedOut {
		t.Fatalf("Reason = %s, want timed_out", res.Reason)
	}
	if elapsed > 100*time.Millisecond+time.Second {
		t.Fatalf("timed out after %v", elapsed)
	}
	if res.WallTimeMs < 100 {
		t.Errorf("WallTimeMs = %d, want at least the wall limit", res.WallTimeMs)
	}
}

func TestWatchOutputCeiling(t *testing.T) {
	const ceiling = 1024
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Flood: true}), 1, domain.Limits{OutputBytes: ceiling})

	res := f.run(t, context.Background(), domain.Submission{Language: "sh"})

	if res.Reason != domain.ReasonOutputExceeded {
		t.Fatalf("Reason = %s, want output_exceeded", res.Reason)
	}
	if len(res.Stdout) != ceiling {
		t.Fatalf("len(Stdout) = %d, want exactly %d", len(res.Stdout), ceiling)
	}
	if !res.StdoutTruncated {
		t.Error("StdoutTruncated = false")
	}
	if res.StderrTruncated {
		t.Error("stderr was not flooded")
	}
}

func TestWatchCancelKills(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Hang: true}), 1, domain.Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := f.run(t, ctx, domain.Submission{Language: "sh"})
	if res.Reason != domain.ReasonKilled {
		t.Fatalf("Reason = %s, want killed", res.Reason)
	}
	if f.backend.Live() != 0 {
		t.Fatal("cancelled instance leaked")
	}
}

func TestWatchKeepsNaturalExitWhenLimitFiresLate(t *testing.T) {
	tests := []struct {
		name   string
		limits domain.Limits
		cancel bool
	}{
		{name: "cancelled after exit", cancel: true},
		{name: "wall clock after exit", limits: domain.Limits{WallTime: time.Nanosecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Stdout: "hello"}), 1, tt.limits)

			// Both the exit and the limit are ready when Watch selects; repeat so a
			// random pick would show up.
			for i := 0; i < 100; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				inst, err := f.launcher.Launch(ctx, domain.Submission{Language: "sh"})
				if err != nil {
					t.Fatalf("Launch: %v", err)
				}
				for f.backend.Exited() < f.backend.Started() {
					time.Sleep(100 * time.Microsecond)
				}
				if tt.cancel {
					cancel()
				}

				res := f.collect.Collect(inst, f.monitor.Watch(ctx, inst))
				cancel()
				if res.Reason != domain.ReasonCompleted || res.ExitCode != 0 || res.Stdout != "hello" {
					t.Fatalf("iteration %d: reason=%s exit=%d stdout=%q, want completed", i, res.Reason, res.ExitCode, res.Stdout)
				}
			}
		})
	}
}

func TestWatchForcesTeardownWhenKillIgnored(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Hang: true, IgnoreKill: true}), 1, domain.Limits{WallTime: 20 * time.Millisecond})

	inst, err := f.launcher.Launch(context.Background(), domain.Submission{Language: "sh"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	reason := f.monitor.Watch(context.Background(), inst)
	if reason != domain.ReasonTimedOut {
		t.Fatalf("Reason = %s, want timed_out", reason)
	}
	// Watch already destroyed the instance; the collector must not need to.
	if f.backend.Live() != 0 {
		t.Fatal("monitor returned with the process still alive")
	}
	res := f.collect.Collect(inst, reason)
	if res.Reason != domain.ReasonTimedOut {
		t.Fatalf("collected Reason = %s", res.Reason)
	}
}

func TestWatchCapturesStreamsSeparately(t *testing.T) {
	f := newFixture(t, sandboxtest.Always(sandboxtest.Script{Stdout: "out", Stderr: "err"}), 1, domain.Limits{})
	res := f.run(t, context.Background(), domain.Submission{ID: "s9", Language: "sh"})

	if res.Stdout != "out" || res.Stderr != "err" {
		t.Fatalf("Stdout=%q Stderr=%q", res.Stdout, res.Stderr)
	}
	if res.SubmissionID != "s9" || res.Language != "sh" {
		t.Errorf("result identity = %q/%q", res.SubmissionID, res.Language)
	}
	if res.InstanceID == "" || strings.Contains(res.InstanceID, "/") {
		t.Errorf("InstanceID = %q", res.InstanceID)
	}
}
