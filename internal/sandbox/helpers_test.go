package sandbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/environment"
	"github.com/dontdude/sandboxd/internal/sandbox"
	"github.com/dontdude/sandboxd/internal/sandbox/sandboxtest"
)

var testEnvironments = []domain.Environment{
	{
		Language:     "sh",
		SourceFile:   "main.sh",
		User:         "runner",
		Run:          "sh main.sh",
		MemoryErrors: []string{"Out of memory"},
	},
	{
		Language:   "cpp",
		SourceFile: "solution.cpp",
		User:       "coderunner",
		Compile:    "g++ -o solution solution.cpp",
		Run:        "./solution",
		Limits:     domain.Limits{WallTime: 3 * time.Second},
	},
	{
		Language:   "rootly",
		SourceFile: "main.sh",
		User:       "root",
		Run:        "sh main.sh",
	},
	{
		Language:   "broken",
		SourceFile: "main.sh",
		User:       "runner",
		Run:        `sh "main.sh`,
	},
}

type fixture struct {
	backend  *sandboxtest.Backend
	pool     *sandbox.Pool
	launcher *sandbox.Launcher
	monitor  *sandbox.Monitor
	collect  *sandbox.Collector
	workRoot string
}

func newFixture(t *testing.T, b *sandboxtest.Backend, capacity int, defaults domain.Limits) *fixture {
	t.Helper()
	workRoot := t.TempDir()
	pool := sandbox.NewPool(capacity)
	return &fixture{
		backend: b,
		pool:    pool,
		launcher: sandbox.NewLauncher(environment.NewRegistry(testEnvironments...), b, pool, sandbox.LauncherConfig{
			WorkRoot:       workRoot,
			Defaults:       defaults,
			Max:            domain.Limits{WallTime: 5 * time.Second, MemoryBytes: 512 << 20, OutputBytes: 1 << 20},
			MaxSourceBytes: 1 << 10,
		}),
		monitor:  sandbox.NewMonitor(5*time.Millisecond, 200*time.Millisecond),
		collect:  sandbox.NewCollector(time.Second),
		workRoot: workRoot,
	}
}

// run drives one submission through launch, watch and collect.
func (f *fixture) run(t *testing.T, ctx context.Context, sub domain.Submission) domain.Result {
	t.Helper()
	inst, err := f.launcher.Launch(ctx, sub)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	reason := f.monitor.Watch(ctx, inst)
	res := f.collect.Collect(inst, reason)
	if inst.State() != sandbox.StateTerminated {
		t.Fatalf("instance state = %s after collect, want terminated", inst.State())
	}
	return res
}
