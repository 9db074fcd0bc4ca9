package domain

import (
	"context"
	"io"
)

// Backend defines the contract for an isolation primitive (containers, jails, plain
// processes) able to run one Environment command for one sandbox instance.
// Implementations own the low-level lifecycle; the orchestrator only sees Process.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Start launches spec asynchronously and returns a live handle without waiting
	// for completion. Errors satisfying IsUnavailable are reported to callers as
	// ErrEnvironmentUnavailable.
	Start(ctx context.Context, spec LaunchSpec) (Process, error)
}

// Preparer is implemented by backends that must fetch artifacts (images) before the
// first launch. It is called once at startup.
type Preparer interface {
	Prepare(ctx context.Context, envs []Environment) error
}

// LaunchSpec is everything a Backend needs to start one instance.
type LaunchSpec struct {
	InstanceID  string
	Environment Environment
	// Command is the final argv, already resolved from the Environment.
	Command []string
	// Workspace is the host directory holding the source file. It is the only
	// writable area shared between host and sandbox.
	Workspace string
	Limits    Limits
	Stdin     []byte

	// Stdout and Stderr receive the program output. They are safe for use from a
	// single writer goroutine each.
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running sandbox instance as seen by the monitor.
type Process interface {
	// Done is closed once the process has exited and its output is fully drained.
	Done() <-chan struct{}

	// Exit reports how the process ended. It is only meaningful after Done.
	Exit() Exit

	// Kill forcibly stops the process and everything it spawned. Killing an already
	// exited process is a no-op.
	Kill() error

	// Usage samples current resource consumption.
	Usage(ctx context.Context) (Usage, error)

	// Destroy releases every backend resource (container, cgroup). It is called
	// exactly once, after Done or after a failed Kill.
	Destroy(ctx context.Context) error
}

// Exit describes a finished process.
type Exit struct {
	Code int
	// Signal is the terminating signal name (e.g. "SIGKILL"), empty on normal exit.
	Signal    string
	OOMKilled bool
	// PeakMemoryBytes is the backend's own accounting, zero if unknown.
	PeakMemoryBytes int64
	// Err is set when the backend lost track of the process.
	Err error
}

// Usage is a point-in-time resource sample.
type Usage struct {
	MemoryBytes int64
}
