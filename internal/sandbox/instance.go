package sandbox

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

// State is the lifecycle position of an Instance.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Instance is one isolated, resource-limited run of an Environment for a single
// Submission. It is owned by the goroutine executing that submission.
type Instance struct {
	ID          string
	Submission  domain.Submission
	Environment domain.Environment
	Limits      domain.Limits
	Workspace   string

	state   atomic.Int32
	process domain.Process

	stdout       *cappedBuffer
	stderr       *cappedBuffer
	overflow     chan struct{}
	overflowOnce sync.Once

	peakMemory atomic.Int64

	startedAt  time.Time
	finishedAt time.Time

	release     func()
	destroyOnce sync.Once
	destroyErr  error
}

func newInstance(id string, sub domain.Submission, env domain.Environment, limits domain.Limits) *Instance {
	inst := &Instance{
		ID:          id,
		Submission:  sub,
		Environment: env,
		Limits:      limits,
		overflow:    make(chan struct{}),
		release:     func() {},
	}
	inst.stdout = newCappedBuffer(limits.OutputBytes, inst.signalOverflow)
	inst.stderr = newCappedBuffer(limits.OutputBytes, inst.signalOverflow)
	return inst
}

// State returns the current lifecycle state.
func (i *Instance) State() State { return State(i.state.Load()) }

// transition moves the state forward only from the expected state.
func (i *Instance) transition(from, to State) bool {
	return i.state.CompareAndSwap(int32(from), int32(to))
}

func (i *Instance) start(p domain.Process) {
	i.process = p
	i.startedAt = time.Now()
	i.transition(StateCreated, StateRunning)
}

// terminate records the end of the run. Only the first call has an effect.
func (i *Instance) terminate() {
	if i.transition(StateRunning, StateTerminated) || i.transition(StateCreated, StateTerminated) {
		i.finishedAt = time.Now()
	}
}

func (i *Instance) signalOverflow() {
	i.overflowOnce.Do(func() { close(i.overflow) })
}

func (i *Instance) outputExceeded() bool {
	select {
	case <-i.overflow:
		return true
	default:
		return false
	}
}

func (i *Instance) observeMemory(n int64) {
	for {
		cur := i.peakMemory.Load()
		if n <= cur || i.peakMemory.CompareAndSwap(cur, n) {
			return
		}
	}
}

// allocationFailed reports whether stderr carries one of the environment's
// out-of-memory messages. Only meaningful when a memory limit is set.
func (i *Instance) allocationFailed() bool {
	if i.Limits.MemoryBytes <= 0 || len(i.Environment.MemoryErrors) == 0 {
		return false
	}
	stderr, _ := i.stderr.Snapshot()
	stderr = strings.ToLower(stderr)
	for _, marker := range i.Environment.MemoryErrors {
		if marker != "" && strings.Contains(stderr, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// PeakMemory is the highest memory sample seen so far.
func (i *Instance) PeakMemory() int64 { return i.peakMemory.Load() }

// exited reports whether the backend process has finished.
func (i *Instance) exited() bool {
	if i.process == nil {
		return false
	}
	select {
	case <-i.process.Done():
		return true
	default:
		return false
	}
}

// Destroy tears the instance down exactly once: backend resources, workspace and
// admission slot. Later calls return the first result.
func (i *Instance) Destroy(ctx context.Context) error {
	i.destroyOnce.Do(func() {
		i.terminate()
		if i.process != nil {
			i.destroyErr = i.process.Destroy(ctx)
		}
		i.release()
	})
	return i.destroyErr
}
