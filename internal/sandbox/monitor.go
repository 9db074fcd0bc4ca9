package sandbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultKillGrace    = 2 * time.Second
)

// Monitor watches a running Instance and enforces its wall-clock, memory and
// output ceilings.
type Monitor struct {
	pollInterval time.Duration
	killGrace    time.Duration
}

// NewMonitor returns a monitor sampling usage every pollInterval and waiting up to
// killGrace for a killed instance to exit before forcing teardown.
func NewMonitor(pollInterval, killGrace time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Monitor{pollInterval: pollInterval, killGrace: killGrace}
}

// Watch blocks until inst exits or breaches a limit and returns the termination
// reason. Cancelling ctx kills the instance with ReasonKilled. The instance is
// Terminated when Watch returns.
func (m *Monitor) Watch(ctx context.Context, inst *Instance) domain.Reason {
	proc := inst.process

	var wall <-chan time.Time
	if inst.Limits.WallTime > 0 {
		timer := time.NewTimer(inst.Limits.WallTime)
		defer timer.Stop()
		wall = timer.C
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-proc.Done():
			inst.terminate()
			return classify(inst, proc.Exit())

		case <-wall:
			return m.stop(inst, domain.ReasonTimedOut)

		case <-inst.overflow:
			return m.stop(inst, domain.ReasonOutputExceeded)

		case <-ctx.Done():
			return m.stop(inst, domain.ReasonKilled)

		case <-ticker.C:
			usage, err := proc.Usage(ctx)
			if err != nil {
				slog.Debug("Usage sample failed", "instanceID", inst.ID, "error", err)
				continue
			}
			inst.observeMemory(usage.MemoryBytes)
			if inst.Limits.MemoryBytes > 0 && usage.MemoryBytes > inst.Limits.MemoryBytes {
				return m.stop(inst, domain.ReasonMemoryExceeded)
			}
		}
	}
}

// stop kills inst and waits for it to go away, forcing teardown after the grace
// period so no process outlives the monitor.
func (m *Monitor) stop(inst *Instance, reason domain.Reason) domain.Reason {
	proc := inst.process
	// select picks at random among ready cases; an exit that already happened wins.
	if inst.exited() {
		inst.terminate()
		return classify(inst, proc.Exit())
	}
	slog.Info("Stopping sandbox instance", "instanceID", inst.ID, "reason", reason)

	if err := proc.Kill(); err != nil {
		slog.Warn("Kill failed", "instanceID", inst.ID, "error", err)
	}

	grace := time.NewTimer(m.killGrace)
	defer grace.Stop()

	select {
	case <-proc.Done():
	case <-grace.C:
		slog.Warn("Instance ignored kill, forcing teardown", "instanceID", inst.ID, "grace", m.killGrace)
		ctx, cancel := context.WithTimeout(context.Background(), m.killGrace)
		defer cancel()
		if err := inst.Destroy(ctx); err != nil {
			slog.Error("Forced teardown failed", "instanceID", inst.ID, "error", err)
		}
	}

	inst.terminate()
	return reason
}

// classify maps a natural exit onto a termination reason. The program's own
// non-zero exit is a normal completion.
func classify(inst *Instance, exit domain.Exit) domain.Reason {
	switch {
	case exit.Err != nil:
		return domain.ReasonInternalError
	case inst.outputExceeded():
		return domain.ReasonOutputExceeded
	case exit.OOMKilled:
		return domain.ReasonMemoryExceeded
	case inst.Limits.MemoryBytes > 0 && exit.PeakMemoryBytes > inst.Limits.MemoryBytes:
		return domain.ReasonMemoryExceeded
	case (exit.Code != 0 || exit.Signal != "") && inst.allocationFailed():
		return domain.ReasonMemoryExceeded
	}

	switch exit.Signal {
	case "":
		return domain.ReasonCompleted
	case "SIGXCPU":
		return domain.ReasonTimedOut
	case "SIGXFSZ":
		return domain.ReasonOutputExceeded
	default:
		return domain.ReasonKilled
	}
}
