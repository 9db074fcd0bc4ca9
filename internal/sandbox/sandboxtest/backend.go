// Package sandboxtest provides a scripted in-memory Backend for tests.
package sandboxtest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

// Script describes how one fake process behaves.
type Script struct {
	Stdout string
	Stderr string
	// Flood keeps writing Stdout in a loop until the process is killed.
	Flood bool
	// Runtime is how long the process lives before exiting on its own.
	Runtime time.Duration
	// Hang keeps the process alive until it is killed.
	Hang bool
	// IgnoreKill makes Kill a no-op; only Destroy ends the process.
	IgnoreKill bool
	Exit       domain.Exit
	Memory     int64
	StartErr   error
	// PanicOnExit makes Exit() panic, simulating a broken backend.
	PanicOnExit bool
}

// Backend starts fake processes following the script picked for each spec.
type Backend struct {
	// Pick chooses a Script for a launch. A nil Pick uses the zero Script.
	Pick func(spec domain.LaunchSpec) Script

	started   atomic.Int64
	exited    atomic.Int64
	destroyed atomic.Int64

	mu    sync.Mutex
	specs []domain.LaunchSpec
}

// Always returns a Backend running s for every launch.
func Always(s Script) *Backend {
	return &Backend{Pick: func(domain.LaunchSpec) Script { return s }}
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Start(ctx context.Context, spec domain.LaunchSpec) (domain.Process, error) {
	var s Script
	if b.Pick != nil {
		s = b.Pick(spec)
	}
	if s.StartErr != nil {
		return nil, s.StartErr
	}

	b.mu.Lock()
	b.specs = append(b.specs, spec)
	b.mu.Unlock()
	b.started.Add(1)

	p := &Process{
		backend: b,
		script:  s,
		done:    make(chan struct{}),
		kill:    make(chan struct{}),
	}
	go p.run(spec)
	return p, nil
}

// Started is the number of processes launched.
func (b *Backend) Started() int { return int(b.started.Load()) }

// Exited is the number of processes that have finished, naturally or killed.
func (b *Backend) Exited() int { return int(b.exited.Load()) }

// Live is the number of launched processes not yet destroyed.
func (b *Backend) Live() int { return int(b.started.Load() - b.destroyed.Load()) }

// Specs returns the launch specs seen so far.
func (b *Backend) Specs() []domain.LaunchSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.LaunchSpec(nil), b.specs...)
}

// Process is a fake domain.Process.
type Process struct {
	backend *Backend
	script  Script

	done     chan struct{}
	doneOnce sync.Once
	kill     chan struct{}
	killOnce sync.Once

	mu   sync.Mutex
	exit domain.Exit

	destroyOnce sync.Once
}

func (p *Process) run(spec domain.LaunchSpec) {
	if p.script.Stderr != "" {
		spec.Stderr.Write([]byte(p.script.Stderr))
	}
	if p.script.Flood {
		chunk := []byte(p.script.Stdout)
		if len(chunk) == 0 {
			chunk = []byte(strings.Repeat("x", 512))
		}
		for {
			select {
			case <-p.kill:
				p.finish(killedExit())
				return
			case <-p.done:
				return
			default:
				spec.Stdout.Write(chunk)
				time.Sleep(time.Millisecond)
			}
		}
	}
	if p.script.Stdout != "" {
		spec.Stdout.Write([]byte(p.script.Stdout))
	}

	var natural <-chan time.Time
	if !p.script.Hang {
		natural = time.After(p.script.Runtime)
	}
	select {
	case <-natural:
		p.finish(p.script.Exit)
	case <-p.kill:
		p.finish(killedExit())
	case <-p.done:
	}
}

func (p *Process) finish(exit domain.Exit) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		p.backend.exited.Add(1)
		close(p.done)
	})
}

func killedExit() domain.Exit {
	return domain.Exit{Code: 137, Signal: "SIGKILL"}
}

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exit() domain.Exit {
	if p.script.PanicOnExit {
		panic("fake backend lost the exit status")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) Kill() error {
	if p.script.IgnoreKill {
		return nil
	}
	p.killOnce.Do(func() { close(p.kill) })
	return nil
}

func (p *Process) Usage(ctx context.Context) (domain.Usage, error) {
	return domain.Usage{MemoryBytes: p.script.Memory}, nil
}

func (p *Process) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		p.finish(killedExit())
		p.backend.destroyed.Add(1)
	})
	return nil
}
