package domain

import (
	"time"

	"github.com/docker/go-units"
)

// Submission is one unit of user-provided source code to execute.
// It is immutable once accepted.
type Submission struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Source   string `json:"source"`
	Stdin    string `json:"stdin,omitempty"`
	// Limits holds caller overrides; zero fields fall back to defaults.
	Limits Limits `json:"limits"`
}

// Limits are the resource ceilings applied to one sandbox instance.
// A zero field means "unset".
type Limits struct {
	WallTime     time.Duration `json:"wall_time,omitempty" yaml:"wall_time"`
	CPUTime      time.Duration `json:"cpu_time,omitempty" yaml:"cpu_time"`
	MemoryBytes  int64         `json:"memory_bytes,omitempty" yaml:"memory_bytes"`
	MaxProcesses int64         `json:"max_processes,omitempty" yaml:"max_processes"`
	OutputBytes  int64         `json:"output_bytes,omitempty" yaml:"output_bytes"`
	Network      bool          `json:"network,omitempty" yaml:"network"`
}

// Override returns l with every non-zero field of o applied on top.
func (l Limits) Override(o Limits) Limits {
	if o.WallTime > 0 {
		l.WallTime = o.WallTime
	}
	if o.CPUTime > 0 {
		l.CPUTime = o.CPUTime
	}
	if o.MemoryBytes > 0 {
		l.MemoryBytes = o.MemoryBytes
	}
	if o.MaxProcesses > 0 {
		l.MaxProcesses = o.MaxProcesses
	}
	if o.OutputBytes > 0 {
		l.OutputBytes = o.OutputBytes
	}
	if o.Network {
		l.Network = true
	}
	return l
}

// Clamp caps every field of l by the matching non-zero field of max.
// Network stays enabled only if max allows it.
func (l Limits) Clamp(max Limits) Limits {
	l.WallTime = clampDuration(l.WallTime, max.WallTime)
	l.CPUTime = clampDuration(l.CPUTime, max.CPUTime)
	l.MemoryBytes = clampInt(l.MemoryBytes, max.MemoryBytes)
	l.MaxProcesses = clampInt(l.MaxProcesses, max.MaxProcesses)
	l.OutputBytes = clampInt(l.OutputBytes, max.OutputBytes)
	l.Network = l.Network && max.Network
	return l
}

func clampDuration(v, max time.Duration) time.Duration {
	if max > 0 && (v <= 0 || v > max) {
		return max
	}
	return v
}

func clampInt(v, max int64) int64 {
	if max > 0 && (v <= 0 || v > max) {
		return max
	}
	return v
}

// ParseSize reads a docker-style size ("256m", "1g", "4096"). An empty string
// is zero, meaning unset.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}
