package domain

import "time"

// Reason is the classified cause of a sandbox instance's exit.
type Reason string

const (
	ReasonCompleted      Reason = "completed"
	ReasonTimedOut       Reason = "timed_out"
	ReasonMemoryExceeded Reason = "memory_exceeded"
	ReasonOutputExceeded Reason = "output_exceeded"
	ReasonKilled         Reason = "killed"
	ReasonInternalError  Reason = "internal_error"
)

// ErrorKind classifies platform-side failures carried in a Result.
type ErrorKind string

const (
	KindUnknownLanguage        ErrorKind = "unknown_language"
	KindEnvironmentUnavailable ErrorKind = "environment_unavailable"
	KindLaunchError            ErrorKind = "launch_error"
	KindBackendError           ErrorKind = "backend_error"
	KindCollectionError        ErrorKind = "collection_error"
	KindCancelled              ErrorKind = "cancelled"
)

// ErrorInfo explains why a Result carries no (or partial) program output.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Result is the structured outcome of one Submission. It is produced exactly once
// and never mutated afterwards.
type Result struct {
	SubmissionID string `json:"submission_id"`
	InstanceID   string `json:"instance_id,omitempty"`
	Language     string `json:"language"`
	Reason       Reason `json:"reason"`

	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	WallTimeMs      int64 `json:"wall_time_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`

	Error *ErrorInfo `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
