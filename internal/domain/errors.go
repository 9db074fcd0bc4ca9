package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLanguage means the submission references an unsupported language.
	// It is returned before any sandbox instance exists.
	ErrUnknownLanguage = errors.New("unknown language")

	// ErrEnvironmentUnavailable means the host cannot allocate sandbox resources
	// right now. Callers should retry with backoff.
	ErrEnvironmentUnavailable = errors.New("execution environment unavailable")
)

// LaunchError is a non-retryable instantiation failure (malformed entrypoint,
// oversized source, privileged environment, backend rejection).
type LaunchError struct {
	Op  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Op, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ErrorInfoFor maps a launch failure onto the ErrorInfo carried by a Result.
func ErrorInfoFor(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: KindLaunchError, Message: err.Error()}
	switch {
	case errors.Is(err, ErrUnknownLanguage):
		info.Kind = KindUnknownLanguage
	case errors.Is(err, ErrEnvironmentUnavailable):
		info.Kind = KindEnvironmentUnavailable
		info.Retryable = true
	}
	return info
}
