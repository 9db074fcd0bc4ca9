//go:build !linux

package process

import (
	"context"
	"errors"

	"github.com/dontdude/sandboxd/internal/domain"
)

var errUnsupported = errors.New("process backend is only supported on linux")

type Backend struct{}

func NewBackend(cfg Config) (*Backend, error) {
	return nil, errUnsupported
}

func (b *Backend) Name() string { return "process" }

func (b *Backend) Start(ctx context.Context, spec domain.LaunchSpec) (domain.Process, error) {
	return nil, errUnsupported
}
