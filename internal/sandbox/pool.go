package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/dontdude/sandboxd/internal/metrics"
)

// Pool bounds how many sandbox instances may exist on this host at once.
type Pool struct {
	slots chan struct{}
}

// NewPool returns a pool admitting at most capacity concurrent instances.
func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{slots: make(chan struct{}, capacity)}
}

// Acquire takes a slot, queueing for at most wait. A full pool past the wait is
// reported as ErrEnvironmentUnavailable; the returned release func is idempotent.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) (func(), error) {
	select {
	case p.slots <- struct{}{}:
		return p.releaser(), nil
	default:
	}

	if wait <= 0 {
		metrics.AdmissionRejections.Inc()
		return nil, fmt.Errorf("%w: all %d sandbox slots busy", domain.ErrEnvironmentUnavailable, cap(p.slots))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return p.releaser(), nil
	case <-timer.C:
		metrics.AdmissionRejections.Inc()
		return nil, fmt.Errorf("%w: no sandbox slot freed within %s", domain.ErrEnvironmentUnavailable, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) releaser() func() {
	metrics.ActiveInstances.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			<-p.slots
			metrics.ActiveInstances.Dec()
		})
	}
}

// InUse reports the number of held slots.
func (p *Pool) InUse() int { return len(p.slots) }

// Capacity reports the pool size.
func (p *Pool) Capacity() int { return cap(p.slots) }
