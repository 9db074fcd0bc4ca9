package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dontdude/sandboxd/internal/domain"
)

// outputDrain bounds how long an exited container's output stream may take to
// flush before the exit is reported.
const outputDrain = 2 * time.Second

// Start creates, attaches and starts a container for spec. The returned Process
// reports the exit asynchronously.
func (b *Backend) Start(ctx context.Context, spec domain.LaunchSpec) (domain.Process, error) {
	cfg, host := containerConfig(spec)

	resp, err := b.cli.ContainerCreate(ctx, cfg, host, nil, nil, "sandboxd-"+spec.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", classify(err))
	}
	for _, w := range resp.Warnings {
		slog.Warn("Container create warning", "containerID", resp.ID, "warning", w)
	}

	p := &containerProcess{
		cli:    b.cli,
		id:     resp.ID,
		done:   make(chan struct{}),
		copied: make(chan struct{}),
	}
	p.waitCtx, p.stopWait = context.WithCancel(context.Background())

	fail := func(op string, err error) (domain.Process, error) {
		p.Destroy(context.Background())
		return nil, fmt.Errorf("%s container: %w", op, classify(err))
	}

	p.stream, err = b.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return fail("attach", err)
	}
	p.attached = true

	// Subscribe before starting so a fast exit is not missed.
	waitCh, errCh := b.cli.ContainerWait(p.waitCtx, resp.ID, container.WaitConditionNextExit)

	go func() {
		defer close(p.copied)
		if _, err := stdcopy.StdCopy(spec.Stdout, spec.Stderr, p.stream.Reader); err != nil {
			slog.Debug("Container output stream closed", "containerID", resp.ID, "error", err)
		}
	}()

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fail("start", err)
	}

	if len(spec.Stdin) > 0 {
		if _, err := p.stream.Conn.Write(spec.Stdin); err != nil {
			slog.Debug("Writing stdin failed", "containerID", resp.ID, "error", err)
		}
	}
	p.stream.CloseWrite()

	go p.wait(waitCh, errCh)
	return p, nil
}

type containerProcess struct {
	cli      dockerAPI
	id       string
	stream   types.HijackedResponse
	attached bool

	waitCtx  context.Context
	stopWait context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	copied   chan struct{}

	mu   sync.Mutex
	exit domain.Exit
	peak int64

	destroyOnce sync.Once
	destroyErr  error
}

func (p *containerProcess) wait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	select {
	case resp := <-waitCh:
		select {
		case <-p.copied:
		case <-time.After(outputDrain):
			slog.Warn("Container output did not drain", "containerID", p.id)
		}

		exit := exitFromStatus(int(resp.StatusCode), false)
		if resp.Error != nil && resp.Error.Message != "" {
			exit.Err = errors.New(resp.Error.Message)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if info, err := p.cli.ContainerInspect(ctx, p.id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
			exit.OOMKilled = info.State.OOMKilled
		}
		p.finish(exit)

	case err := <-errCh:
		if p.waitCtx.Err() != nil {
			return
		}
		p.finish(domain.Exit{Code: -1, Err: fmt.Errorf("wait container: %w", err)})
	}
}

func (p *containerProcess) finish(exit domain.Exit) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		exit.PeakMemoryBytes = max(exit.PeakMemoryBytes, p.peak)
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *containerProcess) Done() <-chan struct{} { return p.done }

func (p *containerProcess) Exit() domain.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.cli.ContainerKill(ctx, p.id, "SIGKILL")
	if err != nil && (cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)) {
		// Already gone or not running.
		return nil
	}
	return err
}

// Usage samples the container's current memory from a one-shot stats call.
func (p *containerProcess) Usage(ctx context.Context) (domain.Usage, error) {
	resp, err := p.cli.ContainerStatsOneShot(ctx, p.id)
	if err != nil {
		return domain.Usage{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return domain.Usage{}, fmt.Errorf("decode stats: %w", err)
	}

	mem := memoryUsage(stats)
	p.mu.Lock()
	p.peak = max(p.peak, mem, int64(stats.MemoryStats.MaxUsage))
	p.mu.Unlock()
	return domain.Usage{MemoryBytes: mem}, nil
}

// Destroy force-removes the container. A container that never exited is
// reported as killed.
func (p *containerProcess) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		err := p.cli.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			p.destroyErr = fmt.Errorf("remove container %s: %w", p.id, err)
		}
		p.stopWait()
		if p.attached {
			p.stream.Close()
		}
		p.finish(domain.Exit{Code: 137, Signal: "SIGKILL"})
	})
	return p.destroyErr
}
