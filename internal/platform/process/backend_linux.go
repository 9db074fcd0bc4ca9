//go:build linux

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Backend starts entrypoints as confined host processes.
type Backend struct {
	cfg    Config
	asRoot bool
	procfs procfs.FS
}

var _ domain.Backend = (*Backend)(nil)

// NewBackend verifies the shell and optional cgroup root are usable and that
// sandboxes can get a private network namespace.
func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	if _, err := exec.LookPath(cfg.Shell); err != nil {
		return nil, fmt.Errorf("process backend shell: %w", err)
	}
	if cfg.CgroupRoot != "" {
		if _, err := os.Stat(cfg.CgroupRoot + "/cgroup.controllers"); err != nil {
			return nil, fmt.Errorf("cgroup root %s is not a cgroup v2 directory: %w", cfg.CgroupRoot, err)
		}
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}

	b := &Backend{cfg: cfg, asRoot: os.Geteuid() == 0, procfs: fs}
	if !b.asRoot {
		slog.Warn("Process backend is not running as root; sandboxes keep the worker's identity")
	}
	if cfg.ShareHostNetwork {
		slog.Warn("Process backend shares the host network with every sandbox")
	} else if err := b.checkNetworkIsolation(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoNetworkIsolation, err)
	}
	return b, nil
}

func (b *Backend) Name() string { return "process" }

// Start launches spec's command behind the limit script.
func (b *Backend) Start(ctx context.Context, spec domain.LaunchSpec) (domain.Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}

	script := limitScript(spec.Limits, b.cfg.CgroupRoot == "", b.asRoot)
	args := append([]string{"-c", script, "sandbox"}, spec.Command...)
	cmd := exec.Command(b.cfg.Shell, args...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(append([]string(nil), sandboxEnv...), "HOME="+spec.Workspace, "TMPDIR="+spec.Workspace)
	cmd.Stdin = bytes.NewReader(spec.Stdin)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = b.cfg.WaitDelay
	cmd.SysProcAttr = b.sysProcAttr(spec.Limits.Network)

	if b.asRoot {
		cred, err := credential(spec.Environment.User)
		if err != nil {
			return nil, err
		}
		cmd.SysProcAttr.Credential = cred
	}

	p := &hostProcess{backend: b, done: make(chan struct{})}

	if b.cfg.CgroupRoot != "" {
		cg, err := newCgroup(b.cfg.CgroupRoot, spec.InstanceID, spec.Limits)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEnvironmentUnavailable, err)
		}
		p.cgroup = cg
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = cg.fd()
	}

	err := cmd.Start()
	p.cgroup.closeFD()
	if err != nil {
		p.cgroup.remove()
		return nil, fmt.Errorf("start entrypoint: %w", err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid

	go p.wait()
	return p, nil
}

// sysProcAttr puts the sandbox in its own process group and, unless network is
// allowed, its own network namespace. Without root the namespace needs a user
// namespace mapping the worker's ids onto themselves.
func (b *Backend) sysProcAttr(network bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if network || b.cfg.ShareHostNetwork {
		return attr
	}

	attr.Cloneflags = syscall.CLONE_NEWNET
	if !b.asRoot {
		uid, gid := os.Getuid(), os.Getgid()
		attr.Cloneflags |= syscall.CLONE_NEWUSER
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		attr.GidMappingsEnableSetgroups = false
	}
	return attr
}

// checkNetworkIsolation starts a no-op shell in a fresh network namespace.
func (b *Backend) checkNetworkIsolation() error {
	cmd := exec.Command(b.cfg.Shell, "-c", ":")
	cmd.SysProcAttr = b.sysProcAttr(false)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("start isolation check: %w %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// credential resolves "name", "uid" or "uid:gid" to a process credential.
func credential(spec string) (*syscall.Credential, error) {
	if spec == "" {
		spec = "65534:65534"
	}
	name, group, hasGroup := strings.Cut(spec, ":")

	uid, err := strconv.ParseUint(name, 10, 32)
	gid := uid
	if err != nil {
		u, lerr := user.Lookup(name)
		if lerr != nil {
			return nil, &domain.LaunchError{Op: "credential", Err: lerr}
		}
		uid, _ = strconv.ParseUint(u.Uid, 10, 32)
		gid, _ = strconv.ParseUint(u.Gid, 10, 32)
	}
	if hasGroup {
		g, err := strconv.ParseUint(group, 10, 32)
		if err != nil {
			grp, lerr := user.LookupGroup(group)
			if lerr != nil {
				return nil, &domain.LaunchError{Op: "credential", Err: lerr}
			}
			g, _ = strconv.ParseUint(grp.Gid, 10, 32)
		}
		gid = g
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), NoSetGroups: true}, nil
}

type hostProcess struct {
	backend *Backend
	cmd     *exec.Cmd
	pid     int
	cgroup  *cgroup

	done chan struct{}
	mu   sync.Mutex
	exit domain.Exit
	peak int64

	destroyOnce sync.Once
}

func (p *hostProcess) wait() {
	err := p.cmd.Wait()
	exit := exitFromState(p.cmd.ProcessState)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		exit.Err = err
	}
	if p.cgroup != nil {
		exit.OOMKilled = p.cgroup.oomKilled()
		exit.PeakMemoryBytes = p.cgroup.peak()
	}

	p.mu.Lock()
	exit.PeakMemoryBytes = max(exit.PeakMemoryBytes, p.peak)
	p.exit = exit
	p.mu.Unlock()
	close(p.done)
}

// exitFromState reports signal deaths with the shell's 128+n convention.
func exitFromState(state *os.ProcessState) domain.Exit {
	if state == nil {
		return domain.Exit{Code: -1}
	}
	exit := domain.Exit{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		exit.Code = 128 + int(ws.Signal())
		exit.Signal = unix.SignalName(ws.Signal())
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		// ru_maxrss is in KiB on Linux.
		exit.PeakMemoryBytes = ru.Maxrss * 1024
	}
	return exit
}

func (p *hostProcess) Done() <-chan struct{} { return p.done }

func (p *hostProcess) Exit() domain.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Kill signals the whole process group, and the cgroup when there is one so
// processes that left the group die too.
func (p *hostProcess) Kill() error {
	if p.cgroup != nil {
		if err := p.cgroup.kill(); err != nil {
			slog.Debug("cgroup.kill failed", "pid", p.pid, "error", err)
		}
	}
	err := unix.Kill(-p.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Usage reports resident memory of the cgroup, or of the process group.
func (p *hostProcess) Usage(ctx context.Context) (domain.Usage, error) {
	var mem int64
	if p.cgroup != nil {
		v, err := p.cgroup.current()
		if err != nil {
			return domain.Usage{}, err
		}
		mem = v
	} else {
		v, err := p.groupRSS()
		if err != nil {
			return domain.Usage{}, err
		}
		mem = v
	}

	p.mu.Lock()
	p.peak = max(p.peak, mem)
	p.mu.Unlock()
	return domain.Usage{MemoryBytes: mem}, nil
}

func (p *hostProcess) groupRSS() (int64, error) {
	procs, err := p.backend.procfs.AllProcs()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// Raced with exit.
			continue
		}
		if stat.PGRP == p.pid {
			total += int64(stat.ResidentMemory())
		}
	}
	return total, nil
}

// Destroy kills whatever is left, waits for the exit to be reaped and removes
// the cgroup.
func (p *hostProcess) Destroy(ctx context.Context) error {
	var err error
	p.destroyOnce.Do(func() {
		p.Kill()
		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("process %d not reaped: %w", p.pid, ctx.Err())
			return
		}
		if rerr := p.cgroup.remove(); rerr != nil {
			err = rerr
		}
	})
	return err
}
