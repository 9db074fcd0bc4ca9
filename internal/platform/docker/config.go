package docker

import (
	"math"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/dontdude/sandboxd/internal/domain"
)

const (
	defaultUser        = "65534:65534"
	defaultWorkDir     = "/code"
	defaultPids        = 64
	maxFileBytes       = 64 << 20
	tmpfsOptions       = "rw,noexec,nosuid,size=64m,mode=1777"
	nanoCPUsPerSandbox = 1_000_000_000
)

// containerConfig translates a launch spec into hardened container settings:
// non-root user, read-only rootfs with a writable workspace and /tmp, no
// capabilities, no network unless allowed, and cgroup limits.
func containerConfig(spec domain.LaunchSpec) (*container.Config, *container.HostConfig) {
	env := spec.Environment
	limits := spec.Limits

	user := env.User
	if user == "" {
		user = defaultUser
	}
	workDir := env.WorkDir
	if workDir == "" {
		workDir = defaultWorkDir
	}

	cfg := &container.Config{
		Image:           env.Image,
		Cmd:             spec.Command,
		User:            user,
		WorkingDir:      workDir,
		Tty:             false,
		AttachStdin:     true,
		AttachStdout:    true,
		AttachStderr:    true,
		OpenStdin:       true,
		StdinOnce:       true,
		NetworkDisabled: !limits.Network,
		Labels: map[string]string{
			labelInstance: spec.InstanceID,
			labelLanguage: env.Language,
		},
	}

	pids := limits.MaxProcesses
	if pids <= 0 {
		pids = defaultPids
	}
	ulimits := []*container.Ulimit{
		{Name: "fsize", Soft: maxFileBytes, Hard: maxFileBytes},
		{Name: "core", Soft: 0, Hard: 0},
	}
	if secs := cpuSeconds(limits.CPUTime); secs > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		ulimits = append(ulimits, &container.Ulimit{Name: "cpu", Soft: secs, Hard: secs + 1})
	}

	init := true
	host := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  nanoCPUsPerSandbox,
			PidsLimit: &pids,
			Ulimits:   ulimits,
		},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.Workspace,
			Target: workDir,
		}},
		Tmpfs:          map[string]string{"/tmp": tmpfsOptions},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Init:           &init,
	}
	if limits.MemoryBytes > 0 {
		host.Resources.Memory = limits.MemoryBytes
		// No swap allowed
		host.Resources.MemorySwap = limits.MemoryBytes
	}
	if !limits.Network {
		host.NetworkMode = "none"
	}
	return cfg, host
}

func cpuSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// signals maps the 128+n exit status convention back to signal names.
var signals = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	4:  "SIGILL",
	5:  "SIGTRAP",
	6:  "SIGABRT",
	7:  "SIGBUS",
	8:  "SIGFPE",
	9:  "SIGKILL",
	11: "SIGSEGV",
	13: "SIGPIPE",
	14: "SIGALRM",
	15: "SIGTERM",
	24: "SIGXCPU",
	25: "SIGXFSZ",
}

// exitFromStatus interprets a container exit status.
func exitFromStatus(code int, oomKilled bool) domain.Exit {
	exit := domain.Exit{Code: code, OOMKilled: oomKilled}
	if code > 128 {
		if name, ok := signals[code-128]; ok {
			exit.Signal = name
		}
	}
	return exit
}

// memoryUsage follows the docker CLI: page cache that can be reclaimed is not
// counted against the program.
func memoryUsage(stats container.StatsResponse) int64 {
	usage := stats.MemoryStats.Usage
	if v, ok := stats.MemoryStats.Stats["total_inactive_file"]; ok && v < usage {
		usage -= v
	} else if v, ok := stats.MemoryStats.Stats["inactive_file"]; ok && v < usage {
		usage -= v
	}
	return int64(usage)
}
