// Package process runs sandbox instances as host processes confined by a
// process group, rlimits, an unprivileged credential, a private network
// namespace and, when configured, a cgroup v2 subtree. It is meant for hosts
// without a container runtime.
package process

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
)

// ErrNoNetworkIsolation is returned by NewBackend when the host cannot give
// sandboxes their own network namespace.
var ErrNoNetworkIsolation = errors.New("network namespaces are unavailable")

// Config controls the host process backend.
type Config struct {
	// Shell starts the entrypoint; it must be a POSIX sh.
	Shell string
	// CgroupRoot is a writable cgroup v2 directory delegated to the worker. Empty
	// disables cgroup accounting and memory is sampled from /proc instead.
	CgroupRoot string
	// WaitDelay bounds how long output pipes may stay open after the program exits.
	WaitDelay time.Duration
	// ShareHostNetwork runs every sandbox in the worker's network namespace.
	// Only for hosts that cannot create namespaces.
	ShareHostNetwork bool
}

const (
	defaultShell     = "/bin/sh"
	defaultWaitDelay = 2 * time.Second
	maxFileBytes     = 64 << 20
	// limitFailureCode is the exit status when the limits cannot be lowered.
	limitFailureCode = 125
)

var sandboxEnv = []string{
	"PATH=/usr/local/bin:/usr/bin:/bin",
	"LANG=C.UTF-8",
}

// limitScript lowers the resource limits of the shell and then replaces it with
// the entrypoint passed as "$@". Lowering needs no privilege, so this works
// after the credential switch.
//
// Address space is only capped when no cgroup accounts memory. NPROC counts
// every process of the uid, so it is only set for the dedicated sandbox
// identity used when running as root; bash spells it -u and dash -p.
func limitScript(limits domain.Limits, addressSpace, nproc bool) string {
	steps := []string{
		"ulimit -c 0",
		fmt.Sprintf("ulimit -f %d", maxFileBytes/512),
	}
	if limits.CPUTime > 0 {
		secs := int64((limits.CPUTime + time.Second - 1) / time.Second)
		// SIGXCPU at the soft limit, SIGKILL one second later. The soft limit
		// goes first: a hard limit below the current soft one is rejected.
		steps = append(steps,
			fmt.Sprintf("ulimit -S -t %d", secs),
			fmt.Sprintf("ulimit -H -t %d", secs+1))
	}
	if addressSpace && limits.MemoryBytes > 0 {
		steps = append(steps, fmt.Sprintf("ulimit -v %d", (limits.MemoryBytes+1023)/1024))
	}

	script := strings.Join(steps, " && ") +
		fmt.Sprintf(` || { echo "sandbox: cannot apply resource limits" >&2; exit %d; }; `, limitFailureCode)
	if nproc && limits.MaxProcesses > 0 {
		script += fmt.Sprintf("{ ulimit -u %[1]d || ulimit -p %[1]d; } 2>/dev/null; ", limits.MaxProcesses)
	}
	return script + `exec "$@"`
}
