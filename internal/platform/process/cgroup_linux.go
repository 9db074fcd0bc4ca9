//go:build linux

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dontdude/sandboxd/internal/domain"
)

// cgroup is one per-instance cgroup v2 directory. Methods tolerate a nil
// receiver so callers need not check whether cgroups are enabled.
type cgroup struct {
	path string
	dir  *os.File
}

func newCgroup(root, instanceID string, limits domain.Limits) (*cgroup, error) {
	path := filepath.Join(root, "sandbox-"+instanceID)
	if err := os.Mkdir(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	cg := &cgroup{path: path}

	pids := "max"
	if limits.MaxProcesses > 0 {
		pids = strconv.FormatInt(limits.MaxProcesses, 10)
	}
	if err := cg.write("pids.max", pids); err != nil {
		cg.remove()
		return nil, err
	}
	if limits.MemoryBytes > 0 {
		v := strconv.FormatInt(limits.MemoryBytes, 10)
		if err := cg.write("memory.max", v); err != nil {
			cg.remove()
			return nil, err
		}
		// No swap allowed; the file is absent when swap accounting is off.
		if err := cg.write("memory.swap.max", "0"); err != nil && !errors.Is(err, fs.ErrNotExist) {
			cg.remove()
			return nil, err
		}
	}

	dir, err := os.Open(path)
	if err != nil {
		cg.remove()
		return nil, fmt.Errorf("open cgroup: %w", err)
	}
	cg.dir = dir
	return cg, nil
}

func (c *cgroup) fd() int { return int(c.dir.Fd()) }

func (c *cgroup) closeFD() {
	if c != nil && c.dir != nil {
		c.dir.Close()
		c.dir = nil
	}
}

func (c *cgroup) kill() error {
	if c == nil {
		return nil
	}
	return c.write("cgroup.kill", "1")
}

func (c *cgroup) current() (int64, error) {
	return c.readInt("memory.current")
}

// peak is memory.peak, available since Linux 5.19.
func (c *cgroup) peak() int64 {
	v, err := c.readInt("memory.peak")
	if err != nil {
		return 0
	}
	return v
}

func (c *cgroup) oomKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			n, _ := strconv.ParseInt(fields[1], 10, 64)
			return n > 0
		}
	}
	return false
}

func (c *cgroup) remove() error {
	if c == nil {
		return nil
	}
	c.closeFD()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", c.path, err)
	}
	return nil
}

func (c *cgroup) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (c *cgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
