package environment

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"gopkg.in/yaml.v3"
)

type file struct {
	Environments map[string]fileEnvironment `yaml:"environments"`
}

type fileEnvironment struct {
	domain.Environment `yaml:",inline"`
	Limits             fileLimits `yaml:"limits"`
}

type fileLimits struct {
	WallTime     time.Duration `yaml:"wall_time"`
	CPUTime      time.Duration `yaml:"cpu_time"`
	Memory       string        `yaml:"memory"`
	MaxProcesses int64         `yaml:"max_processes"`
	Output       string        `yaml:"output"`
	Network      bool          `yaml:"network"`
}

// LoadFile parses an environments YAML file:
//
//	environments:
//	  cpp:
//	    image: sandboxd/cpp:latest
//	    source_file: solution.cpp
//	    compile: g++ -O2 -o solution solution.cpp
//	    run: ./solution
//	    limits: {wall_time: 5s, memory: 256m}
func LoadFile(path string) ([]domain.Environment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environments file: %w", err)
	}
	return Parse(data)
}

// Parse decodes environments from YAML bytes.
func Parse(data []byte) ([]domain.Environment, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode environments: %w", err)
	}
	if len(f.Environments) == 0 {
		return nil, fmt.Errorf("no environments defined")
	}

	envs := make([]domain.Environment, 0, len(f.Environments))
	for lang, fe := range f.Environments {
		env := fe.Environment
		env.Language = lang
		limits, err := fe.Limits.parse()
		if err != nil {
			return nil, fmt.Errorf("environment %q: %w", lang, err)
		}
		env.Limits = limits
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Language < envs[j].Language })
	return envs, nil
}

func (l fileLimits) parse() (domain.Limits, error) {
	out := domain.Limits{
		WallTime:     l.WallTime,
		CPUTime:      l.CPUTime,
		MaxProcesses: l.MaxProcesses,
		Network:      l.Network,
	}
	var err error
	if out.MemoryBytes, err = domain.ParseSize(l.Memory); err != nil {
		return out, fmt.Errorf("memory: %w", err)
	}
	if out.OutputBytes, err = domain.ParseSize(l.Output); err != nil {
		return out, fmt.Errorf("output: %w", err)
	}
	return out, nil
}
