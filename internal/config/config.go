// Package config loads sandboxd settings from sandboxd.yaml and SANDBOXD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/spf13/viper"
)

// Config is the full process configuration shared by every binary.
type Config struct {
	LogLevel         string          `mapstructure:"log_level"`
	EnvironmentsFile string          `mapstructure:"environments_file"`
	Server           ServerConfig    `mapstructure:"server"`
	Redis            RedisConfig     `mapstructure:"redis"`
	Worker           WorkerConfig    `mapstructure:"worker"`
	Sandbox          SandboxConfig   `mapstructure:"sandbox"`
	Limits           LimitsConfig    `mapstructure:"limits"`
	Recovery         RecoveryConfig  `mapstructure:"recovery"`
	RateLimit        RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
	Group  string `mapstructure:"group"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// Backend selects the isolation primitive: "docker" or "process".
	Backend string `mapstructure:"backend"`
	// CgroupRoot is only used by the process backend.
	CgroupRoot string `mapstructure:"cgroup_root"`
	// ShareHostNetwork lets the process backend run without network namespaces.
	ShareHostNetwork bool `mapstructure:"share_host_network"`
}

type SandboxConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	KillGrace       time.Duration `mapstructure:"kill_grace"`
	AdmissionWait   time.Duration `mapstructure:"admission_wait"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	WorkRoot        string        `mapstructure:"work_root"`
	MaxSourceBytes  string        `mapstructure:"max_source_bytes"`
}

// LimitsConfig holds the default and maximum resource limits. Sizes use
// docker notation ("256m", "1g").
type LimitsConfig struct {
	WallTime     time.Duration `mapstructure:"wall_time"`
	CPUTime      time.Duration `mapstructure:"cpu_time"`
	Memory       string        `mapstructure:"memory"`
	MaxProcesses int64         `mapstructure:"max_processes"`
	Output       string        `mapstructure:"output"`

	MaxWallTime time.Duration `mapstructure:"max_wall_time"`
	MaxCPUTime  time.Duration `mapstructure:"max_cpu_time"`
	MaxMemory   string        `mapstructure:"max_memory"`
	MaxOutput   string        `mapstructure:"max_output"`
}

type RecoveryConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	MaxDeliveries int64         `mapstructure:"max_deliveries"`
}

type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
	// TrustedProxies lists the addresses or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("environments_file", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "sandboxd:jobs")
	v.SetDefault("redis.group", "sandboxd:workers")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.backend", "docker")
	v.SetDefault("worker.cgroup_root", "")
	v.SetDefault("worker.share_host_network", false)

	v.SetDefault("sandbox.capacity", 4)
	v.SetDefault("sandbox.poll_interval", 50*time.Millisecond)
	v.SetDefault("sandbox.kill_grace", 2*time.Second)
	v.SetDefault("sandbox.admission_wait", 30*time.Second)
	v.SetDefault("sandbox.teardown_timeout", 10*time.Second)
	v.SetDefault("sandbox.work_root", "/tmp/sandboxd")
	v.SetDefault("sandbox.max_source_bytes", "64k")

	v.SetDefault("limits.wall_time", 5*time.Second)
	v.SetDefault("limits.cpu_time", 0)
	v.SetDefault("limits.memory", "256m")
	v.SetDefault("limits.max_processes", 64)
	v.SetDefault("limits.output", "1m")
	v.SetDefault("limits.max_wall_time", 30*time.Second)
	v.SetDefault("limits.max_cpu_time", 30*time.Second)
	v.SetDefault("limits.max_memory", "1g")
	v.SetDefault("limits.max_output", "8m")

	v.SetDefault("recovery.interval", 10*time.Second)
	v.SetDefault("recovery.max_age", 2*time.Minute)
	v.SetDefault("recovery.max_deliveries", 3)

	v.SetDefault("rate_limit.rate", 0.5)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.trusted_proxies", []string{})
}

// Load reads path, or sandboxd.yaml from the working directory or
// /etc/sandboxd when path is empty. A missing search-path file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sandboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sandboxd")
	}

	v.SetEnvPrefix("SANDBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// REDIS_ADDR is what the compose files have always exported.
	if err := v.BindEnv("redis.addr", "SANDBOXD_REDIS_ADDR", "REDIS_ADDR"); err != nil {
		return nil, fmt.Errorf("bind redis.addr: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Worker.Backend {
	case "docker", "process":
	default:
		return fmt.Errorf("worker.backend: unknown backend %q", c.Worker.Backend)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Sandbox.Capacity < 1 {
		return fmt.Errorf("sandbox.capacity must be positive")
	}
	if _, err := c.Limits.Defaults(); err != nil {
		return err
	}
	if _, err := c.Limits.Max(); err != nil {
		return err
	}
	if _, err := c.Sandbox.SourceLimit(); err != nil {
		return err
	}
	if _, err := c.RateLimit.Proxies(); err != nil {
		return err
	}
	return nil
}

// Proxies parses TrustedProxies. A bare address is a single-host prefix.
func (r RateLimitConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, s := range r.TrustedProxies {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if addr, err := netip.ParseAddr(s); err == nil {
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("rate_limit.trusted_proxies: %w", err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// SourceLimit returns the maximum accepted source size in bytes.
func (s SandboxConfig) SourceLimit() (int64, error) {
	n, err := domain.ParseSize(s.MaxSourceBytes)
	if err != nil {
		return 0, fmt.Errorf("sandbox.max_source_bytes: %w", err)
	}
	return n, nil
}

// Defaults returns the limits applied when neither the environment nor the
// caller sets one.
func (l LimitsConfig) Defaults() (domain.Limits, error) {
	out := domain.Limits{
		WallTime:     l.WallTime,
		CPUTime:      l.CPUTime,
		MaxProcesses: l.MaxProcesses,
	}
	var err error
	if out.MemoryBytes, err = domain.ParseSize(l.Memory); err != nil {
		return out, fmt.Errorf("limits.memory: %w", err)
	}
	if out.OutputBytes, err = domain.ParseSize(l.Output); err != nil {
		return out, fmt.Errorf("limits.output: %w", err)
	}
	return out, nil
}

// Max returns the ceilings resolved limits are clamped to.
func (l LimitsConfig) Max() (domain.Limits, error) {
	out := domain.Limits{
		WallTime: l.MaxWallTime,
		CPUTime:  l.MaxCPUTime,
	}
	var err error
	if out.MemoryBytes, err = domain.ParseSize(l.MaxMemory); err != nil {
		return out, fmt.Errorf("limits.max_memory: %w", err)
	}
	if out.OutputBytes, err = domain.ParseSize(l.MaxOutput); err != nil {
		return out, fmt.Errorf("limits.max_output: %w", err)
	}
	return out, nil
}
