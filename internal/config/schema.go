package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/hkuds/vmpool/internal/bridge"
	"github.com/hkuds/vmpool/internal/pool"
	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/retry"
	"github.com/hkuds/vmpool/internal/sandbox"
)

// Config represents the root configuration structure for vmpool.
type Config struct {
	RootDir  string         `yaml:"root_dir"`
	Instance InstanceConfig `yaml:"instance"`
	SSH      SSHConfig      `yaml:"ssh"`
	Services ServicesConfig `yaml:"services"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Ports    PortsConfig    `yaml:"ports"`
	Pool     PoolConfig     `yaml:"pool"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Log      LogConfig      `yaml:"log"`
}

// InstanceConfig holds the container and VM defaults for new instances.
type InstanceConfig struct {
	Image          string            `yaml:"image"`
	CPUs           int               `yaml:"cpus"`
	RAM            string            `yaml:"ram"`
	Disk           string            `yaml:"disk"`
	RestartPolicy  string            `yaml:"restart_policy"`
	HostAddress    string            `yaml:"host_address"`
	MountTransport string            `yaml:"mount_transport"` // "9p" or "virtiofs"
	BaseImageFiles []string          `yaml:"base_image_files"`
	Env            map[string]string `yaml:"env,omitempty"`
}

// SSHConfig holds guest login credentials.
type SSHConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`
}

// ServicesConfig describes the service tree deployed into each guest.
type ServicesConfig struct {
	Dir         string            `yaml:"dir,omitempty"`
	StartScript string            `yaml:"start_script,omitempty"`
	Exclude     []string          `yaml:"exclude,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	AsRoot      bool              `yaml:"as_root"`
	HealthPath  string            `yaml:"health_path"`
}

// TimeoutsConfig holds the polling budgets of the lifecycle steps.
type TimeoutsConfig struct {
	ShellReady         time.Duration `yaml:"shell_ready"`
	ShellReadyInterval time.Duration `yaml:"shell_ready_interval"`
	Mount              time.Duration `yaml:"mount"`
	Health             time.Duration `yaml:"health"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	Stop               time.Duration `yaml:"stop"`
}

// PortsConfig holds the host port allocation settings.
type PortsConfig struct {
	File string `yaml:"file"`
	Base int    `yaml:"base"`
	Max  int    `yaml:"max"`
}

// PoolConfig holds the pool bounds.
type PoolConfig struct {
	Min               int    `yaml:"min"`
	Max               int    `yaml:"max"`
	Prefix            string `yaml:"prefix"`
	CreateConcurrency int    `yaml:"create_concurrency"`
	DeleteStorage     bool   `yaml:"delete_storage"`
}

// BridgeConfig holds execution session settings.
type BridgeConfig struct {
	Packages       []string      `yaml:"packages,omitempty"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	SessionRetries int           `yaml:"session_retries"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		RootDir: "~/.vmpool/data",
		Instance: InstanceConfig{
			Image:          sandbox.DefaultImage,
			CPUs:           sandbox.DefaultCPUs,
			RAM:            sandbox.DefaultRAMSize,
			Disk:           sandbox.DefaultDiskSize,
			RestartPolicy:  sandbox.DefaultRestartPolicy,
			HostAddress:    sandbox.DefaultHostAddress,
			MountTransport: sandbox.DefaultMountTransport,
			BaseImageFiles: append([]string(nil), sandbox.DefaultBaseImageFiles...),
		},
		SSH: SSHConfig{
			User: sandbox.DefaultSSHUser,
		},
		Services: ServicesConfig{
			AsRoot:     true,
			HealthPath: "/health",
		},
		Timeouts: TimeoutsConfig{
			ShellReady:         sandbox.DefaultShellReadyTimeout,
			ShellReadyInterval: sandbox.DefaultShellReadyInterval,
			Mount:              sandbox.DefaultMountTimeout,
			Health:             sandbox.DefaultHealthTimeout,
			HealthInterval:     sandbox.DefaultHealthInterval,
			Stop:               sandbox.DefaultStopTimeout,
		},
		Ports: PortsConfig{
			File: "~/.vmpool/ports.json",
			Base: ports.DefaultBasePort,
			Max:  ports.DefaultMaxPort,
		},
		Pool: PoolConfig{
			Min:    1,
			Max:    4,
			Prefix: pool.DefaultPrefix,
		},
		Bridge: BridgeConfig{
			GracePeriod:    bridge.DefaultGracePeriod,
			SessionRetries: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the settings that are not validated by the packages they
// configure.
func (c *Config) Validate() error {
	if c.Pool.Min < 0 || c.Pool.Max < 1 || c.Pool.Min > c.Pool.Max {
		return fmt.Errorf("invalid pool bounds min=%d max=%d", c.Pool.Min, c.Pool.Max)
	}
	if c.Ports.Base < 1 || c.Ports.Max > 65535 || c.Ports.Base > c.Ports.Max {
		return fmt.Errorf("invalid port range %d-%d", c.Ports.Base, c.Ports.Max)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	return nil
}

// RootPath returns the absolute instance root directory.
func (c *Config) RootPath() string {
	root := c.RootDir
	if root == "" {
		root = "~/.vmpool/data"
	}
	return expandPath(root)
}

// PortsPath returns the absolute path of the port assignment file.
func (c *Config) PortsPath() string {
	return expandPath(c.Ports.File)
}

// SandboxOptions returns instance options built from the configuration.
// Name and host ports are left for the caller.
func (c *Config) SandboxOptions() sandbox.Options {
	opts := sandbox.DefaultOptions().
		WithImage(c.Instance.Image).
		WithRootDir(c.RootPath()).
		WithResources(c.Instance.CPUs, c.Instance.RAM, c.Instance.Disk).
		WithRestartPolicy(c.Instance.RestartPolicy).
		WithSSH(c.SSH.User, c.SSH.Password, expandPath(c.SSH.KeyFile)).
		WithTimeouts(c.Timeouts.ShellReady, c.Timeouts.Health)

	if len(c.Instance.BaseImageFiles) > 0 {
		opts = opts.WithBaseImageFiles(c.Instance.BaseImageFiles...)
	}
	if c.Instance.HostAddress != "" {
		opts.HostAddress = c.Instance.HostAddress
	}
	if c.Instance.MountTransport != "" {
		opts.MountTransport = c.Instance.MountTransport
	}
	for k, v := range c.Instance.Env {
		opts = opts.WithEnv(k, v)
	}

	if c.Services.StartScript != "" {
		opts = opts.WithServices(expandPath(c.Services.Dir), c.Services.StartScript)
	}
	opts.ServiceExclude = append([]string(nil), c.Services.Exclude...)
	opts.ServiceAsRoot = c.Services.AsRoot
	for k, v := range c.Services.Env {
		opts = opts.WithServiceEnv(k, v)
	}
	// An empty health path disables the health check.
	if c.Services.HealthPath != "" {
		opts = opts.WithHealthChecks(sandbox.HealthCheck{PortKey: sandbox.PortHealth, Path: c.Services.HealthPath})
	} else {
		opts.HealthChecks = nil
	}

	opts.ShellReadyInterval = c.Timeouts.ShellReadyInterval
	opts.MountTimeout = c.Timeouts.Mount
	opts.HealthInterval = c.Timeouts.HealthInterval
	opts.StopTimeout = c.Timeouts.Stop
	return opts
}

// AllocatorOptions returns the port allocator options.
func (c *Config) AllocatorOptions() []ports.Option {
	return []ports.Option{ports.WithRange(c.Ports.Base, c.Ports.Max)}
}

// PoolConfig returns the orchestrator bounds.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Min:               c.Pool.Min,
		Max:               c.Pool.Max,
		Prefix:            c.Pool.Prefix,
		CreateConcurrency: c.Pool.CreateConcurrency,
	}
}

// BridgeOptions returns the execution session options.
func (c *Config) BridgeOptions() bridge.Options {
	opts := bridge.Options{
		Packages:    append([]string(nil), c.Bridge.Packages...),
		GracePeriod: c.Bridge.GracePeriod,
	}
	if c.Bridge.SessionRetries > 0 {
		opts.Retry = retry.Exponential(c.Bridge.SessionRetries, time.Second, 15*time.Second)
	}
	return opts
}

// expandPath expands ~ to the user's home directory and resolves the path.
func expandPath(path string) string {
	if path == "" {
		return path
	}

	// Expand ~ to home directory
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == filepath.Separator {
			path = filepath.Join(home, path[2:])
		} else {
			path = filepath.Join(home, path[1:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}
