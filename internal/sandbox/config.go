package sandbox

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/docker/go-units"

	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/retry"
)

// Default configuration values.
const (
	DefaultImage               = "qemux/qemu:latest"
	DefaultCPUs                = 2
	DefaultRAMSize             = "4G"
	DefaultDiskSize            = "64G"
	DefaultRestartPolicy       = "no"
	DefaultHostAddress         = "127.0.0.1"
	DefaultContainerStorageDir = "/storage"
	DefaultContainerSharedDir  = "/shared"
	DefaultGuestSharedDir      = "/mnt/shared"
	DefaultSharedTag           = "shared"
	DefaultMountTransport      = "9p"
	DefaultGuestServiceDir     = "/opt/vmpool/services"
	DefaultServiceLogFile      = "/var/log/vmpool-services.log"
	DefaultDisplay             = ":0"
	DefaultXAuthority          = "/root/.Xauthority"
	DefaultSSHUser             = "root"
	DefaultLogTailLines        = 50
	DefaultShellReadyTimeout   = 10 * time.Minute
	DefaultShellReadyInterval  = 5 * time.Second
	DefaultMountTimeout        = 2 * time.Minute
	DefaultMountInterval       = 5 * time.Second
	DefaultHealthTimeout       = 5 * time.Minute
	DefaultHealthInterval      = 5 * time.Second
	DefaultStopTimeout         = 30 * time.Second
)

// Port keys every instance is expected to carry.
const (
	PortSSH    = "ssh"
	PortVNC    = "vnc"
	PortExec   = "exec"
	PortHealth = "health"
)

// DefaultGuestPorts maps the default port keys to the ports the guest listens on.
var DefaultGuestPorts = map[string]int{
	PortSSH:    22,
	PortVNC:    5900,
	PortExec:   8888,
	PortHealth: 8000,
}

// DefaultBaseImageFiles are the disk files expected under the base image dir.
var DefaultBaseImageFiles = []string{"boot.qcow2"}

var (
	namePattern      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	restartPolicies  = []string{"no", "always", "unless-stopped", "on-failure"}
	mountTransports  = []string{"9p", "virtiofs"}
	uniqueNameLayout = "20060102-150405.000"
)

// HealthCheck is an HTTP endpoint polled on the host side of a port binding.
type HealthCheck struct {
	// PortKey names the port binding the endpoint is reached through.
	PortKey string

	// Path is the request path. Default: /health
	Path string
}

// Options holds the tunable parameters of a sandbox instance. Build it with
// DefaultOptions and the With* methods, then freeze it with NewInstanceConfig.
type Options struct {
	// Image is the container image packaging the VM.
	Image string

	// Name is the container name. With UniqueName a timestamp suffix is appended.
	Name       string
	UniqueName bool

	// RootDir holds the base image dir and the per-instance dirs.
	RootDir string

	// CPUs, RAMSize and DiskSize size the guest. Sizes use human units ("4G").
	CPUs     int
	RAMSize  string
	DiskSize string

	// BaseImageFiles are copied from <root>/base into the instance snapshot dir.
	BaseImageFiles []string

	// ContainerStorageDir and ContainerSharedDir are the bind targets inside
	// the container for the snapshot and shared dirs.
	ContainerStorageDir string
	ContainerSharedDir  string

	// GuestSharedDir is where the shared dir is mounted inside the guest.
	GuestSharedDir string
	SharedTag      string
	MountTransport string

	// HostAddress is the host interface the port bindings listen on.
	HostAddress string

	// GuestPorts maps port keys to guest ports; HostPorts maps the same keys to
	// host ports.
	GuestPorts map[string]int
	HostPorts  ports.Map

	// Env is passed to the container, ServiceEnv to the in-guest services.
	Env        map[string]string
	ServiceEnv map[string]string

	RestartPolicy string

	// ServiceDir is a local tree uploaded to GuestServiceDir. StartScript is
	// relative to both.
	ServiceDir      string
	StartScript     string
	GuestServiceDir string
	ServiceLogFile  string
	ServiceExclude  []string
	ServiceAsRoot   bool

	HealthChecks []HealthCheck

	Display    string
	XAuthority string

	SSHUser     string
	SSHPassword string
	SSHKeyFile  string

	// Recreate removes any existing container with the same name before setup.
	Recreate bool

	// CleanupOnFailure reclaims the container and storage when Setup fails.
	CleanupOnFailure bool

	ShellSettleDelay time.Duration
	ShellIdleTimeout time.Duration
	ShellRetry       retry.Policy

	ShellReadyTimeout  time.Duration
	ShellReadyInterval time.Duration
	MountTimeout       time.Duration
	MountInterval      time.Duration
	HealthTimeout      time.Duration
	HealthInterval     time.Duration
	StopTimeout        time.Duration

	// LogTailLines is how much of the service log a health failure reports.
	LogTailLines int
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Image:               DefaultImage,
		CPUs:                DefaultCPUs,
		RAMSize:             DefaultRAMSize,
		DiskSize:            DefaultDiskSize,
		BaseImageFiles:      slices.Clone(DefaultBaseImageFiles),
		ContainerStorageDir: DefaultContainerStorageDir,
		ContainerSharedDir:  DefaultContainerSharedDir,
		GuestSharedDir:      DefaultGuestSharedDir,
		SharedTag:           DefaultSharedTag,
		MountTransport:      DefaultMountTransport,
		HostAddress:         DefaultHostAddress,
		GuestPorts:          maps.Clone(DefaultGuestPorts),
		RestartPolicy:       DefaultRestartPolicy,
		GuestServiceDir:     DefaultGuestServiceDir,
		ServiceLogFile:      DefaultServiceLogFile,
		ServiceAsRoot:       true,
		HealthChecks:        []HealthCheck{{PortKey: PortHealth, Path: "/health"}},
		Display:             DefaultDisplay,
		XAuthority:          DefaultXAuthority,
		SSHUser:             DefaultSSHUser,
		CleanupOnFailure:    true,
		ShellReadyTimeout:   DefaultShellReadyTimeout,
		ShellReadyInterval:  DefaultShellReadyInterval,
		MountTimeout:        DefaultMountTimeout,
		MountInterval:       DefaultMountInterval,
		HealthTimeout:       DefaultHealthTimeout,
		HealthInterval:      DefaultHealthInterval,
		StopTimeout:         DefaultStopTimeout,
		LogTailLines:        DefaultLogTailLines,
	}
}

// WithImage returns a copy of the options with the specified image.
func (o Options) WithImage(image string) Options {
	o.Image = image
	return o
}

// WithName returns a copy of the options with the specified container name.
func (o Options) WithName(name string, unique bool) Options {
	o.Name = name
	o.UniqueName = unique
	return o
}

// WithRootDir returns a copy of the options with the specified root dir.
func (o Options) WithRootDir(dir string) Options {
	o.RootDir = dir
	return o
}

// WithResources returns a copy of the options with the specified guest size.
func (o Options) WithResources(cpus int, ram, disk string) Options {
	o.CPUs = cpus
	o.RAMSize = ram
	o.DiskSize = disk
	return o
}

// WithBaseImageFiles returns a copy of the options with the specified base files.
func (o Options) WithBaseImageFiles(files ...string) Options {
	o.BaseImageFiles = slices.Clone(files)
	return o
}

// WithHostPorts returns a copy of the options with the specified host ports.
func (o Options) WithHostPorts(m ports.Map) Options {
	o.HostPorts = m.Clone()
	return o
}

// WithGuestPort returns a copy of the options with an additional guest port.
func (o Options) WithGuestPort(key string, port int) Options {
	o.GuestPorts = maps.Clone(o.GuestPorts)
	if o.GuestPorts == nil {
		o.GuestPorts = make(map[string]int)
	}
	o.GuestPorts[key] = port
	return o
}

// WithEnv returns a copy of the options with an additional container variable.
func (o Options) WithEnv(key, value string) Options {
	o.Env = withEntry(o.Env, key, value)
	return o
}

// WithServiceEnv returns a copy of the options with an additional service variable.
func (o Options) WithServiceEnv(key, value string) Options {
	o.ServiceEnv = withEntry(o.ServiceEnv, key, value)
	return o
}

// WithServices returns a copy of the options deploying dir and launching script.
func (o Options) WithServices(dir, script string) Options {
	o.ServiceDir = dir
	o.StartScript = script
	return o
}

// WithHealthChecks returns a copy of the options with the specified health checks.
func (o Options) WithHealthChecks(checks ...HealthCheck) Options {
	o.HealthChecks = slices.Clone(checks)
	return o
}

// WithSSH returns a copy of the options with the specified guest credentials.
func (o Options) WithSSH(user, password, keyFile string) Options {
	o.SSHUser = user
	o.SSHPassword = password
	o.SSHKeyFile = keyFile
	return o
}

// WithRecreate returns a copy of the options with recreate enabled or disabled.
func (o Options) WithRecreate(enabled bool) Options {
	o.Recreate = enabled
	return o
}

// WithCleanupOnFailure returns a copy of the options with cleanup enabled or disabled.
func (o Options) WithCleanupOnFailure(enabled bool) Options {
	o.CleanupOnFailure = enabled
	return o
}

// WithRestartPolicy returns a copy of the options with the specified restart policy.
func (o Options) WithRestartPolicy(policy string) Options {
	o.RestartPolicy = policy
	return o
}

// WithTimeouts returns a copy of the options with the specified polling budgets.
func (o Options) WithTimeouts(shellReady, health time.Duration) Options {
	o.ShellReadyTimeout = shellReady
	o.HealthTimeout = health
	return o
}

func withEntry(m map[string]string, key, value string) map[string]string {
	m = maps.Clone(m)
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = value
	return m
}

func (o Options) clone() Options {
	o.BaseImageFiles = slices.Clone(o.BaseImageFiles)
	o.GuestPorts = maps.Clone(o.GuestPorts)
	o.HostPorts = o.HostPorts.Clone()
	o.Env = maps.Clone(o.Env)
	o.ServiceEnv = maps.Clone(o.ServiceEnv)
	o.ServiceExclude = slices.Clone(o.ServiceExclude)
	o.HealthChecks = slices.Clone(o.HealthChecks)
	return o
}

// applyDefaults fills zero-valued fields that have a safe default.
func (o *Options) applyDefaults() {
	if o.Image == "" {
		o.Image = DefaultImage
	}
	if o.CPUs == 0 {
		o.CPUs = DefaultCPUs
	}
	if o.RAMSize == "" {
		o.RAMSize = DefaultRAMSize
	}
	if o.DiskSize == "" {
		o.DiskSize = DefaultDiskSize
	}
	if o.ContainerStorageDir == "" {
		o.ContainerStorageDir = DefaultContainerStorageDir
	}
	if o.ContainerSharedDir == "" {
		o.ContainerSharedDir = DefaultContainerSharedDir
	}
	if o.GuestSharedDir == "" {
		o.GuestSharedDir = DefaultGuestSharedDir
	}
	if o.SharedTag == "" {
		o.SharedTag = DefaultSharedTag
	}
	if o.MountTransport == "" {
		o.MountTransport = DefaultMountTransport
	}
	if o.HostAddress == "" {
		o.HostAddress = DefaultHostAddress
	}
	if o.RestartPolicy == "" {
		o.RestartPolicy = DefaultRestartPolicy
	}
	if o.GuestServiceDir == "" {
		o.GuestServiceDir = DefaultGuestServiceDir
	}
	if o.ServiceLogFile == "" {
		o.ServiceLogFile = DefaultServiceLogFile
	}
	if o.Display == "" {
		o.Display = DefaultDisplay
	}
	if o.XAuthority == "" {
		o.XAuthority = DefaultXAuthority
	}
	if o.SSHUser == "" {
		o.SSHUser = DefaultSSHUser
	}
	for i := range o.HealthChecks {
		if o.HealthChecks[i].Path == "" {
			o.HealthChecks[i].Path = "/health"
		}
	}
	if o.ShellReadyTimeout <= 0 {
		o.ShellReadyTimeout = DefaultShellReadyTimeout
	}
	if o.ShellReadyInterval <= 0 {
		o.ShellReadyInterval = DefaultShellReadyInterval
	}
	if o.MountTimeout <= 0 {
		o.MountTimeout = DefaultMountTimeout
	}
	if o.MountInterval <= 0 {
		o.MountInterval = DefaultMountInterval
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = DefaultHealthTimeout
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.LogTailLines <= 0 {
		o.LogTailLines = DefaultLogTailLines
	}
}

// InstanceConfig is the validated, immutable configuration of one instance.
type InstanceConfig struct {
	opts      Options
	name      string
	ramBytes  int64
	diskBytes int64
}

// NewInstanceConfig validates opts and creates the instance's snapshot and
// shared directories. Nothing touches the filesystem unless validation passes.
func NewInstanceConfig(opts Options) (*InstanceConfig, error) {
	opts = opts.clone()
	opts.applyDefaults()

	ramBytes, diskBytes, err := opts.validate()
	if err != nil {
		return nil, err
	}
	if opts.RootDir, err = filepath.Abs(opts.RootDir); err != nil {
		return nil, &ConfigValidationError{Field: "RootDir", Reason: err.Error()}
	}

	name := opts.Name
	if opts.UniqueName {
		name = fmt.Sprintf("%s-%s", name, time.Now().Format(uniqueNameLayout))
	}

	cfg := &InstanceConfig{
		opts:      opts,
		name:      name,
		ramBytes:  ramBytes,
		diskBytes: diskBytes,
	}
	for _, dir := range []string{cfg.SnapshotDir(), cfg.SharedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

func (o Options) validate() (ramBytes, diskBytes int64, err error) {
	invalid := func(field, format string, args ...any) (int64, int64, error) {
		return 0, 0, &ConfigValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	if !namePattern.MatchString(o.Name) {
		return invalid("Name", "%q is not a valid container name", o.Name)
	}
	if o.RootDir == "" {
		return invalid("RootDir", "cannot be empty")
	}
	if o.CPUs < 1 {
		return invalid("CPUs", "must be at least 1, got %d", o.CPUs)
	}
	ramBytes, err = units.RAMInBytes(o.RAMSize)
	if err != nil || ramBytes <= 0 {
		return invalid("RAMSize", "invalid size %q", o.RAMSize)
	}
	diskBytes, err = units.FromHumanSize(o.DiskSize)
	if err != nil || diskBytes <= 0 {
		return invalid("DiskSize", "invalid size %q", o.DiskSize)
	}
	if !slices.Contains(restartPolicies, o.RestartPolicy) {
		return invalid("RestartPolicy", "unknown policy %q", o.RestartPolicy)
	}
	if !slices.Contains(mountTransports, o.MountTransport) {
		return invalid("MountTransport", "unknown transport %q", o.MountTransport)
	}

	if _, ok := o.GuestPorts[PortSSH]; !ok {
		return invalid("GuestPorts", "missing %q port", PortSSH)
	}
	for _, key := range slices.Sorted(maps.Keys(o.GuestPorts)) {
		guest := o.GuestPorts[key]
		if guest < 1 || guest > 65535 {
			return invalid("GuestPorts", "port %s=%d out of range 1-65535", key, guest)
		}
		if _, ok := o.HostPorts[key]; !ok {
			return invalid("HostPorts", "no host binding for guest port %q", key)
		}
	}
	if err := o.HostPorts.Validate(); err != nil {
		return invalid("HostPorts", "%v", err)
	}
	for _, hc := range o.HealthChecks {
		if _, ok := o.GuestPorts[hc.PortKey]; !ok {
			return invalid("HealthChecks", "unknown port key %q", hc.PortKey)
		}
	}

	if len(o.BaseImageFiles) == 0 {
		return invalid("BaseImageFiles", "at least one base image file is required")
	}
	baseDir := filepath.Join(o.RootDir, "base")
	for _, f := range o.BaseImageFiles {
		info, err := os.Stat(filepath.Join(baseDir, f))
		if err != nil || !info.Mode().IsRegular() {
			return invalid("BaseImageFiles", "base image %s not found in %s", f, baseDir)
		}
	}

	if o.ServiceDir != "" {
		info, err := os.Stat(o.ServiceDir)
		if err != nil || !info.IsDir() {
			return invalid("ServiceDir", "%s is not a directory", o.ServiceDir)
		}
		if o.StartScript == "" {
			return invalid("StartScript", "required when ServiceDir is set")
		}
		info, err = os.Stat(filepath.Join(o.ServiceDir, o.StartScript))
		if err != nil || !info.Mode().IsRegular() {
			return invalid("StartScript", "%s not found in %s", o.StartScript, o.ServiceDir)
		}
		if info.Mode().Perm()&0o111 == 0 {
			return invalid("StartScript", "%s is not executable", o.StartScript)
		}
	}

	if o.SSHPassword == "" && o.SSHKeyFile == "" {
		return invalid("SSHPassword", "a password or private key file is required")
	}
	return ramBytes, diskBytes, nil
}

// Options returns a copy of the options the config was built from.
func (c *InstanceConfig) Options() Options { return c.opts.clone() }

// Name returns the container name, including any unique suffix.
func (c *InstanceConfig) Name() string { return c.name }

// Image returns the container image reference.
func (c *InstanceConfig) Image() string { return c.opts.Image }

// RAMBytes returns the guest memory size in bytes.
func (c *InstanceConfig) RAMBytes() int64 { return c.ramBytes }

// DiskBytes returns the guest disk size in bytes.
func (c *InstanceConfig) DiskBytes() int64 { return c.diskBytes }

// BaseImageDir returns <root>/base.
func (c *InstanceConfig) BaseImageDir() string {
	return filepath.Join(c.opts.RootDir, "base")
}

// InstanceDir returns <root>/instances/<name>.
func (c *InstanceConfig) InstanceDir() string {
	return filepath.Join(c.opts.RootDir, "instances", c.name)
}

// SnapshotDir returns the per-instance copy of the base image.
func (c *InstanceConfig) SnapshotDir() string {
	return filepath.Join(c.InstanceDir(), "storage")
}

// SharedDir returns the host side of the guest shared mount.
func (c *InstanceConfig) SharedDir() string {
	return filepath.Join(c.InstanceDir(), "shared")
}

// HostPorts returns a copy of the host port bindings.
func (c *InstanceConfig) HostPorts() ports.Map { return c.opts.HostPorts.Clone() }

// HostPort returns the host port bound for key.
func (c *InstanceConfig) HostPort(key string) (int, bool) {
	p, ok := c.opts.HostPorts[key]
	return p, ok
}

// GuestPort returns the guest port for key.
func (c *InstanceConfig) GuestPort(key string) (int, bool) {
	p, ok := c.opts.GuestPorts[key]
	return p, ok
}
