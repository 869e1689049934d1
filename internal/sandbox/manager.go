package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"

	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/shell"
)

// Shell is the remote shell the manager drives the guest through.
// *shell.Session satisfies it.
type Shell interface {
	Exec(ctx context.Context, command string, opts shell.ExecOptions) (shell.ExecResult, error)
	TransferDirectory(ctx context.Context, local, remote string, exclude []string) error
	Close() error
}

var _ Shell = (*shell.Session)(nil)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithShell replaces the SSH session built from the instance config.
func WithShell(s Shell) ManagerOption {
	return func(m *Manager) {
		m.shell = s
	}
}

// WithHTTPClient sets the client used for health checks.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.http = c
	}
}

type subscriber struct {
	id int
	fn func(Transition)
}

// Manager drives one sandbox instance through its lifecycle. Lifecycle steps on
// one Manager are meant to be called sequentially; state queries and Teardown
// are safe from any goroutine.
type Manager struct {
	cfg    *InstanceConfig
	opts   Options
	docker DockerAPI
	shell  Shell
	http   *http.Client

	mu          sync.Mutex
	state       State
	containerID string
	adopted     bool
	subscribers []subscriber
	nextSub     int
}

// NewManager creates a manager for cfg and looks for an existing container with
// the same name. A running one is adopted; a stopped one is restarted by Setup;
// with Recreate either is removed first.
func NewManager(ctx context.Context, cfg *InstanceConfig, docker DockerAPI, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("instance config cannot be nil")
	}
	if docker == nil {
		return nil, fmt.Errorf("Docker client cannot be nil")
	}

	m := &Manager{
		cfg:    cfg,
		opts:   cfg.Options(),
		docker: docker,
		state:  StateInitializing,
		http:   &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.shell == nil {
		m.shell = shell.New(m.shellConfig())
	}

	if err := m.attach(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) shellConfig() shell.Config {
	port, _ := m.cfg.HostPort(PortSSH)
	return shell.Config{
		Host:           m.endpointHost(),
		Port:           port,
		User:           m.opts.SSHUser,
		Password:       m.opts.SSHPassword,
		PrivateKeyFile: m.opts.SSHKeyFile,
		IdleTimeout:    m.opts.ShellIdleTimeout,
		SettleDelay:    m.opts.ShellSettleDelay,
		Retry:          m.opts.ShellRetry,
	}
}

func (m *Manager) attach(ctx context.Context) error {
	name := m.cfg.Name()
	info, err := m.docker.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return &ContainerOperationError{Op: "inspect", Name: name, Err: err}
	}
	if info.ContainerJSONBase == nil {
		return nil
	}

	if m.opts.Recreate {
		log.Info().Str("instance", name).Str("container", shortID(info.ID)).Msg("removing existing container")
		if err := m.docker.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return &ContainerOperationError{Op: "remove", Name: name, Err: err}
		}
		return nil
	}

	m.containerID = info.ID
	if info.State != nil && info.State.Running {
		m.adopted = true
		log.Info().Str("instance", name).Str("container", shortID(info.ID)).Msg("adopting running container")
		return m.transition(StateRunning, nil)
	}
	log.Info().Str("instance", name).Str("container", shortID(info.ID)).Msg("found stopped container")
	return nil
}

// Name returns the instance name.
func (m *Manager) Name() string { return m.cfg.Name() }

// Config returns the instance configuration.
func (m *Manager) Config() *InstanceConfig { return m.cfg }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ContainerID returns the container ID, or "" when no container exists.
func (m *Manager) ContainerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.containerID
}

// Adopted reports whether the manager found the container already running.
func (m *Manager) Adopted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adopted
}

// HostPort returns the host port bound for key.
func (m *Manager) HostPort(key string) (int, bool) {
	return m.cfg.HostPort(key)
}

// Ports returns a copy of all host port bindings.
func (m *Manager) Ports() ports.Map {
	return m.cfg.HostPorts()
}

// Endpoint returns host:port for the binding named key, or "" if there is none.
func (m *Manager) Endpoint(key string) string {
	port, ok := m.cfg.HostPort(key)
	if !ok {
		return ""
	}
	return net.JoinHostPort(m.endpointHost(), strconv.Itoa(port))
}

func (m *Manager) endpointHost() string {
	switch m.opts.HostAddress {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return m.opts.HostAddress
}

// Subscribe registers fn for every state transition. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn func(Transition)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers = append(m.subscribers, subscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subscribers = slices.DeleteFunc(m.subscribers, func(s subscriber) bool { return s.id == id })
	}
}

func (m *Manager) transition(to State, cause error) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !from.CanTransition(to) {
		m.mu.Unlock()
		return fmt.Errorf("instance %s: illegal state transition %s -> %s", m.cfg.Name(), from, to)
	}
	m.state = to
	subs := slices.Clone(m.subscribers)
	m.mu.Unlock()

	t := Transition{Instance: m.cfg.Name(), From: from, To: to, Err: cause, At: time.Now()}
	if to == StateError {
		log.Error().Err(cause).Str("instance", t.Instance).Str("from", string(from)).Msg("instance failed")
	} else {
		log.Info().Str("instance", t.Instance).Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	}
	for _, s := range subs {
		s.fn(t)
	}
	return nil
}

// fail moves the instance to ERROR and returns err.
func (m *Manager) fail(err error) error {
	_ = m.transition(StateError, err)
	return err
}

func (m *Manager) requireRunning(step string) error {
	if s := m.State(); s != StateRunning {
		return fmt.Errorf("instance %s: cannot %s in state %s", m.cfg.Name(), step, s)
	}
	return nil
}

// Create brings the container up: it pulls the image if needed, copies the base
// disk into a fresh snapshot, then creates and starts the container. A stopped
// container found by NewManager is started instead.
func (m *Manager) Create(ctx context.Context) error {
	name := m.cfg.Name()
	if err := m.transition(StateCreating, nil); err != nil {
		return &ContainerCreationError{Name: name, Err: err}
	}

	existing := m.ContainerID()
	var err error
	if existing != "" {
		err = m.startContainer(ctx, existing)
	} else {
		err = m.createContainer(ctx)
	}
	if err == nil {
		err = m.verifyRunning(ctx)
	}
	if err != nil {
		if id := m.ContainerID(); id != "" && existing == "" {
			if rerr := m.docker.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); rerr != nil && !errdefs.IsNotFound(rerr) {
				log.Warn().Err(rerr).Str("instance", name).Msg("failed to remove container after create failure")
			}
			m.setContainerID("")
		}
		return m.fail(&ContainerCreationError{Name: name, Err: err})
	}

	if err := m.transition(StateRunning, nil); err != nil {
		return m.fail(&ContainerCreationError{Name: name, Err: err})
	}
	return nil
}

func (m *Manager) createContainer(ctx context.Context) error {
	if err := m.ensureImage(ctx); err != nil {
		return fmt.Errorf("failed to ensure image: %w", err)
	}
	if err := m.materializeSnapshot(); err != nil {
		return err
	}

	containerCfg, hostCfg, networkCfg := m.buildContainerConfig()
	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, m.cfg.Name())
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	m.setContainerID(resp.ID)
	for _, w := range resp.Warnings {
		log.Warn().Str("instance", m.cfg.Name()).Msg(w)
	}
	log.Info().Str("instance", m.cfg.Name()).Str("container", shortID(resp.ID)).Msg("container created")

	return m.startContainer(ctx, resp.ID)
}

func (m *Manager) startContainer(ctx context.Context, id string) error {
	if err := m.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

func (m *Manager) verifyRunning(ctx context.Context) error {
	info, err := m.docker.ContainerInspect(ctx, m.ContainerID())
	if err != nil {
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		status := "unknown"
		if info.ContainerJSONBase != nil && info.State != nil {
			status = info.State.Status
		}
		return fmt.Errorf("container is not running (status %s)", status)
	}
	return nil
}

func (m *Manager) setContainerID(id string) {
	m.mu.Lock()
	m.containerID = id
	m.mu.Unlock()
}

// ensureImage pulls the image if it doesn't exist locally.
func (m *Manager) ensureImage(ctx context.Context) error {
	if _, _, err := m.docker.ImageInspectWithRaw(ctx, m.opts.Image); err == nil {
		return nil
	}

	log.Info().Str("image", m.opts.Image).Msg("pulling image")
	reader, err := m.docker.ImagePull(ctx, m.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.opts.Image, err)
	}
	defer reader.Close()

	// Consume the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", m.opts.Image, err)
	}
	return nil
}

// materializeSnapshot copies every base image file into the snapshot dir. Each
// copy lands atomically so a crash never leaves a truncated disk behind.
func (m *Manager) materializeSnapshot() error {
	for _, f := range m.opts.BaseImageFiles {
		src := filepath.Join(m.cfg.BaseImageDir(), f)
		dst := filepath.Join(m.cfg.SnapshotDir(), f)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to copy base image %s: %w", f, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(dst, in)
}

// buildContainerConfig creates the container, host, and network configurations.
func (m *Manager) buildContainerConfig() (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	name := m.cfg.Name()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	var userPorts []string
	for _, key := range slices.Sorted(maps.Keys(m.opts.GuestPorts)) {
		guest := m.opts.GuestPorts[key]
		port := nat.Port(fmt.Sprintf("%d/tcp", guest))
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   m.opts.HostAddress,
			HostPort: strconv.Itoa(m.opts.HostPorts[key]),
		})
		if key != PortVNC {
			userPorts = append(userPorts, strconv.Itoa(guest))
		}
	}

	env := map[string]string{
		"RAM_SIZE":   m.opts.RAMSize,
		"CPU_CORES":  strconv.Itoa(m.opts.CPUs),
		"DISK_SIZE":  m.opts.DiskSize,
		"USER_PORTS": strings.Join(userPorts, ","),
	}
	maps.Copy(env, m.opts.Env)
	envList := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		envList = append(envList, k+"="+env[k])
	}

	stopTimeout := int(m.opts.StopTimeout.Seconds())
	containerCfg := &container.Config{
		Image:        m.opts.Image,
		Env:          envList,
		ExposedPorts: exposed,
		StopTimeout:  &stopTimeout,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelInstance: name,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: m.cfg.SnapshotDir(), Target: m.opts.ContainerStorageDir},
			{Type: mount.TypeBind, Source: m.cfg.SharedDir(), Target: m.opts.ContainerSharedDir},
		},
		PortBindings:  bindings,
		CapAdd:        []string{"NET_ADMIN"},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(m.opts.RestartPolicy)},
		Resources: container.Resources{
			Devices: []container.DeviceMapping{
				{PathOnHost: "/dev/kvm", PathInContainer: "/dev/kvm", CgroupPermissions: "rwm"},
				{PathOnHost: "/dev/net/tun", PathInContainer: "/dev/net/tun", CgroupPermissions: "rwm"},
			},
		},
	}

	return containerCfg, hostCfg, &network.NetworkingConfig{}
}

// Setup runs create, shell readiness, shared mount, service deployment and the
// health check in order. An adopted container only gets the health check and is
// left in place when it fails. When
// a step fails and CleanupOnFailure is set, the container and instance storage
// are removed; the state stays ERROR.
func (m *Manager) Setup(ctx context.Context) error {
	if m.Adopted() {
		name := m.cfg.Name()
		log.Info().Str("instance", name).Msg("container already running, verifying services")
		if err := m.AwaitServiceHealth(ctx, m.opts.HealthTimeout, m.opts.HealthInterval); err != nil {
			// Not ours to remove; the user decides.
			log.Error().Err(err).Str("instance", name).
				Msgf("adopted container is unhealthy; run `vmpool teardown %s` or `vmpool create %s --recreate`", name, name)
			return fmt.Errorf("adopted container %s is unhealthy, tear it down or recreate it: %w", name, err)
		}
		return nil
	}

	err := m.Create(ctx)
	if err == nil {
		err = m.Provision(ctx)
	}
	if err == nil {
		log.Info().Str("instance", m.cfg.Name()).Str("ssh", m.Endpoint(PortSSH)).Msg("instance ready")
		return nil
	}

	if m.opts.CleanupOnFailure {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StopTimeout+time.Minute)
		defer cancel()
		if rerr := m.reclaim(cctx, true); rerr != nil {
			log.Warn().Err(rerr).Str("instance", m.cfg.Name()).Msg("cleanup after failed setup incomplete")
		}
	}
	return err
}

// Provision runs the in-guest steps of Setup against a running container.
func (m *Manager) Provision(ctx context.Context) error {
	if err := m.AwaitShellReady(ctx, m.opts.ShellReadyTimeout, m.opts.ShellReadyInterval); err != nil {
		return err
	}
	if err := m.MountSharedStorage(ctx); err != nil {
		return err
	}
	if err := m.DeployAndStartServices(ctx); err != nil {
		return err
	}
	return m.AwaitServiceHealth(ctx, m.opts.HealthTimeout, m.opts.HealthInterval)
}

// Stop stops a running container without removing it.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.requireRunning("stop"); err != nil {
		return err
	}
	if err := m.transition(StateStopping, nil); err != nil {
		return err
	}

	timeout := int(m.opts.StopTimeout.Seconds())
	if err := m.docker.ContainerStop(ctx, m.ContainerID(), container.StopOptions{Timeout: &timeout}); err != nil {
		return m.fail(&ContainerOperationError{Op: "stop", Name: m.cfg.Name(), Err: err})
	}
	return m.transition(StateStopped, nil)
}

// Start starts a container previously stopped with Stop. The guest reboots, so
// callers run Provision again before using it.
func (m *Manager) Start(ctx context.Context) error {
	if s := m.State(); s != StateStopped {
		return fmt.Errorf("instance %s: cannot start in state %s", m.cfg.Name(), s)
	}
	id := m.ContainerID()
	if id == "" {
		return fmt.Errorf("instance %s: container was removed", m.cfg.Name())
	}

	if err := m.startContainer(ctx, id); err != nil {
		return m.fail(&ContainerOperationError{Op: "start", Name: m.cfg.Name(), Err: err})
	}
	if err := m.verifyRunning(ctx); err != nil {
		return m.fail(&ContainerOperationError{Op: "start", Name: m.cfg.Name(), Err: err})
	}
	return m.transition(StateRunning, nil)
}

// Teardown stops and removes the container, optionally deletes the instance
// storage and always closes the shell session. The final state is STOPPED.
// Failures are logged, never returned, and repeated calls are harmless.
func (m *Manager) Teardown(ctx context.Context, deleteStorage bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StopTimeout+time.Minute)
	defer cancel()

	if m.State() != StateStopped {
		_ = m.transition(StateStopping, nil)
	}
	if err := m.reclaim(ctx, deleteStorage); err != nil {
		log.Warn().Err(err).Str("instance", m.cfg.Name()).Msg("teardown incomplete")
	}
	_ = m.transition(StateStopped, nil)
}

// reclaim releases the container, the storage and the shell session without
// touching the state.
func (m *Manager) reclaim(ctx context.Context, deleteStorage bool) error {
	name := m.cfg.Name()

	m.mu.Lock()
	id := m.containerID
	m.containerID = ""
	m.adopted = false
	m.mu.Unlock()

	var errs []error
	if err := m.shell.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close shell: %w", err))
	}
	if id != "" {
		timeout := int(m.opts.StopTimeout.Seconds())
		if err := m.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, &ContainerOperationError{Op: "stop", Name: name, Err: err})
		}
		if err := m.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			errs = append(errs, &ContainerOperationError{Op: "remove", Name: name, Err: err})
		}
	}
	if deleteStorage {
		if err := os.RemoveAll(m.cfg.InstanceDir()); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete storage: %w", err))
		}
	}

	if len(errs) == 0 {
		log.Info().Str("instance", name).Bool("storage_deleted", deleteStorage).Msg("instance reclaimed")
	}
	return errors.Join(errs...)
}

// Status is a point-in-time view of an instance.
type Status struct {
	Name        string
	State       State
	ContainerID string
	Adopted     bool
	Ports       ports.Map
}

// Status returns the current status of the instance.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Name:        m.cfg.Name(),
		State:       m.state,
		ContainerID: m.containerID,
		Adopted:     m.adopted,
		Ports:       m.cfg.HostPorts(),
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
