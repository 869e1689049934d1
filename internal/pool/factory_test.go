package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkuds/vmpool/internal/bridge"
	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/retry"
	"github.com/hkuds/vmpool/internal/sandbox"
	"github.com/hkuds/vmpool/internal/shell"
)

// stubDocker keeps containers in memory and runs them as soon as they start.
type stubDocker struct {
	mu         sync.Mutex
	containers map[string]string
	running    map[string]bool
	inspectErr error
}

func newStubDocker() *stubDocker {
	return &stubDocker{containers: make(map[string]string), running: make(map[string]bool)}
}

func (d *stubDocker) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

func (d *stubDocker) resolve(idOrName string) (string, bool) {
	if _, ok := d.containers[idOrName]; ok {
		return idOrName, true
	}
	for id, name := range d.containers {
		if name == idOrName {
			return id, true
		}
	}
	return "", false
}

func (d *stubDocker) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{ID: ref}, nil, nil
}

func (d *stubDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (d *stubDocker) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := fmt.Sprintf("c%011d", len(d.containers)+1)
	d.containers[id] = name
	return container.CreateResponse{ID: id}, nil
}

func (d *stubDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.resolve(id)
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	d.running[id] = true
	return nil
}

func (d *stubDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.resolve(id)
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	d.running[id] = false
	return nil
}

func (d *stubDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.resolve(id)
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(d.containers, id)
	delete(d.running, id)
	return nil
}

func (d *stubDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inspectErr != nil {
		return types.ContainerJSON{}, d.inspectErr
	}
	id, ok := d.resolve(id)
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
		ID:    id,
		Name:  "/" + d.containers[id],
		State: &types.ContainerState{Running: d.running[id]},
	}}, nil
}

func (d *stubDocker) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	return nil, nil
}

func (d *stubDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (d *stubDocker) Close() error { return nil }

// stubShell answers every command with err.
type stubShell struct {
	err    error
	mu     sync.Mutex
	closed int
}

func (s *stubShell) Exec(context.Context, string, shell.ExecOptions) (shell.ExecResult, error) {
	return shell.ExecResult{}, s.err
}

func (s *stubShell) TransferDirectory(context.Context, string, string, []string) error { return nil }

func (s *stubShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// newFactoryRoot creates a root dir holding the default base image.
func newFactoryRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "base"), 0o755))
	for _, f := range sandbox.DefaultBaseImageFiles {
		require.NoError(t, os.WriteFile(filepath.Join(root, "base", f), []byte("disk"), 0o644))
	}
	return root
}

func factoryTemplate(root string) sandbox.Options {
	opts := sandbox.DefaultOptions().
		WithRootDir(root).
		WithSSH("root", "pw", "").
		WithHealthChecks().
		WithCleanupOnFailure(false)
	opts.ShellReadyTimeout = 50 * time.Millisecond
	opts.ShellReadyInterval = 5 * time.Millisecond
	opts.MountTimeout = 50 * time.Millisecond
	opts.MountInterval = 5 * time.Millisecond
	return opts
}

func TestSandboxFactoryOptions(t *testing.T) {
	f := &SandboxFactory{Template: sandbox.DefaultOptions().WithImage("example/vm:1").WithName("ignored", true)}
	p := ports.Map{"ssh": 30000, "vnc": 30001, "exec": 30002, "health": 30003}

	opts := f.Options("vmpool-4", p)
	assert.Equal(t, "vmpool-4", opts.Name)
	assert.False(t, opts.UniqueName)
	assert.Equal(t, "example/vm:1", opts.Image)
	assert.Equal(t, p, opts.HostPorts)

	p["ssh"] = 1
	assert.Equal(t, 30000, opts.HostPorts["ssh"], "options must not alias the port map")
	assert.Empty(t, f.Template.HostPorts["ssh"], "template must stay untouched")
}

func TestSandboxFactoryRejectsInvalidTemplate(t *testing.T) {
	f := &SandboxFactory{Template: sandbox.DefaultOptions().WithRootDir(t.TempDir())}

	_, err := f.Create(context.Background(), "vmpool-0", ports.Map{"ssh": 30000, "vnc": 30001, "exec": 30002, "health": 30003})
	var verr *sandbox.ConfigValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSandboxFactoryTearsDownAfterSetupFailure(t *testing.T) {
	root := newFactoryRoot(t)
	docker := newStubDocker()
	sh := &stubShell{err: errors.New("connection refused")}
	f := &SandboxFactory{
		Template:       factoryTemplate(root),
		Docker:         docker,
		DeleteStorage:  true,
		ManagerOptions: []sandbox.ManagerOption{sandbox.WithShell(sh)},
	}

	_, err := f.Create(context.Background(), "vmpool-0", ports.Map{"ssh": 30000, "vnc": 30001, "exec": 30002, "health": 30003})
	require.Error(t, err)

	assert.Zero(t, docker.count(), "container must be removed")
	assert.GreaterOrEqual(t, sh.closed, 1, "shell must be closed")
	assert.NoDirExists(t, filepath.Join(root, "instances", "vmpool-0"))
}

func TestSandboxFactoryRemovesStorageWhenManagerFails(t *testing.T) {
	root := newFactoryRoot(t)
	docker := newStubDocker()
	docker.inspectErr = errors.New("daemon unavailable")
	f := &SandboxFactory{
		Template:       factoryTemplate(root),
		Docker:         docker,
		DeleteStorage:  true,
		ManagerOptions: []sandbox.ManagerOption{sandbox.WithShell(&stubShell{})},
	}

	_, err := f.Create(context.Background(), "vmpool-0", ports.Map{"ssh": 30000, "vnc": 30001, "exec": 30002, "health": 30003})
	var cerr *sandbox.ContainerOperationError
	require.ErrorAs(t, err, &cerr)
	assert.NoDirExists(t, filepath.Join(root, "instances", "vmpool-0"))
}

func TestSandboxFactoryTearsDownWhenSessionFails(t *testing.T) {
	kernel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "kernel unavailable", http.StatusServiceUnavailable)
	}))
	defer kernel.Close()
	execPort := kernel.Listener.Addr().(*net.TCPAddr).Port

	root := newFactoryRoot(t)
	docker := newStubDocker()
	sh := &stubShell{}
	f := &SandboxFactory{
		Template:       factoryTemplate(root),
		Docker:         docker,
		Bridge:         bridge.Options{Retry: retry.Exponential(2, time.Millisecond, time.Millisecond)},
		ManagerOptions: []sandbox.ManagerOption{sandbox.WithShell(sh)},
	}

	_, err := f.Create(context.Background(), "vmpool-0", ports.Map{"ssh": 30000, "vnc": 30001, "exec": execPort, "health": 30003})
	require.Error(t, err)

	assert.Zero(t, docker.count(), "container must be removed")
	assert.GreaterOrEqual(t, sh.closed, 1, "shell must be closed")
	assert.DirExists(t, filepath.Join(root, "instances", "vmpool-0"), "storage is kept without DeleteStorage")
}
