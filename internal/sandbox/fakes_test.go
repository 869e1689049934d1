package sandbox

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

	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/shell"
)

type fakeContainer struct {
	id      string
	name    string
	running bool
	config  *container.Config
	host    *container.HostConfig
}

// fakeDocker is an in-memory stand-in for the docker engine.
type fakeDocker struct {
	mu         sync.Mutex
	images     map[string]bool
	containers map[string]*fakeContainer
	pulls      []string
	creates    int
	nextID     int

	failCreate  error
	failStart   error
	exitOnStart bool
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     make(map[string]bool),
		containers: make(map[string]*fakeContainer),
	}
}

// addContainer registers a pre-existing container.
func (d *fakeDocker) addContainer(name string, running bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("existing%04d", d.nextID)
	d.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		running: running,
		config:  &container.Config{Labels: map[string]string{LabelManaged: "true", LabelInstance: name}},
	}
	return id
}

func (d *fakeDocker) lookup(idOrName string) *fakeContainer {
	if c, ok := d.containers[idOrName]; ok {
		return c
	}
	for _, c := range d.containers {
		if c.name == idOrName {
			return c
		}
	}
	return nil
}

func (d *fakeDocker) get(name string) *fakeContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookup(name)
}

func (d *fakeDocker) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.containers)
}

func notFound(what string) error {
	return errdefs.NotFound(fmt.Errorf("no such %s", what))
}

func (d *fakeDocker) ImageInspectWithRaw(_ context.Context, imageID string) (types.ImageInspect, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.images[imageID] {
		return types.ImageInspect{ID: imageID}, nil, nil
	}
	return types.ImageInspect{}, nil, notFound("image")
}

func (d *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pulls = append(d.pulls, ref)
	d.images[ref] = true
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (d *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCreate != nil {
		return container.CreateResponse{}, d.failCreate
	}
	if d.lookup(name) != nil {
		return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("name %s in use", name))
	}
	d.nextID++
	d.creates++
	id := fmt.Sprintf("c%011d", d.nextID)
	d.containers[id] = &fakeContainer{id: id, name: name, config: cfg, host: host}
	return container.CreateResponse{ID: id}, nil
}

func (d *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.lookup(id)
	if c == nil {
		return notFound("container")
	}
	if d.failStart != nil {
		return d.failStart
	}
	c.running = !d.exitOnStart
	return nil
}

func (d *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.lookup(id)
	if c == nil {
		return notFound("container")
	}
	c.running = false
	return nil
}

func (d *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.lookup(id)
	if c == nil {
		return notFound("container")
	}
	delete(d.containers, c.id)
	return nil
}

func (d *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.lookup(id)
	if c == nil {
		return types.ContainerJSON{}, notFound("container")
	}
	status := "exited"
	if c.running {
		status = "running"
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    c.id,
			Name:  "/" + c.name,
			State: &types.ContainerState{Running: c.running, Status: status},
		},
		Config: c.config,
	}, nil
}

func (d *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.Container
	for _, c := range d.containers {
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, types.Container{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Labels: c.config.Labels,
			State:  state,
		})
	}
	return out, nil
}

func (d *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (d *fakeDocker) Close() error { return nil }

type shellCall struct {
	command string
	opts    shell.ExecOptions
}

type transferCall struct {
	local, remote string
	exclude       []string
}

// fakeShell records commands and answers them through handler.
type fakeShell struct {
	mu        sync.Mutex
	calls     []shellCall
	transfers []transferCall
	closed    int
	handler   func(command string) (shell.ExecResult, error)
}

func (s *fakeShell) Exec(_ context.Context, command string, opts shell.ExecOptions) (shell.ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, shellCall{command: command, opts: opts})
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return shell.ExecResult{}, nil
	}
	return h(command)
}

func (s *fakeShell) TransferDirectory(_ context.Context, local, remote string, exclude []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, transferCall{local: local, remote: remote, exclude: exclude})
	return nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeShell) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.command
	}
	return out
}

func (s *fakeShell) find(prefix string) (shellCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if strings.HasPrefix(c.command, prefix) {
			return c, true
		}
	}
	return shellCall{}, false
}

// newTestRoot creates a root dir holding a base image.
func newTestRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "base"), 0o755); err != nil {
		t.Fatalf("mkdir base: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "base", "boot.qcow2"), []byte("base-disk"), 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}
	return root
}

// newServiceDir creates a service tree with an executable start script.
func newServiceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "start.sh"), []byte("#!/bin/sh\nexec ./server\n"), 0o755); err != nil {
		t.Fatalf("write start script: %v", err)
	}
	return dir
}

func testOptions(root string, healthPort int) Options {
	opts := DefaultOptions().
		WithName("vm-1", false).
		WithRootDir(root).
		WithHostPorts(ports.Map{PortSSH: 20000, PortVNC: 20001, PortExec: 20002, PortHealth: healthPort}).
		WithSSH("root", "secret", "")
	opts.ShellReadyTimeout = 200 * time.Millisecond
	opts.ShellReadyInterval = 5 * time.Millisecond
	opts.MountTimeout = 200 * time.Millisecond
	opts.MountInterval = 5 * time.Millisecond
	opts.HealthTimeout = 200 * time.Millisecond
	opts.HealthInterval = 5 * time.Millisecond
	return opts
}

// healthServer serves /health with the given status and returns its port.
func healthServer(t *testing.T, status int) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().(*net.TCPAddr).Port
}

type harness struct {
	docker *fakeDocker
	shell  *fakeShell
	mgr    *Manager
	cfg    *InstanceConfig

	mu          sync.Mutex
	transitions []Transition
}

func newHarness(t *testing.T, opts Options, docker *fakeDocker) *harness {
	t.Helper()
	cfg, err := NewInstanceConfig(opts)
	if err != nil {
		t.Fatalf("NewInstanceConfig() error = %v", err)
	}
	if docker == nil {
		docker = newFakeDocker()
	}
	sh := &fakeShell{}
	mgr, err := NewManager(context.Background(), cfg, docker, WithShell(sh))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h := &harness{docker: docker, shell: sh, mgr: mgr, cfg: cfg}
	mgr.Subscribe(func(tr Transition) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.transitions = append(h.transitions, tr)
	})
	return h
}

func (h *harness) path() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, tr := range h.transitions {
		out = append(out, tr.To)
	}
	return out
}

func isShellError(err error) bool {
	var rerr *shell.RemoteShellError
	return errors.As(err, &rerr)
}
