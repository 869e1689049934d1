package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"

	"github.com/hkuds/vmpool/internal/config"
	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/sandbox"
)

// environment bundles what every instance command needs.
type environment struct {
	cfg    *config.Config
	docker *client.Client
	alloc  *ports.Allocator
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	alloc, err := ports.NewAllocator(cfg.PortsPath(), cfg.AllocatorOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to open port assignments: %w", err)
	}

	docker, err := sandbox.NewDockerClient(ctx)
	if err != nil {
		return nil, err
	}

	return &environment{cfg: cfg, docker: docker, alloc: alloc}, nil
}

func (e *environment) Close() {
	_ = e.docker.Close()
}

// instanceOptions returns the options of the named instance on its assigned
// host ports, allocating them on first use.
func (e *environment) instanceOptions(name string) (sandbox.Options, error) {
	p, err := e.alloc.Get(name)
	if err != nil {
		return sandbox.Options{}, err
	}
	return e.cfg.SandboxOptions().WithName(name, false).WithHostPorts(p), nil
}

// manager attaches a lifecycle manager to the named instance. A running
// container is adopted.
func (e *environment) manager(ctx context.Context, name string, recreate bool) (*sandbox.Manager, error) {
	opts, err := e.instanceOptions(name)
	if err != nil {
		return nil, err
	}
	ic, err := sandbox.NewInstanceConfig(opts.WithRecreate(recreate))
	if err != nil {
		return nil, err
	}
	return sandbox.NewManager(ctx, ic, e.docker)
}

// endpoints maps every port key of m to its host endpoint.
func endpoints(m *sandbox.Manager) map[string]string {
	out := make(map[string]string)
	for key := range m.Ports() {
		if ep := m.Endpoint(key); ep != "" {
			out[key] = ep
		}
	}
	return out
}
