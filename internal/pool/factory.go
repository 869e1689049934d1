package pool

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/hkuds/vmpool/internal/bridge"
	"github.com/hkuds/vmpool/internal/executor"
	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/sandbox"
)

// SandboxFactory creates sandbox instances from a template and reaches each
// one through an execution bridge on its exec port. Closing the bridge tears
// the instance down.
type SandboxFactory struct {
	Template sandbox.Options
	Docker   sandbox.DockerAPI
	Bridge   bridge.Options

	// DeleteStorage removes instance storage when the instance is torn down.
	DeleteStorage bool

	ManagerOptions []sandbox.ManagerOption
}

// Options returns the instance options for name on p.
func (f *SandboxFactory) Options(name string, p ports.Map) sandbox.Options {
	return f.Template.WithName(name, false).WithHostPorts(p)
}

// Create brings up the instance and opens its execution session. Any failure
// after the manager exists tears the instance down before returning.
func (f *SandboxFactory) Create(ctx context.Context, name string, p ports.Map) (executor.Executor, error) {
	cfg, err := sandbox.NewInstanceConfig(f.Options(name, p))
	if err != nil {
		return nil, err
	}
	mgr, err := sandbox.NewManager(ctx, cfg, f.Docker, f.ManagerOptions...)
	if err != nil {
		if f.DeleteStorage {
			if rerr := os.RemoveAll(cfg.InstanceDir()); rerr != nil {
				log.Warn().Err(rerr).Str("instance", name).Msg("failed to remove instance storage")
			}
		}
		return nil, err
	}
	if err := mgr.Setup(ctx); err != nil {
		// A no-op when Setup already cleaned up after itself.
		mgr.Teardown(ctx, f.DeleteStorage)
		return nil, err
	}

	endpoint := mgr.Endpoint(sandbox.PortExec)
	if endpoint == "" {
		mgr.Teardown(ctx, f.DeleteStorage)
		return nil, fmt.Errorf("instance %s has no %s port", name, sandbox.PortExec)
	}

	opts := f.Bridge
	opts.Owner = mgr
	opts.DeleteOwnerStorage = f.DeleteStorage
	b, err := bridge.Open(ctx, "http://"+endpoint, opts)
	if err != nil {
		log.Error().Err(err).Str("instance", name).Msg("failed to open execution session")
		mgr.Teardown(ctx, f.DeleteStorage)
		return nil, err
	}
	return b, nil
}
