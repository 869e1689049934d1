package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/ports"
	"github.com/hkuds/vmpool/internal/sandbox"
	"github.com/hkuds/vmpool/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status [NAME]",
	Short: "Show configuration and instance status",
	Long:  "Display the configuration, the managed instances and their ports, or the details of one instance.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	alloc, err := ports.NewAllocator(cfg.PortsPath(), cfg.AllocatorOptions()...)
	if err != nil {
		return fmt.Errorf("failed to open port assignments: %w", err)
	}

	ov := tui.Overview{Config: cfg, Ports: alloc.Snapshot()}

	docker, err := sandbox.NewDockerClient(ctx)
	if err != nil {
		ov.DockerErr = err
		return tui.ShowStatus(cmd.OutOrStdout(), ov)
	}
	defer docker.Close()

	if len(args) == 1 {
		env := &environment{cfg: cfg, docker: docker, alloc: alloc}
		if _, ok := alloc.Lookup(args[0]); !ok {
			return fmt.Errorf("instance %s has no port assignment", args[0])
		}
		mgr, err := env.manager(ctx, args[0], false)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), tui.RenderInstance(mgr.Status(), endpoints(mgr)))
		return err
	}

	ov.Instances, ov.DockerErr = sandbox.ListInstances(ctx, docker)
	return tui.ShowStatus(cmd.OutOrStdout(), ov)
}
