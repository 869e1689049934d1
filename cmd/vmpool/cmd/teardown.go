package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	deleteStorageFlag bool
	releasePortsFlag  bool
)

var teardownCmd = &cobra.Command{
	Use:   "teardown NAME",
	Short: "Stop and remove an instance",
	Long:  "Stop and remove the named instance's container, optionally deleting its storage and port assignment.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeardown,
}

func init() {
	teardownCmd.Flags().BoolVar(&deleteStorageFlag, "delete-storage", false, "Delete the instance directory")
	teardownCmd.Flags().BoolVar(&releasePortsFlag, "release-ports", false, "Release the instance's host ports")
}

func runTeardown(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := newEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	name := args[0]
	mgr, err := env.manager(ctx, name, false)
	if err != nil {
		return err
	}
	mgr.Teardown(ctx, deleteStorageFlag)

	if releasePortsFlag {
		if err := env.alloc.Release(name); err != nil {
			return fmt.Errorf("failed to release ports of %s: %w", name, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Instance %s removed.\n", name)
	return nil
}
