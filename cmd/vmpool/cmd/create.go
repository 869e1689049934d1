package cmd

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/config"
	"github.com/hkuds/vmpool/internal/sandbox"
	"github.com/hkuds/vmpool/internal/tui"
)

var (
	recreateFlag bool
	progressFlag bool
)

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create and set up an instance",
	Long: `Create the named instance: start its container, wait for the guest shell, mount the
shared directory, deploy and launch the services and wait for them to report healthy.
A running instance with the same name is adopted instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().BoolVar(&recreateFlag, "recreate", false, "Remove an existing container with the same name first")
	createCmd.Flags().BoolVar(&progressFlag, "progress", false, "Show an interactive progress view instead of log lines")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	env, err := newEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := config.EnsureRootDir(env.cfg); err != nil {
		return err
	}

	name := args[0]
	mgr, err := env.manager(ctx, name, recreateFlag)
	if err != nil {
		return err
	}
	if progressFlag {
		// Log lines would tear the progress view.
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		err = tui.RunSetupProgress(ctx, mgr)
	} else {
		unsubscribe := mgr.Subscribe(func(t sandbox.Transition) {
			ev := log.Debug()
			if t.Err != nil {
				ev = log.Warn().Err(t.Err)
			}
			ev.Str("instance", t.Instance).Str("from", string(t.From)).Str("to", string(t.To)).Msg("state changed")
		})
		err = mgr.Setup(ctx)
		unsubscribe()
	}
	if err != nil {
		return fmt.Errorf("failed to set up instance %s: %w", name, err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), tui.RenderInstance(mgr.Status(), endpoints(mgr)))
	return nil
}
