package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/tui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"setup"},
	Short:   "Run interactive setup wizard",
	Long:    "Run the interactive setup wizard to configure the VM image, guest credentials, services and pool bounds.",
	RunE:    runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := tui.RunSetup(configPath)
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	tui.ShowQuickStatus(out, cfg)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "You can now:")
	fmt.Fprintln(out, "  - Start an instance:  vmpool create NAME")
	fmt.Fprintln(out, "  - Run code in it:     vmpool exec NAME --code 'print(1)'")
	fmt.Fprintln(out, "  - Run a batch:        vmpool pool run --size 3 --code 'print(1)'")
	fmt.Fprintln(out, "  - View full status:   vmpool status")

	return nil
}
