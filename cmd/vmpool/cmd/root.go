package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/config"
)

var (
	configPath string
	logLevel   string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "vmpool",
	Short: "vmpool - pools of VM sandboxes for remote code execution",
	Long: `vmpool runs full virtual machines inside containers, prepares them over SSH and
executes Python code in them through a notebook-kernel session, one VM or a whole pool at a time.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.vmpool/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON instead of console text")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(teardownCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = time.RFC3339
	if !logJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}

	level := logLevel
	if level == "" {
		// The config file may not parse yet; init is how it gets fixed.
		if cfg, err := config.LoadConfig(configPath); err == nil {
			level = cfg.Log.Level
		}
	}
	if level == "" {
		level = "info"
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// loadConfig loads the config selected by --config.
func loadConfig() (*config.Config, error) {
	if !config.Exists(configPath) {
		log.Debug().Msg("no config file, using defaults; run `vmpool init` to create one")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
