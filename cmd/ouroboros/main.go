package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ouroboros/internal/config"
	"ouroboros/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Shared by the commands that support machine-readable output
	jsonOutput bool

	// Loaded in PersistentPreRunE. When the file is missing cfg is nil and
	// configErr holds the error for commands that need it.
	cfg       *config.Config
	configErr error

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ouroboros",
	Short: "ouroboros - versioned self-modification engine",
	Long: `ouroboros keeps a managed program under version control and repeatedly
asks a model backend to rewrite it. Each candidate is snapshotted, syntax
checked and executed in a separate process; failures roll back to the
previous snapshot.

Run 'ouroboros init' to create a configuration and the initial program.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		switch {
		case err == nil:
			cfg, configErr = loaded, nil
		case errors.Is(err, config.ErrNotFound):
			cfg, configErr = nil, err
		default:
			return err
		}

		logCfg := config.DefaultConfig().Logging
		buffer := 0
		if cfg != nil {
			logCfg = cfg.Logging
			buffer = cfg.Telemetry.LogBuffer
		}
		if verbose {
			logCfg.Level = "debug"
		}

		logger, err = logging.Initialize(logging.Config{
			Level:      logCfg.Level,
			Format:     logCfg.Format,
			File:       logCfg.File,
			Categories: logCfg.Categories,
			BufferSize: buffer,
		})
		if err != nil {
			return err
		}
		logging.Get(logging.CategoryBoot).Debug("Configuration loaded", zap.String("path", configPath))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "Path to the configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(evolveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(daemonCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
