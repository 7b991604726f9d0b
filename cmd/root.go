package cmd

import (
	"fmt"
	"os"

	"audiosplit/config"
	"audiosplit/logger"
	"audiosplit/server"

	"github.com/spf13/cobra"
)

var (
	cfg      *config.Config
	portFlag string
)

var rootCmd = &cobra.Command{
	Use:   "audiosplit",
	Short: "audiosplit splits uploaded audio into fixed-length segments with ffmpeg.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Load()
		if portFlag != "" {
			cfg.Port = portFlag
		}
		if err := logger.InitLogger(logger.DefaultConfig(cfg.LogLevel, cfg.LogFile)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if !cfg.EnvFileLoaded {
			logger.Debug("No .env file found, using environment variables")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "HTTP listen port (overrides PORT)")
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
