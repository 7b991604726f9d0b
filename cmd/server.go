package cmd

import (
	"audiosplit/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP split service",
	Long:  `Start the HTTP server exposing /health, /split-audio, /split-audio-base64 and the session endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
