package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/sigcapture/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for remote control and ingestion",
	Long: `Start the SigCapture HTTP API. Clients can create and record sessions, post
sample and metric batches, edit events, read stored ranges and download exports.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		// Create and start the web server
		srv, err := server.New(cfgFile, port)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		defer srv.Service().Shutdown(cmd.Context())

		slog.Info("SigCapture web server starting", "port", port, "config", cfgFile)

		// Start server (this blocks)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
