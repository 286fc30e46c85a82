package cmd

import (
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/sigcapture/internal/service"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>...",
	Short: "Delete sessions and their stores",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())

		failed := 0
		for _, id := range args {
			if err := svc.DeleteSession(cmd.Context(), id); err != nil {
				slog.Error("Failed to delete session", "session_id", id, "error", err)
				failed++
				continue
			}
			fmt.Printf("deleted %s\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d session(s) could not be deleted", failed, len(args))
		}
		return nil
	},
}
