package cmd

import (
	"fmt"
	"time"

	"github.com/audiolibrelab/sigcapture/internal/service"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List recorded sessions, newest first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)

		sessions, err := svc.ListSessions()
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Printf("No sessions in %s\n", cfg.Storage.SessionsDirectory)
			return nil
		}

		fmt.Printf("%-36s  %-20s  %-16s  %10s  %10s\n", "ID", "DEVICE", "STARTED", "DURATION", "SIZE")
		for _, s := range sessions {
			fmt.Printf("%-36s  %-20s  %-16s  %10s  %10s\n",
				s.ID,
				s.DeviceName,
				s.StartedHuman,
				formatDuration(s.Duration),
				s.SizeHuman)
		}
		fmt.Printf("\n%s session(s)\n", humanize.Comma(int64(len(sessions))))
		return nil
	},
}

func formatDuration(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}
