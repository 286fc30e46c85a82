package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/sigcapture/internal/config"
	"github.com/audiolibrelab/sigcapture/internal/service"
	"github.com/audiolibrelab/sigcapture/internal/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [session-id]",
	Short: "Show a session, or the resolved configuration",
	Long: `With a session id, display the session's device, slots, duration, events and
stored row counts. Without one, display the resolved configuration with
inheritance indicators showing which values come from the default profile.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			printResolvedConfig()
			return nil
		}

		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())

		id := args[0]
		info, err := svc.GetSession(id)
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", id, err)
		}
		markers, err := svc.ListEvents(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to read events: %w", err)
		}

		fmt.Printf("=== SESSION ===\n")
		fmt.Printf("id: %s\n", info.ID)
		fmt.Printf("state: %s\n", info.State)
		fmt.Printf("started: %s (%s)\n", info.StartDate.Format("2006-01-02 15:04:05"), info.StartedHuman)
		fmt.Printf("duration: %s\n", formatDuration(info.Duration))
		fmt.Printf("size: %s\n", info.SizeHuman)
		fmt.Printf("device: %s\n", info.DeviceName)
		fmt.Printf("location: %s\n", info.Location)

		fmt.Printf("\n[Slots]\n")
		for i, slot := range info.Slots {
			fmt.Printf("%d. chs: %s\n", i, strings.Join(slot.Chs, ", "))
			fmt.Printf("   metrics: %s\n", strings.Join(slot.Metrics, ", "))
			for _, kind := range storage.Kinds {
				n, err := svc.CountRows(cmd.Context(), id, kind, i)
				if err != nil {
					return err
				}
				fmt.Printf("   %s: %s rows\n", kind, humanize.Comma(int64(n)))
			}
		}

		fmt.Printf("\n[Events]\n")
		if len(markers) == 0 {
			fmt.Printf("(none)\n")
		}
		for _, m := range markers {
			fmt.Printf("%d  %s\n", m.TS, m.Name)
		}
		return nil
	},
}

func printResolvedConfig() {
	fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
	fmt.Printf("profile: %s\n", cfg.Profile)

	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}

	fmt.Printf("\n[Device]\n")
	fmt.Printf("id: %s %s\n", cfg.Device.ID, getInheritanceIndicator(inh.Device))
	fmt.Printf("name: %s\n", cfg.Device.Name)
	fmt.Printf("location: %s\n", cfg.Device.Location)
	for i, slot := range cfg.Device.Slots {
		fmt.Printf("%d. chs: %s\n", i, strings.Join(slot.Chs, ", "))
		fmt.Printf("   metrics: %s\n", strings.Join(slot.Metrics, ", "))
	}

	fmt.Printf("\n[Storage]\n")
	fmt.Printf("sessions_directory: %s %s\n", cfg.Storage.SessionsDirectory, getInheritanceIndicator(inh.Storage.SessionsDirectory))
	fmt.Printf("exports_directory: %s %s\n", cfg.Storage.ExportsDirectory, getInheritanceIndicator(inh.Storage.ExportsDirectory))

	fmt.Printf("\n[Display]\n")
	fmt.Printf("window_seconds: %d %s\n", cfg.Display.WindowSeconds, getInheritanceIndicator(inh.Display.WindowSeconds))
	fmt.Printf("slack_seconds: %d %s\n", cfg.Display.SlackSeconds, getInheritanceIndicator(inh.Display.SlackSeconds))
	fmt.Printf("buffer_capacity: %d %s\n", cfg.Display.BufferCapacity, getInheritanceIndicator(inh.Display.BufferCapacity))
	fmt.Printf("tiles: %s %s\n", strings.Join(cfg.Display.Tiles, ", "), getInheritanceIndicator(inh.Display.Tiles))

	fmt.Printf("\n[Export]\n")
	fmt.Printf("block_size: %d %s\n", cfg.Export.BlockSize, getInheritanceIndicator(inh.Export.BlockSize))
	fmt.Printf("format: %s %s\n", cfg.Export.Format, getInheritanceIndicator(inh.Export.Format))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
