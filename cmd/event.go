package cmd

import (
	"fmt"
	"strconv"

	"github.com/audiolibrelab/sigcapture/internal/service"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event <session-id> [name]",
	Short: "Add an event marker to a session at the current time",
	Long: `Add a named event marker to a session at the current time. Without a name
the marker is called "Event N", N being the number of events already stored.

Use the subcommands to list, rename, move or remove existing markers.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 2 {
			name = args[1]
		}

		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())

		if _, err := svc.OpenSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		m, err := svc.AddEvent(cmd.Context(), args[0], name)
		if err != nil {
			return fmt.Errorf("failed to add event: %w", err)
		}
		if msg := svc.GetLastError(); msg != "" {
			return fmt.Errorf("event was not saved: %s", msg)
		}
		fmt.Printf("%d  %s\n", m.TS, m.Name)
		return nil
	},
}

var eventListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's event markers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())

		markers, err := svc.ListEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range markers {
			fmt.Printf("%d  %s\n", m.TS, m.Name)
		}
		return nil
	},
}

var eventRenameCmd = &cobra.Command{
	Use:   "rename <session-id> <ts> <name>",
	Short: "Rename the event marker at ts",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := parseTS(args[1])
		if err != nil {
			return err
		}
		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())
		return svc.RenameEvent(cmd.Context(), args[0], ts, args[2])
	},
}

var eventMoveCmd = &cobra.Command{
	Use:   "move <session-id> <ts> <new-ts>",
	Short: "Move the event marker at ts to new-ts",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		oldTS, err := parseTS(args[1])
		if err != nil {
			return err
		}
		newTS, err := parseTS(args[2])
		if err != nil {
			return err
		}
		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())
		return svc.MoveEvent(cmd.Context(), args[0], oldTS, newTS)
	},
}

var eventRemoveCmd = &cobra.Command{
	Use:     "rm <session-id> <ts>",
	Aliases: []string{"remove"},
	Short:   "Remove the event marker at ts",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := parseTS(args[1])
		if err != nil {
			return err
		}
		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())
		return svc.RemoveEvent(cmd.Context(), args[0], ts)
	},
}

func parseTS(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp '%s': expected milliseconds since epoch", s)
	}
	return ts, nil
}

func init() {
	eventCmd.AddCommand(eventListCmd)
	eventCmd.AddCommand(eventRenameCmd)
	eventCmd.AddCommand(eventMoveCmd)
	eventCmd.AddCommand(eventRemoveCmd)
}
