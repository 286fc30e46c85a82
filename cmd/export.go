package cmd

import (
	"fmt"

	"github.com/audiolibrelab/sigcapture/internal/export"
	"github.com/audiolibrelab/sigcapture/internal/service"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as a CSV text bundle or a SQLite snapshot",
	Long: `Export a session into the exports directory. The text format writes every
table as a CSV section (<id>.csv); the snapshot format copies the store into a
standalone SQLite file (<id>.sqlite).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatFlag, _ := cmd.Flags().GetString("format")
		if formatFlag == "" {
			formatFlag = cfg.Export.Format
		}
		format, err := export.ParseFormat(formatFlag)
		if err != nil {
			return err
		}

		svc := service.New(cfg, cfgFile)
		defer svc.Shutdown(cmd.Context())

		info, err := svc.Export(cmd.Context(), args[0], format)
		if err != nil {
			return err
		}

		for _, t := range info.Report.Tables {
			fmt.Printf("%-12s %10s rows\n", t.Name, humanize.Comma(int64(t.Rows)))
		}
		fmt.Printf("\n%s (%s)\n", info.Path, info.SizeHuman)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "", "export format: text or snapshot (overrides config)")
}
