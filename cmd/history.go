package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surge-downloader/batchdl/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List completed downloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ledger, err := history.Open(settings.HistoryPath())
		if err != nil {
			return err
		}
		defer ledger.Close()

		entries, err := ledger.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No downloads recorded yet.")
			return nil
		}
		fmt.Fprintln(out, renderHistory(entries))
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "maximum entries to show (0 for all)")
}
