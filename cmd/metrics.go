package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/procurehq/rfq-engine/internal/monitoring"
)

var metricsLookback int

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print a metrics snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, metricsLookback)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	metricsCmd.Flags().IntVar(&metricsLookback, "lookback", 24, "lookback window in hours")
	rootCmd.AddCommand(metricsCmd)
}
