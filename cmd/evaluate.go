package main

import (
	"time"

	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <rfq-id>",
	Short: "Re-run quote evaluation for a closed RFQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Engine.Evaluate(ctx, args[0], time.Now().UTC())
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}
