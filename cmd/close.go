package main

import (
	"time"

	"github.com/spf13/cobra"
)

var closeCmd = &cobra.Command{
	Use:   "close <rfq-id>",
	Short: "Close an RFQ and evaluate its quotes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Engine.Close(ctx, args[0], time.Now().UTC())
	},
}

func init() {
	rootCmd.AddCommand(closeCmd)
}
