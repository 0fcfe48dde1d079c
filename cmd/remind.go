package main

import (
	"time"

	"github.com/spf13/cobra"
)

var remindCmd = &cobra.Command{
	Use:   "remind <rfq-id>",
	Short: "Send deadline reminders for an open RFQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Engine.Remind(ctx, args[0], time.Now().UTC())
	},
}

func init() {
	rootCmd.AddCommand(remindCmd)
}
