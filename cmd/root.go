package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "rfq-engine",
	Short: "Auction lifecycle engine for the procurement marketplace",
	Long:  "Closes RFQs at their deadline, evaluates quotes into per-supplier awards, and handles downstream exceptions: stockouts, cancellations, reassignment, shipping and settlement.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
