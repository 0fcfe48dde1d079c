package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/monitoring"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job workers, the deadline sweep, and the alert checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Cron safety net behind the per-RFQ timers.
		c := cron.New()
		_, err = c.AddFunc(cfg.Sweep.Schedule, func() {
			if err := env.Engine.Sweep(ctx, time.Now().UTC(), cfg.Sweep.RemindLead); err != nil {
				zap.L().Error("sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()

		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return env.Queue.RunWorkers(ctx, jobs.QueueAuction, jobs.QueueNotification)
		})
		g.Go(func() error {
			checker.Run(ctx)
			return nil
		})

		zap.L().Info("worker running",
			zap.String("sweep_schedule", cfg.Sweep.Schedule),
			zap.Duration("remind_lead", cfg.Sweep.RemindLead))

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
