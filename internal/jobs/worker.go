package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunWorkers polls the named queues until the context is cancelled. Each
// queue gets its own poll loop; within a loop, claimed jobs run
// concurrently up to the configured limit.
func (q *Queue) RunWorkers(ctx context.Context, queues ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range queues {
		g.Go(func() error {
			return q.poll(ctx, name)
		})
	}
	return g.Wait()
}

func (q *Queue) poll(ctx context.Context, queue string) error {
	interval := q.cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := zap.L().With(zap.String("queue", queue))
	log.Info("worker started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
			n, err := q.ProcessOnce(ctx, queue, time.Now().UTC())
			if err != nil {
				log.Error("poll failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("processed jobs", zap.Int("count", n))
			}
		}
	}
}
