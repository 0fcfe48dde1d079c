package auction

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

// Remind notifies the buyer and every supplier who has quoted that the
// RFQ's deadline is approaching. Like the other stages it is a no-op when
// the RFQ is gone or no longer open, and the same-day dedupe key keeps it
// from firing twice.
func (e *Engine) Remind(ctx context.Context, rfqID string, now time.Time) error {
	log := zap.L().With(zap.String("rfq_id", rfqID))

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if eris.Is(err, store.ErrNotFound) {
		log.Info("remind skipped: rfq not found")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "auction: remind load rfq")
	}
	if rfq.Status != model.RFQStatusPublished || !rfq.Deadline.After(now) {
		log.Info("remind skipped: rfq no longer open")
		return nil
	}

	quotes, err := e.store.ListQuotes(ctx, rfqID, model.QuoteStatusSubmitted)
	if err != nil {
		return eris.Wrap(err, "auction: remind list quotes")
	}

	msgs := []notify.Message{notify.DeadlineReminder(rfq.BuyerID, rfq.Number, rfq.Deadline)}
	seen := map[string]bool{}
	for _, q := range quotes {
		if seen[q.SupplierID] {
			continue
		}
		seen[q.SupplierID] = true
		msgs = append(msgs, notify.DeadlineReminder(q.SupplierID, rfq.Number, rfq.Deadline))
	}
	notify.SendAll(ctx, e.sink, msgs)
	log.Info("reminders sent", zap.Int("count", len(msgs)))
	return nil
}

// Sweep is the cron safety net behind the per-RFQ timers. It queues close
// for every published RFQ past its deadline and remind for those inside
// the reminder window. Dedupe keys make overlap with the timers harmless.
func (e *Engine) Sweep(ctx context.Context, now time.Time, remindLead time.Duration) error {
	overdue, err := e.store.ListRFQs(ctx, store.RFQFilter{
		Status:         model.RFQStatusPublished,
		DeadlineBefore: now,
		Limit:          500,
	})
	if err != nil {
		return eris.Wrap(err, "auction: sweep list overdue")
	}
	for _, rfq := range overdue {
		task, err := stageTask(StageClose, rfq.ID, now, 0)
		if err != nil {
			return err
		}
		if err := e.queue.Enqueue(ctx, task); err != nil {
			zap.L().Error("sweep enqueue close failed",
				zap.String("rfq_id", rfq.ID), zap.Error(err))
		}
	}

	if remindLead > 0 {
		upcoming, err := e.store.ListRFQs(ctx, store.RFQFilter{
			Status:         model.RFQStatusPublished,
			DeadlineAfter:  now,
			DeadlineBefore: now.Add(remindLead),
			Limit:          500,
		})
		if err != nil {
			return eris.Wrap(err, "auction: sweep list upcoming")
		}
		for _, rfq := range upcoming {
			task, err := stageTask(StageRemind, rfq.ID, now, 0)
			if err != nil {
				return err
			}
			if err := e.queue.Enqueue(ctx, task); err != nil {
				zap.L().Error("sweep enqueue remind failed",
					zap.String("rfq_id", rfq.ID), zap.Error(err))
			}
		}
	}

	zap.L().Debug("sweep finished", zap.Int("overdue", len(overdue)))
	return nil
}
