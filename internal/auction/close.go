package auction

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/store"
)

// Close transitions a published RFQ past its deadline to closed and kicks
// off evaluation. Every guard is a silent no-op so that duplicate or stale
// triggers (a sweep racing a delayed job, a retried job re-running) cannot
// corrupt state:
//
//   - missing RFQ: nothing to do
//   - already closed or awarded: a previous run won
//   - deadline still in the future: the trigger fired early
//
// Evaluation runs inline first; if that attempt fails, a durable evaluate
// job is queued so the close itself stays committed.
func (e *Engine) Close(ctx context.Context, rfqID string, now time.Time) error {
	log := zap.L().With(zap.String("rfq_id", rfqID))

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if eris.Is(err, store.ErrNotFound) {
		log.Info("close skipped: rfq not found")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "auction: close load rfq")
	}

	if rfq.Status != model.RFQStatusPublished {
		log.Info("close skipped: not published", zap.String("status", string(rfq.Status)))
		return nil
	}
	if rfq.Deadline.After(now) {
		log.Info("close skipped: deadline in the future",
			zap.Time("deadline", rfq.Deadline))
		return nil
	}

	closedAt := now.UTC()
	if err := e.store.UpdateRFQStatus(ctx, rfqID, model.RFQStatusClosed, &closedAt); err != nil {
		return eris.Wrap(err, "auction: close rfq")
	}
	log.Info("rfq closed", zap.Time("closed_at", closedAt))

	if err := e.store.InsertAudit(ctx, &model.AuditEntry{
		EntityType: "rfq",
		EntityID:   rfqID,
		Action:     "close",
	}); err != nil {
		log.Warn("audit write failed", zap.Error(err))
	}

	if err := e.Evaluate(ctx, rfqID, now); err != nil {
		log.Warn("inline evaluation failed, queuing retry", zap.Error(err))
		task, terr := stageTask(StageEvaluate, rfqID, now, evaluateFallbackDelay)
		if terr != nil {
			return terr
		}
		if qerr := e.queue.Enqueue(ctx, task); qerr != nil {
			return eris.Wrap(qerr, "auction: queue evaluate fallback")
		}
	}
	return nil
}
