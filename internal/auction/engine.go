// Package auction implements the RFQ lifecycle stages: closing at the
// deadline, evaluating bids into awards, and reminding suppliers before
// the cutoff. Stages are idempotent and safe to re-run; the store's
// constraints arbitrate concurrent attempts.
package auction

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

// Stage names, used as job types and in dedupe keys.
const (
	StageClose    = "close"
	StageEvaluate = "evaluate"
	StageRemind   = "remind"
)

// evaluateFallbackDelay spaces the durable retry out when an inline
// evaluation after close fails.
const evaluateFallbackDelay = time.Minute

// Enqueuer schedules durable work. *jobs.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, task jobs.Task) error
}

// Engine runs the auction lifecycle stages.
type Engine struct {
	store store.Store
	sink  notify.Sink
	queue Enqueuer
}

func NewEngine(st store.Store, sink notify.Sink, queue Enqueuer) *Engine {
	return &Engine{store: st, sink: sink, queue: queue}
}

// StagePayload is the JSON body of every auction job.
type StagePayload struct {
	RfqID string `json:"rfq_id"`
}

func stageTask(stage, rfqID string, day time.Time, delay time.Duration) (jobs.Task, error) {
	payload, err := json.Marshal(StagePayload{RfqID: rfqID})
	if err != nil {
		return jobs.Task{}, eris.Wrap(err, "auction: marshal payload")
	}
	queue := jobs.QueueAuction
	if stage == StageRemind {
		queue = jobs.QueueNotification
	}
	return jobs.Task{
		Queue:     queue,
		Type:      stage,
		DedupeKey: model.JobKey(stage, rfqID, day),
		Payload:   payload,
		Delay:     delay,
	}, nil
}

// ScheduleClose queues the close stage to fire at the RFQ's deadline. A
// past deadline runs it immediately.
func (e *Engine) ScheduleClose(ctx context.Context, rfq *model.RFQ, now time.Time) error {
	task, err := stageTask(StageClose, rfq.ID, rfq.Deadline, rfq.Deadline.Sub(now))
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ctx, task)
}

// RegisterHandlers binds the stage handlers to the job queue.
func (e *Engine) RegisterHandlers(q *jobs.Queue) {
	q.Register(StageClose, e.handle(e.Close))
	q.Register(StageEvaluate, e.handle(e.Evaluate))
	q.Register(StageRemind, e.handle(e.Remind))
}

func (e *Engine) handle(stage func(ctx context.Context, rfqID string, now time.Time) error) jobs.Handler {
	return func(ctx context.Context, job model.Job) error {
		var p StagePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return eris.Wrapf(err, "auction: decode %s payload", job.Type)
		}
		return stage(ctx, p.RfqID, time.Now().UTC())
	}
}
