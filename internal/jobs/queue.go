// Package jobs runs the durable background queue. Jobs are rows in the
// store; the dedupe key makes enqueueing idempotent and claiming flips
// status atomically, so any number of workers can share one database.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procurehq/rfq-engine/internal/config"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/resilience"
	"github.com/procurehq/rfq-engine/internal/store"
)

// Queue names. Auction work and notification fan-out are isolated so a
// flood of notifications cannot starve stage processing.
const (
	QueueAuction      = "auction"
	QueueNotification = "notification"
)

// Handler processes one claimed job. A nil return completes the job; an
// error reschedules it with backoff until attempts run out.
type Handler func(ctx context.Context, job model.Job) error

// Task describes work to enqueue. Delay <= 0 requests an immediate inline
// run with the durable queue as fallback. MaxAttempts and Backoff, when
// positive, override the queue's configured retry defaults for this job.
type Task struct {
	Queue       string
	Type        string
	DedupeKey   string
	Payload     []byte
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Queue dispatches durable jobs to registered handlers.
type Queue struct {
	store store.Store
	cfg   config.QueueConfig

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(st store.Store, cfg config.QueueConfig) *Queue {
	return &Queue{
		store:    st,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Later registrations replace
// earlier ones.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Enqueue schedules a task. The job row is inserted first, so the dedupe
// key is consulted before anything runs: a task whose key already exists
// is silently dropped. With no delay the freshly inserted job then runs
// inline; success completes it, failure leaves the row queued for the
// workers to retry.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	backoff := task.Backoff
	if backoff <= 0 {
		backoff = q.cfg.BackoffBase
	}
	runAt := time.Now().UTC()
	if task.Delay > 0 {
		runAt = runAt.Add(task.Delay)
	}

	job := &model.Job{
		Queue:       task.Queue,
		Type:        task.Type,
		Payload:     task.Payload,
		DedupeKey:   task.DedupeKey,
		MaxAttempts: maxAttempts,
		BackoffMS:   backoff.Milliseconds(),
		RunAt:       runAt,
	}
	created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return eris.Wrapf(err, "jobs: enqueue %s", task.Type)
	}
	if !created {
		zap.L().Debug("duplicate task dropped", zap.String("dedupe_key", task.DedupeKey))
		return nil
	}
	if task.Delay > 0 {
		return nil
	}

	h, ok := q.handler(task.Type)
	if !ok {
		return nil
	}
	if err := h(ctx, *job); err != nil {
		zap.L().Warn("inline run failed, leaving job queued",
			zap.String("type", task.Type),
			zap.String("dedupe_key", task.DedupeKey),
			zap.Error(err))
		return nil
	}
	if err := q.store.CompleteJob(ctx, job.ID); err != nil {
		return eris.Wrapf(err, "jobs: complete inline %s", task.Type)
	}
	return nil
}

// ProcessOnce claims and runs due jobs from one queue. It returns the
// number of jobs processed. The worker loop calls this on every tick;
// tests call it directly with a pinned clock.
func (q *Queue) ProcessOnce(ctx context.Context, queue string, now time.Time) (int, error) {
	claimed, err := q.store.ClaimDueJobs(ctx, queue, now, q.cfg.ClaimBatchSize)
	if err != nil {
		return 0, eris.Wrapf(err, "jobs: claim %s", queue)
	}

	g := new(errgroup.Group)
	if q.cfg.Concurrency > 0 {
		g.SetLimit(q.cfg.Concurrency)
	}
	for _, job := range claimed {
		g.Go(func() error {
			q.run(ctx, job)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return len(claimed), nil
}

func (q *Queue) run(ctx context.Context, job model.Job) {
	log := zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("queue", job.Queue))

	h, ok := q.handler(job.Type)
	if !ok {
		log.Error("no handler registered")
		if err := q.store.FailJob(ctx, job.ID, job.Attempts+1, "no handler registered"); err != nil {
			log.Error("failed to mark job failed", zap.Error(err))
		}
		return
	}

	if err := h(ctx, job); err != nil {
		q.retryOrFail(ctx, job, err, log)
		return
	}
	if err := q.store.CompleteJob(ctx, job.ID); err != nil {
		log.Error("failed to complete job", zap.Error(err))
	}
}

func (q *Queue) retryOrFail(ctx context.Context, job model.Job, cause error, log *zap.Logger) {
	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	if attempts >= maxAttempts {
		log.Error("job exhausted retries", zap.Int("attempts", attempts), zap.Error(cause))
		if err := q.store.FailJob(ctx, job.ID, attempts, cause.Error()); err != nil {
			log.Error("failed to mark job failed", zap.Error(err))
		}
		return
	}

	base := time.Duration(job.BackoffMS) * time.Millisecond
	if base <= 0 {
		base = q.cfg.BackoffBase
	}
	delay := resilience.Backoff(attempts-1, base, 2.0, time.Hour, 0.1)
	log.Warn("job failed, rescheduling",
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if err := q.store.RescheduleJob(ctx, job.ID, attempts, time.Now().UTC().Add(delay), cause.Error()); err != nil {
		log.Error("failed to reschedule job", zap.Error(err))
	}
}
