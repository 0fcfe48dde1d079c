// Package monitoring gathers operational metrics from the store and turns
// threshold breaches into webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// RFQ lifecycle counts.
	RFQPublished int `json:"rfq_published"`
	RFQClosed    int `json:"rfq_closed"`
	RFQAwarded   int `json:"rfq_awarded"`
	// RFQOverdue counts published RFQs whose deadline has passed but the
	// close stage has not run yet.
	RFQOverdue int `json:"rfq_overdue"`

	// Job queue metrics across both queues.
	JobsQueued   int     `json:"jobs_queued"`
	JobsRunning  int     `json:"jobs_running"`
	JobsDone     int     `json:"jobs_done"`
	JobsFailed   int     `json:"jobs_failed"`
	JobFailRate  float64 `json:"job_fail_rate"`
	AuctionDepth int     `json:"auction_depth"`
	NotifyDepth  int     `json:"notify_depth"`

	// Notifications sent within the lookback window.
	NotificationsSent int `json:"notifications_sent"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

const listCap = 10000

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	for _, s := range []struct {
		status model.RFQStatus
		dst    *int
	}{
		{model.RFQStatusPublished, &snap.RFQPublished},
		{model.RFQStatusClosed, &snap.RFQClosed},
		{model.RFQStatusAwarded, &snap.RFQAwarded},
	} {
		rfqs, err := c.store.ListRFQs(ctx, store.RFQFilter{Status: s.status, Limit: listCap})
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list %s rfqs", s.status)
		}
		*s.dst = len(rfqs)
	}

	overdue, err := c.store.ListRFQs(ctx, store.RFQFilter{
		Status:         model.RFQStatusPublished,
		DeadlineBefore: now,
		Limit:          listCap,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list overdue rfqs")
	}
	snap.RFQOverdue = len(overdue)

	for _, s := range []struct {
		status model.JobStatus
		dst    *int
	}{
		{model.JobStatusQueued, &snap.JobsQueued},
		{model.JobStatusRunning, &snap.JobsRunning},
		{model.JobStatusDone, &snap.JobsDone},
		{model.JobStatusFailed, &snap.JobsFailed},
	} {
		n, err := c.store.CountJobs(ctx, "", s.status)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: count %s jobs", s.status)
		}
		*s.dst = n
	}
	if finished := snap.JobsDone + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	if snap.AuctionDepth, err = c.store.CountJobs(ctx, jobs.QueueAuction, model.JobStatusQueued); err != nil {
		return nil, eris.Wrap(err, "monitoring: auction queue depth")
	}
	if snap.NotifyDepth, err = c.store.CountJobs(ctx, jobs.QueueNotification, model.JobStatusQueued); err != nil {
		return nil, eris.Wrap(err, "monitoring: notification queue depth")
	}

	since := now.Add(-time.Duration(lookbackHours) * time.Hour)
	if snap.NotificationsSent, err = c.store.CountNotifications(ctx, since); err != nil {
		return nil, eris.Wrap(err, "monitoring: count notifications")
	}

	return snap, nil
}
