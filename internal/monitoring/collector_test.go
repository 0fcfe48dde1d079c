package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRFQ(t *testing.T, st store.Store, status model.RFQStatus, deadline time.Time) {
	t.Helper()
	rfq := &model.RFQ{
		Number:      "RFQ-" + string(status) + deadline.Format("150405.000"),
		Title:       "test",
		BuyerID:     "buyer-1",
		PricingMode: model.PricingModeAuction,
		Deadline:    deadline,
		Status:      status,
	}
	require.NoError(t, st.CreateRFQ(context.Background(), rfq, []model.RfqItem{{ProductName: "x", Quantity: 1}}))
}

func seedJob(t *testing.T, st store.Store, queue, dedupe string, status model.JobStatus) {
	t.Helper()
	ctx := context.Background()
	j := &model.Job{
		Queue:       queue,
		Type:        "close",
		DedupeKey:   dedupe,
		MaxAttempts: 3,
		RunAt:       time.Now().UTC().Add(-time.Minute),
	}
	ok, err := st.InsertJob(ctx, j)
	require.NoError(t, err)
	require.True(t, ok)

	switch status {
	case model.JobStatusDone:
		require.NoError(t, st.CompleteJob(ctx, j.ID))
	case model.JobStatusFailed:
		require.NoError(t, st.FailJob(ctx, j.ID, 3, "boom"))
	}
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	now := time.Now().UTC()

	seedRFQ(t, st, model.RFQStatusPublished, now.Add(time.Hour))
	seedRFQ(t, st, model.RFQStatusPublished, now.Add(-time.Hour)) // overdue
	seedRFQ(t, st, model.RFQStatusClosed, now.Add(-2*time.Hour))
	seedRFQ(t, st, model.RFQStatusAwarded, now.Add(-3*time.Hour))

	seedJob(t, st, jobs.QueueAuction, "a1", model.JobStatusQueued)
	seedJob(t, st, jobs.QueueAuction, "a2", model.JobStatusDone)
	seedJob(t, st, jobs.QueueAuction, "a3", model.JobStatusFailed)
	seedJob(t, st, jobs.QueueNotification, "n1", model.JobStatusQueued)

	require.NoError(t, st.InsertNotification(context.Background(), &model.Notification{
		UserID: "buyer-1", Type: model.NotificationTypeReminder, Title: "t", Content: "c",
	}))

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.RFQPublished)
	assert.Equal(t, 1, snap.RFQClosed)
	assert.Equal(t, 1, snap.RFQAwarded)
	assert.Equal(t, 1, snap.RFQOverdue)

	assert.Equal(t, 2, snap.JobsQueued)
	assert.Equal(t, 1, snap.JobsDone)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.InDelta(t, 0.5, snap.JobFailRate, 1e-9)
	assert.Equal(t, 1, snap.AuctionDepth)
	assert.Equal(t, 1, snap.NotifyDepth)

	assert.Equal(t, 1, snap.NotificationsSent)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_Collect_EmptyStore(t *testing.T) {
	st := newTestStore(t)

	snap, err := NewCollector(st).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.RFQPublished)
	assert.Zero(t, snap.JobsQueued)
	assert.Zero(t, snap.JobFailRate)
	assert.Zero(t, snap.NotificationsSent)
}
