// Package store persists the auction engine's entities. Two backends exist:
// PostgresStore for production and SQLiteStore for tests and single-node
// deploys. The store's transactional guarantees and unique constraints are
// the engine's only concurrency control; nothing here takes in-process locks.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/procurehq/rfq-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist. Scheduled
// stages treat it as a benign no-op; user-triggered operations surface it.
var ErrNotFound = eris.New("store: not found")

// RFQFilter specifies criteria for listing RFQs.
type RFQFilter struct {
	Status         model.RFQStatus `json:"status,omitempty"`
	DeadlineBefore time.Time       `json:"deadline_before,omitzero"`
	DeadlineAfter  time.Time       `json:"deadline_after,omitzero"`
	Limit          int             `json:"limit,omitempty"`
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Queue  string          `json:"queue,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// ItemUpdate describes a partial update of an RFQ line item. Zero-valued
// fields are left untouched except Status, which is always applied.
type ItemUpdate struct {
	Status      model.ItemStatus
	Source      model.ItemSource
	Reason      string
	ExceptionAt *time.Time
	ShipmentID  string
	// ClearWinner drops the winner linkage so the item can be re-evaluated.
	ClearWinner bool
}

// Cancellation carries the audit metadata of an award cancellation.
type Cancellation struct {
	Reason string
	By     string
	At     time.Time
}

// Store defines the persistence interface for the auction engine.
type Store interface {
	// RFQs
	CreateRFQ(ctx context.Context, rfq *model.RFQ, items []model.RfqItem) error
	GetRFQ(ctx context.Context, id string) (*model.RFQ, error)
	UpdateRFQStatus(ctx context.Context, id string, status model.RFQStatus, closedAt *time.Time) error
	ListRFQs(ctx context.Context, filter RFQFilter) ([]model.RFQ, error)

	// Line items
	GetItem(ctx context.Context, id string) (*model.RfqItem, error)
	ListItems(ctx context.Context, rfqID string) ([]model.RfqItem, error)
	MarkItemAwarded(ctx context.Context, itemID, quoteItemID, supplierID string) error
	UpdateItem(ctx context.Context, itemID string, upd ItemUpdate) error
	// BulkUpdateItems updates every item of the RFQ except those in the
	// exclusion list; a non-empty supplierID restricts it to items currently
	// allocated to that supplier. Returns the number of items touched.
	BulkUpdateItems(ctx context.Context, rfqID, supplierID string, upd ItemUpdate, exclude []model.ItemStatus) (int, error)

	// Quotes
	CreateQuote(ctx context.Context, q *model.Quote) error
	GetQuote(ctx context.Context, id string) (*model.Quote, error)
	// ListQuotes returns quotes (items populated) for an RFQ; an empty
	// status matches all.
	ListQuotes(ctx context.Context, rfqID string, status model.QuoteStatus) ([]model.Quote, error)
	UpdateQuoteStatus(ctx context.Context, id string, status model.QuoteStatus) error

	// Awards. CreateAwardIfAbsent is atomic create-if-absent on
	// (rfq_id, supplier_id): on conflict the existing award is returned with
	// created=false, never an error.
	CreateAwardIfAbsent(ctx context.Context, a *model.Award) (*model.Award, bool, error)
	GetAward(ctx context.Context, id string) (*model.Award, error)
	GetAwardBySupplier(ctx context.Context, rfqID, supplierID string) (*model.Award, error)
	ListAwards(ctx context.Context, rfqID string) ([]model.Award, error)
	UpdateAwardStatus(ctx context.Context, id string, status model.AwardStatus, cancel *Cancellation) error
	SetAwardPaymentQR(ctx context.Context, id, key string) error

	// Shipments
	CreateShipment(ctx context.Context, s *model.Shipment) error
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	SetShipmentTracking(ctx context.Context, id, trackingNumber, carrier string, source model.TrackingSource) error
	MarkShipmentShipped(ctx context.Context, id string, at time.Time) error

	// Settlements
	CreateSettlementIfAbsent(ctx context.Context, s *model.Settlement) (*model.Settlement, bool, error)
	UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, paidAt *time.Time) error
	ListSettlements(ctx context.Context, status model.SettlementStatus, limit int) ([]model.Settlement, error)

	// Notifications and audit
	InsertNotification(ctx context.Context, n *model.Notification) error
	CountNotifications(ctx context.Context, since time.Time) (int, error)
	InsertAudit(ctx context.Context, e *model.AuditEntry) error

	// Jobs. InsertJob returns false when the dedupe key already exists.
	// ClaimDueJobs atomically flips due queued jobs to running.
	InsertJob(ctx context.Context, j *model.Job) (bool, error)
	ClaimDueJobs(ctx context.Context, queue string, now time.Time, limit int) ([]model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, attempts int, lastError string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	CountJobs(ctx context.Context, queue string, status model.JobStatus) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
