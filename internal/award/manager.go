// Package award manages the post-evaluation lifecycle of awards: supplier
// stockouts, cancellations with their three remediation paths, re-sourcing
// out-of-stock items into a fresh RFQ, and conversion to the e-commerce
// channel. Every operation is guarded by the award's current state and
// writes an audit entry.
package award

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/auction"
	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

// recreateDeadline is the default quoting window for a re-sourced RFQ.
const recreateDeadline = 7 * 24 * time.Hour

// Manager runs award lifecycle operations. These are user-triggered, so
// unlike the scheduled stages a missing record is a hard error.
type Manager struct {
	store store.Store
	sink  notify.Sink
	queue auction.Enqueuer
}

func NewManager(st store.Store, sink notify.Sink, queue auction.Enqueuer) *Manager {
	return &Manager{store: st, sink: sink, queue: queue}
}

// load fetches the award together with its RFQ.
func (m *Manager) load(ctx context.Context, awardID string) (*model.Award, *model.RFQ, error) {
	a, err := m.store.GetAward(ctx, awardID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "award: load %s", awardID)
	}
	rfq, err := m.store.GetRFQ(ctx, a.RfqID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "award: load rfq %s", a.RfqID)
	}
	return a, rfq, nil
}

// supplierItems returns the award supplier's allocated items.
func (m *Manager) supplierItems(ctx context.Context, a *model.Award) ([]model.RfqItem, error) {
	items, err := m.store.ListItems(ctx, a.RfqID)
	if err != nil {
		return nil, eris.Wrap(err, "award: list items")
	}
	var out []model.RfqItem
	for _, it := range items {
		if it.WinnerSupplierID == a.SupplierID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *Manager) audit(ctx context.Context, a *model.Award, action, actorID, detail string) {
	if err := m.store.InsertAudit(ctx, &model.AuditEntry{
		EntityType: "award",
		EntityID:   a.ID,
		Action:     action,
		ActorID:    actorID,
		Detail:     detail,
	}); err != nil {
		zap.L().Warn("audit write failed",
			zap.String("award_id", a.ID), zap.Error(err))
	}
}

// EnsureAward returns the supplier's award on the RFQ, materializing it
// when a supplier action arrives before evaluation has created one. The
// final price is recomputed from the supplier's winning item allocations;
// a supplier with no allocated items has nothing to award.
func (m *Manager) EnsureAward(ctx context.Context, rfqID, supplierID string) (*model.Award, error) {
	a, err := m.store.GetAwardBySupplier(ctx, rfqID, supplierID)
	if err == nil {
		return a, nil
	}
	if !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "award: lookup %s/%s", rfqID, supplierID)
	}

	items, err := m.store.ListItems(ctx, rfqID)
	if err != nil {
		return nil, eris.Wrap(err, "award: list items")
	}
	quotes, err := m.store.ListQuotes(ctx, rfqID, "")
	if err != nil {
		return nil, eris.Wrap(err, "award: list quotes")
	}
	prices := make(map[string]int64)
	for _, q := range quotes {
		if q.SupplierID != supplierID {
			continue
		}
		for _, qi := range q.Items {
			prices[qi.ID] = qi.Price
		}
	}

	var finalPrice int64
	allocated := 0
	for _, it := range items {
		if it.WinnerSupplierID != supplierID {
			continue
		}
		allocated++
		finalPrice += prices[it.WinnerQuoteItemID] * it.Quantity
	}
	if allocated == 0 {
		return nil, &InvalidStateError{Entity: "rfq", ID: rfqID, State: "no items allocated to supplier", Op: "ensure award"}
	}

	a, created, err := m.store.CreateAwardIfAbsent(ctx, &model.Award{
		RfqID:      rfqID,
		SupplierID: supplierID,
		FinalPrice: finalPrice,
	})
	if err != nil {
		return nil, eris.Wrap(err, "award: materialize")
	}
	if created {
		m.audit(ctx, a, "create", "", supplierID)
	}
	return a, nil
}

// MarkOutOfStock records a supplier stockout. With an item id only that
// item transitions; the award follows once every allocated item is out of
// stock or already shipped. Without an item id the award and all its
// non-shipped items transition at once. The buyer is notified either way
// so they can pick a remediation (re-source or convert to e-commerce).
func (m *Manager) MarkOutOfStock(ctx context.Context, awardID, reason, itemID, actorID string, now time.Time) error {
	a, rfq, err := m.load(ctx, awardID)
	if err != nil {
		return err
	}
	if a.Status != model.AwardStatusActive {
		return &InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "mark out of stock"}
	}

	at := now.UTC()
	upd := store.ItemUpdate{Status: model.ItemStatusOutOfStock, Reason: reason, ExceptionAt: &at}

	if itemID != "" {
		it, err := m.store.GetItem(ctx, itemID)
		if err != nil {
			return eris.Wrapf(err, "award: load item %s", itemID)
		}
		if it.RfqID != a.RfqID || it.WinnerSupplierID != a.SupplierID {
			return &InvalidStateError{Entity: "item", ID: itemID, State: "unallocated", Op: "mark out of stock"}
		}
		if it.Status == model.ItemStatusShipped {
			return &InvalidStateError{Entity: "item", ID: itemID, State: string(it.Status), Op: "mark out of stock"}
		}
		if err := m.store.UpdateItem(ctx, itemID, upd); err != nil {
			return eris.Wrap(err, "award: mark item out of stock")
		}

		remaining, err := m.supplierItems(ctx, a)
		if err != nil {
			return err
		}
		exhausted := true
		for _, it := range remaining {
			if it.Status != model.ItemStatusOutOfStock && it.Status != model.ItemStatusShipped {
				exhausted = false
				break
			}
		}
		if exhausted {
			if err := m.store.UpdateAwardStatus(ctx, a.ID, model.AwardStatusOutOfStock, nil); err != nil {
				return eris.Wrap(err, "award: mark award out of stock")
			}
		}
	} else {
		if err := m.store.UpdateAwardStatus(ctx, a.ID, model.AwardStatusOutOfStock, nil); err != nil {
			return eris.Wrap(err, "award: mark award out of stock")
		}
		if _, err := m.store.BulkUpdateItems(ctx, a.RfqID, a.SupplierID, upd,
			[]model.ItemStatus{model.ItemStatusShipped}); err != nil {
			return eris.Wrap(err, "award: mark items out of stock")
		}
	}

	m.audit(ctx, a, "out_of_stock", actorID, reason)
	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.OutOfStock(rfq.BuyerID, rfq.Number, a.SupplierID),
	})
	return nil
}

// CancelAward cancels an active or out-of-stock award and applies the
// chosen remediation to the supplier's non-shipped items:
//
//   - CancelActionCancel marks them cancelled
//   - CancelActionReassign resets them to pending with the winner linkage
//     cleared, rejects the supplier's quote, and queues a fresh evaluation
//   - CancelActionSwitchToEcommerce moves them to the e-commerce channel
func (m *Manager) CancelAward(ctx context.Context, awardID, reason string, action model.CancelAction, actorID string, now time.Time) error {
	a, rfq, err := m.load(ctx, awardID)
	if err != nil {
		return err
	}
	if a.Status != model.AwardStatusActive && a.Status != model.AwardStatusOutOfStock {
		return &InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "cancel"}
	}

	at := now.UTC()
	if err := m.store.UpdateAwardStatus(ctx, a.ID, model.AwardStatusCancelled, &store.Cancellation{
		Reason: reason,
		By:     actorID,
		At:     at,
	}); err != nil {
		return eris.Wrap(err, "award: cancel")
	}

	exclude := []model.ItemStatus{model.ItemStatusShipped}
	switch action {
	case model.CancelActionSwitchToEcommerce:
		_, err = m.store.BulkUpdateItems(ctx, a.RfqID, a.SupplierID, store.ItemUpdate{
			Status: model.ItemStatusEcommercePending,
			Source: model.ItemSourceEcommerce,
		}, exclude)
		if err != nil {
			return eris.Wrap(err, "award: switch items to ecommerce")
		}

	case model.CancelActionReassign:
		_, err = m.store.BulkUpdateItems(ctx, a.RfqID, a.SupplierID, store.ItemUpdate{
			Status:      model.ItemStatusPending,
			ClearWinner: true,
		}, exclude)
		if err != nil {
			return eris.Wrap(err, "award: reset items for reassignment")
		}
		if err := m.rejectSupplierQuotes(ctx, a); err != nil {
			return err
		}
		// An RFQ that was fully awarded now has pending items again.
		if rfq.Status == model.RFQStatusAwarded {
			if err := m.store.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, nil); err != nil {
				return eris.Wrap(err, "award: demote rfq for reassignment")
			}
		}
		if err := m.queue.Enqueue(ctx, jobs.Task{
			Queue:     jobs.QueueAuction,
			Type:      auction.StageEvaluate,
			DedupeKey: model.JobKey(auction.StageEvaluate, a.RfqID, now) + ":reassign:" + a.ID,
			Payload:   []byte(`{"rfq_id":"` + a.RfqID + `"}`),
		}); err != nil {
			return eris.Wrap(err, "award: queue re-evaluation")
		}

	default:
		_, err = m.store.BulkUpdateItems(ctx, a.RfqID, a.SupplierID, store.ItemUpdate{
			Status:      model.ItemStatusCancelled,
			Reason:      reason,
			ExceptionAt: &at,
		}, exclude)
		if err != nil {
			return eris.Wrap(err, "award: cancel items")
		}
	}

	m.audit(ctx, a, "cancel:"+string(action), actorID, reason)
	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.AwardCancelled(a.SupplierID, rfq.Number, reason),
	})
	return nil
}

func (m *Manager) rejectSupplierQuotes(ctx context.Context, a *model.Award) error {
	quotes, err := m.store.ListQuotes(ctx, a.RfqID, "")
	if err != nil {
		return eris.Wrap(err, "award: list quotes")
	}
	for _, q := range quotes {
		if q.SupplierID != a.SupplierID || q.Status == model.QuoteStatusRejected {
			continue
		}
		if err := m.store.UpdateQuoteStatus(ctx, q.ID, model.QuoteStatusRejected); err != nil {
			return eris.Wrapf(err, "award: reject quote %s", q.ID)
		}
	}
	return nil
}

// RecreateRFQFromOutOfStock republishes the out-of-stock items of an
// out-of-stock award as a brand-new published RFQ. The default quoting
// window is seven days. Returns the new RFQ.
func (m *Manager) RecreateRFQFromOutOfStock(ctx context.Context, awardID, buyerID string, deadline *time.Time, actorID string, now time.Time) (*model.RFQ, error) {
	a, rfq, err := m.load(ctx, awardID)
	if err != nil {
		return nil, err
	}
	if a.Status != model.AwardStatusOutOfStock {
		return nil, &InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "recreate rfq"}
	}

	items, err := m.supplierItems(ctx, a)
	if err != nil {
		return nil, err
	}
	var fresh []model.RfqItem
	for _, it := range items {
		if it.Status != model.ItemStatusOutOfStock {
			continue
		}
		fresh = append(fresh, model.RfqItem{
			ProductName:  it.ProductName,
			Quantity:     it.Quantity,
			MaxPrice:     it.MaxPrice,
			InstantPrice: it.InstantPrice,
		})
	}
	if len(fresh) == 0 {
		return nil, &InvalidStateError{Entity: "award", ID: a.ID, State: "no out-of-stock items", Op: "recreate rfq"}
	}

	if buyerID == "" {
		buyerID = rfq.BuyerID
	}
	due := now.UTC().Add(recreateDeadline)
	if deadline != nil {
		due = deadline.UTC()
	}
	newRFQ := &model.RFQ{
		Number:      rfq.Number + "-R",
		Title:       rfq.Title,
		BuyerID:     buyerID,
		PricingMode: rfq.PricingMode,
		Deadline:    due,
		Status:      model.RFQStatusPublished,
	}
	if err := m.store.CreateRFQ(ctx, newRFQ, fresh); err != nil {
		return nil, eris.Wrap(err, "award: create recreated rfq")
	}

	if err := m.queue.Enqueue(ctx, jobs.Task{
		Queue:     jobs.QueueAuction,
		Type:      auction.StageClose,
		DedupeKey: model.JobKey(auction.StageClose, newRFQ.ID, due),
		Payload:   []byte(`{"rfq_id":"` + newRFQ.ID + `"}`),
		Delay:     due.Sub(now),
	}); err != nil {
		return nil, eris.Wrap(err, "award: schedule close for recreated rfq")
	}

	m.audit(ctx, a, "recreate_rfq", actorID, newRFQ.ID)
	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.RFQRecreated(a.SupplierID, rfq.Number, newRFQ.Number),
	})
	return newRFQ, nil
}

// ConvertToEcommerce moves the given out-of-stock items (or all of them
// when none are named) to the e-commerce channel.
func (m *Manager) ConvertToEcommerce(ctx context.Context, awardID string, itemIDs []string, actorID string, now time.Time) error {
	a, rfq, err := m.load(ctx, awardID)
	if err != nil {
		return err
	}
	if a.Status != model.AwardStatusOutOfStock {
		return &InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "convert to ecommerce"}
	}

	items, err := m.supplierItems(ctx, a)
	if err != nil {
		return err
	}
	wanted := map[string]bool{}
	for _, id := range itemIDs {
		wanted[id] = true
	}

	converted := 0
	for _, it := range items {
		if it.Status != model.ItemStatusOutOfStock {
			continue
		}
		if len(wanted) > 0 && !wanted[it.ID] {
			continue
		}
		err := m.store.UpdateItem(ctx, it.ID, store.ItemUpdate{
			Status: model.ItemStatusEcommercePending,
			Source: model.ItemSourceEcommerce,
		})
		if err != nil {
			return eris.Wrapf(err, "award: convert item %s", it.ID)
		}
		converted++
	}
	if converted == 0 {
		return &InvalidStateError{Entity: "award", ID: a.ID, State: "no out-of-stock items", Op: "convert to ecommerce"}
	}

	m.audit(ctx, a, "convert_ecommerce", actorID, "")
	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.EcommerceSwitch(a.SupplierID, rfq.Number, converted),
	})
	return nil
}
