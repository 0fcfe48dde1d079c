package auction

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

// shortlistSize caps the per-item candidate pool. The winner is always the
// cheapest; the rest of the pool is kept for reassignment after a
// cancellation.
const shortlistSize = 3

// unquotedReason marks a pending item that had no qualifying bid when the
// RFQ was evaluated. The marker keeps re-runs from notifying the buyer
// about the same items again.
const unquotedReason = "no qualifying bid"

// bid pairs one quote item with the quote it belongs to.
type bid struct {
	quote *model.Quote
	item  model.QuoteItem
}

// Evaluate allocates each pending item of a closed RFQ to the lowest
// qualifying bid, creates or reuses per-supplier awards, settles quote
// statuses, and promotes the RFQ once every item is terminal.
//
// The stage is idempotent: already-allocated items are skipped, award
// creation is create-if-absent on (rfq, supplier), and items without a
// qualifying bid are flagged so only the flagging run reports them.
// Overlapping runs converge on the same result. Notifications go out
// strictly after persistence and their failures are swallowed.
func (e *Engine) Evaluate(ctx context.Context, rfqID string, now time.Time) error {
	log := zap.L().With(zap.String("rfq_id", rfqID))

	rfq, err := e.store.GetRFQ(ctx, rfqID)
	if eris.Is(err, store.ErrNotFound) {
		log.Info("evaluate skipped: rfq not found")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "auction: evaluate load rfq")
	}
	if rfq.Status == model.RFQStatusPublished {
		log.Info("evaluate skipped: rfq still open")
		return nil
	}

	items, err := e.store.ListItems(ctx, rfqID)
	if err != nil {
		return eris.Wrap(err, "auction: evaluate list items")
	}
	quotes, err := e.store.ListQuotes(ctx, rfqID, "")
	if err != nil {
		return eris.Wrap(err, "auction: evaluate list quotes")
	}

	// Suppliers whose award on this RFQ was cancelled are out of the
	// running; everyone else competes, whatever their quote's current
	// status. A re-run after a reassignment therefore falls through to
	// the runner-up bids.
	awards, err := e.store.ListAwards(ctx, rfqID)
	if err != nil {
		return eris.Wrap(err, "auction: evaluate list awards")
	}
	excluded := make(map[string]bool)
	for _, a := range awards {
		if a.Status == model.AwardStatusCancelled {
			excluded[a.SupplierID] = true
		}
	}

	bidsByItem := indexBids(quotes, excluded)

	// Winner per pending item, grouped by supplier.
	type allocation struct {
		item model.RfqItem
		bid  bid
	}
	bySupplier := make(map[string][]allocation)
	var unquoted []string

	for _, it := range items {
		if it.Status != model.ItemStatusPending {
			continue
		}
		candidates := qualify(bidsByItem[it.ID], rfq.PricingMode, it.MaxPrice)
		if len(candidates) == 0 {
			// Flag the item the first time it comes up empty; the item
			// stays pending, but only the flagging run notifies the buyer.
			if it.ExceptionReason != unquotedReason {
				at := now
				if err := e.store.UpdateItem(ctx, it.ID, store.ItemUpdate{
					Status:      model.ItemStatusPending,
					Reason:      unquotedReason,
					ExceptionAt: &at,
				}); err != nil {
					return eris.Wrapf(err, "auction: flag unquoted item %s", it.ID)
				}
				unquoted = append(unquoted, it.ProductName)
			}
			continue
		}
		winner := shortlist(candidates)[0]
		bySupplier[winner.quote.SupplierID] = append(bySupplier[winner.quote.SupplierID],
			allocation{item: it, bid: winner})
	}

	winningQuotes := make(map[string]bool)
	for supplierID, allocs := range bySupplier {
		var finalPrice int64
		for _, a := range allocs {
			finalPrice += a.bid.item.Price * a.item.Quantity
		}

		award, created, err := e.store.CreateAwardIfAbsent(ctx, &model.Award{
			RfqID:      rfqID,
			SupplierID: supplierID,
			FinalPrice: finalPrice,
		})
		if err != nil {
			return eris.Wrapf(err, "auction: create award for %s", supplierID)
		}
		if !created {
			log.Info("award already exists, reusing",
				zap.String("supplier_id", supplierID),
				zap.String("award_id", award.ID))
		}

		for _, a := range allocs {
			if err := e.store.MarkItemAwarded(ctx, a.item.ID, a.bid.item.ID, supplierID); err != nil {
				return eris.Wrapf(err, "auction: allocate item %s", a.item.ID)
			}
			winningQuotes[a.bid.quote.ID] = true
		}
		if created {
			if err := e.store.InsertAudit(ctx, &model.AuditEntry{
				EntityType: "award",
				EntityID:   award.ID,
				Action:     "create",
				Detail:     supplierID,
			}); err != nil {
				log.Warn("audit write failed", zap.Error(err))
			}
		}
	}

	// Settle quote statuses against the persisted allocations: a quote
	// holding any current winner is awarded, the rest are rejected. A
	// runner-up that wins on a later pass flips back to awarded.
	settled, err := e.store.ListItems(ctx, rfqID)
	if err != nil {
		return eris.Wrap(err, "auction: evaluate reload items")
	}
	for _, it := range settled {
		if it.WinnerQuoteItemID != "" {
			for i := range quotes {
				for _, qi := range quotes[i].Items {
					if qi.ID == it.WinnerQuoteItemID {
						winningQuotes[quotes[i].ID] = true
					}
				}
			}
		}
	}
	for i := range quotes {
		status := model.QuoteStatusRejected
		if winningQuotes[quotes[i].ID] {
			status = model.QuoteStatusAwarded
		}
		if quotes[i].Status == status {
			continue
		}
		if err := e.store.UpdateQuoteStatus(ctx, quotes[i].ID, status); err != nil {
			return eris.Wrapf(err, "auction: settle quote %s", quotes[i].ID)
		}
	}

	if err := e.promoteIfComplete(ctx, rfq); err != nil {
		return err
	}

	// Notifications only after every write above has succeeded.
	var msgs []notify.Message
	for supplierID, allocs := range bySupplier {
		var finalPrice int64
		for _, a := range allocs {
			finalPrice += a.bid.item.Price * a.item.Quantity
		}
		msgs = append(msgs, notify.AwardWon(supplierID, rfq.Number, len(allocs), finalPrice))
	}
	if len(unquoted) > 0 {
		msgs = append(msgs, notify.UnquotedItems(rfq.BuyerID, rfq.Number, unquoted))
	}
	notify.SendAll(ctx, e.sink, msgs)

	log.Info("evaluation finished",
		zap.Int("suppliers_awarded", len(bySupplier)),
		zap.Int("items_unquoted", len(unquoted)))
	return nil
}

// promoteIfComplete flips the RFQ to awarded once no item remains pending.
func (e *Engine) promoteIfComplete(ctx context.Context, rfq *model.RFQ) error {
	if rfq.Status == model.RFQStatusAwarded {
		return nil
	}
	items, err := e.store.ListItems(ctx, rfq.ID)
	if err != nil {
		return eris.Wrap(err, "auction: promote list items")
	}
	for _, it := range items {
		if !it.Status.Terminal() {
			return nil
		}
	}
	if err := e.store.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusAwarded, nil); err != nil {
		return eris.Wrap(err, "auction: promote rfq")
	}
	zap.L().Info("rfq promoted to awarded", zap.String("rfq_id", rfq.ID))
	return nil
}

func indexBids(quotes []model.Quote, excluded map[string]bool) map[string][]bid {
	byItem := make(map[string][]bid)
	for i := range quotes {
		q := &quotes[i]
		if excluded[q.SupplierID] {
			continue
		}
		for _, qi := range q.Items {
			byItem[qi.RfqItemID] = append(byItem[qi.RfqItemID], bid{quote: q, item: qi})
		}
	}
	return byItem
}

// qualify drops bids above the item's price ceiling. The ceiling only
// applies in fixed-price mode and only when the item has one; a bid equal
// to the ceiling qualifies. There is no fallback: if every bid is above
// the ceiling the item simply gets no winner.
func qualify(bids []bid, mode model.PricingMode, maxPrice int64) []bid {
	if mode != model.PricingModeFixedPrice || maxPrice <= 0 {
		return bids
	}
	out := bids[:0:0]
	for _, b := range bids {
		if b.item.Price <= maxPrice {
			out = append(out, b)
		}
	}
	return out
}

// shortlist orders candidates cheapest-first with deterministic tie-breaks
// and truncates to the pool size. Index 0 is the winner.
func shortlist(candidates []bid) []bid {
	sorted := make([]bid, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.item.Price != b.item.Price {
			return a.item.Price < b.item.Price
		}
		if a.item.DeliveryDays != b.item.DeliveryDays {
			return a.item.DeliveryDays < b.item.DeliveryDays
		}
		if !a.quote.SubmittedAt.Equal(b.quote.SubmittedAt) {
			return a.quote.SubmittedAt.Before(b.quote.SubmittedAt)
		}
		return a.item.ID < b.item.ID
	})
	if len(sorted) > shortlistSize {
		sorted = sorted[:shortlistSize]
	}
	return sorted
}
