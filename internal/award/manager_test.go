package award

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/procurehq/rfq-engine/internal/auction"
	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

type recordingSink struct {
	msgs []notify.Message
}

func (r *recordingSink) Send(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

type recordingQueue struct {
	tasks []jobs.Task
}

func (r *recordingQueue) Enqueue(_ context.Context, task jobs.Task) error {
	r.tasks = append(r.tasks, task)
	return nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture seeds a closed two-item RFQ, runs evaluation so supplier-1 wins
// both items, and returns the resulting award.
func fixture(t *testing.T) (*Manager, store.Store, *recordingSink, *recordingQueue, *model.Award, []model.RfqItem) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "award.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	rfq := &model.RFQ{
		Number:      "RFQ-100",
		Title:       "Packaging",
		BuyerID:     "buyer-1",
		PricingMode: model.PricingModeAuction,
		Deadline:    testNow.Add(-time.Hour),
		Status:      model.RFQStatusPublished,
	}
	items := []model.RfqItem{
		{ProductName: "Boxes", Quantity: 10},
		{ProductName: "Tape", Quantity: 20},
	}
	if err := st.CreateRFQ(ctx, rfq, items); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.ListItems(ctx, rfq.ID)

	winner := &model.Quote{
		RfqID: rfq.ID, SupplierID: "supplier-1", Price: 300, SubmittedAt: testNow.Add(-2 * time.Hour),
		Items: []model.QuoteItem{
			{RfqItemID: stored[0].ID, Price: 100},
			{RfqItemID: stored[1].ID, Price: 200},
		},
	}
	runnerUp := &model.Quote{
		RfqID: rfq.ID, SupplierID: "supplier-2", Price: 500, SubmittedAt: testNow.Add(-2 * time.Hour),
		Items: []model.QuoteItem{
			{RfqItemID: stored[0].ID, Price: 150},
			{RfqItemID: stored[1].ID, Price: 350},
		},
	}
	if err := st.CreateQuote(ctx, winner); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateQuote(ctx, runnerUp); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	queue := &recordingQueue{}
	eng := auction.NewEngine(st, sink, queue)
	if err := eng.Close(ctx, rfq.ID, testNow); err != nil {
		t.Fatal(err)
	}

	a, err := st.GetAwardBySupplier(ctx, rfq.ID, "supplier-1")
	if err != nil {
		t.Fatalf("fixture award missing: %v", err)
	}
	sink.msgs = nil
	queue.tasks = nil

	stored, _ = st.ListItems(ctx, rfq.ID)
	return NewManager(st, sink, queue), st, sink, queue, a, stored
}

func TestMarkOutOfStockWholeAward(t *testing.T) {
	m, st, sink, _, a, items := fixture(t)
	ctx := context.Background()

	// One item already shipped; it must be left alone.
	if err := st.UpdateItem(ctx, items[1].ID, store.ItemUpdate{Status: model.ItemStatusShipped}); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkOutOfStock(ctx, a.ID, "factory halt", "", "supplier-1", testNow); err != nil {
		t.Fatalf("mark out of stock: %v", err)
	}

	got, _ := st.GetAward(ctx, a.ID)
	if got.Status != model.AwardStatusOutOfStock {
		t.Errorf("expected award out_of_stock, got %s", got.Status)
	}
	after, _ := st.ListItems(ctx, a.RfqID)
	for _, it := range after {
		switch it.ID {
		case items[0].ID:
			if it.Status != model.ItemStatusOutOfStock || it.ExceptionReason != "factory halt" {
				t.Errorf("item not marked: %+v", it)
			}
		case items[1].ID:
			if it.Status != model.ItemStatusShipped {
				t.Errorf("shipped item must be untouched, got %s", it.Status)
			}
		}
	}

	if len(sink.msgs) != 1 || sink.msgs[0].UserID != "buyer-1" ||
		sink.msgs[0].Type != model.NotificationTypeOutOfStock {
		t.Errorf("expected buyer stockout notification, got %+v", sink.msgs)
	}

	// Second call hits the state guard instead of double-applying.
	err := m.MarkOutOfStock(ctx, a.ID, "again", "", "supplier-1", testNow)
	if !IsInvalidState(err) {
		t.Errorf("expected InvalidStateError, got %v", err)
	}
}

func TestMarkOutOfStockSingleItemExhaustsAward(t *testing.T) {
	m, st, _, _, a, items := fixture(t)
	ctx := context.Background()

	// The other item is already shipped, so marking the remaining one out
	// of stock leaves no live item and the award follows.
	if err := st.UpdateItem(ctx, items[1].ID, store.ItemUpdate{Status: model.ItemStatusShipped}); err != nil {
		t.Fatal(err)
	}

	if err := m.MarkOutOfStock(ctx, a.ID, "stockout", items[0].ID, "supplier-1", testNow); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetAward(ctx, a.ID)
	if got.Status != model.AwardStatusOutOfStock {
		t.Errorf("award should follow its last live item, got %s", got.Status)
	}
}

func TestMarkOutOfStockSingleItemKeepsAwardActive(t *testing.T) {
	m, st, _, _, a, items := fixture(t)
	ctx := context.Background()

	if err := m.MarkOutOfStock(ctx, a.ID, "stockout", items[0].ID, "supplier-1", testNow); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetAward(ctx, a.ID)
	if got.Status != model.AwardStatusActive {
		t.Errorf("award with a live item must stay active, got %s", got.Status)
	}
	it, _ := st.GetItem(ctx, items[1].ID)
	if it.Status != model.ItemStatusAwarded {
		t.Errorf("untargeted item must be untouched, got %s", it.Status)
	}
}

func TestCancelAwardDefaultAction(t *testing.T) {
	m, st, sink, _, a, items := fixture(t)
	ctx := context.Background()

	if err := m.CancelAward(ctx, a.ID, "buyer request", model.CancelActionCancel, "buyer-1", testNow); err != nil {
		t.Fatal(err)
	}

	got, _ := st.GetAward(ctx, a.ID)
	if got.Status != model.AwardStatusCancelled || got.CancelReason != "buyer request" || got.CancelledBy != "buyer-1" {
		t.Errorf("cancel metadata missing: %+v", got)
	}
	for _, id := range []string{items[0].ID, items[1].ID} {
		it, _ := st.GetItem(ctx, id)
		if it.Status != model.ItemStatusCancelled {
			t.Errorf("item %s: expected cancelled, got %s", id, it.Status)
		}
	}
	if len(sink.msgs) != 1 || sink.msgs[0].UserID != "supplier-1" {
		t.Errorf("expected supplier notification, got %+v", sink.msgs)
	}

	// Cancelling twice is guarded.
	err := m.CancelAward(ctx, a.ID, "again", model.CancelActionCancel, "buyer-1", testNow)
	if !IsInvalidState(err) {
		t.Errorf("expected InvalidStateError, got %v", err)
	}
}

func TestCancelAwardReassignPicksRunnerUp(t *testing.T) {
	m, st, sink, queue, a, items := fixture(t)
	ctx := context.Background()

	if err := m.CancelAward(ctx, a.ID, "unreliable", model.CancelActionReassign, "buyer-1", testNow); err != nil {
		t.Fatal(err)
	}

	// Items reverted, winner cleared, quote rejected, evaluation queued.
	for _, id := range []string{items[0].ID, items[1].ID} {
		it, _ := st.GetItem(ctx, id)
		if it.Status != model.ItemStatusPending || it.WinnerSupplierID != "" {
			t.Errorf("item %s not reset: %+v", id, it)
		}
	}
	quotes, _ := st.ListQuotes(ctx, a.RfqID, "")
	for _, q := range quotes {
		if q.SupplierID == "supplier-1" && q.Status != model.QuoteStatusRejected {
			t.Errorf("cancelled supplier's quote must be rejected, got %s", q.Status)
		}
	}
	if len(queue.tasks) != 1 || queue.tasks[0].Type != auction.StageEvaluate {
		t.Fatalf("expected queued evaluation, got %+v", queue.tasks)
	}

	// A fresh evaluation now picks the runner-up.
	eng := auction.NewEngine(st, sink, queue)
	if err := eng.Evaluate(ctx, a.RfqID, testNow.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{items[0].ID, items[1].ID} {
		it, _ := st.GetItem(ctx, id)
		if it.WinnerSupplierID != "supplier-2" {
			t.Errorf("item %s: expected supplier-2 to win reassignment, got %q", id, it.WinnerSupplierID)
		}
	}
	if _, err := st.GetAwardBySupplier(ctx, a.RfqID, "supplier-2"); err != nil {
		t.Errorf("runner-up award missing: %v", err)
	}
}

func TestCancelAwardSwitchToEcommerce(t *testing.T) {
	m, st, _, _, a, items := fixture(t)
	ctx := context.Background()

	if err := m.CancelAward(ctx, a.ID, "supplier gone", model.CancelActionSwitchToEcommerce, "buyer-1", testNow); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{items[0].ID, items[1].ID} {
		it, _ := st.GetItem(ctx, id)
		if it.Status != model.ItemStatusEcommercePending || it.Source != model.ItemSourceEcommerce {
			t.Errorf("item %s not switched: status=%s source=%s", id, it.Status, it.Source)
		}
	}
}

func TestRecreateRFQFromOutOfStock(t *testing.T) {
	m, st, sink, queue, a, _ := fixture(t)
	ctx := context.Background()

	// Guard: recreation requires an out-of-stock award.
	if _, err := m.RecreateRFQFromOutOfStock(ctx, a.ID, "", nil, "buyer-1", testNow); !IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on active award, got %v", err)
	}

	if err := m.MarkOutOfStock(ctx, a.ID, "stockout", "", "supplier-1", testNow); err != nil {
		t.Fatal(err)
	}
	sink.msgs = nil

	newRFQ, err := m.RecreateRFQFromOutOfStock(ctx, a.ID, "", nil, "buyer-1", testNow)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}

	if newRFQ.Status != model.RFQStatusPublished {
		t.Errorf("recreated rfq must be published, got %s", newRFQ.Status)
	}
	wantDeadline := testNow.Add(7 * 24 * time.Hour)
	if !newRFQ.Deadline.Equal(wantDeadline) {
		t.Errorf("expected default deadline %v, got %v", wantDeadline, newRFQ.Deadline)
	}

	newItems, _ := st.ListItems(ctx, newRFQ.ID)
	if len(newItems) != 2 {
		t.Fatalf("expected both out-of-stock items copied, got %d", len(newItems))
	}
	for _, it := range newItems {
		if it.Status != model.ItemStatusPending || it.WinnerSupplierID != "" {
			t.Errorf("copied item must start fresh: %+v", it)
		}
	}

	// The new RFQ has its close scheduled at its deadline.
	var closeTasks []jobs.Task
	for _, task := range queue.tasks {
		if task.Type == auction.StageClose {
			closeTasks = append(closeTasks, task)
		}
	}
	if len(closeTasks) != 1 || closeTasks[0].Delay <= 0 {
		t.Errorf("expected one delayed close task, got %+v", closeTasks)
	}

	if len(sink.msgs) != 1 || sink.msgs[0].Type != model.NotificationTypeRfqRecreated ||
		sink.msgs[0].UserID != "supplier-1" {
		t.Errorf("expected supplier recreation notice, got %+v", sink.msgs)
	}
}

func TestConvertToEcommerce(t *testing.T) {
	m, st, sink, _, a, items := fixture(t)
	ctx := context.Background()

	if err := m.ConvertToEcommerce(ctx, a.ID, nil, "buyer-1", testNow); !IsInvalidState(err) {
		t.Fatalf("expected guard on active award, got %v", err)
	}

	if err := m.MarkOutOfStock(ctx, a.ID, "stockout", "", "supplier-1", testNow); err != nil {
		t.Fatal(err)
	}
	sink.msgs = nil

	// Convert just the first item.
	if err := m.ConvertToEcommerce(ctx, a.ID, []string{items[0].ID}, "buyer-1", testNow); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetItem(ctx, items[0].ID)
	if first.Status != model.ItemStatusEcommercePending || first.Source != model.ItemSourceEcommerce {
		t.Errorf("item not converted: %+v", first)
	}
	second, _ := st.GetItem(ctx, items[1].ID)
	if second.Status != model.ItemStatusOutOfStock {
		t.Errorf("unnamed item must be untouched, got %s", second.Status)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Type != model.NotificationTypeEcommerce {
		t.Errorf("expected ecommerce notification, got %+v", sink.msgs)
	}
}

func TestEnsureAwardMaterializesFromAllocations(t *testing.T) {
	m, st, _, _, a, items := fixture(t)
	ctx := context.Background()

	// An award that evaluation already created is returned as-is.
	got, err := m.EnsureAward(ctx, a.RfqID, "supplier-1")
	if err != nil {
		t.Fatalf("ensure existing award: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("expected existing award %s, got %s", a.ID, got.ID)
	}

	// Hand the first item to supplier-2 without an award row, the way a
	// manual reallocation would, then materialize lazily.
	quotes, _ := st.ListQuotes(ctx, a.RfqID, "")
	var quoteItemID string
	for _, q := range quotes {
		if q.SupplierID != "supplier-2" {
			continue
		}
		for _, qi := range q.Items {
			if qi.RfqItemID == items[0].ID {
				quoteItemID = qi.ID
			}
		}
	}
	if quoteItemID == "" {
		t.Fatal("fixture is missing supplier-2's bid on the first item")
	}
	if err := st.MarkItemAwarded(ctx, items[0].ID, quoteItemID, "supplier-2"); err != nil {
		t.Fatal(err)
	}

	lazy, err := m.EnsureAward(ctx, a.RfqID, "supplier-2")
	if err != nil {
		t.Fatalf("ensure award: %v", err)
	}
	if lazy.FinalPrice != 150*10 {
		t.Errorf("final price from allocation: got %d, want 1500", lazy.FinalPrice)
	}

	again, err := m.EnsureAward(ctx, a.RfqID, "supplier-2")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != lazy.ID {
		t.Errorf("second ensure must reuse the award, got %s and %s", lazy.ID, again.ID)
	}
}

func TestEnsureAwardRequiresAllocation(t *testing.T) {
	m, _, _, _, a, _ := fixture(t)

	_, err := m.EnsureAward(context.Background(), a.RfqID, "supplier-9")
	if !IsInvalidState(err) {
		t.Fatalf("supplier without allocations must be rejected, got %v", err)
	}
}

func TestLoadMissingAwardIsHardError(t *testing.T) {
	m, _, _, _, _, _ := fixture(t)
	err := m.MarkOutOfStock(context.Background(), "missing", "r", "", "actor", testNow)
	if err == nil {
		t.Fatal("user-triggered operation on a missing award must error")
	}
	if IsInvalidState(err) {
		t.Error("missing award is not-found, not an invalid state")
	}
}
