package auction

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

type recordingSink struct {
	msgs []notify.Message
	err  error
}

func (r *recordingSink) Send(_ context.Context, msg notify.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSink) byType(t model.NotificationType) []notify.Message {
	var out []notify.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type recordingQueue struct {
	tasks []jobs.Task
}

func (r *recordingQueue) Enqueue(_ context.Context, task jobs.Task) error {
	r.tasks = append(r.tasks, task)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *recordingSink, *recordingQueue) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "auction.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	sink := &recordingSink{}
	queue := &recordingQueue{}
	return NewEngine(st, sink, queue), st, sink, queue
}

func seedRFQ(t *testing.T, st store.Store, mode model.PricingMode, deadline time.Time, items ...model.RfqItem) (*model.RFQ, []model.RfqItem) {
	t.Helper()
	rfq := &model.RFQ{
		Number:      "RFQ-042",
		Title:       "Warehouse restock",
		BuyerID:     "buyer-1",
		PricingMode: mode,
		Deadline:    deadline,
		Status:      model.RFQStatusPublished,
	}
	if err := st.CreateRFQ(context.Background(), rfq, items); err != nil {
		t.Fatal(err)
	}
	stored, err := st.ListItems(context.Background(), rfq.ID)
	if err != nil {
		t.Fatal(err)
	}
	return rfq, stored
}

func seedQuote(t *testing.T, st store.Store, rfqID, supplierID string, submittedAt time.Time, items ...model.QuoteItem) *model.Quote {
	t.Helper()
	var total int64
	for _, qi := range items {
		total += qi.Price
	}
	q := &model.Quote{
		RfqID:       rfqID,
		SupplierID:  supplierID,
		Price:       total,
		SubmittedAt: submittedAt,
		Items:       items,
	}
	if err := st.CreateQuote(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestCloseTransitionsAndEvaluates(t *testing.T) {
	eng, st, sink, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 10},
	)
	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-2*time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 500},
	)

	if err := eng.Close(ctx, rfq.ID, now); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, _ := st.GetRFQ(ctx, rfq.ID)
	if got.Status != model.RFQStatusAwarded {
		t.Errorf("expected rfq promoted to awarded, got %s", got.Status)
	}
	if got.ClosedAt == nil || !got.ClosedAt.Equal(now) {
		t.Errorf("expected closed_at %v, got %v", now, got.ClosedAt)
	}

	awards, _ := st.ListAwards(ctx, rfq.ID)
	if len(awards) != 1 || awards[0].SupplierID != "supplier-1" {
		t.Fatalf("expected one award for supplier-1, got %+v", awards)
	}
	if awards[0].FinalPrice != 5000 {
		t.Errorf("expected final price 500*10=5000, got %d", awards[0].FinalPrice)
	}

	won := sink.byType(model.NotificationTypeAwardWon)
	if len(won) != 1 || won[0].UserID != "supplier-1" {
		t.Errorf("expected award notification to supplier-1, got %+v", won)
	}
}

func TestCloseGuards(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Missing RFQ is a silent no-op.
	if err := eng.Close(ctx, "missing", now); err != nil {
		t.Errorf("missing rfq should be a no-op, got %v", err)
	}

	// Future deadline leaves the RFQ untouched.
	future, _ := seedRFQ(t, st, model.PricingModeAuction, now.Add(time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1})
	if err := eng.Close(ctx, future.ID, now); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetRFQ(ctx, future.ID)
	if got.Status != model.RFQStatusPublished {
		t.Errorf("early trigger must not close, got %s", got.Status)
	}

	// A second close of an already-closed RFQ does not move closed_at.
	overdue, _ := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Masks", Quantity: 1})
	if err := eng.Close(ctx, overdue.ID, now); err != nil {
		t.Fatal(err)
	}
	first, _ := st.GetRFQ(ctx, overdue.ID)
	if err := eng.Close(ctx, overdue.ID, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	second, _ := st.GetRFQ(ctx, overdue.ID)
	if !second.ClosedAt.Equal(*first.ClosedAt) {
		t.Errorf("duplicate close moved closed_at from %v to %v", first.ClosedAt, second.ClosedAt)
	}
}

// failingQuoteStore makes quote listing fail once so the inline evaluation
// after close breaks.
type failingQuoteStore struct {
	store.Store
	fail bool
}

func (f *failingQuoteStore) ListQuotes(ctx context.Context, rfqID string, status model.QuoteStatus) ([]model.Quote, error) {
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.ListQuotes(ctx, rfqID, status)
}

func TestCloseInlineEvaluateFailureQueuesFallback(t *testing.T) {
	_, st, sink, queue := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, _ := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1})

	wrapped := &failingQuoteStore{Store: st, fail: true}
	eng := NewEngine(wrapped, sink, queue)

	if err := eng.Close(ctx, rfq.ID, now); err != nil {
		t.Fatalf("close must not fail when the fallback is queued: %v", err)
	}

	// The close itself stuck.
	got, _ := st.GetRFQ(ctx, rfq.ID)
	if got.Status != model.RFQStatusClosed {
		t.Errorf("expected closed, got %s", got.Status)
	}

	// And the evaluate retry is durable.
	if len(queue.tasks) != 1 || queue.tasks[0].Type != StageEvaluate {
		t.Fatalf("expected one queued evaluate task, got %+v", queue.tasks)
	}
	if queue.tasks[0].Delay <= 0 {
		t.Error("fallback must be delayed, not inline")
	}
}

func TestEvaluateLowestBidWins(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 2})
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)

	seedQuote(t, st, rfq.ID, "cheap", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 300})
	seedQuote(t, st, rfq.ID, "pricey", now.Add(-2*time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 400})

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}

	it, _ := st.GetItem(ctx, items[0].ID)
	if it.WinnerSupplierID != "cheap" {
		t.Errorf("expected cheapest supplier to win, got %q", it.WinnerSupplierID)
	}

	quotes, _ := st.ListQuotes(ctx, rfq.ID, "")
	for _, q := range quotes {
		want := model.QuoteStatusRejected
		if q.SupplierID == "cheap" {
			want = model.QuoteStatusAwarded
		}
		if q.Status != want {
			t.Errorf("quote %s: expected %s, got %s", q.SupplierID, want, q.Status)
		}
	}
}

func TestEvaluateFixedPriceCeiling(t *testing.T) {
	eng, st, sink, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeFixedPrice, now.Add(-time.Hour),
		model.RfqItem{ProductName: "AtCeiling", Quantity: 1, MaxPrice: 500},
		model.RfqItem{ProductName: "AllAbove", Quantity: 1, MaxPrice: 100},
	)
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)

	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		// Equal to the ceiling qualifies.
		model.QuoteItem{RfqItemID: items[0].ID, Price: 500},
		// Above the ceiling is excluded with no fallback.
		model.QuoteItem{RfqItemID: items[1].ID, Price: 150},
	)

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}

	atCeiling, _ := st.GetItem(ctx, items[0].ID)
	if atCeiling.Status != model.ItemStatusAwarded {
		t.Errorf("bid equal to ceiling must win, got %s", atCeiling.Status)
	}
	allAbove, _ := st.GetItem(ctx, items[1].ID)
	if allAbove.Status != model.ItemStatusPending {
		t.Errorf("item with only over-ceiling bids must stay pending, got %s", allAbove.Status)
	}

	// Buyer hears about the unquoted item; the RFQ is not promoted.
	unquoted := sink.byType(model.NotificationTypeUnquotedItems)
	if len(unquoted) != 1 || unquoted[0].UserID != "buyer-1" {
		t.Errorf("expected unquoted notification to buyer, got %+v", unquoted)
	}
	got, _ := st.GetRFQ(ctx, rfq.ID)
	if got.Status != model.RFQStatusClosed {
		t.Errorf("rfq with pending item must stay closed, got %s", got.Status)
	}
}

func TestEvaluateAuctionModeIgnoresCeiling(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1, MaxPrice: 100})
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)

	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 900})

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}
	it, _ := st.GetItem(ctx, items[0].ID)
	if it.Status != model.ItemStatusAwarded {
		t.Errorf("auction mode must ignore max price, got %s", it.Status)
	}
}

func TestEvaluateMultiSupplierFinalPrices(t *testing.T) {
	eng, st, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 10},
		model.RfqItem{ProductName: "Masks", Quantity: 5},
	)
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)

	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 100},
		model.QuoteItem{RfqItemID: items[1].ID, Price: 999},
	)
	seedQuote(t, st, rfq.ID, "supplier-2", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 200},
		model.QuoteItem{RfqItemID: items[1].ID, Price: 50},
	)

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}

	a1, err := st.GetAwardBySupplier(ctx, rfq.ID, "supplier-1")
	if err != nil {
		t.Fatal(err)
	}
	if a1.FinalPrice != 100*10 {
		t.Errorf("supplier-1 final price: got %d, want 1000", a1.FinalPrice)
	}
	a2, err := st.GetAwardBySupplier(ctx, rfq.ID, "supplier-2")
	if err != nil {
		t.Fatal(err)
	}
	if a2.FinalPrice != 50*5 {
		t.Errorf("supplier-2 final price: got %d, want 250", a2.FinalPrice)
	}

	// Both quotes won something.
	quotes, _ := st.ListQuotes(ctx, rfq.ID, "")
	for _, q := range quotes {
		if q.Status != model.QuoteStatusAwarded {
			t.Errorf("quote %s should be awarded, got %s", q.SupplierID, q.Status)
		}
	}

	got, _ := st.GetRFQ(ctx, rfq.ID)
	if got.Status != model.RFQStatusAwarded {
		t.Errorf("fully allocated rfq should be awarded, got %s", got.Status)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	eng, st, sink, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// One item wins, one gets no quote at all, so both notification paths
	// are live across the re-run.
	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1},
		model.RfqItem{ProductName: "Masks", Quantity: 1})
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)
	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 100})

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}
	won := len(sink.byType(model.NotificationTypeAwardWon))
	unquoted := len(sink.byType(model.NotificationTypeUnquotedItems))
	if won != 1 || unquoted != 1 {
		t.Fatalf("first run: expected 1 award-won and 1 unquoted notification, got %d and %d", won, unquoted)
	}

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatalf("re-running evaluate must be safe: %v", err)
	}

	awards, _ := st.ListAwards(ctx, rfq.ID)
	if len(awards) != 1 {
		t.Errorf("expected exactly one award after re-run, got %d", len(awards))
	}
	// The re-run changes nothing, so nobody hears about it twice. The
	// unquoted item stays pending for later reassignment all the same.
	if got := len(sink.msgs); got != won+unquoted {
		t.Errorf("re-run added notifications: got %d total, want %d", got, won+unquoted)
	}
	masks, _ := st.GetItem(ctx, items[1].ID)
	if masks.Status != model.ItemStatusPending {
		t.Errorf("unquoted item must stay pending, got %s", masks.Status)
	}
}

func TestEvaluateNotificationFailureIsSwallowed(t *testing.T) {
	_, st, _, queue := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sink := &recordingSink{err: errors.New("sink down")}
	eng := NewEngine(st, sink, queue)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1})
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)
	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 100})

	if err := eng.Evaluate(ctx, rfq.ID, now); err != nil {
		t.Fatalf("notification failure must not fail evaluation: %v", err)
	}
	awards, _ := st.ListAwards(ctx, rfq.ID)
	if len(awards) != 1 {
		t.Errorf("award must persist despite sink failure, got %d", len(awards))
	}
}

func TestRemind(t *testing.T) {
	eng, st, sink, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rfq, items := seedRFQ(t, st, model.PricingModeAuction, now.Add(2*time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1})
	seedQuote(t, st, rfq.ID, "supplier-1", now.Add(-time.Hour),
		model.QuoteItem{RfqItemID: items[0].ID, Price: 100})

	if err := eng.Remind(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}
	reminders := sink.byType(model.NotificationTypeReminder)
	if len(reminders) != 2 {
		t.Fatalf("expected buyer + supplier reminders, got %d", len(reminders))
	}

	// Once closed, reminders stop.
	sink.msgs = nil
	st.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusClosed, &now)
	if err := eng.Remind(ctx, rfq.ID, now); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 0 {
		t.Errorf("closed rfq must not be reminded, got %d messages", len(sink.msgs))
	}
}

func TestSweep(t *testing.T) {
	eng, st, _, queue := newTestEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	overdue, _ := seedRFQ(t, st, model.PricingModeAuction, now.Add(-time.Hour),
		model.RfqItem{ProductName: "Gloves", Quantity: 1})
	upcoming, _ := seedRFQ(t, st, model.PricingModeAuction, now.Add(time.Hour),
		model.RfqItem{ProductName: "Masks", Quantity: 1})

	if err := eng.Sweep(ctx, now, 4*time.Hour); err != nil {
		t.Fatal(err)
	}

	var closeIDs, remindIDs []string
	for _, task := range queue.tasks {
		var p StagePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			t.Fatal(err)
		}
		switch task.Type {
		case StageClose:
			closeIDs = append(closeIDs, p.RfqID)
		case StageRemind:
			remindIDs = append(remindIDs, p.RfqID)
		}
	}
	if len(closeIDs) != 1 || closeIDs[0] != overdue.ID {
		t.Errorf("expected close for overdue rfq, got %v", closeIDs)
	}
	if len(remindIDs) != 1 || remindIDs[0] != upcoming.ID {
		t.Errorf("expected remind for upcoming rfq, got %v", remindIDs)
	}
}

func TestShortlistOrderingAndPool(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id string, price int64, days int, at time.Time) bid {
		return bid{
			quote: &model.Quote{ID: "q-" + id, SupplierID: "s-" + id, SubmittedAt: at},
			item:  model.QuoteItem{ID: id, Price: price, DeliveryDays: days},
		}
	}
	candidates := []bid{
		mk("a", 300, 5, base),
		mk("b", 100, 5, base),
		mk("c", 100, 2, base),
		mk("d", 200, 1, base),
		mk("e", 400, 1, base),
	}

	pool := shortlist(candidates)
	if len(pool) != shortlistSize {
		t.Fatalf("expected pool of %d, got %d", shortlistSize, len(pool))
	}
	// Cheapest wins; equal prices break on delivery days.
	if pool[0].item.ID != "c" || pool[1].item.ID != "b" || pool[2].item.ID != "d" {
		t.Errorf("unexpected pool order: %s %s %s",
			pool[0].item.ID, pool[1].item.ID, pool[2].item.ID)
	}
}
