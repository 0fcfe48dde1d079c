package shipping

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/procurehq/rfq-engine/internal/auction"
	"github.com/procurehq/rfq-engine/internal/award"
	"github.com/procurehq/rfq-engine/internal/config"
	"github.com/procurehq/rfq-engine/internal/jobs"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/ocr"
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

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string) (ocr.Guess, error) {
	return ocr.Guess{}, os.ErrNotExist
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fixture seeds a two-item RFQ, evaluates it so supplier-1 wins both
// items, and returns a manager wired to the pattern extractor.
func fixture(t *testing.T) (*Manager, store.Store, *recordingSink, *model.Award, []model.RfqItem) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "shipping.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	rfq := &model.RFQ{
		Number:      "RFQ-200",
		Title:       "Fasteners",
		BuyerID:     "buyer-1",
		PricingMode: model.PricingModeAuction,
		Deadline:    testNow.Add(-time.Hour),
		Status:      model.RFQStatusPublished,
	}
	items := []model.RfqItem{
		{ProductName: "Bolts", Quantity: 100},
		{ProductName: "Nuts", Quantity: 100},
	}
	if err := st.CreateRFQ(ctx, rfq, items); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.ListItems(ctx, rfq.ID)

	q := &model.Quote{
		RfqID: rfq.ID, SupplierID: "supplier-1", Price: 300, SubmittedAt: testNow.Add(-2 * time.Hour),
		Items: []model.QuoteItem{
			{RfqItemID: stored[0].ID, Price: 100},
			{RfqItemID: stored[1].ID, Price: 200},
		},
	}
	if err := st.CreateQuote(ctx, q); err != nil {
		t.Fatal(err)
	}

	sink := &recordingSink{}
	eng := auction.NewEngine(st, sink, &recordingQueue{})
	if err := eng.Close(ctx, rfq.ID, testNow); err != nil {
		t.Fatal(err)
	}

	a, err := st.GetAwardBySupplier(ctx, rfq.ID, "supplier-1")
	if err != nil {
		t.Fatalf("fixture award missing: %v", err)
	}
	sink.msgs = nil

	stored, _ = st.ListItems(ctx, rfq.ID)
	return NewManager(st, sink, ocr.NewPattern(), config.OCRConfig{AutoApplyThreshold: 0.85}), st, sink, a, stored
}

func writeLabel(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "label.txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateShipmentRequiresActiveAward(t *testing.T) {
	m, st, _, a, _ := fixture(t)
	ctx := context.Background()

	s, err := m.CreateShipment(ctx, a.ID, "labels/1.jpg")
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	if s.ID == "" || s.AwardID != a.ID || s.LabelKey != "labels/1.jpg" {
		t.Errorf("unexpected shipment: %+v", s)
	}

	if err := st.UpdateAwardStatus(ctx, a.ID, model.AwardStatusCancelled, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateShipment(ctx, a.ID, ""); !award.IsInvalidState(err) {
		t.Errorf("expected invalid state, got %v", err)
	}
}

func TestAutofillAppliesHighConfidenceGuess(t *testing.T) {
	m, st, _, a, _ := fixture(t)
	ctx := context.Background()

	s, err := m.CreateShipment(ctx, a.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	guess, applied, err := m.Autofill(ctx, s.ID, writeLabel(t, "waybill SF1234567890123"))
	if err != nil {
		t.Fatalf("autofill: %v", err)
	}
	if !applied || guess.Carrier != "SF Express" {
		t.Errorf("expected applied SF guess, got applied=%v %+v", applied, guess)
	}

	got, _ := st.GetShipment(ctx, s.ID)
	if got.TrackingNumber != "SF1234567890123" || got.TrackingSource != model.TrackingSourceOCR {
		t.Errorf("tracking not applied: %+v", got)
	}
}

func TestAutofillLeavesLowConfidenceForManualEntry(t *testing.T) {
	m, st, _, a, _ := fixture(t)
	ctx := context.Background()

	s, _ := m.CreateShipment(ctx, a.ID, "")

	guess, applied, err := m.Autofill(ctx, s.ID, writeLabel(t, "waybill 98765432101"))
	if err != nil {
		t.Fatalf("autofill: %v", err)
	}
	if applied {
		t.Error("generic digit run must not auto-apply")
	}
	if guess.TrackingNumber != "98765432101" {
		t.Errorf("guess should still be returned, got %+v", guess)
	}

	got, _ := st.GetShipment(ctx, s.ID)
	if got.TrackingNumber != "" {
		t.Errorf("tracking must stay empty, got %q", got.TrackingNumber)
	}
}

func TestAutofillSwallowsExtractorFailure(t *testing.T) {
	m, _, _, a, _ := fixture(t)
	m.extractor = failingExtractor{}
	ctx := context.Background()

	s, _ := m.CreateShipment(ctx, a.ID, "")
	_, applied, err := m.Autofill(ctx, s.ID, "nope.jpg")
	if err != nil {
		t.Fatalf("extractor failure must not propagate: %v", err)
	}
	if applied {
		t.Error("nothing should be applied on failure")
	}
}

func TestSetTrackingManual(t *testing.T) {
	m, st, _, a, _ := fixture(t)
	ctx := context.Background()

	s, _ := m.CreateShipment(ctx, a.ID, "")
	if err := m.SetTracking(ctx, s.ID, "SF9999999999999", "SF Express"); err != nil {
		t.Fatalf("set tracking: %v", err)
	}

	got, _ := st.GetShipment(ctx, s.ID)
	if got.TrackingNumber != "SF9999999999999" || got.TrackingSource != model.TrackingSourceManual {
		t.Errorf("unexpected shipment: %+v", got)
	}

	if err := m.SetTracking(ctx, s.ID, "", ""); err == nil {
		t.Error("empty tracking number must be rejected")
	}
}

func TestMarkShippedFlipsItemsAndNotifies(t *testing.T) {
	m, st, sink, a, items := fixture(t)
	ctx := context.Background()

	s, _ := m.CreateShipment(ctx, a.ID, "")
	if err := m.SetTracking(ctx, s.ID, "SF1234567890123", "SF Express"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkShipped(ctx, s.ID, nil, testNow); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}

	got, _ := st.GetShipment(ctx, s.ID)
	if got.ShippedAt == nil {
		t.Error("shipped_at not set")
	}
	for _, it := range items {
		after, _ := st.GetItem(ctx, it.ID)
		if after.Status != model.ItemStatusShipped || after.ShipmentID != s.ID {
			t.Errorf("item %s not shipped: %+v", it.ID, after)
		}
	}

	if len(sink.msgs) != 1 || sink.msgs[0].Type != model.NotificationTypeShipped ||
		sink.msgs[0].UserID != "buyer-1" {
		t.Errorf("expected buyer shipped notification, got %+v", sink.msgs)
	}

	if err := m.MarkShipped(ctx, s.ID, nil, testNow); !award.IsInvalidState(err) {
		t.Errorf("second mark shipped should be invalid state, got %v", err)
	}
}

func TestMarkShippedSubset(t *testing.T) {
	m, st, _, a, items := fixture(t)
	ctx := context.Background()

	s, _ := m.CreateShipment(ctx, a.ID, "")
	if err := m.MarkShipped(ctx, s.ID, []string{items[0].ID}, testNow); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}

	first, _ := st.GetItem(ctx, items[0].ID)
	second, _ := st.GetItem(ctx, items[1].ID)
	if first.Status != model.ItemStatusShipped {
		t.Errorf("named item should ship, got %s", first.Status)
	}
	if second.Status != model.ItemStatusAwarded {
		t.Errorf("unnamed item should stay awarded, got %s", second.Status)
	}
}

func TestMarkShippedPromotesDemotedRFQ(t *testing.T) {
	m, st, _, a, _ := fixture(t)
	ctx := context.Background()

	// A reassignment can demote an awarded RFQ back to closed while its
	// items finish fulfilment.
	if err := st.UpdateRFQStatus(ctx, a.RfqID, model.RFQStatusClosed, nil); err != nil {
		t.Fatal(err)
	}

	s, _ := m.CreateShipment(ctx, a.ID, "")
	if err := m.MarkShipped(ctx, s.ID, nil, testNow); err != nil {
		t.Fatal(err)
	}

	rfq, _ := st.GetRFQ(ctx, a.RfqID)
	if rfq.Status != model.RFQStatusAwarded {
		t.Errorf("rfq should be promoted, got %s", rfq.Status)
	}
}
