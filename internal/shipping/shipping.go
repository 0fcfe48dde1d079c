// Package shipping tracks the fulfilment of awarded items: one shipment
// per supplier dispatch, label photos with OCR-assisted tracking capture,
// and the item transition to shipped.
package shipping

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/award"
	"github.com/procurehq/rfq-engine/internal/config"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/ocr"
	"github.com/procurehq/rfq-engine/internal/store"
)

const defaultAutoApplyThreshold = 0.85

// Manager creates shipments and walks them to shipped.
type Manager struct {
	store     store.Store
	sink      notify.Sink
	extractor ocr.Extractor
	threshold float64
}

func NewManager(st store.Store, sink notify.Sink, ex ocr.Extractor, cfg config.OCRConfig) *Manager {
	threshold := cfg.AutoApplyThreshold
	if threshold <= 0 {
		threshold = defaultAutoApplyThreshold
	}
	return &Manager{store: st, sink: sink, extractor: ex, threshold: threshold}
}

// CreateShipment opens a shipment for an active award. The label key is
// optional; it can be attached later through Autofill.
func (m *Manager) CreateShipment(ctx context.Context, awardID, labelKey string) (*model.Shipment, error) {
	a, err := m.store.GetAward(ctx, awardID)
	if err != nil {
		return nil, eris.Wrapf(err, "shipping: load award %s", awardID)
	}
	if a.Status != model.AwardStatusActive {
		return nil, &award.InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "create shipment"}
	}

	s := &model.Shipment{
		AwardID:  a.ID,
		LabelKey: labelKey,
	}
	if err := m.store.CreateShipment(ctx, s); err != nil {
		return nil, eris.Wrap(err, "shipping: create shipment")
	}
	return s, nil
}

// Autofill runs OCR over a label file and applies the tracking guess when
// it clears the auto-apply threshold. Below the threshold nothing is
// written and the guess is returned for manual confirmation. OCR failures
// are treated the same way: the supplier can always type the number in.
func (m *Manager) Autofill(ctx context.Context, shipmentID, labelPath string) (ocr.Guess, bool, error) {
	s, err := m.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return ocr.Guess{}, false, eris.Wrapf(err, "shipping: load shipment %s", shipmentID)
	}
	if s.ShippedAt != nil {
		return ocr.Guess{}, false, &award.InvalidStateError{Entity: "shipment", ID: s.ID, State: "shipped", Op: "autofill tracking"}
	}

	guess, err := m.extractor.Extract(ctx, labelPath)
	if err != nil {
		zap.L().Warn("label ocr failed, leaving tracking for manual entry",
			zap.String("shipment_id", shipmentID), zap.Error(err))
		return ocr.Guess{}, false, nil
	}
	if guess.TrackingNumber == "" || guess.Confidence < m.threshold {
		return guess, false, nil
	}

	if err := m.store.SetShipmentTracking(ctx, s.ID, guess.TrackingNumber, guess.Carrier, model.TrackingSourceOCR); err != nil {
		return guess, false, eris.Wrap(err, "shipping: apply ocr tracking")
	}
	zap.L().Info("tracking auto-applied from label",
		zap.String("shipment_id", s.ID),
		zap.String("carrier", guess.Carrier),
		zap.Float64("confidence", guess.Confidence))
	return guess, true, nil
}

// SetTracking records a manually entered tracking number.
func (m *Manager) SetTracking(ctx context.Context, shipmentID, trackingNumber, carrier string) error {
	if trackingNumber == "" {
		return eris.New("shipping: empty tracking number")
	}
	s, err := m.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return eris.Wrapf(err, "shipping: load shipment %s", shipmentID)
	}
	if s.ShippedAt != nil {
		return &award.InvalidStateError{Entity: "shipment", ID: s.ID, State: "shipped", Op: "set tracking"}
	}
	if err := m.store.SetShipmentTracking(ctx, s.ID, trackingNumber, carrier, model.TrackingSourceManual); err != nil {
		return eris.Wrap(err, "shipping: set tracking")
	}
	return nil
}

// MarkShipped marks the shipment shipped and flips the supplier's awarded
// items to shipped. With item ids only that subset ships; without, every
// awarded item allocated to the supplier does. The buyer is notified with
// the tracking details once the writes are durable.
func (m *Manager) MarkShipped(ctx context.Context, shipmentID string, itemIDs []string, now time.Time) error {
	s, err := m.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return eris.Wrapf(err, "shipping: load shipment %s", shipmentID)
	}
	if s.ShippedAt != nil {
		return &award.InvalidStateError{Entity: "shipment", ID: s.ID, State: "shipped", Op: "mark shipped"}
	}
	a, err := m.store.GetAward(ctx, s.AwardID)
	if err != nil {
		return eris.Wrapf(err, "shipping: load award %s", s.AwardID)
	}
	rfq, err := m.store.GetRFQ(ctx, a.RfqID)
	if err != nil {
		return eris.Wrapf(err, "shipping: load rfq %s", a.RfqID)
	}

	items, err := m.store.ListItems(ctx, a.RfqID)
	if err != nil {
		return eris.Wrap(err, "shipping: list items")
	}
	wanted := map[string]bool{}
	for _, id := range itemIDs {
		wanted[id] = true
	}

	shipped := 0
	for _, it := range items {
		if it.WinnerSupplierID != a.SupplierID || it.Status != model.ItemStatusAwarded {
			continue
		}
		if len(wanted) > 0 && !wanted[it.ID] {
			continue
		}
		err := m.store.UpdateItem(ctx, it.ID, store.ItemUpdate{
			Status:     model.ItemStatusShipped,
			ShipmentID: s.ID,
		})
		if err != nil {
			return eris.Wrapf(err, "shipping: mark item %s shipped", it.ID)
		}
		shipped++
	}
	if shipped == 0 {
		return &award.InvalidStateError{Entity: "shipment", ID: s.ID, State: "no awarded items", Op: "mark shipped"}
	}

	at := now.UTC()
	if err := m.store.MarkShipmentShipped(ctx, s.ID, at); err != nil {
		return eris.Wrap(err, "shipping: mark shipment shipped")
	}

	if err := m.store.InsertAudit(ctx, &model.AuditEntry{
		EntityType: "shipment",
		EntityID:   s.ID,
		Action:     "shipped",
		Detail:     s.TrackingNumber,
	}); err != nil {
		zap.L().Warn("audit write failed",
			zap.String("shipment_id", s.ID), zap.Error(err))
	}

	m.promoteIfComplete(ctx, rfq)

	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.Shipped(rfq.BuyerID, rfq.Number, s.Carrier, s.TrackingNumber),
	})
	return nil
}

// promoteIfComplete closes the loop on an RFQ whose last open items just
// shipped. Normally evaluation already promoted it, but a reassignment can
// leave the RFQ demoted to closed until fulfilment finishes.
func (m *Manager) promoteIfComplete(ctx context.Context, rfq *model.RFQ) {
	if rfq.Status == model.RFQStatusAwarded {
		return
	}
	items, err := m.store.ListItems(ctx, rfq.ID)
	if err != nil {
		zap.L().Warn("promotion check failed", zap.String("rfq_id", rfq.ID), zap.Error(err))
		return
	}
	for _, it := range items {
		if !it.Status.Terminal() {
			return
		}
	}
	if err := m.store.UpdateRFQStatus(ctx, rfq.ID, model.RFQStatusAwarded, nil); err != nil {
		zap.L().Warn("rfq promotion failed", zap.String("rfq_id", rfq.ID), zap.Error(err))
	}
}
