// Package settlement handles payment reconciliation for awards: one
// settlement record per award, a payment QR code for the buyer, and an
// xlsx export for the finance side.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/procurehq/rfq-engine/internal/award"
	"github.com/procurehq/rfq-engine/internal/blob"
	"github.com/procurehq/rfq-engine/internal/model"
	"github.com/procurehq/rfq-engine/internal/notify"
	"github.com/procurehq/rfq-engine/internal/store"
)

const qrSize = 256

// Manager opens settlements and walks them through paid to reconciled.
type Manager struct {
	store  store.Store
	blobs  blob.Store
	signer blob.Signer
	sink   notify.Sink
}

func NewManager(st store.Store, blobs blob.Store, signer blob.Signer, sink notify.Sink) *Manager {
	return &Manager{store: st, blobs: blobs, signer: signer, sink: sink}
}

// Open creates the settlement for an active award, generates the payment
// QR code, and notifies the buyer. Settlements are keyed by award: a
// second call returns the existing record untouched and sends nothing.
func (m *Manager) Open(ctx context.Context, awardID string, now time.Time) (*model.Settlement, bool, error) {
	a, err := m.store.GetAward(ctx, awardID)
	if err != nil {
		return nil, false, eris.Wrapf(err, "settlement: load award %s", awardID)
	}
	if a.Status != model.AwardStatusActive {
		return nil, false, &award.InvalidStateError{Entity: "award", ID: a.ID, State: string(a.Status), Op: "open settlement"}
	}
	rfq, err := m.store.GetRFQ(ctx, a.RfqID)
	if err != nil {
		return nil, false, eris.Wrapf(err, "settlement: load rfq %s", a.RfqID)
	}

	key := "qr/award-" + a.ID + ".png"
	payURL, err := m.signer.SignedURL("pay/award-"+a.ID, now)
	if err != nil {
		return nil, false, eris.Wrap(err, "settlement: sign payment url")
	}
	png, err := qrcode.Encode(payURL, qrcode.Medium, qrSize)
	if err != nil {
		return nil, false, eris.Wrap(err, "settlement: encode qr")
	}
	if err := m.blobs.Put(ctx, key, png); err != nil {
		return nil, false, eris.Wrap(err, "settlement: store qr")
	}

	s := &model.Settlement{
		AwardID: a.ID,
		Amount:  a.FinalPrice,
		QRKey:   key,
	}
	s, created, err := m.store.CreateSettlementIfAbsent(ctx, s)
	if err != nil {
		return nil, false, eris.Wrap(err, "settlement: create")
	}
	if !created {
		zap.L().Debug("settlement already open",
			zap.String("award_id", a.ID), zap.String("settlement_id", s.ID))
		return s, false, nil
	}

	if err := m.store.SetAwardPaymentQR(ctx, a.ID, key); err != nil {
		return nil, false, eris.Wrap(err, "settlement: save qr key on award")
	}
	if err := m.store.InsertAudit(ctx, &model.AuditEntry{
		EntityType: "settlement",
		EntityID:   s.ID,
		Action:     "open",
		Detail:     fmt.Sprintf("amount=%d", s.Amount),
	}); err != nil {
		zap.L().Warn("audit write failed",
			zap.String("settlement_id", s.ID), zap.Error(err))
	}

	qrLink, err := m.signer.SignedURL(key, now)
	if err != nil {
		zap.L().Warn("qr link signing failed", zap.String("settlement_id", s.ID), zap.Error(err))
		qrLink = ""
	}
	notify.SendAll(ctx, m.sink, []notify.Message{
		notify.PaymentDue(rfq.BuyerID, rfq.Number, s.Amount, qrLink),
	})
	return s, true, nil
}

// MarkPaid records the buyer's payment.
func (m *Manager) MarkPaid(ctx context.Context, settlementID string, now time.Time) error {
	at := now.UTC()
	if err := m.store.UpdateSettlementStatus(ctx, settlementID, model.SettlementStatusPaid, &at); err != nil {
		return eris.Wrapf(err, "settlement: mark %s paid", settlementID)
	}
	return nil
}

// Reconcile closes the settlement after finance has matched the payment.
func (m *Manager) Reconcile(ctx context.Context, settlementID string) error {
	if err := m.store.UpdateSettlementStatus(ctx, settlementID, model.SettlementStatusReconciled, nil); err != nil {
		return eris.Wrapf(err, "settlement: reconcile %s", settlementID)
	}
	return nil
}
