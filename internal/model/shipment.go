package model

import "time"

// TrackingSource records how a shipment's tracking number was filled in.
type TrackingSource string

const (
	TrackingSourceOCR    TrackingSource = "ocr"
	TrackingSourceManual TrackingSource = "manual"
)

// Shipment is a supplier's dispatch of one or more awarded items. The label
// photo lives in object storage under LabelKey; tracking details are either
// OCR-extracted from it or entered manually.
type Shipment struct {
	ID             string         `json:"id"`
	AwardID        string         `json:"award_id"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Carrier        string         `json:"carrier,omitempty"`
	TrackingSource TrackingSource `json:"tracking_source,omitempty"`
	LabelKey       string         `json:"label_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ShippedAt      *time.Time     `json:"shipped_at,omitempty"`
}

// SettlementStatus represents the payment-reconciliation state of an award.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusPaid       SettlementStatus = "paid"
	SettlementStatusReconciled SettlementStatus = "reconciled"
)

// Settlement is the payment record for one award. Amount is in cents.
type Settlement struct {
	ID        string           `json:"id"`
	AwardID   string           `json:"award_id"`
	Amount    int64            `json:"amount"`
	Status    SettlementStatus `json:"status"`
	QRKey     string           `json:"qr_key,omitempty"`
	PaidAt    *time.Time       `json:"paid_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
