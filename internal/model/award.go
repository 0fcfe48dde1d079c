package model

import "time"

// AwardStatus represents the lifecycle state of an award.
type AwardStatus string

const (
	AwardStatusActive     AwardStatus = "active"
	AwardStatusOutOfStock AwardStatus = "out_of_stock"
	AwardStatusCancelled  AwardStatus = "cancelled"
)

// CancelAction selects what happens to an award's items when it is cancelled.
type CancelAction string

const (
	CancelActionCancel            CancelAction = "cancel"
	CancelActionReassign          CancelAction = "reassign"
	CancelActionSwitchToEcommerce CancelAction = "switch_to_ecommerce"
)

// Award records that one supplier won at least one item of one RFQ. An RFQ
// may carry several concurrent awards, one per winning supplier; the pair
// (rfq_id, supplier_id) is unique and that constraint is the only
// concurrency control between overlapping evaluation attempts.
type Award struct {
	ID         string      `json:"id"`
	RfqID      string      `json:"rfq_id"`
	SupplierID string      `json:"supplier_id"`
	// FinalPrice is the sum of the supplier's winning item prices times
	// quantities, in cents.
	FinalPrice int64       `json:"final_price"`
	Status     AwardStatus `json:"status"`

	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`

	// PaymentQRKey is the blob key of the generated payment QR code.
	PaymentQRKey string    `json:"payment_qr_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
