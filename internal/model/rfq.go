package model

import "time"

// PricingMode selects how bids are ranked for an RFQ's items.
type PricingMode string

const (
	PricingModeAuction    PricingMode = "auction"
	PricingModeFixedPrice PricingMode = "fixed_price"
)

// RFQStatus represents the lifecycle state of an RFQ.
type RFQStatus string

const (
	RFQStatusPublished RFQStatus = "published"
	RFQStatusClosed    RFQStatus = "closed"
	RFQStatusAwarded   RFQStatus = "awarded"
)

// ItemStatus represents the lifecycle state of a single RFQ line item.
type ItemStatus string

const (
	ItemStatusPending          ItemStatus = "pending"
	ItemStatusAwarded          ItemStatus = "awarded"
	ItemStatusShipped          ItemStatus = "shipped"
	ItemStatusOutOfStock       ItemStatus = "out_of_stock"
	ItemStatusCancelled        ItemStatus = "cancelled"
	ItemStatusEcommercePending ItemStatus = "ecommerce_pending"
	ItemStatusEcommercePaid    ItemStatus = "ecommerce_paid"
	ItemStatusEcommerceShipped ItemStatus = "ecommerce_shipped"
)

// ItemSource tags where an item is being fulfilled from.
type ItemSource string

const (
	ItemSourceRFQ       ItemSource = "rfq"
	ItemSourceEcommerce ItemSource = "ecommerce"
)

// Terminal reports whether an item status counts toward RFQ completion.
// An RFQ is promoted to awarded only when every item is terminal: allocated
// to a supplier, cancelled, out of stock, or already past allocation into
// shipping or an e-commerce channel.
func (s ItemStatus) Terminal() bool {
	switch s {
	case ItemStatusAwarded, ItemStatusCancelled, ItemStatusOutOfStock,
		ItemStatusShipped, ItemStatusEcommercePending, ItemStatusEcommercePaid, ItemStatusEcommerceShipped:
		return true
	default:
		return false
	}
}

// RFQ is a buyer's multi-item request for quote with a deadline.
type RFQ struct {
	ID          string      `json:"id"`
	Number      string      `json:"number"`
	Title       string      `json:"title"`
	BuyerID     string      `json:"buyer_id"`
	PricingMode PricingMode `json:"pricing_mode"`
	Deadline    time.Time   `json:"deadline"`
	Status      RFQStatus   `json:"status"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RfqItem is one line item of an RFQ. Items are never deleted; exception
// paths record a reason and timestamp instead.
//
// Prices are integer cents. MaxPrice and InstantPrice are 0 when unset.
type RfqItem struct {
	ID           string     `json:"id"`
	RfqID        string     `json:"rfq_id"`
	ProductName  string     `json:"product_name"`
	Quantity     int64      `json:"quantity"`
	MaxPrice     int64      `json:"max_price,omitempty"`
	InstantPrice int64      `json:"instant_price,omitempty"`
	Status       ItemStatus `json:"status"`
	Source       ItemSource `json:"source"`

	// Winner linkage, set by evaluation and cleared on reassignment.
	WinnerQuoteItemID string `json:"winner_quote_item_id,omitempty"`
	WinnerSupplierID  string `json:"winner_supplier_id,omitempty"`

	ExceptionReason string     `json:"exception_reason,omitempty"`
	ExceptionAt     *time.Time `json:"exception_at,omitempty"`
	OrderRef        string     `json:"order_ref,omitempty"`
	ShipmentID      string     `json:"shipment_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
