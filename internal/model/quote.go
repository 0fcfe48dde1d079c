package model

import "time"

// QuoteStatus represents the lifecycle state of a supplier's quote.
type QuoteStatus string

const (
	QuoteStatusSubmitted QuoteStatus = "submitted"
	QuoteStatusAwarded   QuoteStatus = "awarded"
	QuoteStatusRejected  QuoteStatus = "rejected"
)

// Quote is one supplier's aggregate submission against an RFQ. Price is the
// sum across its quote items, in cents.
type Quote struct {
	ID          string      `json:"id"`
	RfqID       string      `json:"rfq_id"`
	SupplierID  string      `json:"supplier_id"`
	Price       int64       `json:"price"`
	Status      QuoteStatus `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Items       []QuoteItem `json:"items,omitempty"`
}

// QuoteItem is a supplier's bid on one RFQ line item. Exactly one exists per
// (quote, item) pair and it is immutable once submitted.
type QuoteItem struct {
	ID           string `json:"id"`
	QuoteID      string `json:"quote_id"`
	RfqItemID    string `json:"rfq_item_id"`
	Price        int64  `json:"price"`
	DeliveryDays int    `json:"delivery_days"`
}
