package model

import "time"

// NotificationType classifies a notification for the receiving UI.
type NotificationType string

const (
	NotificationTypeAwardWon      NotificationType = "award_won"
	NotificationTypeUnquotedItems NotificationType = "unquoted_items"
	NotificationTypeOutOfStock    NotificationType = "out_of_stock"
	NotificationTypeAwardCancel   NotificationType = "award_cancelled"
	NotificationTypeRfqRecreated  NotificationType = "rfq_recreated"
	NotificationTypeEcommerce     NotificationType = "ecommerce_switch"
	NotificationTypeReminder      NotificationType = "reminder"
	NotificationTypeShipped       NotificationType = "shipped"
	NotificationTypePaymentDue    NotificationType = "payment_due"
)

// Notification is a fire-and-forget message to one user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Link      string           `json:"link,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
