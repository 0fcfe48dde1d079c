package notify

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/procurehq/rfq-engine/internal/model"
)

var printer = message.NewPrinter(language.English)

// FormatCents renders an integer-cent amount as a currency string with
// thousands separators, e.g. 1234500 -> "¥12,345.00".
func FormatCents(cents int64) string {
	return printer.Sprintf("¥%.2f", float64(cents)/100)
}

func AwardWon(supplierID, rfqNumber string, itemCount int, finalPrice int64) Message {
	return Message{
		UserID: supplierID,
		Type:   model.NotificationTypeAwardWon,
		Title:  "You won " + rfqNumber,
		Content: fmt.Sprintf("You were awarded %d item(s) for a total of %s.",
			itemCount, FormatCents(finalPrice)),
	}
}

func UnquotedItems(buyerID, rfqNumber string, productNames []string) Message {
	return Message{
		UserID: buyerID,
		Type:   model.NotificationTypeUnquotedItems,
		Title:  "Items without winners in " + rfqNumber,
		Content: fmt.Sprintf("No qualifying bid was received for: %s.",
			strings.Join(productNames, ", ")),
	}
}

func OutOfStock(buyerID, rfqNumber, supplierID string) Message {
	return Message{
		UserID:  buyerID,
		Type:    model.NotificationTypeOutOfStock,
		Title:   "Supplier stockout on " + rfqNumber,
		Content: fmt.Sprintf("Supplier %s reported items out of stock.", supplierID),
	}
}

func AwardCancelled(supplierID, rfqNumber, reason string) Message {
	return Message{
		UserID:  supplierID,
		Type:    model.NotificationTypeAwardCancel,
		Title:   "Award cancelled on " + rfqNumber,
		Content: "Your award was cancelled: " + reason,
	}
}

func RFQRecreated(buyerID, oldNumber, newNumber string) Message {
	return Message{
		UserID:  buyerID,
		Type:    model.NotificationTypeRfqRecreated,
		Title:   "RFQ reopened as " + newNumber,
		Content: fmt.Sprintf("Out-of-stock items from %s were republished as %s.", oldNumber, newNumber),
	}
}

func EcommerceSwitch(buyerID, rfqNumber string, itemCount int) Message {
	return Message{
		UserID:  buyerID,
		Type:    model.NotificationTypeEcommerce,
		Title:   "Items moved to e-commerce on " + rfqNumber,
		Content: fmt.Sprintf("%d item(s) will be fulfilled through the e-commerce channel.", itemCount),
	}
}

func Shipped(buyerID, rfqNumber, carrier, trackingNumber string) Message {
	content := "Your items are on the way."
	if trackingNumber != "" {
		content = fmt.Sprintf("Your items shipped via %s, tracking %s.", carrier, trackingNumber)
	}
	return Message{
		UserID:  buyerID,
		Type:    model.NotificationTypeShipped,
		Title:   "Items shipped on " + rfqNumber,
		Content: content,
	}
}

func PaymentDue(buyerID, rfqNumber string, amount int64, qrLink string) Message {
	return Message{
		UserID:  buyerID,
		Type:    model.NotificationTypePaymentDue,
		Title:   "Payment due on " + rfqNumber,
		Content: fmt.Sprintf("Settlement of %s is ready. Scan the attached QR code to pay.", FormatCents(amount)),
		Link:    qrLink,
	}
}

func DeadlineReminder(userID, rfqNumber string, deadline time.Time) Message {
	return Message{
		UserID: userID,
		Type:   model.NotificationTypeReminder,
		Title:  "Quoting closes soon on " + rfqNumber,
		Content: fmt.Sprintf("Quoting for %s closes at %s.",
			rfqNumber, deadline.UTC().Format(time.RFC3339)),
	}
}
