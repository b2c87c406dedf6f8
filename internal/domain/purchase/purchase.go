package purchase

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StatusCompleted is the terminal purchase status. Completed purchases can no
// longer be updated or deleted. Comparison is case-insensitive.
const StatusCompleted = "completed"

// Purchase is the order aggregate: a header plus its line items.
type Purchase struct {
	ID           int64
	UserID       int64
	Status       string
	Total        decimal.Decimal
	PurchaseDate time.Time
	Items        []Item
}

// Completed reports whether the purchase is in the terminal state.
func (p *Purchase) Completed() bool {
	return IsCompleted(p.Status)
}

// IsCompleted reports whether status denotes a completed purchase.
func IsCompleted(status string) bool {
	return strings.EqualFold(strings.TrimSpace(status), StatusCompleted)
}

// Item is a single line of a purchase. Price is the unit price captured when
// the purchase was placed, not the current catalog price.
type Item struct {
	ProductID int64
	Quantity  int
	Price     decimal.Decimal
	Subtotal  decimal.Decimal
}

// LineItem is an Item tagged with the purchase it belongs to.
type LineItem struct {
	PurchaseID int64
	Item
}

// Request is the raw input for creating or replacing a purchase. Numeric
// fields hold the textual form of the submitted value so that coercion rules
// live in Validate rather than in the transport.
type Request struct {
	UserID  string
	Status  string
	Details []RequestItem

	// IdempotencyKey is optional and only honoured by Service.Create.
	IdempotencyKey string
}

// RequestItem is one raw line of a Request.
type RequestItem struct {
	ProductID string
	Quantity  string
	Price     string
}

// Draft is a validated Request.
type Draft struct {
	UserID int64
	Status string
	Items  []Item
	Total  decimal.Decimal
}

func (d *Draft) purchase(now time.Time) *Purchase {
	return &Purchase{
		UserID:       d.UserID,
		Status:       d.Status,
		Total:        d.Total,
		PurchaseDate: now,
		Items:        d.Items,
	}
}

// UpsertResult is returned by Service.Upsert.
type UpsertResult struct {
	Purchase *Purchase
	// Created is true when no purchase with the requested id existed.
	Created bool
}
