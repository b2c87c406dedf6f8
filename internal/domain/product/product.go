package product

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInUse is returned when deleting a product still referenced by
	// purchase line items.
	ErrInUse = errors.New("product is referenced by purchases")
)

// Product represents a catalog item available for purchase.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int
	Image       string
	CreatedAt   time.Time
}

// Repository defines persistence operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id int64) (*Product, error)
	Exists(ctx context.Context, id int64) (bool, error)
	// Create inserts p and sets its ID and CreatedAt.
	Create(ctx context.Context, p *Product) error
	// Update overwrites every mutable field of p.ID.
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id int64) error
}

// Input is the raw product payload. Price and Stock hold the textual form of
// the submitted values.
type Input struct {
	Name        string
	Description string
	Price       string
	Stock       string
	Image       string
}

// FieldError reports an invalid product field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Price bounds follow the NUMERIC(12,2) column.
var (
	maxPrice = decimal.New(1, 10)
	maxStock = decimal.NewFromInt(math.MaxInt32)
)

// Validate converts in into a Product. Every text field is required, price
// must be positive with at most two decimal places and stock must be a
// non-negative integer.
func Validate(in Input) (*Product, error) {
	p := &Product{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Image:       strings.TrimSpace(in.Image),
	}
	for _, f := range []struct{ name, value string }{
		{"name", p.Name},
		{"description", p.Description},
		{"image", p.Image},
	} {
		if f.value == "" {
			return nil, &FieldError{Field: f.name, Reason: "is required"}
		}
	}

	price, err := parseNumber(in.Price)
	if err != nil {
		return nil, &FieldError{Field: "price", Reason: err.Error()}
	}
	if !price.IsPositive() {
		return nil, &FieldError{Field: "price", Reason: "must be greater than 0"}
	}
	if !price.Equal(price.Round(2)) {
		return nil, &FieldError{Field: "price", Reason: "must have at most 2 decimal places"}
	}
	if price.GreaterThanOrEqual(maxPrice) {
		return nil, &FieldError{Field: "price", Reason: "is out of range"}
	}
	p.Price = price

	stock, err := parseNumber(in.Stock)
	if err != nil {
		return nil, &FieldError{Field: "stock", Reason: err.Error()}
	}
	if !stock.IsInteger() {
		return nil, &FieldError{Field: "stock", Reason: "must be an integer"}
	}
	if stock.IsNegative() || stock.GreaterThan(maxStock) {
		return nil, &FieldError{Field: "stock", Reason: "is out of range"}
	}
	p.Stock = int(stock.IntPart())

	return p, nil
}

// parseNumber rejects oversized input and extreme exponents before any
// rescaling arithmetic runs on the value.
func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("is required")
	}
	if len(s) > 40 {
		return decimal.Zero, errors.New("is out of range")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("must be a number")
	}
	if exp := d.Exponent(); exp < -12 || exp > 18 {
		return decimal.Zero, errors.New("is out of range")
	}
	return d, nil
}
