package purchase

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// MaxItems is the maximum number of line items in a single purchase.
const MaxItems = 5

// MaxTotal caps the rounded purchase total.
var MaxTotal = decimal.RequireFromString("3500.00")

// Numbers outside these bounds are rejected before any arithmetic touches
// them; decimal comparisons rescale to the larger exponent.
const (
	maxNumberLen = 40
	minExponent  = -12
	maxExponent  = 18
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	maxInt32 = decimal.NewFromInt(math.MaxInt32)
)

// Validate checks the shape of a purchase request and computes its total.
// Rules are applied in order and the first failure is returned as a
// *ValidationError. The total is rounded half away from zero to two decimal
// places before it is compared against MaxTotal.
func Validate(req Request) (*Draft, error) {
	userID, err := parsePositiveInt(req.UserID, maxInt64)
	if err != nil {
		return nil, &ValidationError{Field: "user_id", Reason: err.Error()}
	}

	status := strings.TrimSpace(req.Status)
	if status == "" {
		return nil, &ValidationError{Field: "status", Reason: "must be a non-empty string"}
	}

	if len(req.Details) == 0 || len(req.Details) > MaxItems {
		return nil, &ValidationError{
			Field:  "details",
			Reason: fmt.Sprintf("must contain between 1 and %d items, got %d", MaxItems, len(req.Details)),
		}
	}

	items := make([]Item, len(req.Details))
	total := decimal.Zero
	for i, d := range req.Details {
		productID, err := parsePositiveInt(d.ProductID, maxInt64)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("details[%d].product_id", i), Reason: err.Error()}
		}
		quantity, err := parsePositiveInt(d.Quantity, maxInt32)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("details[%d].quantity", i), Reason: err.Error()}
		}
		price, err := parsePositiveDecimal(d.Price)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("details[%d].price", i), Reason: err.Error()}
		}

		subtotal := price.Mul(decimal.NewFromInt(quantity))
		items[i] = Item{
			ProductID: productID,
			Quantity:  int(quantity),
			Price:     price,
			Subtotal:  subtotal,
		}
		total = total.Add(subtotal)
	}

	total = total.Round(2)
	if total.GreaterThan(MaxTotal) {
		return nil, &ValidationError{
			Field:  "total",
			Reason: fmt.Sprintf("%s exceeds the limit of %s", total.StringFixed(2), MaxTotal.StringFixed(2)),
		}
	}

	return &Draft{
		UserID: userID,
		Status: status,
		Items:  items,
		Total:  total,
	}, nil
}

// parsePositiveInt coerces s to a positive integer no greater than max.
// Integral decimals such as "5.0" are accepted.
func parsePositiveInt(s string, max decimal.Decimal) (int64, error) {
	d, err := parseNumber(s)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, errors.New("must be an integer")
	}
	if !d.IsPositive() {
		return 0, errors.New("must be a positive integer")
	}
	if d.GreaterThan(max) {
		return 0, errors.New("is out of range")
	}
	return d.IntPart(), nil
}

func parsePositiveDecimal(s string) (decimal.Decimal, error) {
	d, err := parseNumber(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, errors.New("must be greater than 0")
	}
	return d, nil
}

func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.New("is required")
	}
	if len(s) > maxNumberLen {
		return decimal.Zero, errors.New("is out of range")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("must be a number")
	}
	if exp := d.Exponent(); exp < minExponent || exp > maxExponent {
		return decimal.Zero, errors.New("is out of range")
	}
	return d, nil
}
