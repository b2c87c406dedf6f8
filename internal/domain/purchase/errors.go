package purchase

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned by Tx and Reader implementations when a purchase
// row does not exist. Service converts it to *NotFoundError.
var ErrNotFound = errors.New("purchase not found")

// Entity names used by NotFoundError.
const (
	EntityProduct  = "product"
	EntityPurchase = "purchase"
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError indicates a referenced product or purchase does not exist.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// InsufficientStockError indicates the requested quantity of a product
// exceeds what is available.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// ImmutableStateError is returned when a completed purchase is modified.
type ImmutableStateError struct {
	PurchaseID int64
	Status     string
}

func (e *ImmutableStateError) Error() string {
	return fmt.Sprintf("purchase %d is %s and cannot be modified", e.PurchaseID, e.Status)
}

// TxError wraps a failure of the underlying store while running a
// transaction. Retryable is set for lock contention, lock or statement
// timeouts, serialization failures and deadlocks.
type TxError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a transaction failure that may succeed
// when the whole operation is attempted again.
func IsRetryable(err error) bool {
	var txErr *TxError
	return errors.As(err, &txErr) && txErr.Retryable
}

// DuplicateRequestError is returned by Service.Create when its idempotency
// key was already used. PurchaseID is zero while the first request is still
// in flight.
type DuplicateRequestError struct {
	Key        string
	PurchaseID int64
}

func (e *DuplicateRequestError) Error() string {
	if e.PurchaseID == 0 {
		return fmt.Sprintf("request %q is already in progress", e.Key)
	}
	return fmt.Sprintf("request %q already created purchase %d", e.Key, e.PurchaseID)
}
