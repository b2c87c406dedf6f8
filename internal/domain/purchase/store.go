package purchase

import "context"

// Inventory is the stock side of an open transaction.
type Inventory interface {
	// LockStock takes an exclusive lock on the product row and returns its
	// current stock. It returns product.ErrNotFound for unknown products.
	LockStock(ctx context.Context, productID int64) (int, error)
	// AdjustStock adds delta (which may be negative) to the product's stock.
	AdjustStock(ctx context.Context, productID int64, delta int) error
}

// Tx is a scoped transaction. It is only valid inside the callback passed to
// Store.InTx.
type Tx interface {
	Inventory

	// LockPurchase locks and returns the purchase header, or ErrNotFound.
	// Items are not loaded.
	LockPurchase(ctx context.Context, id int64) (*Purchase, error)
	// InsertPurchase stores a new header and sets p.ID to the generated id.
	InsertPurchase(ctx context.Context, p *Purchase) error
	// InsertPurchaseWithID stores a new header under p.ID.
	InsertPurchaseWithID(ctx context.Context, p *Purchase) error
	// UpdatePurchase overwrites user_id, status and total of p.ID.
	UpdatePurchase(ctx context.Context, p *Purchase) error
	DeletePurchase(ctx context.Context, id int64) error

	ListItems(ctx context.Context, purchaseID int64) ([]Item, error)
	InsertItem(ctx context.Context, purchaseID int64, item Item) error
	DeleteItems(ctx context.Context, purchaseID int64) error
}

// Store runs transactions.
type Store interface {
	// InTx runs fn in a single transaction. The transaction commits only if
	// fn returns nil; on error or panic it is rolled back and the error from
	// fn is returned unchanged.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader provides consistent snapshots of committed purchases.
type Reader interface {
	// ReadAll returns every header ordered by id and every line item ordered
	// by purchase id, then by insertion order.
	ReadAll(ctx context.Context) ([]Purchase, []LineItem, error)
	// ReadOne returns a header and its items, or ErrNotFound.
	ReadOne(ctx context.Context, id int64) (*Purchase, []Item, error)
}

// IdempotencyGuard deduplicates create requests by client-supplied key.
type IdempotencyGuard interface {
	// Claim reserves key. When the key is already taken, claimed is false and
	// purchaseID is the purchase created under it, or zero if that request
	// has not finished yet.
	Claim(ctx context.Context, key string) (purchaseID int64, claimed bool, err error)
	// Complete records the purchase created under a claimed key.
	Complete(ctx context.Context, key string, purchaseID int64) error
	// Release frees a claimed key after a failed request.
	Release(ctx context.Context, key string) error
}

// NopGuard is an IdempotencyGuard that claims every key.
type NopGuard struct{}

func (NopGuard) Claim(context.Context, string) (int64, bool, error) { return 0, true, nil }
func (NopGuard) Complete(context.Context, string, int64) error     { return nil }
func (NopGuard) Release(context.Context, string) error             { return nil }
