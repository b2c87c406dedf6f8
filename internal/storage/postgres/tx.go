package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-purchases/internal/domain/product"
	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

const (
	lockStockSQL   = `SELECT stock FROM products WHERE id = $1 FOR UPDATE`
	adjustStockSQL = `UPDATE products SET stock = stock + $2 WHERE id = $1`

	lockPurchaseSQL = `SELECT id, user_id, status, total, purchase_date
		FROM purchases WHERE id = $1 FOR UPDATE`

	// Generated ids may land on one an upsert already took; those rows are
	// skipped rather than aborting the transaction.
	insertPurchaseSQL = `INSERT INTO purchases (user_id, status, total, purchase_date)
		VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING RETURNING id`

	insertPurchaseWithIDSQL = `INSERT INTO purchases (id, user_id, status, total, purchase_date)
		VALUES ($1, $2, $3, $4, $5)`

	updatePurchaseSQL = `UPDATE purchases SET user_id = $2, status = $3, total = $4 WHERE id = $1`
	deletePurchaseSQL = `DELETE FROM purchases WHERE id = $1`

	listItemsSQL = `SELECT product_id, quantity, price, subtotal
		FROM purchase_details WHERE purchase_id = $1 ORDER BY id`

	insertItemSQL = `INSERT INTO purchase_details (purchase_id, product_id, quantity, price, subtotal)
		VALUES ($1, $2, $3, $4, $5)`

	deleteItemsSQL = `DELETE FROM purchase_details WHERE purchase_id = $1`
)

// maxIDAttempts bounds how many taken sequence values InsertPurchase skips
// before giving up with a retryable error.
const maxIDAttempts = 8

var _ purchase.Tx = (*txScope)(nil)

// txScope implements purchase.Tx on an open pgx transaction. Database
// failures are returned as *purchase.TxError.
type txScope struct {
	tx pgx.Tx
}

func (t *txScope) LockStock(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := t.tx.QueryRow(ctx, lockStockSQL, productID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, product.ErrNotFound
	}
	if err != nil {
		return 0, classify("lock product", err)
	}
	return stock, nil
}

func (t *txScope) AdjustStock(ctx context.Context, productID int64, delta int) error {
	tag, err := t.tx.Exec(ctx, adjustStockSQL, productID, delta)
	if err != nil {
		return classify("adjust stock", err)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

func (t *txScope) LockPurchase(ctx context.Context, id int64) (*purchase.Purchase, error) {
	rows, err := t.tx.Query(ctx, lockPurchaseSQL, id)
	if err != nil {
		return nil, classify("lock purchase", err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPurchase)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, purchase.ErrNotFound
	}
	if err != nil {
		return nil, classify("lock purchase", err)
	}
	return &p, nil
}

func (t *txScope) InsertPurchase(ctx context.Context, p *purchase.Purchase) error {
	for range maxIDAttempts {
		err := t.tx.QueryRow(ctx, insertPurchaseSQL,
			p.UserID, p.Status, p.Total, p.PurchaseDate,
		).Scan(&p.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return insertError(err)
		}
		return nil
	}
	return &purchase.TxError{
		Op:        "insert purchase",
		Retryable: true,
		Err:       errors.Errorf("no free purchase id after %d attempts", maxIDAttempts),
	}
}

func (t *txScope) InsertPurchaseWithID(ctx context.Context, p *purchase.Purchase) error {
	_, err := t.tx.Exec(ctx, insertPurchaseWithIDSQL,
		p.ID, p.UserID, p.Status, p.Total, p.PurchaseDate,
	)
	if err != nil {
		return insertError(err)
	}
	return nil
}

// insertError classifies a purchase insert failure. A unique violation means
// a concurrent writer took the id first; a retry either picks a fresh
// generated id or finds the row and takes the update path.
func insertError(err error) error {
	if hasCode(err, codeUniqueViolation) {
		return &purchase.TxError{Op: "insert purchase", Retryable: true, Err: err}
	}
	return classify("insert purchase", err)
}

func (t *txScope) UpdatePurchase(ctx context.Context, p *purchase.Purchase) error {
	tag, err := t.tx.Exec(ctx, updatePurchaseSQL, p.ID, p.UserID, p.Status, p.Total)
	if err != nil {
		return classify("update purchase", err)
	}
	if tag.RowsAffected() == 0 {
		return purchase.ErrNotFound
	}
	return nil
}

func (t *txScope) DeletePurchase(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, deletePurchaseSQL, id); err != nil {
		return classify("delete purchase", err)
	}
	return nil
}

func (t *txScope) ListItems(ctx context.Context, purchaseID int64) ([]purchase.Item, error) {
	rows, err := t.tx.Query(ctx, listItemsSQL, purchaseID)
	if err != nil {
		return nil, classify("list items", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, classify("list items", err)
	}
	return items, nil
}

func (t *txScope) InsertItem(ctx context.Context, purchaseID int64, item purchase.Item) error {
	_, err := t.tx.Exec(ctx, insertItemSQL,
		purchaseID, item.ProductID, item.Quantity, item.Price, item.Subtotal,
	)
	if err != nil {
		return classify("insert item", err)
	}
	return nil
}

func (t *txScope) DeleteItems(ctx context.Context, purchaseID int64) error {
	if _, err := t.tx.Exec(ctx, deleteItemsSQL, purchaseID); err != nil {
		return classify("delete items", err)
	}
	return nil
}

func scanPurchase(row pgx.CollectableRow) (purchase.Purchase, error) {
	var p purchase.Purchase
	err := row.Scan(&p.ID, &p.UserID, &p.Status, &p.Total, &p.PurchaseDate)
	p.PurchaseDate = p.PurchaseDate.UTC()
	return p, err
}

func scanItem(row pgx.CollectableRow) (purchase.Item, error) {
	var it purchase.Item
	err := row.Scan(&it.ProductID, &it.Quantity, &it.Price, &it.Subtotal)
	return it, err
}
