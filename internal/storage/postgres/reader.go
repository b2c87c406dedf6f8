package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

const (
	listPurchasesSQL = `SELECT id, user_id, status, total, purchase_date
		FROM purchases ORDER BY id`

	listAllItemsSQL = `SELECT purchase_id, product_id, quantity, price, subtotal
		FROM purchase_details ORDER BY purchase_id, id`

	getPurchaseSQL = `SELECT id, user_id, status, total, purchase_date
		FROM purchases WHERE id = $1`
)

var snapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// ReadAll implements purchase.Reader. Headers and items come from the same
// snapshot, so a concurrent mutation is either fully visible or not at all.
func (s *Store) ReadAll(ctx context.Context) (headers []purchase.Purchase, items []purchase.LineItem, err error) {
	err = pgx.BeginTxFunc(ctx, s.pool, snapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listPurchasesSQL)
		if err != nil {
			return errors.Wrap(err, "query purchases")
		}
		if headers, err = pgx.CollectRows(rows, scanPurchase); err != nil {
			return errors.Wrap(err, "scan purchases")
		}

		rows, err = tx.Query(ctx, listAllItemsSQL)
		if err != nil {
			return errors.Wrap(err, "query items")
		}
		if items, err = pgx.CollectRows(rows, scanLineItem); err != nil {
			return errors.Wrap(err, "scan items")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return headers, items, nil
}

// ReadOne implements purchase.Reader.
func (s *Store) ReadOne(ctx context.Context, id int64) (header *purchase.Purchase, items []purchase.Item, err error) {
	err = pgx.BeginTxFunc(ctx, s.pool, snapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, getPurchaseSQL, id)
		if err != nil {
			return errors.Wrap(err, "query purchase")
		}
		p, err := pgx.CollectExactlyOneRow(rows, scanPurchase)
		if errors.Is(err, pgx.ErrNoRows) {
			return purchase.ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "scan purchase")
		}
		header = &p

		rows, err = tx.Query(ctx, listItemsSQL, id)
		if err != nil {
			return errors.Wrap(err, "query items")
		}
		if items, err = pgx.CollectRows(rows, scanItem); err != nil {
			return errors.Wrap(err, "scan items")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return header, items, nil
}

func scanLineItem(row pgx.CollectableRow) (purchase.LineItem, error) {
	var li purchase.LineItem
	err := row.Scan(&li.PurchaseID, &li.ProductID, &li.Quantity, &li.Price, &li.Subtotal)
	return li, err
}
