package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-purchases/internal/domain/product"
)

const (
	listProductsSQL = `SELECT id, name, description, price, stock, image, created_at
		FROM products ORDER BY id`

	getProductByIDSQL = `SELECT id, name, description, price, stock, image, created_at
		FROM products WHERE id = $1`

	productExistsSQL = `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`

	createProductSQL = `INSERT INTO products (name, description, price, stock, image)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`

	updateProductSQL = `UPDATE products
		SET name = $2, description = $3, price = $4, stock = $5, image = $6
		WHERE id = $1 RETURNING created_at`

	deleteProductSQL = `DELETE FROM products WHERE id = $1`

	seedProductSQL = `INSERT INTO products (id, name, description, price, stock, image)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
			price = EXCLUDED.price, stock = EXCLUDED.stock, image = EXCLUDED.image
		RETURNING created_at`

	advanceProductSeqSQL = `SELECT setval(pg_get_serial_sequence('products', 'id'),
		GREATEST((SELECT COALESCE(MAX(id), 0) FROM products), 1))`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns all products from the catalog ordered by ID.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get product %d", id)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get product %d", id)
	}
	return &p, nil
}

// Exists reports whether a product with the given id is stored.
func (r *ProductRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, productExistsSQL, id).Scan(&ok); err != nil {
		return false, errors.Wrapf(err, "check product %d", id)
	}
	return ok, nil
}

// Create inserts p and fills in its generated ID and CreatedAt.
func (r *ProductRepository) Create(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, createProductSQL,
		p.Name, p.Description, p.Price, p.Stock, p.Image,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "create product")
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

// Update overwrites the product stored under p.ID.
func (r *ProductRepository) Update(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, updateProductSQL,
		p.ID, p.Name, p.Description, p.Price, p.Stock, p.Image,
	).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return product.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "update product %d", p.ID)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

// Delete removes a product. Products referenced by purchase line items
// cannot be deleted.
func (r *ProductRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteProductSQL, id)
	if err != nil {
		if hasCode(err, codeForeignKeyViolation) {
			return product.ErrInUse
		}
		return errors.Wrapf(err, "delete product %d", id)
	}
	if tag.RowsAffected() == 0 {
		return product.ErrNotFound
	}
	return nil
}

// Seed inserts p under its own ID or overwrites the product already stored
// there. Call AdvanceSequence once seeding is done so generated ids do not
// collide with seeded ones.
func (r *ProductRepository) Seed(ctx context.Context, p *product.Product) error {
	err := r.pool.QueryRow(ctx, seedProductSQL,
		p.ID, p.Name, p.Description, p.Price, p.Stock, p.Image,
	).Scan(&p.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "seed product %d", p.ID)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return nil
}

// AdvanceSequence moves the product id sequence past the highest stored id.
func (r *ProductRepository) AdvanceSequence(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, advanceProductSeqSQL); err != nil {
		return errors.Wrap(err, "advance product sequence")
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.Image, &p.CreatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}
