package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-purchases/internal/domain/product"
	"github.com/xenking/kart-purchases/internal/storage/postgres"
)

const seedWorkers = 8

type productJSON struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Image       string          `json:"image"`
}

func main() {
	var (
		databaseURL  string
		productsFile string
		skipExisting bool
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file, optionally gzip-compressed (.gz)")
	flag.BoolVar(&skipExisting, "skip-existing", false, "leave products that already exist untouched")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, productsFile, skipExisting); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}

	lg.Info("Seed completed successfully")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, productsFile string, skipExisting bool) error {
	products, err := readProducts(productsFile)
	if err != nil {
		return errors.Wrap(err, "read products")
	}
	lg.Info("Loaded products", zap.String("path", productsFile), zap.Int("count", len(products)))

	pool, err := postgres.NewPool(ctx, databaseURL, 0)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewProductRepository(pool)
	if err := seedProducts(ctx, lg, repo, products, skipExisting); err != nil {
		return errors.Wrap(err, "seed products")
	}
	return repo.AdvanceSequence(ctx)
}

func seedProducts(
	ctx context.Context,
	lg *zap.Logger,
	repo *postgres.ProductRepository,
	products []product.Product,
	skipExisting bool,
) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(seedWorkers)

	for i := range products {
		p := &products[i]
		g.Go(func() error {
			if skipExisting {
				ok, err := repo.Exists(ctx, p.ID)
				if err != nil {
					return err
				}
				if ok {
					lg.Debug("Skipped existing product", zap.Int64("id", p.ID))
					return nil
				}
			}
			if err := repo.Seed(ctx, p); err != nil {
				return err
			}
			lg.Info("Seeded product", zap.Int64("id", p.ID), zap.String("name", p.Name))
			return nil
		})
	}
	return g.Wait()
}

// readProducts loads and validates the seed file. Files ending in .gz are
// decompressed with pgzip.
func readProducts(path string) ([]product.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip")
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	return decodeProducts(r)
}

func decodeProducts(r io.Reader) ([]product.Product, error) {
	var raw []productJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	seen := make(map[int64]struct{}, len(raw))
	products := make([]product.Product, 0, len(raw))
	for _, p := range raw {
		if p.ID <= 0 {
			return nil, errors.Errorf("product %q: id must be positive", p.Name)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, errors.Errorf("product %d: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}

		v, err := product.Validate(product.Input{
			Name:        p.Name,
			Description: p.Description,
			Price:       p.Price.String(),
			Stock:       decimal.NewFromInt(int64(p.Stock)).String(),
			Image:       p.Image,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "product %d", p.ID)
		}
		v.ID = p.ID
		products = append(products, *v)
	}
	return products, nil
}
