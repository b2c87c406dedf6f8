package purchase

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-purchases/internal/domain/product"
)

const instrumentationName = "github.com/xenking/kart-purchases/internal/domain/purchase"

// Service runs the purchase lifecycle: every mutation is a single
// transaction that locks the purchase row first and then each referenced
// product in ascending id order.
type Service struct {
	store  Store
	guard  IdempotencyGuard
	now    func() time.Time
	tracer trace.Tracer
	ops    metric.Int64Counter
}

// NewService creates a Service on top of store. A nil guard disables
// idempotency keys.
func NewService(
	store Store,
	guard IdempotencyGuard,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) (*Service, error) {
	if guard == nil {
		guard = NopGuard{}
	}
	ops, err := mp.Meter(instrumentationName).Int64Counter("purchase.operations",
		metric.WithDescription("Purchase mutations by operation and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create operations counter")
	}
	return &Service{
		store:  store,
		guard:  guard,
		now:    time.Now,
		tracer: tp.Tracer(instrumentationName),
		ops:    ops,
	}, nil
}

// Create validates req and stores a new purchase, decrementing the stock of
// every referenced product.
func (s *Service) Create(ctx context.Context, req Request) (_ *Purchase, rerr error) {
	ctx, span := s.tracer.Start(ctx, "purchase.Create")
	defer func() { s.finish(ctx, span, "create", rerr) }()

	draft, err := Validate(req)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" {
		existing, claimed, err := s.guard.Claim(ctx, key)
		if err != nil {
			return nil, errors.Wrap(err, "claim idempotency key")
		}
		if !claimed {
			return nil, &DuplicateRequestError{Key: key, PurchaseID: existing}
		}
		defer func() {
			if rerr == nil {
				return
			}
			if err := s.guard.Release(context.WithoutCancel(ctx), key); err != nil {
				zctx.From(ctx).Error("Release idempotency key", zap.String("key", key), zap.Error(err))
			}
		}()
	}

	p := draft.purchase(s.timestamp())
	if err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := reserve(ctx, tx, nil, p.Items); err != nil {
			return err
		}
		if err := tx.InsertPurchase(ctx, p); err != nil {
			return errors.Wrap(err, "insert purchase")
		}
		return insertItems(ctx, tx, p.ID, p.Items)
	}); err != nil {
		return nil, err
	}

	if key != "" {
		// The purchase is committed; a lost completion only degrades the key
		// to "in flight" until it expires.
		if err := s.guard.Complete(ctx, key, p.ID); err != nil {
			zctx.From(ctx).Warn("Complete idempotency key", zap.String("key", key), zap.Error(err))
		}
	}

	zctx.From(ctx).Info("Purchase created",
		zap.Int64("purchase_id", p.ID),
		zap.Int64("user_id", p.UserID),
		zap.Stringer("total", p.Total),
		zap.Int("items", len(p.Items)),
	)
	return p, nil
}

// Upsert replaces the purchase stored under id, or creates it with that id
// when it does not exist. Stock held by the previous line items is returned
// before the new items are checked, within the same transaction.
func (s *Service) Upsert(ctx context.Context, id int64, req Request) (_ *UpsertResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "purchase.Upsert",
		trace.WithAttributes(attribute.Int64("purchase.id", id)),
	)
	defer func() { s.finish(ctx, span, "upsert", rerr) }()

	if id <= 0 {
		return nil, &ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	draft, err := Validate(req)
	if err != nil {
		return nil, err
	}
	if IsCompleted(draft.Status) {
		return nil, &ValidationError{Field: "status", Reason: "cannot be set to " + StatusCompleted}
	}

	p := draft.purchase(s.timestamp())
	p.ID = id

	var created bool
	if err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.LockPurchase(ctx, id)
		if errors.Is(err, ErrNotFound) {
			created = true
			if err := reserve(ctx, tx, nil, p.Items); err != nil {
				return err
			}
			if err := tx.InsertPurchaseWithID(ctx, p); err != nil {
				return errors.Wrap(err, "insert purchase")
			}
			return insertItems(ctx, tx, p.ID, p.Items)
		}
		if err != nil {
			return errors.Wrap(err, "lock purchase")
		}

		created = false
		if current.Completed() {
			return &ImmutableStateError{PurchaseID: id, Status: current.Status}
		}

		old, err := tx.ListItems(ctx, id)
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		if err := reserve(ctx, tx, old, p.Items); err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return errors.Wrap(err, "delete items")
		}
		if err := insertItems(ctx, tx, id, p.Items); err != nil {
			return err
		}

		p.PurchaseDate = current.PurchaseDate
		if err := tx.UpdatePurchase(ctx, p); err != nil {
			return errors.Wrap(err, "update purchase")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	msg := "Purchase updated"
	if created {
		msg = "Purchase created"
	}
	zctx.From(ctx).Info(msg,
		zap.Int64("purchase_id", p.ID),
		zap.Int64("user_id", p.UserID),
		zap.Stringer("total", p.Total),
		zap.Int("items", len(p.Items)),
	)
	return &UpsertResult{Purchase: p, Created: created}, nil
}

// Delete removes a purchase and returns the stock held by its line items.
func (s *Service) Delete(ctx context.Context, id int64) (rerr error) {
	ctx, span := s.tracer.Start(ctx, "purchase.Delete",
		trace.WithAttributes(attribute.Int64("purchase.id", id)),
	)
	defer func() { s.finish(ctx, span, "delete", rerr) }()

	if id <= 0 {
		return &NotFoundError{Entity: EntityPurchase, ID: id}
	}

	if err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.LockPurchase(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return &NotFoundError{Entity: EntityPurchase, ID: id}
		}
		if err != nil {
			return errors.Wrap(err, "lock purchase")
		}
		if current.Completed() {
			return &ImmutableStateError{PurchaseID: id, Status: current.Status}
		}

		old, err := tx.ListItems(ctx, id)
		if err != nil {
			return errors.Wrap(err, "list items")
		}
		if err := reserve(ctx, tx, old, nil); err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return errors.Wrap(err, "delete items")
		}
		if err := tx.DeletePurchase(ctx, id); err != nil {
			return errors.Wrap(err, "delete purchase")
		}
		return nil
	}); err != nil {
		return err
	}

	zctx.From(ctx).Info("Purchase deleted", zap.Int64("purchase_id", id))
	return nil
}

// timestamp matches the microsecond precision of the store.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	outcome := outcomeOf(err)
	s.ops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	switch outcome {
	case "retryable":
		zctx.From(ctx).Warn("Purchase transaction failed, retryable", zap.String("op", op), zap.Error(err))
	case "error":
		zctx.From(ctx).Error("Purchase transaction failed", zap.String("op", op), zap.Error(err))
	}
}

func outcomeOf(err error) string {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		stockErr      *InsufficientStockError
		immutableErr  *ImmutableStateError
		duplicateErr  *DuplicateRequestError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validationErr):
		return "invalid"
	case errors.As(err, &notFoundErr):
		return "not_found"
	case errors.As(err, &stockErr):
		return "insufficient_stock"
	case errors.As(err, &immutableErr):
		return "immutable"
	case errors.As(err, &duplicateErr):
		return "duplicate"
	case IsRetryable(err):
		return "retryable"
	default:
		return "error"
	}
}

// reserve locks every product referenced by old or items in ascending id
// order, returns the stock held by old to inventory and verifies that the
// quantities requested by items are available.
func reserve(ctx context.Context, tx Tx, old, items []Item) error {
	stock, err := lockStock(ctx, tx, productIDs(old, items))
	if err != nil {
		return err
	}

	for _, it := range old {
		if err := tx.AdjustStock(ctx, it.ProductID, it.Quantity); err != nil {
			return errors.Wrapf(err, "restore stock of product %d", it.ProductID)
		}
		stock[it.ProductID] += it.Quantity
	}

	requested := make(map[int64]int, len(items))
	for _, it := range items {
		requested[it.ProductID] += it.Quantity
	}
	for _, id := range productIDs(items) {
		if requested[id] > stock[id] {
			return &InsufficientStockError{
				ProductID: id,
				Requested: requested[id],
				Available: stock[id],
			}
		}
	}
	return nil
}

func lockStock(ctx context.Context, tx Tx, ids []int64) (map[int64]int, error) {
	stock := make(map[int64]int, len(ids))
	for _, id := range ids {
		n, err := tx.LockStock(ctx, id)
		if errors.Is(err, product.ErrNotFound) {
			return nil, &NotFoundError{Entity: EntityProduct, ID: id}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "lock product %d", id)
		}
		stock[id] = n
	}
	return stock, nil
}

// insertItems stores items in order and takes their quantities out of stock.
func insertItems(ctx context.Context, tx Tx, purchaseID int64, items []Item) error {
	for _, it := range items {
		if err := tx.InsertItem(ctx, purchaseID, it); err != nil {
			return errors.Wrapf(err, "insert item for product %d", it.ProductID)
		}
		if err := tx.AdjustStock(ctx, it.ProductID, -it.Quantity); err != nil {
			return errors.Wrapf(err, "take stock of product %d", it.ProductID)
		}
	}
	return nil
}

// productIDs returns the distinct product ids of all item sets, ascending.
func productIDs(sets ...[]Item) []int64 {
	var ids []int64
	for _, items := range sets {
		for _, it := range items {
			ids = append(ids, it.ProductID)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
