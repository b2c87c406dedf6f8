package purchase

import (
	"context"

	"github.com/go-faster/errors"
)

// Projection assembles purchase aggregates for read queries. It takes no
// locks and only ever sees committed data.
type Projection struct {
	reader Reader
}

// NewProjection creates a Projection backed by reader.
func NewProjection(reader Reader) *Projection {
	return &Projection{reader: reader}
}

// List returns every purchase with its line items nested, ordered by
// purchase id. Purchases without items carry an empty, non-nil slice.
func (p *Projection) List(ctx context.Context) ([]Purchase, error) {
	headers, items, err := p.reader.ReadAll(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read purchases")
	}
	return assemble(headers, items), nil
}

// Get returns one purchase aggregate or *NotFoundError.
func (p *Projection) Get(ctx context.Context, id int64) (*Purchase, error) {
	header, items, err := p.reader.ReadOne(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &NotFoundError{Entity: EntityPurchase, ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read purchase %d", id)
	}
	if items == nil {
		items = []Item{}
	}
	header.Items = items
	return header, nil
}

// assemble nests items under their headers. Both inputs are expected in
// ascending purchase id order; items of unknown purchases are dropped.
func assemble(headers []Purchase, items []LineItem) []Purchase {
	out := make([]Purchase, len(headers))
	j := 0
	for i, h := range headers {
		h.Items = []Item{}
		for j < len(items) && items[j].PurchaseID < h.ID {
			j++
		}
		for j < len(items) && items[j].PurchaseID == h.ID {
			h.Items = append(h.Items, items[j].Item)
			j++
		}
		out[i] = h
	}
	return out
}
