package purchase

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-purchases/internal/domain/product"
)

// memState is the committed data of memStore.
type memState struct {
	stock     map[int64]int
	purchases map[int64]Purchase
	items     map[int64][]Item
	nextID    int64
}

func (s memState) clone() memState {
	c := memState{
		stock:     maps.Clone(s.stock),
		purchases: maps.Clone(s.purchases),
		items:     make(map[int64][]Item, len(s.items)),
		nextID:    s.nextID,
	}
	for id, items := range s.items {
		c.items[id] = slices.Clone(items)
	}
	return c
}

// memStore is a transactional in-memory Store and Reader. A single mutex is
// held for the whole transaction, which models exclusive row locks on every
// row at once. Writes go to a copy that replaces the committed state only
// when the callback succeeds.
type memStore struct {
	mu    sync.Mutex
	state memState

	// failOn makes the named Tx method return the error.
	failOn map[string]error

	commits   int
	rollbacks int
	lockOrder [][]int64
}

var (
	_ Store  = (*memStore)(nil)
	_ Reader = (*memStore)(nil)
)

func newMemStore(stock map[int64]int) *memStore {
	return &memStore{
		state: memState{
			stock:     stock,
			purchases: make(map[int64]Purchase),
			items:     make(map[int64][]Item),
		},
		failOn: make(map[string]error),
	}
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{state: m.state.clone(), failOn: m.failOn}
	err := fn(ctx, tx)
	m.lockOrder = append(m.lockOrder, tx.locked)
	if err != nil {
		m.rollbacks++
		return err
	}
	m.state = tx.state
	m.commits++
	return nil
}

func (m *memStore) ReadAll(_ context.Context) ([]Purchase, []LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := slices.Sorted(maps.Keys(m.state.purchases))
	var (
		headers []Purchase
		items   []LineItem
	)
	for _, id := range ids {
		headers = append(headers, m.state.purchases[id])
		for _, it := range m.state.items[id] {
			items = append(items, LineItem{PurchaseID: id, Item: it})
		}
	}
	return headers, items, nil
}

func (m *memStore) ReadOne(_ context.Context, id int64) (*Purchase, []Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.purchases[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return &p, slices.Clone(m.state.items[id]), nil
}

func (m *memStore) stockOf(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.stock[id]
}

func (m *memStore) itemsOf(id int64) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.items[id])
}

func (m *memStore) headerOf(id int64) (Purchase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.purchases[id]
	return p, ok
}

// seed stores a purchase directly, consuming stock like a committed create.
func (m *memStore) seed(p Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := p.Items
	p.Items = nil
	m.state.purchases[p.ID] = p
	m.state.items[p.ID] = slices.Clone(items)
	for _, it := range items {
		m.state.stock[it.ProductID] -= it.Quantity
	}
	m.state.nextID = max(m.state.nextID, p.ID)
}

type memTx struct {
	state  memState
	failOn map[string]error
	locked []int64
}

func (t *memTx) fail(op string) error {
	return t.failOn[op]
}

func (t *memTx) LockStock(_ context.Context, productID int64) (int, error) {
	if err := t.fail("LockStock"); err != nil {
		return 0, err
	}
	n, ok := t.state.stock[productID]
	if !ok {
		return 0, product.ErrNotFound
	}
	t.locked = append(t.locked, productID)
	return n, nil
}

func (t *memTx) AdjustStock(_ context.Context, productID int64, delta int) error {
	if err := t.fail("AdjustStock"); err != nil {
		return err
	}
	n, ok := t.state.stock[productID]
	if !ok {
		return product.ErrNotFound
	}
	if n+delta < 0 {
		return errors.Errorf("stock of product %d would become %d", productID, n+delta)
	}
	t.state.stock[productID] = n + delta
	return nil
}

func (t *memTx) LockPurchase(_ context.Context, id int64) (*Purchase, error) {
	if err := t.fail("LockPurchase"); err != nil {
		return nil, err
	}
	p, ok := t.state.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) InsertPurchase(_ context.Context, p *Purchase) error {
	if err := t.fail("InsertPurchase"); err != nil {
		return err
	}
	// Like the sequence, skip ids taken by explicit upserts.
	for {
		t.state.nextID++
		if _, taken := t.state.purchases[t.state.nextID]; !taken {
			break
		}
	}
	p.ID = t.state.nextID
	t.state.purchases[p.ID] = header(p)
	return nil
}

func (t *memTx) InsertPurchaseWithID(_ context.Context, p *Purchase) error {
	if err := t.fail("InsertPurchaseWithID"); err != nil {
		return err
	}
	if _, ok := t.state.purchases[p.ID]; ok {
		return errors.Errorf("duplicate purchase %d", p.ID)
	}
	t.state.purchases[p.ID] = header(p)
	return nil
}

func (t *memTx) UpdatePurchase(_ context.Context, p *Purchase) error {
	if err := t.fail("UpdatePurchase"); err != nil {
		return err
	}
	cur, ok := t.state.purchases[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.UserID = p.UserID
	cur.Status = p.Status
	cur.Total = p.Total
	t.state.purchases[p.ID] = cur
	return nil
}

func (t *memTx) DeletePurchase(_ context.Context, id int64) error {
	if err := t.fail("DeletePurchase"); err != nil {
		return err
	}
	delete(t.state.purchases, id)
	return nil
}

func (t *memTx) ListItems(_ context.Context, purchaseID int64) ([]Item, error) {
	if err := t.fail("ListItems"); err != nil {
		return nil, err
	}
	return slices.Clone(t.state.items[purchaseID]), nil
}

func (t *memTx) InsertItem(_ context.Context, purchaseID int64, item Item) error {
	if err := t.fail("InsertItem"); err != nil {
		return err
	}
	t.state.items[purchaseID] = append(t.state.items[purchaseID], item)
	return nil
}

func (t *memTx) DeleteItems(_ context.Context, purchaseID int64) error {
	if err := t.fail("DeleteItems"); err != nil {
		return err
	}
	delete(t.state.items, purchaseID)
	return nil
}

func header(p *Purchase) Purchase {
	h := *p
	h.Items = nil
	return h
}

// memGuard is an in-memory IdempotencyGuard.
type memGuard struct {
	mu       sync.Mutex
	keys     map[string]int64
	released []string
}

func newMemGuard() *memGuard {
	return &memGuard{keys: make(map[string]int64)}
}

func (g *memGuard) Claim(_ context.Context, key string) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id, ok := g.keys[key]; ok {
		return id, false, nil
	}
	g.keys[key] = 0
	return 0, true, nil
}

func (g *memGuard) Complete(_ context.Context, key string, purchaseID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.keys[key] = purchaseID
	return nil
}

func (g *memGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	g.released = append(g.released, key)
	return nil
}
