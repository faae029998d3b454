package orders

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	ordersTable      = "orders"
	codesTable       = "order_codes"
	idempotencyTable = "order_idempotency_keys"
)

func idempotencyIndexKey(userID, key string) string {
	return userID + "\x00" + key
}

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates an order repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) CodeExists(_ context.Context, tx storage.Tx, code string) (bool, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return false, err
	}
	_, ok := memTx.Get(codesTable, code)
	return ok, nil
}

func (r *MemoryRepository) InsertOrder(ctx context.Context, tx storage.Tx, order *Order) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}

	if err := memTx.Lock(ctx, codesTable+":"+order.Code); err != nil {
		return err
	}
	if _, ok := memTx.Get(codesTable, order.Code); ok {
		return storage.ErrDuplicate
	}

	if order.IdempotencyKey != "" {
		indexKey := idempotencyIndexKey(order.UserID, order.IdempotencyKey)
		// Held until the transaction ends, like a pending unique index entry.
		if err := memTx.Lock(ctx, idempotencyTable+":"+indexKey); err != nil {
			return err
		}
		if _, ok := memTx.Get(idempotencyTable, indexKey); ok {
			return ErrDuplicateIdempotencyKey
		}
		memTx.Put(idempotencyTable, indexKey, order.ID)
	}

	memTx.Put(codesTable, order.Code, order.ID)
	memTx.Put(ordersTable, order.ID.String(), *order)
	return nil
}

func (r *MemoryRepository) InsertItems(_ context.Context, tx storage.Tx, orderID uuid.UUID, items []Item) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}

	row, ok := memTx.Get(ordersTable, orderID.String())
	if !ok {
		return storage.ErrNotFound
	}
	order := row.(Order)
	order.Items = append([]Item(nil), items...)
	memTx.Put(ordersTable, orderID.String(), order)
	return nil
}

func (r *MemoryRepository) BindUnits(_ context.Context, tx storage.Tx, orderID uuid.UUID, unitIDs []int64) (int64, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, id := range unitIDs {
		if inventory.BindUnitToOrder(memTx, id, orderID) {
			affected++
		}
	}
	return affected, nil
}

func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, tx storage.Tx, userID, key string) (*Order, error) {
	get := r.store.Get
	if tx != nil {
		memTx, err := storage.MemTx(tx)
		if err != nil {
			return nil, err
		}
		get = memTx.Get
	}

	idRow, ok := get(idempotencyTable, idempotencyIndexKey(userID, key))
	if !ok {
		return nil, storage.ErrNotFound
	}
	row, ok := get(ordersTable, idRow.(uuid.UUID).String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	order := row.(Order)
	return &order, nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, orderID uuid.UUID) (*Order, error) {
	row, ok := r.store.Get(ordersTable, orderID.String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	order := row.(Order)
	return &order, nil
}

func (r *MemoryRepository) ListOrders(_ context.Context, userID string, limit int) ([]Order, error) {
	var orders []Order
	for _, row := range r.store.Scan(ordersTable) {
		order := row.(Order)
		if order.UserID == userID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	if len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}
