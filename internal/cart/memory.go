package cart

import (
	"context"
	"sort"
	"strconv"

	"github.com/matheusmosca/account-store/internal/storage"
)

const itemsTable = "cart_items"

func itemKey(userID string, productID int64) string {
	return userID + "\x00" + strconv.FormatInt(productID, 10)
}

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates a cart repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) LockCart(ctx context.Context, tx storage.Tx, userID string) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	return memTx.Lock(ctx, itemsTable+":"+userID)
}

func (r *MemoryRepository) GetItem(_ context.Context, tx storage.Tx, userID string, productID int64) (*Item, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}
	row, ok := memTx.Get(itemsTable, itemKey(userID, productID))
	if !ok {
		return nil, storage.ErrNotFound
	}
	item := row.(Item)
	return &item, nil
}

func (r *MemoryRepository) UpsertItem(_ context.Context, tx storage.Tx, item *Item) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	if item.Quantity <= 0 {
		return storage.ErrCheckViolation
	}
	memTx.Put(itemsTable, itemKey(item.UserID, item.ProductID), *item)
	return nil
}

func (r *MemoryRepository) DeleteItem(_ context.Context, tx storage.Tx, userID string, productID int64) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	memTx.Delete(itemsTable, itemKey(userID, productID))
	return nil
}

func (r *MemoryRepository) ListItemsTx(_ context.Context, tx storage.Tx, userID string) ([]Item, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}
	return filterItems(memTx.Scan(itemsTable), userID), nil
}

func (r *MemoryRepository) DeleteAll(_ context.Context, tx storage.Tx, userID string) (int64, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return 0, err
	}
	items := filterItems(memTx.Scan(itemsTable), userID)
	for _, item := range items {
		memTx.Delete(itemsTable, itemKey(item.UserID, item.ProductID))
	}
	return int64(len(items)), nil
}

func (r *MemoryRepository) ListItems(_ context.Context, userID string) ([]Item, error) {
	return filterItems(r.store.Scan(itemsTable), userID), nil
}

func filterItems(rows []any, userID string) []Item {
	var items []Item
	for _, row := range rows {
		item := row.(Item)
		if item.UserID == userID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	return items
}
