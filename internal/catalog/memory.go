package catalog

import (
	"context"
	"sort"
	"strconv"

	"github.com/matheusmosca/account-store/internal/storage"
)

const productsTable = "products"

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates a catalog repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) GetProduct(_ context.Context, id int64) (*Product, error) {
	row, ok := r.store.Get(productsTable, strconv.FormatInt(id, 10))
	if !ok {
		return nil, storage.ErrNotFound
	}
	p := row.(Product)
	return &p, nil
}

func (r *MemoryRepository) ListProducts(_ context.Context, activeOnly bool) ([]Product, error) {
	var products []Product
	for _, row := range r.store.Scan(productsTable) {
		p := row.(Product)
		if activeOnly && !p.Active {
			continue
		}
		products = append(products, p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (r *MemoryRepository) CreateProduct(ctx context.Context, product *Product) error {
	product.ID = r.store.NextID(productsTable)
	return storage.WithTx(ctx, r.store, func(tx storage.Tx) error {
		memTx, err := storage.MemTx(tx)
		if err != nil {
			return err
		}
		memTx.Put(productsTable, strconv.FormatInt(product.ID, 10), *product)
		return nil
	})
}
