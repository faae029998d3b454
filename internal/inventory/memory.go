package inventory

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	unitsTable    = "stock_units"
	productsTable = "products"
)

// ProductLockKey is the MemoryStore lock key guarding a product's stock.
func ProductLockKey(productID int64) string {
	return productsTable + ":" + strconv.FormatInt(productID, 10)
}

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates a stock repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) LockProduct(ctx context.Context, tx storage.Tx, productID int64) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	if _, ok := memTx.Get(productsTable, strconv.FormatInt(productID, 10)); !ok {
		return storage.ErrNotFound
	}
	return memTx.Lock(ctx, ProductLockKey(productID))
}

func (r *MemoryRepository) SelectAvailableForUpdate(_ context.Context, tx storage.Tx, productID int64, limit int) ([]StockUnit, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}

	units := filterUnits(memTx.Scan(unitsTable), productID)
	if len(units) > limit {
		units = units[:limit]
	}
	return units, nil
}

func (r *MemoryRepository) MarkSold(_ context.Context, tx storage.Tx, unitIDs []int64, soldAt time.Time) (int64, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return 0, err
	}

	var affected int64
	for _, id := range unitIDs {
		key := strconv.FormatInt(id, 10)
		row, ok := memTx.Get(unitsTable, key)
		if !ok {
			continue
		}
		unit := row.(StockUnit)
		if !unit.IsAvailable() {
			continue
		}
		at := soldAt
		unit.Status = StatusSold
		unit.SoldAt = &at
		memTx.Put(unitsTable, key, unit)
		affected++
	}
	return affected, nil
}

func (r *MemoryRepository) InsertUnits(_ context.Context, tx storage.Tx, productID int64, payloads []string) ([]StockUnit, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	units := make([]StockUnit, 0, len(payloads))
	for _, payload := range payloads {
		unit := StockUnit{
			ID:        r.store.NextID(unitsTable),
			ProductID: productID,
			Payload:   payload,
			Status:    StatusAvailable,
			CreatedAt: now,
		}
		memTx.Put(unitsTable, strconv.FormatInt(unit.ID, 10), unit)
		units = append(units, unit)
	}
	return units, nil
}

func (r *MemoryRepository) CountAvailable(_ context.Context, productID int64) (int, error) {
	return len(filterUnits(r.store.Scan(unitsTable), productID)), nil
}

func (r *MemoryRepository) GetUnit(_ context.Context, unitID int64) (*StockUnit, error) {
	row, ok := r.store.Get(unitsTable, strconv.FormatInt(unitID, 10))
	if !ok {
		return nil, storage.ErrNotFound
	}
	unit := row.(StockUnit)
	return &unit, nil
}

// BindUnitToOrder attaches a sold, unbound unit to orderID inside tx. It reports false when the
// unit does not exist, is not sold, or already belongs to an order.
func BindUnitToOrder(tx *storage.MemoryTx, unitID int64, orderID uuid.UUID) bool {
	key := strconv.FormatInt(unitID, 10)
	row, ok := tx.Get(unitsTable, key)
	if !ok {
		return false
	}
	unit := row.(StockUnit)
	if unit.Status != StatusSold || unit.OrderID != nil {
		return false
	}
	id := orderID
	unit.OrderID = &id
	tx.Put(unitsTable, key, unit)
	return true
}

func filterUnits(rows []any, productID int64) []StockUnit {
	var units []StockUnit
	for _, row := range rows {
		unit := row.(StockUnit)
		if unit.ProductID == productID && unit.IsAvailable() {
			units = append(units, unit)
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}
