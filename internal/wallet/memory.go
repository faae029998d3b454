package wallet

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	walletsTable = "wallets"
	entriesTable = "wallet_entries"
	refsTable    = "wallet_entry_refs"
)

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates a wallet repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) GetWallet(_ context.Context, userID string) (*Wallet, error) {
	row, ok := r.store.Get(walletsTable, userID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	w := row.(Wallet)
	return &w, nil
}

func (r *MemoryRepository) GetWalletForUpdate(ctx context.Context, tx storage.Tx, userID string) (*Wallet, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}
	if err := memTx.Lock(ctx, walletsTable+":"+userID); err != nil {
		return nil, err
	}

	row, ok := memTx.Get(walletsTable, userID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	w := row.(Wallet)
	return &w, nil
}

func (r *MemoryRepository) EnsureWallet(ctx context.Context, tx storage.Tx, userID string) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	if err := memTx.Lock(ctx, walletsTable+":"+userID); err != nil {
		return err
	}

	if _, ok := memTx.Get(walletsTable, userID); ok {
		return nil
	}
	now := time.Now()
	memTx.Put(walletsTable, userID, Wallet{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now})
	return nil
}

func (r *MemoryRepository) UpdateBalance(_ context.Context, tx storage.Tx, userID string, balance decimal.Decimal) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	if balance.IsNegative() {
		return storage.ErrCheckViolation
	}

	row, ok := memTx.Get(walletsTable, userID)
	if !ok {
		return storage.ErrNotFound
	}
	w := row.(Wallet)
	w.Balance = balance
	w.UpdatedAt = time.Now()
	memTx.Put(walletsTable, userID, w)
	return nil
}

func (r *MemoryRepository) ReferenceExists(_ context.Context, tx storage.Tx, reference string) (bool, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return false, err
	}
	_, ok := memTx.Get(refsTable, reference)
	return ok, nil
}

// InsertEntry emulates the unique index on reference: the reference key stays locked until the
// transaction ends, so a concurrent insert of the same reference sees the committed row.
func (r *MemoryRepository) InsertEntry(ctx context.Context, tx storage.Tx, entry *Entry) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	if err := memTx.Lock(ctx, refsTable+":"+entry.Reference); err != nil {
		return err
	}
	if _, ok := memTx.Get(refsTable, entry.Reference); ok {
		return storage.ErrDuplicate
	}

	entry.ID = r.store.NextID(entriesTable)
	memTx.Put(entriesTable, strconv.FormatInt(entry.ID, 10), *entry)
	memTx.Put(refsTable, entry.Reference, entry.ID)
	return nil
}

func (r *MemoryRepository) ListEntries(_ context.Context, userID string, limit int) ([]Entry, error) {
	var entries []Entry
	for _, row := range r.store.Scan(entriesTable) {
		e := row.(Entry)
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
