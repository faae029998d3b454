package topup

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	claimsTable       = "topup_claims"
	claimRefsTable    = "topup_claim_refs"
	providerTxnsTable = "topup_provider_txns"
)

// MemoryRepository implements Repository on a MemoryStore.
type MemoryRepository struct {
	store *storage.MemoryStore
}

// NewMemoryRepository creates a claim repository backed by store.
func NewMemoryRepository(store *storage.MemoryStore) *MemoryRepository {
	return &MemoryRepository{store: store}
}

func (r *MemoryRepository) InsertClaim(ctx context.Context, tx storage.Tx, c *Claim) (bool, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return false, err
	}

	if err := memTx.Lock(ctx, claimRefsTable+":"+c.ExternalRef); err != nil {
		return false, err
	}
	if _, ok := memTx.Get(claimRefsTable, c.ExternalRef); ok {
		return false, nil
	}
	if c.ProviderTxnID != nil {
		if _, ok := memTx.Get(providerTxnsTable, *c.ProviderTxnID); ok {
			return false, storage.ErrDuplicate
		}
		memTx.Put(providerTxnsTable, *c.ProviderTxnID, c.ID)
	}

	memTx.Put(claimRefsTable, c.ExternalRef, c.ID)
	memTx.Put(claimsTable, c.ID.String(), *c)
	return true, nil
}

func (r *MemoryRepository) GetClaimForUpdate(ctx context.Context, tx storage.Tx, id uuid.UUID) (*Claim, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}
	if err := memTx.Lock(ctx, claimsTable+":"+id.String()); err != nil {
		return nil, err
	}

	row, ok := memTx.Get(claimsTable, id.String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := row.(Claim)
	return &c, nil
}

func (r *MemoryRepository) GetClaimByRefForUpdate(ctx context.Context, tx storage.Tx, externalRef string) (*Claim, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}

	idRow, ok := memTx.Get(claimRefsTable, externalRef)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r.GetClaimForUpdate(ctx, tx, idRow.(uuid.UUID))
}

func (r *MemoryRepository) GetClaimByProviderTxn(_ context.Context, tx storage.Tx, providerTxnID string) (*Claim, error) {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return nil, err
	}

	idRow, ok := memTx.Get(providerTxnsTable, providerTxnID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	row, ok := memTx.Get(claimsTable, idRow.(uuid.UUID).String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := row.(Claim)
	return &c, nil
}

func (r *MemoryRepository) LockProviderTxn(ctx context.Context, tx storage.Tx, providerTxnID string) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}
	return memTx.Lock(ctx, providerTxnsTable+":"+providerTxnID)
}

func (r *MemoryRepository) UpdateClaim(_ context.Context, tx storage.Tx, c *Claim) error {
	memTx, err := storage.MemTx(tx)
	if err != nil {
		return err
	}

	row, ok := memTx.Get(claimsTable, c.ID.String())
	if !ok {
		return storage.ErrNotFound
	}
	previous := row.(Claim)

	if c.ProviderTxnID != nil && (previous.ProviderTxnID == nil || *previous.ProviderTxnID != *c.ProviderTxnID) {
		if owner, ok := memTx.Get(providerTxnsTable, *c.ProviderTxnID); ok && owner.(uuid.UUID) != c.ID {
			return storage.ErrDuplicate
		}
		memTx.Put(providerTxnsTable, *c.ProviderTxnID, c.ID)
	}

	memTx.Put(claimsTable, c.ID.String(), *c)
	return nil
}

func (r *MemoryRepository) GetClaim(_ context.Context, id uuid.UUID) (*Claim, error) {
	row, ok := r.store.Get(claimsTable, id.String())
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := row.(Claim)
	return &c, nil
}

func (r *MemoryRepository) ListClaims(_ context.Context, filter Filter) ([]Claim, error) {
	var claims []Claim
	for _, row := range r.store.Scan(claimsTable) {
		c := row.(Claim)
		if filter.UserID != "" && c.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		claims = append(claims, c)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].CreatedAt.After(claims[j].CreatedAt) })
	if filter.Limit > 0 && len(claims) > filter.Limit {
		claims = claims[:filter.Limit]
	}
	return claims, nil
}
