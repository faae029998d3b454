// Package orders persists completed checkouts.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	codeAttempts      = 5
	defaultListLimit  = 20
	maxListLimit      = 100
	maxIdempotencyLen = 128
)

// Recorder writes orders inside the checkout transaction and serves them for display.
type Recorder struct {
	repository Repository
	log        *zap.Logger
	now        func() time.Time
}

// NewRecorder creates a Recorder. A nil log discards output.
func NewRecorder(repository Repository, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		repository: repository,
		log:        log,
		now:        time.Now,
	}
}

// ValidateIdempotencyKey checks a client supplied key.
func ValidateIdempotencyKey(key string) error {
	if len(key) > maxIdempotencyLen {
		return apperrors.New(apperrors.KindInvalidRequest, "idempotency key is too long").
			With("max_length", maxIdempotencyLen)
	}
	return nil
}

// Record persists the order described by draft inside tx and binds every unit to it. Any write
// failure is a PersistenceFailure and the caller must roll back. A reused idempotency key is
// reported as ErrDuplicateIdempotencyKey.
func (r *Recorder) Record(ctx context.Context, tx storage.Tx, draft Draft) (*Order, error) {
	if len(draft.Items) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "order has no items")
	}
	if strings.TrimSpace(draft.UserID) == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "order has no owner")
	}

	order := &Order{
		ID:             draft.ID,
		UserID:         draft.UserID,
		Items:          draft.Items,
		Total:          Total(draft.Items),
		Status:         StatusCompleted,
		IdempotencyKey: draft.IdempotencyKey,
		CreatedAt:      r.now(),
	}
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}

	code, err := r.uniqueCode(ctx, tx)
	if err != nil {
		return nil, persistenceFailure("allocate order code", err)
	}
	order.Code = code

	if err := r.repository.InsertOrder(ctx, tx, order); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, err
		}
		return nil, persistenceFailure("insert order", err)
	}

	if err := r.repository.InsertItems(ctx, tx, order.ID, order.Items); err != nil {
		return nil, persistenceFailure("insert order items", err)
	}

	unitIDs := make([]int64, len(order.Items))
	for i, item := range order.Items {
		unitIDs[i] = item.UnitID
	}
	bound, err := r.repository.BindUnits(ctx, tx, order.ID, unitIDs)
	if err != nil {
		return nil, persistenceFailure("bind units", err)
	}
	if bound != int64(len(unitIDs)) {
		return nil, persistenceFailure("bind units",
			fmt.Errorf("bound %d of %d units to order %s", bound, len(unitIDs), order.ID))
	}

	return order, nil
}

func (r *Recorder) uniqueCode(ctx context.Context, tx storage.Tx) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := NewCode()
		exists, err := r.repository.CodeExists(ctx, tx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free order code after %d attempts", codeAttempts)
}

func persistenceFailure(step string, err error) error {
	return apperrors.Wrap(apperrors.KindPersistenceFailure, "failed to record order: "+step, err)
}

// FindByIdempotencyKey returns the order the user placed with key. A nil tx reads committed data.
func (r *Recorder) FindByIdempotencyKey(ctx context.Context, tx storage.Tx, userID, key string) (*Order, error) {
	order, err := r.repository.FindByIdempotencyKey(ctx, tx, userID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

// Get returns an order owned by userID. Orders of other users are reported as not found.
func (r *Recorder) Get(ctx context.Context, userID string, orderID uuid.UUID) (*Order, error) {
	order, err := r.repository.GetOrder(ctx, orderID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && order.UserID != userID) {
		return nil, apperrors.New(apperrors.KindNotFound, "order not found").With("order_id", orderID.String())
	}
	if err != nil {
		return nil, apperrors.Unavailable("could not load order", err)
	}
	return order, nil
}

// List returns the user's most recent orders first.
func (r *Recorder) List(ctx context.Context, userID string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	list, err := r.repository.ListOrders(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Unavailable("could not list orders", err)
	}
	return list, nil
}
