// Package inventory owns the stock units of every product and hands them out to checkout.
//
// Reserve is the only path from available to sold. It runs inside the caller's transaction,
// takes the product row lock first, and reserves either every requested unit or none.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/storage"
)

// Service exposes stock operations.
type Service struct {
	db         storage.Store
	repository Repository
	log        *zap.Logger
	now        func() time.Time
}

// NewService creates an inventory service. A nil log discards output.
func NewService(db storage.Store, repository Repository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:         db,
		repository: repository,
		log:        log,
		now:        time.Now,
	}
}

// Reserve marks count available units of productID as sold inside tx and returns them in import
// order. When fewer than count are available nothing is reserved and an InsufficientStock error
// carrying the available count is returned.
func (s *Service) Reserve(ctx context.Context, tx storage.Tx, productID int64, count int) ([]StockUnit, error) {
	if count <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "quantity must be positive").
			With("product_id", productID).
			With("quantity", count)
	}

	// 1. Serialize every reservation of this product
	if err := s.repository.LockProduct(ctx, tx, productID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("product %d does not exist", productID)).
				With("product_id", productID)
		}
		return nil, err
	}

	// 2. Oldest units first
	units, err := s.repository.SelectAvailableForUpdate(ctx, tx, productID, count)
	if err != nil {
		return nil, err
	}
	if len(units) < count {
		return nil, InsufficientStock(productID, count, len(units))
	}

	// 3. available -> sold
	ids := make([]int64, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	soldAt := s.now()
	affected, err := s.repository.MarkSold(ctx, tx, ids, soldAt)
	if err != nil {
		return nil, err
	}
	if affected != int64(len(ids)) {
		// Another transaction changed the rows under our lock; let the caller retry the scope.
		return nil, fmt.Errorf("reserve product %d: marked %d of %d units: %w", productID, affected, len(ids), storage.ErrConflict)
	}

	for i := range units {
		units[i].Status = StatusSold
		at := soldAt
		units[i].SoldAt = &at
	}
	return units, nil
}

// InsufficientStock builds the business error returned when a product cannot cover a line.
func InsufficientStock(productID int64, requested, available int) *apperrors.Error {
	return apperrors.New(apperrors.KindInsufficientStock,
		fmt.Sprintf("only %d unit(s) of product %d left, %d requested", available, productID, requested)).
		With("product_id", productID).
		With("requested", requested).
		With("available", available)
}

// AvailableCount returns the committed number of available units.
func (s *Service) AvailableCount(ctx context.Context, productID int64) (int, error) {
	n, err := s.repository.CountAvailable(ctx, productID)
	if err != nil {
		return 0, apperrors.Unavailable("could not count stock", err)
	}
	return n, nil
}

// Get returns a single unit.
func (s *Service) Get(ctx context.Context, unitID int64) (*StockUnit, error) {
	unit, err := s.repository.GetUnit(ctx, unitID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("stock unit %d not found", unitID))
	}
	if err != nil {
		return nil, apperrors.Unavailable("could not load stock unit", err)
	}
	return unit, nil
}

// ParsePayloads splits a bulk import text into one payload per non-blank line.
func ParsePayloads(raw string) []string {
	var payloads []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			payloads = append(payloads, line)
		}
	}
	return payloads
}

// Import adds a batch of units to productID in a single transaction.
func (s *Service) Import(ctx context.Context, productID int64, payloads []string) ([]StockUnit, error) {
	cleaned := make([]string, 0, len(payloads))
	for _, p := range payloads {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) == 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "no stock units to import")
	}

	var units []StockUnit
	err := storage.WithTx(ctx, s.db, func(tx storage.Tx) error {
		if err := s.repository.LockProduct(ctx, tx, productID); err != nil {
			return err
		}
		var err error
		units, err = s.repository.InsertUnits(ctx, tx, productID, cleaned)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("product %d not found", productID))
	}
	if err != nil {
		s.log.Error("stock import failed", zap.Int64("product_id", productID), zap.Error(err))
		return nil, apperrors.Wrap(apperrors.KindTransactionFailed, "stock import failed", err)
	}

	s.log.Info("stock imported", zap.Int64("product_id", productID), zap.Int("units", len(units)))
	return units, nil
}
