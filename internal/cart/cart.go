// Package cart keeps each user's pending product selection. The cart is a convenience for the
// storefront only: checkout re-reads prices and stock and never trusts what is stored here.
package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/catalog"
	"github.com/matheusmosca/account-store/internal/inventory"
	"github.com/matheusmosca/account-store/internal/storage"
)

// Products is the catalog lookup the cart needs.
type Products interface {
	Get(ctx context.Context, id int64) (*catalog.Product, error)
	UnitPrice(ctx context.Context, id int64) (decimal.Decimal, error)
}

// Stock reports committed availability.
type Stock interface {
	AvailableCount(ctx context.Context, productID int64) (int, error)
}

type Service struct {
	db         storage.Store
	repository Repository
	products   Products
	stock      Stock
	log        *zap.Logger
	now        func() time.Time
}

// NewService creates a cart service.
func NewService(db storage.Store, repository Repository, products Products, stock Stock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:         db,
		repository: repository,
		products:   products,
		stock:      stock,
		log:        log,
		now:        time.Now,
	}
}

// Add puts qty more units of productID in the cart. The resulting quantity is clamped to the
// stock available right now; a product with no stock at all is refused.
func (s *Service) Add(ctx context.Context, userID string, productID int64, qty int) (*Item, error) {
	if qty <= 0 {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "quantity must be positive").
			With("product_id", productID).
			With("quantity", qty)
	}
	return s.update(ctx, userID, productID, func(current int) int { return current + qty })
}

// SetQuantity replaces the quantity of a line. A quantity of zero or less removes it.
func (s *Service) SetQuantity(ctx context.Context, userID string, productID int64, qty int) (*Item, error) {
	if qty <= 0 {
		return nil, s.Remove(ctx, userID, productID)
	}
	return s.update(ctx, userID, productID, func(int) int { return qty })
}

func (s *Service) update(ctx context.Context, userID string, productID int64, next func(current int) int) (*Item, error) {
	if userID == "" {
		return nil, apperrors.ErrUnauthorized
	}
	if _, err := s.products.UnitPrice(ctx, productID); err != nil {
		return nil, err
	}
	available, err := s.stock.AvailableCount(ctx, productID)
	if err != nil {
		return nil, s.mapError("read stock", err)
	}

	var item *Item
	err = storage.WithTx(ctx, s.db, func(tx storage.Tx) error {
		if err := s.repository.LockCart(ctx, tx, userID); err != nil {
			return err
		}

		current := 0
		existing, err := s.repository.GetItem(ctx, tx, userID, productID)
		switch {
		case err == nil:
			current = existing.Quantity
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		want := next(current)
		if available == 0 {
			return inventory.InsufficientStock(productID, want, 0)
		}
		if want > available {
			want = available
		}

		item = &Item{UserID: userID, ProductID: productID, Quantity: want, UpdatedAt: s.now()}
		return s.repository.UpsertItem(ctx, tx, item)
	})
	if err != nil {
		return nil, s.mapError("update cart", err)
	}
	return item, nil
}

// Remove drops a product from the cart. Removing a missing line is not an error.
func (s *Service) Remove(ctx context.Context, userID string, productID int64) error {
	if userID == "" {
		return apperrors.ErrUnauthorized
	}
	err := storage.WithTx(ctx, s.db, func(tx storage.Tx) error {
		if err := s.repository.LockCart(ctx, tx, userID); err != nil {
			return err
		}
		return s.repository.DeleteItem(ctx, tx, userID, productID)
	})
	return s.mapError("remove cart item", err)
}

// List returns the stored lines ordered by product id.
func (s *Service) List(ctx context.Context, userID string) ([]Item, error) {
	items, err := s.repository.ListItems(ctx, userID)
	if err != nil {
		return nil, s.mapError("list cart", err)
	}
	return items, nil
}

// Summarize prices the cart at current catalog prices. Lines whose product is no longer for sale
// are reported with a zero price.
func (s *Service) Summarize(ctx context.Context, userID string) (*Summary, error) {
	items, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Lines: make([]Line, 0, len(items)), Total: decimal.Zero}
	for _, item := range items {
		line := Line{Item: item, UnitPrice: decimal.Zero, Subtotal: decimal.Zero}
		if product, err := s.products.Get(ctx, item.ProductID); err == nil {
			line.Name = product.Name
			if product.Active {
				line.UnitPrice = product.Price
				line.Subtotal = product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			}
		}
		if available, err := s.stock.AvailableCount(ctx, item.ProductID); err == nil {
			line.Available = available
		}
		summary.Total = summary.Total.Add(line.Subtotal)
		summary.Lines = append(summary.Lines, line)
	}
	return summary, nil
}

// Lines reads the cart inside tx and locks it until tx ends.
func (s *Service) Lines(ctx context.Context, tx storage.Tx, userID string) ([]Item, error) {
	if err := s.repository.LockCart(ctx, tx, userID); err != nil {
		return nil, err
	}
	return s.repository.ListItemsTx(ctx, tx, userID)
}

// Clear empties the cart inside tx.
func (s *Service) Clear(ctx context.Context, tx storage.Tx, userID string) error {
	if err := s.repository.LockCart(ctx, tx, userID); err != nil {
		return err
	}
	removed, err := s.repository.DeleteAll(ctx, tx, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	s.log.Debug("cart cleared", zap.String("user_id", userID), zap.Int64("lines", removed))
	return nil
}

func (s *Service) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	s.log.Error("cart operation failed", zap.String("op", op), zap.Error(err))
	if storage.IsInfrastructure(err) {
		return apperrors.Wrap(apperrors.KindTransactionFailed, op+" failed", err)
	}
	return apperrors.Wrap(apperrors.KindPersistenceFailure, op+" failed", err)
}
