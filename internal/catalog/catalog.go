// Package catalog is the read side of the product listing used by checkout for pricing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/storage"
)

// Service exposes product lookups.
type Service struct {
	repository Repository
}

// NewService creates a catalog service.
func NewService(repository Repository) *Service {
	return &Service{repository: repository}
}

// Get returns a product or a NotFound error.
func (s *Service) Get(ctx context.Context, id int64) (*Product, error) {
	product, err := s.repository.GetProduct(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.New(apperrors.KindNotFound, fmt.Sprintf("product %d not found", id)).
			With("product_id", id)
	}
	if err != nil {
		return nil, apperrors.Unavailable("could not load product", err)
	}
	return product, nil
}

// List returns the active products ordered by id.
func (s *Service) List(ctx context.Context) ([]Product, error) {
	products, err := s.repository.ListProducts(ctx, true)
	if err != nil {
		return nil, apperrors.Unavailable("could not list products", err)
	}
	return products, nil
}

// UnitPrice returns the current price of a sellable product. Unknown or inactive products are an
// InvalidRequest because they cannot be bought.
func (s *Service) UnitPrice(ctx context.Context, id int64) (decimal.Decimal, error) {
	product, err := s.repository.GetProduct(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("product %d does not exist", id)).
			With("product_id", id)
	}
	if err != nil {
		return decimal.Zero, apperrors.Unavailable("could not price product", err)
	}
	if !product.Active {
		return decimal.Zero, apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("product %d is not for sale", id)).
			With("product_id", id)
	}
	return product.Price, nil
}

// Create registers a new active product.
func (s *Service) Create(ctx context.Context, name string, price decimal.Decimal) (*Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "product name is required")
	}
	if !price.IsPositive() {
		return nil, apperrors.New(apperrors.KindInvalidRequest, "product price must be positive")
	}

	product := NewProduct(name, price.Round(2))
	if err := s.repository.CreateProduct(ctx, product); err != nil {
		return nil, apperrors.Unavailable("could not create product", err)
	}
	return product, nil
}
