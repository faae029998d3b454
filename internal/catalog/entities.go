package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a sellable listing. The checkout engine only reads its id, price and active flag.
type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewProduct creates an active product.
func NewProduct(name string, price decimal.Decimal) *Product {
	now := time.Now()
	return &Product{
		Name:      name,
		Price:     price,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
