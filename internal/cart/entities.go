package cart

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is one product line in a user's cart. Quantity is always positive.
type Item struct {
	UserID    string    `json:"user_id"`
	ProductID int64     `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Line is an Item priced at the current catalog price, for display only.
type Line struct {
	Item
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Available int             `json:"available"`
}

// Summary is the priced view of a cart.
type Summary struct {
	Lines []Line          `json:"lines"`
	Total decimal.Decimal `json:"total"`
}
