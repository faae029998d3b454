package checkout

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/orders"
)

// Line asks for Quantity units of one product.
type Line struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

// Request is one purchase. IdempotencyKey is optional; when set, a retried request returns the
// order the first one produced.
type Request struct {
	Lines          []Line `json:"items"`
	IdempotencyKey string `json:"-"`
}

// Result is the outcome of a successful checkout.
type Result struct {
	Order    *orders.Order   `json:"order"`
	Balance  decimal.Decimal `json:"balance"`
	Replayed bool            `json:"replayed"`
}

type pricedLine struct {
	Line
	UnitPrice decimal.Decimal
}

// normalize rejects empty requests and non-positive quantities, merges repeated products and
// sorts by product id so every checkout locks products in the same order.
func normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, apperrors.New(apperrors.KindEmptyCart, "nothing to buy")
	}

	merged := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "quantity must be positive").
				With("product_id", l.ProductID).
				With("quantity", l.Quantity)
		}
		if l.ProductID <= 0 {
			return nil, apperrors.New(apperrors.KindInvalidRequest, "product id is required")
		}
		merged[l.ProductID] += l.Quantity
	}

	out := make([]Line, 0, len(merged))
	for productID, qty := range merged {
		out = append(out, Line{ProductID: productID, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}
