package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCompleted Status = "completed"
)

// Item is one sold stock unit inside an order.
type Item struct {
	UnitID    int64           `json:"unit_id"`
	ProductID int64           `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Payload   string          `json:"payload"`
}

// Order is the durable record of a completed checkout.
type Order struct {
	ID             uuid.UUID       `json:"id"`
	Code           string          `json:"code"`
	UserID         string          `json:"user_id"`
	Items          []Item          `json:"items"`
	Total          decimal.Decimal `json:"total"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Draft is what the checkout coordinator hands to the recorder. A zero ID is generated.
type Draft struct {
	ID             uuid.UUID
	UserID         string
	IdempotencyKey string
	Items          []Item
}

// Total sums the unit prices of the items.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.UnitPrice)
	}
	return total
}

// NewCode returns a short human-facing order code such as DH3FA9C1.
func NewCode() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "DH" + strings.ToUpper(hex[:6])
}
