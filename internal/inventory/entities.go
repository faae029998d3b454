package inventory

import (
	"time"

	"github.com/google/uuid"
)

type UnitStatus string

const (
	StatusAvailable UnitStatus = "available"
	StatusSold      UnitStatus = "sold"
)

// StockUnit is one sellable credential. The payload is opaque to the engine.
type StockUnit struct {
	ID        int64      `json:"id"`
	ProductID int64      `json:"product_id"`
	Payload   string     `json:"-"`
	Status    UnitStatus `json:"status"`
	OrderID   *uuid.UUID `json:"order_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SoldAt    *time.Time `json:"sold_at,omitempty"`
}

// IsAvailable reports whether the unit can still be reserved.
func (u StockUnit) IsAvailable() bool {
	return u.Status == StatusAvailable
}
