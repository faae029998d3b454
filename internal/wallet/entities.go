package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet holds a user's prepaid balance. The balance never goes below zero.
type Wallet struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

// Entry records one balance movement. Reference is unique across all entries.
type Entry struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"user_id"`
	Kind         EntryKind       `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Reference    string          `json:"reference"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OrderReference is the entry reference of an order payment.
func OrderReference(orderID uuid.UUID) string {
	return "order:" + orderID.String()
}

// TopUpReference is the entry reference of a settled top-up claim.
func TopUpReference(externalRef string) string {
	return "topup:" + externalRef
}
