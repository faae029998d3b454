package topup

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusCancelled
}

// CanTransition reports whether s -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusSuccess || to == StatusCancelled
	case StatusProcessing:
		return to == StatusSuccess || to == StatusCancelled
	}
	return false
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusSuccess, StatusCancelled:
		return st, true
	}
	return "", false
}

type Method string

const (
	MethodBankTransfer Method = "bank_transfer"
	MethodCard         Method = "card"
	MethodCallback     Method = "callback"
)

// Claim is a request to add money to a wallet. It is settled at most once.
type Claim struct {
	ID            uuid.UUID           `json:"id"`
	UserID        string              `json:"user_id"`
	Amount        decimal.Decimal     `json:"amount"`
	SettledAmount decimal.NullDecimal `json:"settled_amount"`
	ExternalRef   string              `json:"external_ref"`
	ProviderTxnID *string             `json:"provider_txn_id,omitempty"`
	Method        Method              `json:"method"`
	Status        Status              `json:"status"`
	Note          string              `json:"note"`
	CreatedAt     time.Time           `json:"created_at"`
	SettledAt     *time.Time          `json:"settled_at,omitempty"`
}

// NewClaim creates a pending claim.
func NewClaim(userID string, amount decimal.Decimal, externalRef string, method Method, now time.Time) *Claim {
	return &Claim{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		ExternalRef: externalRef,
		Method:      method,
		Status:      StatusPending,
		CreatedAt:   now,
	}
}

// Filter selects claims for listing. Empty fields match everything.
type Filter struct {
	UserID string
	Status Status
	Limit  int
}

// Callback is a payment confirmation pushed by the bank or card provider.
type Callback struct {
	ProviderTxnID string          `json:"tran_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Content       string          `json:"content"`
	ExternalRef   string          `json:"external_ref"`
}

// CallbackResult reports what a callback did. Duplicate is true when the provider transaction
// had already been processed and nothing was credited.
type CallbackResult struct {
	Claim     *Claim `json:"claim"`
	Duplicate bool   `json:"duplicate"`
}
