// Package wallet is the prepaid balance ledger. Every balance change happens inside the caller's
// transaction with the wallet row locked, and is recorded as an Entry with a unique reference.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/apperrors"
	"github.com/matheusmosca/account-store/internal/storage"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 200
)

// Ledger mutates wallet balances.
type Ledger struct {
	repository Repository
	log        *zap.Logger
	now        func() time.Time
}

// NewLedger creates a Ledger. A nil log discards output.
func NewLedger(repository Repository, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		repository: repository,
		log:        log,
		now:        time.Now,
	}
}

// InsufficientBalance builds the business error returned when a debit exceeds the balance.
func InsufficientBalance(balance, required decimal.Decimal) *apperrors.Error {
	shortfall := required.Sub(balance)
	return apperrors.New(apperrors.KindInsufficientBalance,
		fmt.Sprintf("insufficient balance: %s more needed", shortfall.StringFixed(2))).
		With("balance", balance.StringFixed(2)).
		With("required", required.StringFixed(2)).
		With("shortfall", shortfall.StringFixed(2))
}

func validateAmount(userID string, amount decimal.Decimal) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.New(apperrors.KindInvalidRequest, "user id is required")
	}
	if !amount.IsPositive() {
		return apperrors.New(apperrors.KindInvalidRequest, "amount must be positive").
			With("amount", amount.String())
	}
	return nil
}

// Debit removes amount from userID's wallet inside tx and returns the new balance. A missing
// wallet has a zero balance.
func (l *Ledger) Debit(ctx context.Context, tx storage.Tx, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if err := validateAmount(userID, amount); err != nil {
		return decimal.Zero, err
	}

	// 1. Lock the wallet row (FOR UPDATE)
	w, err := l.repository.GetWalletForUpdate(ctx, tx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, InsufficientBalance(decimal.Zero, amount)
	}
	if err != nil {
		return decimal.Zero, err
	}

	// 2. Check funds
	if w.Balance.LessThan(amount) {
		return decimal.Zero, InsufficientBalance(w.Balance, amount)
	}

	// 3. Apply and record
	newBalance := w.Balance.Sub(amount)
	if err := l.repository.UpdateBalance(ctx, tx, userID, newBalance); err != nil {
		if errors.Is(err, storage.ErrCheckViolation) {
			return decimal.Zero, InsufficientBalance(w.Balance, amount)
		}
		return decimal.Zero, err
	}

	entry := &Entry{
		UserID:       userID,
		Kind:         EntryDebit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Reference:    reference,
		CreatedAt:    l.now(),
	}
	if err := l.repository.InsertEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return decimal.Zero, apperrors.New(apperrors.KindConflict, "payment reference already used").
				With("reference", reference)
		}
		return decimal.Zero, err
	}

	return newBalance, nil
}

// Credit adds amount to userID's wallet inside tx, creating the wallet if needed. A reference
// that has already been credited is refused with AlreadySettled.
func (l *Ledger) Credit(ctx context.Context, tx storage.Tx, userID string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if err := validateAmount(userID, amount); err != nil {
		return decimal.Zero, err
	}

	alreadySettled := apperrors.New(apperrors.KindAlreadySettled, "reference already credited").
		With("reference", reference)

	// 1. Idempotency on the reference
	exists, err := l.repository.ReferenceExists(ctx, tx, reference)
	if err != nil {
		return decimal.Zero, err
	}
	if exists {
		l.log.Info("credit skipped, reference already used", zap.String("reference", reference))
		return decimal.Zero, alreadySettled
	}

	// 2. Upsert and lock
	if err := l.repository.EnsureWallet(ctx, tx, userID); err != nil {
		return decimal.Zero, err
	}
	w, err := l.repository.GetWalletForUpdate(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	// 3. Apply and record
	newBalance := w.Balance.Add(amount)
	if err := l.repository.UpdateBalance(ctx, tx, userID, newBalance); err != nil {
		return decimal.Zero, err
	}

	entry := &Entry{
		UserID:       userID,
		Kind:         EntryCredit,
		Amount:       amount,
		BalanceAfter: newBalance,
		Reference:    reference,
		CreatedAt:    l.now(),
	}
	if err := l.repository.InsertEntry(ctx, tx, entry); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return decimal.Zero, alreadySettled
		}
		return decimal.Zero, err
	}

	return newBalance, nil
}

// Balance returns the committed balance; a user without a wallet has zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	w, err := l.repository.GetWallet(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, apperrors.Unavailable("could not read balance", err)
	}
	return w.Balance, nil
}

// Entries returns the most recent movements first.
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultEntriesLimit
	}
	if limit > maxEntriesLimit {
		limit = maxEntriesLimit
	}
	entries, err := l.repository.ListEntries(ctx, userID, limit)
	if err != nil {
		return nil, apperrors.Unavailable("could not list wallet entries", err)
	}
	return entries, nil
}
