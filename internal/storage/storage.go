package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout is returned when a row lock could not be acquired within the configured wait.
	ErrLockTimeout = errors.New("storage: lock wait timeout")
	// ErrConflict marks deadlocks and serialization failures. The attempt can be retried.
	ErrConflict = errors.New("storage: serialization conflict")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("storage: duplicate key")
	// ErrCheckViolation is returned when a CHECK constraint rejects a write.
	ErrCheckViolation = errors.New("storage: check constraint violated")
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrTxDone is returned when a closed transaction is used.
	ErrTxDone = errors.New("storage: transaction already closed")
)

// Tx is one atomic scope against the backing store.
type Tx interface {
	Commit() error
	Rollback() error
}

// Store opens atomic scopes.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// WithTx runs fn inside a single transaction. The transaction is rolled back when fn
// returns an error, panics, or the context is cancelled before commit.
func WithTx(ctx context.Context, store Store, fn func(tx Tx) error) (err error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = ctx.Err(); err != nil {
		return fmt.Errorf("transaction aborted before commit: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient storage failure after which the whole
// scope can be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInfrastructure reports whether err comes from the store itself (lock waits, conflicts,
// cancellation) rather than from data it returned.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTxDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
