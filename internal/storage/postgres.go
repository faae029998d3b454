package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a pgx connection pool.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a PostgresStore. Every transaction it opens waits at most
// lockTimeout for a row lock.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		pool:        pool,
		lockTimeout: lockTimeout,
	}
}

// Pool returns the underlying pool for read-only queries outside a transaction.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// BeginTx opens a READ COMMITTED transaction with a bounded lock wait.
func (s *PostgresStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, Classify(err)
	}

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(context.Background())
			return nil, Classify(err)
		}
	}

	return &PostgresTx{tx: tx}, nil
}

// PostgresTx implements Tx
type PostgresTx struct {
	tx pgx.Tx
}

// Conn exposes the pgx transaction to repositories.
func (t *PostgresTx) Conn() pgx.Tx {
	return t.tx
}

func (t *PostgresTx) Commit() error {
	return Classify(t.tx.Commit(context.Background()))
}

func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// PgxTx unwraps a Tx opened by PostgresStore.
func PgxTx(tx Tx) (pgx.Tx, error) {
	pgTx, ok := tx.(*PostgresTx)
	if !ok {
		return nil, fmt.Errorf("storage: expected *PostgresTx, got %T", tx)
	}
	return pgTx.tx, nil
}

// Postgres error codes the engine reacts to.
const (
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

// Classify maps driver errors onto the storage sentinels while keeping the driver error
// in the chain.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %w", ErrTxDone, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s: %w", ErrDuplicate, pgErr.ConstraintName, err)
		case pgCheckViolation:
			return fmt.Errorf("%w: %s: %w", ErrCheckViolation, pgErr.ConstraintName, err)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case pgLockNotAvailable, pgQueryCanceled:
			return fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
	}

	return err
}
