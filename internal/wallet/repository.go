package wallet

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/account-store/internal/storage"
)

// Repository defines the wallet persistence operations.
type Repository interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetWalletForUpdate(ctx context.Context, tx storage.Tx, userID string) (*Wallet, error)
	EnsureWallet(ctx context.Context, tx storage.Tx, userID string) error
	UpdateBalance(ctx context.Context, tx storage.Tx, userID string, balance decimal.Decimal) error
	ReferenceExists(ctx context.Context, tx storage.Tx, reference string) (bool, error)
	InsertEntry(ctx context.Context, tx storage.Tx, entry *Entry) error
	ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a wallet repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := r.db.QueryRow(ctx, `
		SELECT user_id, balance, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", storage.Classify(err))
	}
	return &w, nil
}

// GetWalletForUpdate reads the wallet with a pessimistic row lock (FOR UPDATE).
func (r *PostgresRepository) GetWalletForUpdate(ctx context.Context, tx storage.Tx, userID string) (*Wallet, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT user_id, balance, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`

	var w Wallet
	err = pgTx.QueryRow(ctx, query, userID).Scan(&w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet with lock: %w", storage.Classify(err))
	}
	return &w, nil
}

func (r *PostgresRepository) EnsureWallet(ctx context.Context, tx storage.Tx, userID string) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) UpdateBalance(ctx context.Context, tx storage.Tx, userID string, balance decimal.Decimal) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	tag, err := pgTx.Exec(ctx, `
		UPDATE wallets
		SET balance = $2,
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, balance)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", storage.Classify(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update wallet balance: %w", storage.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) ReferenceExists(ctx context.Context, tx storage.Tx, reference string) (bool, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return false, err
	}

	var exists bool
	err = pgTx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM wallet_entries WHERE reference = $1)
	`, reference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check entry reference: %w", storage.Classify(err))
	}
	return exists, nil
}

func (r *PostgresRepository) InsertEntry(ctx context.Context, tx storage.Tx, entry *Entry) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	err = pgTx.QueryRow(ctx, `
		INSERT INTO wallet_entries (user_id, kind, amount, balance_after, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.UserID, entry.Kind, entry.Amount, entry.BalanceAfter, entry.Reference, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert wallet entry: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, kind, amount, balance_after, reference, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet entries: %w", storage.Classify(err))
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan wallet entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
