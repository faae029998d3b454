package cart

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/account-store/internal/storage"
)

// Repository defines cart persistence. Methods taking a Tx run inside the caller's transaction.
type Repository interface {
	// LockCart serializes writers of one user's cart.
	LockCart(ctx context.Context, tx storage.Tx, userID string) error
	GetItem(ctx context.Context, tx storage.Tx, userID string, productID int64) (*Item, error)
	UpsertItem(ctx context.Context, tx storage.Tx, item *Item) error
	DeleteItem(ctx context.Context, tx storage.Tx, userID string, productID int64) error
	ListItemsTx(ctx context.Context, tx storage.Tx, userID string) ([]Item, error)
	DeleteAll(ctx context.Context, tx storage.Tx, userID string) (int64, error)
	ListItems(ctx context.Context, userID string) ([]Item, error)
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a cart repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// LockCart takes a transaction-scoped advisory lock keyed by the user id, since a cart has no
// parent row to lock.
func (r *PostgresRepository) LockCart(ctx context.Context, tx storage.Tx, userID string) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}
	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('cart:' || $1, 0))`, userID); err != nil {
		return fmt.Errorf("failed to lock cart: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) GetItem(ctx context.Context, tx storage.Tx, userID string, productID int64) (*Item, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	var item Item
	err = pgTx.QueryRow(ctx, `
		SELECT user_id, product_id, quantity, updated_at
		FROM cart_items
		WHERE user_id = $1 AND product_id = $2
	`, userID, productID).Scan(&item.UserID, &item.ProductID, &item.Quantity, &item.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get cart item: %w", storage.Classify(err))
	}
	return &item, nil
}

func (r *PostgresRepository) UpsertItem(ctx context.Context, tx storage.Tx, item *Item) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `
		INSERT INTO cart_items (user_id, product_id, quantity, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, item.UserID, item.ProductID, item.Quantity, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save cart item: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) DeleteItem(ctx context.Context, tx storage.Tx, userID string, productID int64) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}
	if _, err := pgTx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1 AND product_id = $2`, userID, productID); err != nil {
		return fmt.Errorf("failed to delete cart item: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) ListItemsTx(ctx context.Context, tx storage.Tx, userID string) ([]Item, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}
	return listItems(ctx, pgTx, userID)
}

func (r *PostgresRepository) DeleteAll(ctx context.Context, tx storage.Tx, userID string) (int64, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return 0, err
	}
	tag, err := pgTx.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear cart: %w", storage.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListItems(ctx context.Context, userID string) ([]Item, error) {
	return listItems(ctx, r.db, userID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, q querier, userID string) ([]Item, error) {
	rows, err := q.Query(ctx, `
		SELECT user_id, product_id, quantity, updated_at
		FROM cart_items
		WHERE user_id = $1
		ORDER BY product_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", storage.Classify(err))
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var item Item
		err := row.Scan(&item.UserID, &item.ProductID, &item.Quantity, &item.UpdatedAt)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cart items: %w", storage.Classify(err))
	}
	return items, nil
}
