package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/account-store/internal/storage"
)

// ErrDuplicateIdempotencyKey is returned when the user already has an order with the same key.
var ErrDuplicateIdempotencyKey = errors.New("orders: idempotency key already used")

const idempotencyConstraint = "orders_user_idempotency_key"

// Repository defines the order persistence operations.
type Repository interface {
	CodeExists(ctx context.Context, tx storage.Tx, code string) (bool, error)
	InsertOrder(ctx context.Context, tx storage.Tx, order *Order) error
	InsertItems(ctx context.Context, tx storage.Tx, orderID uuid.UUID, items []Item) error
	BindUnits(ctx context.Context, tx storage.Tx, orderID uuid.UUID, unitIDs []int64) (int64, error)
	FindByIdempotencyKey(ctx context.Context, tx storage.Tx, userID, key string) (*Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates an order repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CodeExists(ctx context.Context, tx storage.Tx, code string) (bool, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return false, err
	}

	var exists bool
	err = pgTx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check order code: %w", storage.Classify(err))
	}
	return exists, nil
}

func (r *PostgresRepository) InsertOrder(ctx context.Context, tx storage.Tx, order *Order) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	var key *string
	if order.IdempotencyKey != "" {
		key = &order.IdempotencyKey
	}

	_, err = pgTx.Exec(ctx, `
		INSERT INTO orders (id, code, user_id, total, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, order.ID, order.Code, order.UserID, order.Total, order.Status, key, order.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == idempotencyConstraint {
			return fmt.Errorf("%w: %w", ErrDuplicateIdempotencyKey, err)
		}
		return fmt.Errorf("failed to insert order: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) InsertItems(ctx context.Context, tx storage.Tx, orderID uuid.UUID, items []Item) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO order_items (order_id, unit_id, product_id, unit_price)
			VALUES ($1, $2, $3, $4)
		`, orderID, item.UnitID, item.ProductID, item.UnitPrice)
	}

	if err := pgTx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order items: %w", storage.Classify(err))
	}
	return nil
}

// BindUnits attaches sold, unbound units to the order and reports how many rows matched.
func (r *PostgresRepository) BindUnits(ctx context.Context, tx storage.Tx, orderID uuid.UUID, unitIDs []int64) (int64, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return 0, err
	}

	tag, err := pgTx.Exec(ctx, `
		UPDATE stock_units
		SET order_id = $1
		WHERE id = ANY($2) AND status = 'sold' AND order_id IS NULL
	`, orderID, unitIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to bind units to order: %w", storage.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, tx storage.Tx, userID, key string) (*Order, error) {
	var q querier = r.db
	if tx != nil {
		pgTx, err := storage.PgxTx(tx)
		if err != nil {
			return nil, err
		}
		q = pgTx
	}

	var id uuid.UUID
	err := q.QueryRow(ctx, `
		SELECT id FROM orders WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to find order by idempotency key: %w", storage.Classify(err))
	}
	return r.loadOrder(ctx, q, id)
}

func (r *PostgresRepository) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return r.loadOrder(ctx, r.db, orderID)
}

func (r *PostgresRepository) ListOrders(ctx context.Context, userID string, limit int) ([]Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", storage.Classify(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", storage.Classify(err))
	}

	orders := make([]Order, 0, len(ids))
	for _, id := range ids {
		order, err := r.loadOrder(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (r *PostgresRepository) loadOrder(ctx context.Context, q querier, orderID uuid.UUID) (*Order, error) {
	var (
		o   Order
		key *string
	)
	err := q.QueryRow(ctx, `
		SELECT id, code, user_id, total, status, idempotency_key, created_at
		FROM orders
		WHERE id = $1
	`, orderID).Scan(&o.ID, &o.Code, &o.UserID, &o.Total, &o.Status, &key, &o.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", storage.Classify(err))
	}
	if key != nil {
		o.IdempotencyKey = *key
	}

	rows, err := q.Query(ctx, `
		SELECT oi.unit_id, oi.product_id, oi.unit_price, su.payload
		FROM order_items oi
		JOIN stock_units su ON su.id = oi.unit_id
		WHERE oi.order_id = $1
		ORDER BY oi.unit_id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", storage.Classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.UnitID, &item.ProductID, &item.UnitPrice, &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan order item: %w", err)
		}
		o.Items = append(o.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", storage.Classify(err))
	}
	return &o, nil
}
