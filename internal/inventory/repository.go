package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/account-store/internal/storage"
)

// Repository defines the stock persistence operations. Methods taking a Tx run inside the
// caller's transaction and never commit.
type Repository interface {
	LockProduct(ctx context.Context, tx storage.Tx, productID int64) error
	SelectAvailableForUpdate(ctx context.Context, tx storage.Tx, productID int64, limit int) ([]StockUnit, error)
	MarkSold(ctx context.Context, tx storage.Tx, unitIDs []int64, soldAt time.Time) (int64, error)
	InsertUnits(ctx context.Context, tx storage.Tx, productID int64, payloads []string) ([]StockUnit, error)
	CountAvailable(ctx context.Context, productID int64) (int, error)
	GetUnit(ctx context.Context, unitID int64) (*StockUnit, error)
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a stock repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// LockProduct takes the per-product row lock that serializes every reservation of that product.
func (r *PostgresRepository) LockProduct(ctx context.Context, tx storage.Tx, productID int64) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	var id int64
	err = pgTx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to lock product %d: %w", productID, storage.Classify(err))
	}
	return nil
}

// SelectAvailableForUpdate returns up to limit available units in import order, locked.
func (r *PostgresRepository) SelectAvailableForUpdate(ctx context.Context, tx storage.Tx, productID int64, limit int) ([]StockUnit, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	rows, err := pgTx.Query(ctx, `
		SELECT id, product_id, payload, status, order_id, created_at, sold_at
		FROM stock_units
		WHERE product_id = $1 AND status = 'available'
		ORDER BY id
		LIMIT $2
		FOR UPDATE
	`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select available units: %w", storage.Classify(err))
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to select available units: %w", storage.Classify(err))
	}
	return units, nil
}

func (r *PostgresRepository) MarkSold(ctx context.Context, tx storage.Tx, unitIDs []int64, soldAt time.Time) (int64, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return 0, err
	}

	tag, err := pgTx.Exec(ctx, `
		UPDATE stock_units
		SET status = 'sold', sold_at = $2
		WHERE id = ANY($1) AND status = 'available'
	`, unitIDs, soldAt)
	if err != nil {
		return 0, fmt.Errorf("failed to mark units sold: %w", storage.Classify(err))
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) InsertUnits(ctx context.Context, tx storage.Tx, productID int64, payloads []string) ([]StockUnit, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	rows, err := pgTx.Query(ctx, `
		INSERT INTO stock_units (product_id, payload)
		SELECT $1, p.payload
		FROM unnest($2::text[]) WITH ORDINALITY AS p(payload, n)
		ORDER BY p.n
		RETURNING id, product_id, payload, status, order_id, created_at, sold_at
	`, productID, payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to import units: %w", storage.Classify(err))
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to import units: %w", storage.Classify(err))
	}
	return units, nil
}

func (r *PostgresRepository) CountAvailable(ctx context.Context, productID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM stock_units
		WHERE product_id = $1 AND status = 'available'
	`, productID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count available units: %w", storage.Classify(err))
	}
	return count, nil
}

func (r *PostgresRepository) GetUnit(ctx context.Context, unitID int64) (*StockUnit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, product_id, payload, status, order_id, created_at, sold_at
		FROM stock_units
		WHERE id = $1
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %d: %w", unitID, storage.Classify(err))
	}
	units, err := scanUnits(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get unit %d: %w", unitID, storage.Classify(err))
	}
	if len(units) == 0 {
		return nil, storage.ErrNotFound
	}
	return &units[0], nil
}

func scanUnits(rows pgx.Rows) ([]StockUnit, error) {
	defer rows.Close()

	var units []StockUnit
	for rows.Next() {
		var u StockUnit
		if err := rows.Scan(&u.ID, &u.ProductID, &u.Payload, &u.Status, &u.OrderID, &u.CreatedAt, &u.SoldAt); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}
