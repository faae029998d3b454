package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/account-store/internal/storage"
)

// Repository is the product persistence contract.
type Repository interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	CreateProduct(ctx context.Context, product *Product) error
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a catalog repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `
		SELECT id, name, price, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %d: %w", id, storage.Classify(err))
	}
	return &p, nil
}

func (r *PostgresRepository) ListProducts(ctx context.Context, activeOnly bool) ([]Product, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, price, active, created_at, updated_at
		FROM products
		WHERE active OR NOT $1
		ORDER BY id
	`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", storage.Classify(err))
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *PostgresRepository) CreateProduct(ctx context.Context, product *Product) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO products (name, price, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, product.Name, product.Price, product.Active, product.CreatedAt, product.UpdatedAt).Scan(&product.ID)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", storage.Classify(err))
	}
	return nil
}
