package topup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matheusmosca/account-store/internal/storage"
)

// Repository defines the top-up claim persistence operations.
type Repository interface {
	// InsertClaim inserts c unless its external reference is taken, and reports whether it did.
	InsertClaim(ctx context.Context, tx storage.Tx, c *Claim) (bool, error)
	GetClaimForUpdate(ctx context.Context, tx storage.Tx, id uuid.UUID) (*Claim, error)
	GetClaimByRefForUpdate(ctx context.Context, tx storage.Tx, externalRef string) (*Claim, error)
	GetClaimByProviderTxn(ctx context.Context, tx storage.Tx, providerTxnID string) (*Claim, error)
	// LockProviderTxn serializes concurrent deliveries of the same provider transaction.
	LockProviderTxn(ctx context.Context, tx storage.Tx, providerTxnID string) error
	UpdateClaim(ctx context.Context, tx storage.Tx, c *Claim) error
	GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error)
	ListClaims(ctx context.Context, filter Filter) ([]Claim, error)
}

const claimColumns = `id, user_id, amount, settled_amount, external_ref, provider_txn_id, method, status, note, created_at, settled_at`

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a claim repository on the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.UserID, &c.Amount, &c.SettledAmount, &c.ExternalRef, &c.ProviderTxnID,
		&c.Method, &c.Status, &c.Note, &c.CreatedAt, &c.SettledAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) InsertClaim(ctx context.Context, tx storage.Tx, c *Claim) (bool, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return false, err
	}

	// ON CONFLICT waits for a concurrent insert of the same reference instead of aborting.
	tag, err := pgTx.Exec(ctx, `
		INSERT INTO topup_claims (`+claimColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (external_ref) DO NOTHING
	`, c.ID, c.UserID, c.Amount, c.SettledAmount, c.ExternalRef, c.ProviderTxnID,
		c.Method, c.Status, c.Note, c.CreatedAt, c.SettledAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert top-up claim: %w", storage.Classify(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetClaimForUpdate(ctx context.Context, tx storage.Tx, id uuid.UUID) (*Claim, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	c, err := scanClaim(pgTx.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM topup_claims
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get top-up claim with lock: %w", storage.Classify(err))
	}
	return c, nil
}

func (r *PostgresRepository) GetClaimByRefForUpdate(ctx context.Context, tx storage.Tx, externalRef string) (*Claim, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	c, err := scanClaim(pgTx.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM topup_claims
		WHERE external_ref = $1
		FOR UPDATE
	`, externalRef))
	if err != nil {
		return nil, fmt.Errorf("failed to get top-up claim by reference: %w", storage.Classify(err))
	}
	return c, nil
}

func (r *PostgresRepository) GetClaimByProviderTxn(ctx context.Context, tx storage.Tx, providerTxnID string) (*Claim, error) {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return nil, err
	}

	c, err := scanClaim(pgTx.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM topup_claims
		WHERE provider_txn_id = $1
	`, providerTxnID))
	if err != nil {
		return nil, fmt.Errorf("failed to get top-up claim by provider transaction: %w", storage.Classify(err))
	}
	return c, nil
}

func (r *PostgresRepository) LockProviderTxn(ctx context.Context, tx storage.Tx, providerTxnID string) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	_, err = pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "topup:"+providerTxnID)
	if err != nil {
		return fmt.Errorf("failed to lock provider transaction: %w", storage.Classify(err))
	}
	return nil
}

func (r *PostgresRepository) UpdateClaim(ctx context.Context, tx storage.Tx, c *Claim) error {
	pgTx, err := storage.PgxTx(tx)
	if err != nil {
		return err
	}

	tag, err := pgTx.Exec(ctx, `
		UPDATE topup_claims
		SET status = $2,
		    settled_amount = $3,
		    provider_txn_id = $4,
		    note = $5,
		    settled_at = $6
		WHERE id = $1
	`, c.ID, c.Status, c.SettledAmount, c.ProviderTxnID, c.Note, c.SettledAt)
	if err != nil {
		return fmt.Errorf("failed to update top-up claim: %w", storage.Classify(err))
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("failed to update top-up claim: %w", storage.ErrNotFound)
	}
	return nil
}

func (r *PostgresRepository) GetClaim(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := scanClaim(r.db.QueryRow(ctx, `
		SELECT `+claimColumns+`
		FROM topup_claims
		WHERE id = $1
	`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get top-up claim: %w", storage.Classify(err))
	}
	return c, nil
}

func (r *PostgresRepository) ListClaims(ctx context.Context, filter Filter) ([]Claim, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+claimColumns+`
		FROM topup_claims
		WHERE ($1::text = '' OR user_id = $1)
		  AND ($2::text = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, filter.UserID, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list top-up claims: %w", storage.Classify(err))
	}
	defer rows.Close()

	var claims []Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan top-up claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}
