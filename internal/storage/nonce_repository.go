package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/review-anchor/internal/models"
)

// NonceRepository persists SIWE challenges. Rows are never deleted.
type NonceRepository struct {
	db *PostgresDB
}

// NewNonceRepository creates a new nonce repository
func NewNonceRepository(db *PostgresDB) *NonceRepository {
	return &NonceRepository{db: db}
}

// Create stores a freshly issued nonce
func (r *NonceRepository) Create(ctx context.Context, n *models.Nonce) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	query := `
		INSERT INTO nonces (id, wallet_address, nonce, domain, uri, chain_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		n.ID, n.WalletAddress, n.Nonce, n.Domain, n.URI, n.ChainID, n.IssuedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create nonce: %w", asUniqueViolation(err))
	}
	return nil
}

// Get returns the nonce issued to wallet, consumed or not.
func (r *NonceRepository) Get(ctx context.Context, wallet, nonce string) (*models.Nonce, error) {
	query := `
		SELECT id, wallet_address, nonce, domain, uri, chain_id, issued_at, expires_at, consumed_at
		FROM nonces
		WHERE wallet_address = $1 AND nonce = $2
	`

	var (
		n          models.Nonce
		consumedAt pgtype.Timestamptz
	)
	err := r.db.Pool().QueryRow(ctx, query, wallet, nonce).Scan(
		&n.ID,
		&n.WalletAddress,
		&n.Nonce,
		&n.Domain,
		&n.URI,
		&n.ChainID,
		&n.IssuedAt,
		&n.ExpiresAt,
		&consumedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", notFound(err))
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		n.ConsumedAt = &t
	}
	return &n, nil
}

// Consume marks the nonce used. Only the first caller succeeds; later calls get ErrNonceConsumed.
func (r *NonceRepository) Consume(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE nonces SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`

	tag, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to consume nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNonceConsumed
	}
	return nil
}
