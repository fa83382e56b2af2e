package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/review-anchor/internal/models"
)

// SessionRepository persists minted bearer-token sessions keyed by jti.
type SessionRepository struct {
	db *PostgresDB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *PostgresDB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create stores a new session
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sessions (id, user_id, wallet_address, session_token_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		s.ID, s.UserID, s.WalletAddress, s.SessionTokenID, s.IssuedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", asUniqueViolation(err))
	}
	return nil
}

// GetByTokenID returns the session for a jti regardless of state; callers check IsActive.
func (r *SessionRepository) GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error) {
	query := `
		SELECT id, user_id, wallet_address, session_token_id, issued_at, expires_at, revoked_at
		FROM sessions
		WHERE session_token_id = $1
	`

	var (
		s         models.Session
		revokedAt pgtype.Timestamptz
	)
	err := r.db.Pool().QueryRow(ctx, query, tokenID).Scan(
		&s.ID,
		&s.UserID,
		&s.WalletAddress,
		&s.SessionTokenID,
		&s.IssuedAt,
		&s.ExpiresAt,
		&revokedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", notFound(err))
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

// Revoke sets revoked_at on an active session. Revoking twice returns ErrNotFound.
func (r *SessionRepository) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	query := `UPDATE sessions SET revoked_at = $2 WHERE session_token_id = $1 AND revoked_at IS NULL`

	tag, err := r.db.Pool().Exec(ctx, query, tokenID, at)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
