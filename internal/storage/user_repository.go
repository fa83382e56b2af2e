package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/types"
)

// UserRepository handles user data persistence
type UserRepository struct {
	db *PostgresDB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *PostgresDB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, wallet_address, email, name, avatar_url, role, created_at`

// Create inserts a new user. Duplicate wallet or email yields *UniqueViolation.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Role == "" {
		user.Role = types.RoleUser
	}
	if !user.Role.Valid() {
		return fmt.Errorf("invalid role: %s", user.Role)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, wallet_address, email, name, avatar_url, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		user.ID,
		user.WalletAddress,
		user.Email,
		user.Name,
		user.AvatarURL,
		string(user.Role),
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", asUniqueViolation(err))
	}

	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByWallet retrieves a user by checksummed wallet address
func (r *UserRepository) GetByWallet(ctx context.Context, wallet string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE wallet_address = $1`
	return r.getOne(ctx, query, wallet)
}

func (r *UserRepository) getOne(ctx context.Context, query string, arg string) (*models.User, error) {
	var (
		user   models.User
		wallet pgtype.Text
		email  pgtype.Text
		role   string
	)

	err := r.db.Pool().QueryRow(ctx, query, arg).Scan(
		&user.ID,
		&wallet,
		&email,
		&user.Name,
		&user.AvatarURL,
		&role,
		&user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", notFound(err))
	}

	if wallet.Valid {
		user.WalletAddress = &wallet.String
	}
	if email.Valid {
		user.Email = &email.String
	}
	user.Role = types.UserRole(role)

	return &user, nil
}
