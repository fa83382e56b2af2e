// Package storage provides database connection and repository implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/review-anchor/internal/config"
)

// PgxPool is the subset of *pgxpool.Pool used by repositories; pgxmock.PgxPoolIface satisfies it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresDB wraps the pgx connection pool
type PostgresDB struct {
	pool PgxPool
}

// NewPostgresDB creates a new Postgres database connection
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable pool_max_conns=%d",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Database,
		cfg.MaxConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is validated in config
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// NewPostgresDBWithPool wraps an existing pool (or a pgxmock pool in tests).
func NewPostgresDBWithPool(pool PgxPool) *PostgresDB {
	return &PostgresDB{pool: pool}
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() PgxPool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// WithTx runs fn inside a transaction, committing on success and rolling back otherwise.
func (db *PostgresDB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = fmt.Errorf("failed to commit transaction: %w", e)
		}
	}()

	return fn(tx)
}

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned for unique-constraint violations.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNonceConsumed is returned when a nonce was already used.
	ErrNonceConsumed = errors.New("nonce already consumed")
)

// Constraint names referenced by callers that map conflicts to messages.
const (
	ConstraintReviewsPK       = "reviews_pkey"
	ConstraintReviewHash      = "reviews_review_hash_key"
	ConstraintAnchorTxHash    = "review_anchors_tx_hash_key"
	ConstraintUsersWallet     = "users_wallet_address_key"
	ConstraintUsersEmail      = "users_email_key"
	ConstraintNoncesNonce     = "nonces_nonce_key"
	ConstraintSessionsTokenID = "sessions_session_token_id_key"
	uniqueViolationSQLState   = "23505"
)

// UniqueViolation reports which unique constraint rejected a write. It matches ErrAlreadyExists.
type UniqueViolation struct {
	Constraint string
	Err        error
}

func (e *UniqueViolation) Error() string {
	return fmt.Sprintf("unique violation on %s: %v", e.Constraint, e.Err)
}

// Is makes errors.Is(err, ErrAlreadyExists) hold.
func (e *UniqueViolation) Is(target error) bool {
	return target == ErrAlreadyExists
}

func (e *UniqueViolation) Unwrap() error {
	return e.Err
}

// asUniqueViolation converts a pg unique violation into *UniqueViolation and passes other errors through.
func asUniqueViolation(err error) error {
	var pg *pgconn.PgError
	if errors.As(err, &pg) && pg.Code == uniqueViolationSQLState {
		return &UniqueViolation{Constraint: pg.ConstraintName, Err: err}
	}
	return err
}

// notFound maps pgx.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
