package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// IdempotencyRepository is the durable store of responses keyed by (user, idempotency key).
type IdempotencyRepository struct {
	db *PostgresDB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *PostgresDB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get returns the stored response or ErrNotFound
func (r *IdempotencyRepository) Get(ctx context.Context, userID, key string) (json.RawMessage, error) {
	var response []byte
	err := r.db.Pool().QueryRow(ctx,
		`SELECT response FROM idempotency_keys WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key,
	).Scan(&response)
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", notFound(err))
	}
	return json.RawMessage(response), nil
}

// Save stores response unless a response already exists for (user, key), and returns
// whichever response is stored. Concurrent writers therefore converge on the first one.
func (r *IdempotencyRepository) Save(ctx context.Context, userID, key string, response json.RawMessage) (json.RawMessage, error) {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO idempotency_keys (user_id, idempotency_key, response)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`, userID, key, []byte(response))
	if err != nil {
		return nil, fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return r.Get(ctx, userID, key)
}
