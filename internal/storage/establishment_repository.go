package storage

import (
	"context"
	"fmt"
)

// EstablishmentRepository reads establishments
type EstablishmentRepository struct {
	db *PostgresDB
}

// NewEstablishmentRepository creates a new establishment repository
func NewEstablishmentRepository(db *PostgresDB) *EstablishmentRepository {
	return &EstablishmentRepository{db: db}
}

// Exists reports whether an establishment with id exists
func (r *EstablishmentRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM establishments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check establishment: %w", err)
	}
	return exists, nil
}
