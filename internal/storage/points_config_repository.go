package storage

import (
	"context"
	"fmt"

	"github.com/review-anchor/internal/models"
)

// PointsConfigRepository stores reward weights. Each Save appends a row; the newest row is current.
type PointsConfigRepository struct {
	db *PostgresDB
}

// NewPointsConfigRepository creates a new points configuration repository
func NewPointsConfigRepository(db *PostgresDB) *PointsConfigRepository {
	return &PointsConfigRepository{db: db}
}

// Current returns the most recent configuration or ErrNotFound
func (r *PointsConfigRepository) Current(ctx context.Context) (*models.PointsConfig, error) {
	query := `
		SELECT id, image_yes, image_no, desc_gt200, desc_lte200, stars_yes, stars_no,
			price_lt100, price_gte100, created_at
		FROM points_config
		ORDER BY id DESC
		LIMIT 1
	`

	var c models.PointsConfig
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&c.ID,
		&c.ImageYes,
		&c.ImageNo,
		&c.DescGT200,
		&c.DescLTE200,
		&c.StarsYes,
		&c.StarsNo,
		&c.PriceLT100,
		&c.PriceGTE100,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get points config: %w", notFound(err))
	}
	return &c, nil
}

// Save appends cfg as the new current configuration
func (r *PointsConfigRepository) Save(ctx context.Context, cfg *models.PointsConfig) error {
	query := `
		INSERT INTO points_config (image_yes, image_no, desc_gt200, desc_lte200, stars_yes, stars_no,
			price_lt100, price_gte100)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		cfg.ImageYes, cfg.ImageNo, cfg.DescGT200, cfg.DescLTE200,
		cfg.StarsYes, cfg.StarsNo, cfg.PriceLT100, cfg.PriceGTE100,
	).Scan(&cfg.ID, &cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save points config: %w", err)
	}
	return nil
}
