package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/review-anchor/internal/models"
)

// ReviewRepository persists reviews together with their evidence and anchor.
type ReviewRepository struct {
	db *PostgresDB
}

// NewReviewRepository creates a new review repository
func NewReviewRepository(db *PostgresDB) *ReviewRepository {
	return &ReviewRepository{db: db}
}

// Create writes the review, its evidence rows and its anchor in one transaction.
// The anchor is upserted by review id so a retried anchor write is tolerated.
// Unique violations are returned as *UniqueViolation.
func (r *ReviewRepository) Create(ctx context.Context, review *models.Review) error {
	if review.Anchor == nil {
		return fmt.Errorf("review %s has no anchor", review.ID)
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}
	if review.Tags == nil {
		review.Tags = []string{}
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		insertReview := `
			INSERT INTO reviews (id, user_id, establishment_id, title, description, stars, price,
				purchase_url, tags, points_awarded, review_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, $12)
		`
		if _, err := tx.Exec(ctx, insertReview,
			review.ID,
			review.UserID,
			review.EstablishmentID,
			review.Title,
			review.Description,
			review.Stars,
			review.Price.String(),
			review.PurchaseURL,
			review.Tags,
			review.PointsAwarded,
			review.ReviewHash,
			review.CreatedAt,
		); err != nil {
			return asUniqueViolation(err)
		}

		if len(review.Evidence) > 0 {
			urls := make([]string, len(review.Evidence))
			positions := make([]int32, len(review.Evidence))
			for i := range review.Evidence {
				review.Evidence[i].ReviewID = review.ID
				review.Evidence[i].Position = i
				urls[i] = review.Evidence[i].URL
				positions[i] = int32(i) // #nosec G115 - bounded by request validation
			}
			insertEvidence := `
				INSERT INTO review_evidence (review_id, url, position)
				SELECT $1, e.url, e.position
				FROM unnest($2::text[], $3::int[]) AS e(url, position)
			`
			if _, err := tx.Exec(ctx, insertEvidence, review.ID, urls, positions); err != nil {
				return err
			}
		}

		a := review.Anchor
		a.ReviewID = review.ID
		upsertAnchor := `
			INSERT INTO review_anchors (review_id, tx_hash, chain_id, block_number, block_timestamp)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (review_id) DO UPDATE SET
				tx_hash = EXCLUDED.tx_hash,
				chain_id = EXCLUDED.chain_id,
				block_number = EXCLUDED.block_number,
				block_timestamp = EXCLUDED.block_timestamp
		`
		if _, err := tx.Exec(ctx, upsertAnchor, a.ReviewID, a.TxHash, a.ChainID, a.BlockNumber, a.BlockTimestamp); err != nil {
			return asUniqueViolation(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}
	return nil
}

// GetByID loads a review with evidence (ordered by position) and anchor.
func (r *ReviewRepository) GetByID(ctx context.Context, id string) (*models.Review, error) {
	query := `
		SELECT id, user_id, establishment_id, title, description, stars, price::text,
			purchase_url, tags, points_awarded, review_hash, created_at
		FROM reviews
		WHERE id = $1
	`

	var (
		review models.Review
		price  string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&review.ID,
		&review.UserID,
		&review.EstablishmentID,
		&review.Title,
		&review.Description,
		&review.Stars,
		&price,
		&review.PurchaseURL,
		&review.Tags,
		&review.PointsAwarded,
		&review.ReviewHash,
		&review.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", notFound(err))
	}
	if review.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("failed to parse review price %q: %w", price, err)
	}

	rows, err := r.db.Pool().Query(ctx,
		`SELECT id, review_id, url, position FROM review_evidence WHERE review_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.EvidenceImage
		if err := rows.Scan(&e.ID, &e.ReviewID, &e.URL, &e.Position); err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		review.Evidence = append(review.Evidence, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence: %w", err)
	}

	var a models.Anchor
	err = r.db.Pool().QueryRow(ctx,
		`SELECT review_id, tx_hash, chain_id, block_number, block_timestamp FROM review_anchors WHERE review_id = $1`, id,
	).Scan(&a.ReviewID, &a.TxHash, &a.ChainID, &a.BlockNumber, &a.BlockTimestamp)
	switch {
	case err == nil:
		review.Anchor = &a
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to get anchor: %w", err)
	}

	return &review, nil
}
