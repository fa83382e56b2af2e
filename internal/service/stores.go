package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/review-anchor/internal/adapter"
	"github.com/review-anchor/internal/models"
)

// Repository interfaces consumed by the services. The storage package provides the
// Postgres implementations; tests substitute in-memory ones.

type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByWallet(ctx context.Context, wallet string) (*models.User, error)
}

type NonceStore interface {
	Create(ctx context.Context, n *models.Nonce) error
	Get(ctx context.Context, wallet, nonce string) (*models.Nonce, error)
	Consume(ctx context.Context, id string, at time.Time) error
}

type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error)
	Revoke(ctx context.Context, tokenID string, at time.Time) error
}

type EstablishmentStore interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type ReviewStore interface {
	Create(ctx context.Context, review *models.Review) error
	GetByID(ctx context.Context, id string) (*models.Review, error)
}

type PointsConfigStore interface {
	Current(ctx context.Context) (*models.PointsConfig, error)
	Save(ctx context.Context, cfg *models.PointsConfig) error
}

type IdempotencyStore interface {
	Get(ctx context.Context, userID, key string) (json.RawMessage, error)
	// Save stores response unless a row already exists, returning whichever row won.
	Save(ctx context.Context, userID, key string, response json.RawMessage) (json.RawMessage, error)
}

// AnchorVerifier is satisfied by *adapter.AnchorVerifier.
type AnchorVerifier interface {
	ChainID() int64
	VerifyAnchoredTx(ctx context.Context, txHash, expectedWallet, expectedReviewHash, expectedEstablishmentID string) adapter.VerificationResult
}

// AnchorStatusResolver is satisfied by *adapter.AnchorStatusResolver.
type AnchorStatusResolver interface {
	Status(ctx context.Context, txHash string) (*adapter.AnchorStatus, error)
}
