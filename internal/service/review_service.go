package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/review-anchor/internal/adapter"
	apperrors "github.com/review-anchor/internal/errors"
	"github.com/review-anchor/internal/hasher"
	"github.com/review-anchor/internal/logging"
	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/points"
	"github.com/review-anchor/internal/storage"
)

// MaxIdempotencyKeyLength bounds the Idempotency-Key header.
const MaxIdempotencyKeyLength = 255

// sharedSubmitTimeout bounds a coalesced submission, which outlives any single caller.
const sharedSubmitTimeout = 30 * time.Second

// ReviewService runs the review submission pipeline.
type ReviewService struct {
	users          UserStore
	establishments EstablishmentStore
	reviews        ReviewStore
	pointsConfig   PointsConfigStore
	idempotency    IdempotencyStore
	cache          *IdempotencyCache
	verifier       AnchorVerifier
	resolver       AnchorStatusResolver
	flight         singleflight.Group
	now            func() time.Time
	logger         *logging.Logger
}

// ReviewServiceDeps groups ReviewService collaborators. Resolver may be nil, which disables
// anchor status lookups.
type ReviewServiceDeps struct {
	Users          UserStore
	Establishments EstablishmentStore
	Reviews        ReviewStore
	PointsConfig   PointsConfigStore
	Idempotency    IdempotencyStore
	Cache          *IdempotencyCache
	Verifier       AnchorVerifier
	Resolver       AnchorStatusResolver
}

// NewReviewService creates a new review service
func NewReviewService(deps ReviewServiceDeps) *ReviewService {
	cache := deps.Cache
	if cache == nil {
		cache = NewIdempotencyCache(0, 0)
	}
	return &ReviewService{
		users:          deps.Users,
		establishments: deps.Establishments,
		reviews:        deps.Reviews,
		pointsConfig:   deps.PointsConfig,
		idempotency:    deps.Idempotency,
		cache:          cache,
		verifier:       deps.Verifier,
		resolver:       deps.Resolver,
		now:            time.Now,
		logger:         logging.GetGlobalLogger().WithField("component", "review_service"),
	}
}

// CreateReviewInput is a review submission. UserID and IdempotencyKey come from the request
// context, not the body.
type CreateReviewInput struct {
	ReviewID        string          `json:"review_id"`
	ReviewHash      string          `json:"review_hash"`
	ReviewTimestamp string          `json:"review_timestamp"`
	TxHash          string          `json:"tx_hash"`
	EstablishmentID string          `json:"establishment_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Stars           int             `json:"stars"`
	Price           decimal.Decimal `json:"price"`
	PurchaseURL     string          `json:"purchase_url"`
	Tags            []string        `json:"tags"`
	EvidenceImages  []string        `json:"evidence_images"`

	UserID         string `json:"-"`
	IdempotencyKey string `json:"-"`
}

// ReviewResponse is the flattened review view: evidence URLs and anchor metadata inline.
type ReviewResponse struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	EstablishmentID string          `json:"establishment_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	Stars           int             `json:"stars"`
	Price           decimal.Decimal `json:"price"`
	PurchaseURL     string          `json:"purchase_url"`
	Tags            []string        `json:"tags"`
	PointsAwarded   int             `json:"points_awarded"`
	ReviewHash      string          `json:"review_hash"`
	EvidenceImages  []string        `json:"evidence_images"`
	TxHash          string          `json:"tx_hash,omitempty"`
	ChainID         int64           `json:"chain_id,omitempty"`
	BlockNumber     int64           `json:"block_number,omitempty"`
	BlockTimestamp  *time.Time      `json:"block_timestamp,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`

	// Replayed is set when the response came from the idempotency store.
	Replayed bool `json:"-"`
}

// FormatReview flattens a stored review.
func FormatReview(r *models.Review) *ReviewResponse {
	resp := &ReviewResponse{
		ID:              r.ID,
		UserID:          r.UserID,
		EstablishmentID: r.EstablishmentID,
		Title:           r.Title,
		Description:     r.Description,
		Stars:           r.Stars,
		Price:           r.Price,
		PurchaseURL:     r.PurchaseURL,
		Tags:            r.Tags,
		PointsAwarded:   r.PointsAwarded,
		ReviewHash:      r.ReviewHash,
		EvidenceImages:  make([]string, 0, len(r.Evidence)),
		CreatedAt:       r.CreatedAt,
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	for _, e := range r.Evidence {
		resp.EvidenceImages = append(resp.EvidenceImages, e.URL)
	}
	if r.Anchor != nil {
		ts := r.Anchor.BlockTimestamp
		resp.TxHash = r.Anchor.TxHash
		resp.ChainID = r.Anchor.ChainID
		resp.BlockNumber = r.Anchor.BlockNumber
		resp.BlockTimestamp = &ts
	}
	return resp
}

// CreateReview accepts a review whose hash was anchored on-chain. With an idempotency key,
// a prior response for (user, key) is returned unchanged, even when this payload is invalid.
func (s *ReviewService) CreateReview(ctx context.Context, in CreateReviewInput) (*ReviewResponse, error) {
	if in.UserID == "" {
		return nil, apperrors.NewAuthenticationError("authentication required")
	}
	if in.IdempotencyKey == "" {
		return s.createReview(ctx, in)
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKeyLength {
		return nil, apperrors.NewInvalidParameterError("Idempotency-Key", "too long")
	}

	if resp, err := s.lookupIdempotent(ctx, in.UserID, in.IdempotencyKey); resp != nil || err != nil {
		return resp, err
	}

	// Coalesce concurrent duplicates within this process. The shared call is detached from
	// the first caller so its disconnect does not fail the others.
	v, err, _ := s.flight.Do(idempotencyCacheKey(in.UserID, in.IdempotencyKey), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedSubmitTimeout)
		defer cancel()
		if resp, err := s.lookupIdempotent(shared, in.UserID, in.IdempotencyKey); resp != nil || err != nil {
			return resp, err
		}
		return s.createIdempotent(shared, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReviewResponse), nil
}

// Replay returns the stored response for (userID, key), or nil when the key is unused. It lets
// callers honour a retried key whose body could not even be decoded.
func (s *ReviewService) Replay(ctx context.Context, userID, key string) (*ReviewResponse, error) {
	if userID == "" || key == "" || len(key) > MaxIdempotencyKeyLength {
		return nil, nil
	}
	return s.lookupIdempotent(ctx, userID, key)
}

func (s *ReviewService) createIdempotent(ctx context.Context, in CreateReviewInput) (*ReviewResponse, error) {
	resp, err := s.createReview(ctx, in)
	if err != nil {
		// Another instance may have won the same key between our lookup and insert.
		if apperrors.Is(err, apperrors.CategoryConflict) {
			if prior, lerr := s.lookupIdempotent(ctx, in.UserID, in.IdempotencyKey); prior != nil && lerr == nil {
				return prior, nil
			}
		}
		return nil, err
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode response", err)
	}
	stored, err := s.idempotency.Save(ctx, in.UserID, in.IdempotencyKey, body)
	if err != nil {
		// The review is committed, so this is still a success. A retry with the same key
		// will then get a review id conflict instead of this response.
		s.logger.WithError(err).WithField("review_id", resp.ID).Error("failed to persist idempotent response")
		return resp, nil
	}
	s.cache.Put(in.UserID, in.IdempotencyKey, stored)

	// Save returns the row that won; it is ours unless another request stored first.
	winner, err := decodeStored(stored)
	if err != nil || winner.ID == resp.ID {
		return resp, nil
	}
	return winner, nil
}

// lookupIdempotent checks the memory cache, then the persisted store. (nil, nil) is a miss.
func (s *ReviewService) lookupIdempotent(ctx context.Context, userID, key string) (*ReviewResponse, error) {
	if raw, ok := s.cache.Get(userID, key); ok {
		return decodeStored(raw)
	}

	raw, err := s.idempotency.Get(ctx, userID, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, apperrors.NewDatabaseError("get idempotency key", err)
	}
	s.cache.Put(userID, key, raw)
	return decodeStored(raw)
}

func decodeStored(raw json.RawMessage) (*ReviewResponse, error) {
	var resp ReviewResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, apperrors.NewInternalError("stored idempotent response is corrupt", err)
	}
	resp.Replayed = true
	return &resp, nil
}

// createReview runs the gates in order; nothing is written until every check has passed.
func (s *ReviewService) createReview(ctx context.Context, in CreateReviewInput) (*ReviewResponse, error) {
	ts, err := validateReviewInput(in)
	if err != nil {
		return nil, err
	}
	log := s.logger.WithFields(map[string]interface{}{
		"review_id": in.ReviewID,
		"user_id":   in.UserID,
	})

	exists, err := s.establishments.Exists(ctx, in.EstablishmentID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get establishment", err)
	}
	if !exists {
		return nil, apperrors.NewNotFoundError("establishment", in.EstablishmentID)
	}

	user, err := s.users.GetByID(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("user", in.UserID)
		}
		return nil, apperrors.NewDatabaseError("get user", err)
	}
	wallet := user.Wallet()
	if wallet == "" {
		return nil, apperrors.NewValidationError("user has no wallet address")
	}

	expected := hasher.HashReview(in.ReviewID, in.UserID, in.EstablishmentID, hasher.FormatTimestamp(ts), hasher.FormatPrice(in.Price))
	if !hasher.Equal(expected, in.ReviewHash) {
		log.WithField("expected_hash", expected).Info("review hash mismatch")
		return nil, apperrors.NewInvalidParameterError("review_hash", "review_hash mismatch")
	}

	result := s.verifier.VerifyAnchoredTx(ctx, in.TxHash, wallet, in.ReviewHash, in.EstablishmentID)
	if !result.OK {
		log.WithField("reason", result.Reason).Info("chain verification failed")
		return nil, apperrors.NewChainVerificationError(result.Reason)
	}

	cfg, err := s.pointsConfig.Current(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewConfigurationError("points configuration is missing")
		}
		return nil, apperrors.NewDatabaseError("get points config", err)
	}

	evidence := make([]models.EvidenceImage, 0, len(in.EvidenceImages))
	for i, url := range in.EvidenceImages {
		evidence = append(evidence, models.EvidenceImage{ReviewID: in.ReviewID, URL: strings.TrimSpace(url), Position: i})
	}

	review := &models.Review{
		ID:              in.ReviewID,
		UserID:          in.UserID,
		EstablishmentID: in.EstablishmentID,
		Title:           strings.TrimSpace(in.Title),
		Description:     in.Description,
		Stars:           in.Stars,
		Price:           in.Price,
		PurchaseURL:     in.PurchaseURL,
		Tags:            in.Tags,
		PointsAwarded: points.Compute(points.Input{
			Description:   in.Description,
			Stars:         in.Stars,
			Price:         in.Price,
			EvidenceCount: len(evidence),
		}, *cfg),
		ReviewHash: strings.ToLower(in.ReviewHash),
		CreatedAt:  s.now().UTC(),
		Evidence:   evidence,
		Anchor: &models.Anchor{
			ReviewID:       in.ReviewID,
			TxHash:         strings.ToLower(in.TxHash),
			ChainID:        result.ChainID,
			BlockNumber:    result.BlockNumber,
			BlockTimestamp: result.BlockTimestamp,
		},
	}

	if err := s.reviews.Create(ctx, review); err != nil {
		return nil, mapReviewWriteError(err)
	}

	log.WithFields(map[string]interface{}{
		"points":  review.PointsAwarded,
		"tx_hash": review.Anchor.TxHash,
	}).Info("Review created")
	return FormatReview(review), nil
}

// mapReviewWriteError turns unique violations into conflicts without exposing driver codes.
func mapReviewWriteError(err error) error {
	var uv *storage.UniqueViolation
	if !errors.As(err, &uv) {
		return apperrors.NewDatabaseError("create review", err)
	}
	switch uv.Constraint {
	case storage.ConstraintAnchorTxHash:
		return apperrors.NewConflictError("transaction already linked to another review")
	case storage.ConstraintReviewsPK:
		return apperrors.NewConflictError("review already exists")
	default:
		return apperrors.NewConflictError("review_hash already exists")
	}
}

func validateReviewInput(in CreateReviewInput) (time.Time, error) {
	if _, err := uuid.Parse(in.ReviewID); err != nil {
		return time.Time{}, apperrors.NewInvalidParameterError("review_id", "must be a UUID")
	}
	if strings.TrimSpace(in.EstablishmentID) == "" {
		return time.Time{}, apperrors.NewInvalidParameterError("establishment_id", "is required")
	}
	if _, err := uuid.Parse(in.EstablishmentID); err != nil {
		return time.Time{}, apperrors.NewInvalidParameterError("establishment_id", "must be a UUID")
	}
	if !hasher.ValidDigest(in.ReviewHash) {
		return time.Time{}, apperrors.NewInvalidParameterError("review_hash", "must be 0x followed by 64 hex characters")
	}
	if !hasher.ValidDigest(in.TxHash) {
		return time.Time{}, apperrors.NewInvalidParameterError("tx_hash", "must be 0x followed by 64 hex characters")
	}
	ts, err := time.Parse(time.RFC3339Nano, in.ReviewTimestamp)
	if err != nil {
		return time.Time{}, apperrors.NewInvalidParameterError("review_timestamp", "must be an ISO-8601 timestamp")
	}
	if strings.TrimSpace(in.Title) == "" {
		return time.Time{}, apperrors.NewInvalidParameterError("title", "is required")
	}
	if in.Stars < 1 || in.Stars > 5 {
		return time.Time{}, apperrors.NewInvalidParameterError("stars", "must be between 1 and 5")
	}
	if !in.Price.IsPositive() {
		return time.Time{}, apperrors.NewInvalidParameterError("price", "must be greater than 0")
	}
	if len(in.EvidenceImages) == 0 {
		return time.Time{}, apperrors.NewInvalidParameterError("evidence_images", "at least one image is required")
	}
	for _, url := range in.EvidenceImages {
		if strings.TrimSpace(url) == "" {
			return time.Time{}, apperrors.NewInvalidParameterError("evidence_images", "must not contain empty URLs")
		}
	}
	return ts, nil
}

// GetReview returns the flattened review.
func (s *ReviewService) GetReview(ctx context.Context, id string) (*ReviewResponse, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NewInvalidParameterError("id", "must be a UUID")
	}
	review, err := s.reviews.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("review", id)
		}
		return nil, apperrors.NewDatabaseError("get review", err)
	}
	return FormatReview(review), nil
}

// AnchorStatus resolves the live ledger status of a review's anchor transaction.
func (s *ReviewService) AnchorStatus(ctx context.Context, reviewID string) (*adapter.AnchorStatus, error) {
	if s.resolver == nil {
		return nil, apperrors.NewConfigurationError("anchor status lookups are not configured")
	}
	review, err := s.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if review.TxHash == "" {
		return nil, apperrors.NewNotFoundError("anchor", reviewID)
	}

	status, err := s.resolver.Status(ctx, review.TxHash)
	if err != nil {
		return nil, apperrors.NewInternalError("anchor status unavailable", err)
	}
	return status, nil
}
