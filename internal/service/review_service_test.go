package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-anchor/internal/adapter"
	apperrors "github.com/review-anchor/internal/errors"
	"github.com/review-anchor/internal/hasher"
	"github.com/review-anchor/internal/models"
)

const (
	testUserID          = "6f1c2b1e-3a55-4c1d-9d0e-0c6a1f1b2a10"
	testEstablishmentID = "6f1c2b8e-3a4d-4e5f-9a7b-1c2d3e4f5a6b"
	testWallet          = "0x52908400098527886E0F7030069857D2E4169EE7"
)

var blockTime = time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC)

type reviewFixture struct {
	svc         *ReviewService
	users       *mockUserRepo
	reviews     *mockReviewRepo
	config      *mockPointsConfigRepo
	idempotency *mockIdempotencyRepo
	verifier    *mockVerifier
	resolver    *mockResolver
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	wallet := testWallet
	f := &reviewFixture{
		users:   newMockUserRepo(),
		reviews: newMockReviewRepo(),
		config: &mockPointsConfigRepo{configs: []models.PointsConfig{{
			ImageYes: 1, ImageNo: 0, DescGT200: 2, DescLTE200: 1,
			StarsYes: 1, StarsNo: 0, PriceLT100: 1, PriceGTE100: 2,
		}}},
		idempotency: newMockIdempotencyRepo(),
		verifier: &mockVerifier{result: adapter.VerificationResult{
			OK: true, ChainID: 11155111, BlockNumber: 4242, BlockTimestamp: blockTime,
		}},
		resolver: &mockResolver{},
	}
	f.users.users[testUserID] = &models.User{ID: testUserID, WalletAddress: &wallet, Name: "alice"}

	f.svc = NewReviewService(ReviewServiceDeps{
		Users:          f.users,
		Establishments: &mockEstablishmentRepo{ids: map[string]bool{testEstablishmentID: true}},
		Reviews:        f.reviews,
		PointsConfig:   f.config,
		Idempotency:    f.idempotency,
		Verifier:       f.verifier,
		Resolver:       f.resolver,
	})
	f.svc.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

// validInput builds a submission whose review_hash matches its fields.
func validInput(txSuffix string) CreateReviewInput {
	id := uuid.NewString()
	ts := "2024-03-01T11:58:30.125Z"
	price := decimal.NewFromInt(50)
	parsed, _ := time.Parse(time.RFC3339Nano, ts)
	return CreateReviewInput{
		ReviewID:        id,
		ReviewHash:      hasher.HashReview(id, testUserID, testEstablishmentID, hasher.FormatTimestamp(parsed), hasher.FormatPrice(price)),
		ReviewTimestamp: ts,
		TxHash:          "0x" + strings.Repeat("ab", 31) + txSuffix,
		EstablishmentID: testEstablishmentID,
		Title:           "Great coffee",
		Description:     strings.Repeat("d", 250),
		Stars:           5,
		Price:           price,
		PurchaseURL:     "https://shop.example/receipt/1",
		Tags:            []string{"coffee"},
		EvidenceImages:  []string{"https://img.example/1.png", "https://img.example/2.png"},
		UserID:          testUserID,
	}
}

func TestCreateReview_Success(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("01")

	resp, err := f.svc.CreateReview(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, in.ReviewID, resp.ID)
	assert.Equal(t, 5, resp.PointsAwarded)
	assert.Equal(t, []string{"https://img.example/1.png", "https://img.example/2.png"}, resp.EvidenceImages)
	assert.Equal(t, strings.ToLower(in.TxHash), resp.TxHash)
	assert.Equal(t, int64(11155111), resp.ChainID)
	assert.Equal(t, int64(4242), resp.BlockNumber)
	require.NotNil(t, resp.BlockTimestamp)
	assert.True(t, blockTime.Equal(*resp.BlockTimestamp))
	assert.False(t, resp.Replayed)

	assert.Equal(t, testWallet, f.verifier.lastWallet)
	assert.Equal(t, in.TxHash, f.verifier.lastTx)
	assert.Equal(t, 1, f.reviews.count())
	assert.Zero(t, f.idempotency.saves, "no key means nothing is recorded")
}

func TestCreateReview_UppercaseHashIsStoredLowercase(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("02")
	in.ReviewHash = "0x" + strings.ToUpper(in.ReviewHash[2:])

	resp, err := f.svc.CreateReview(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(in.ReviewHash), resp.ReviewHash)
}

func TestCreateReview_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateReviewInput)
		param  string
	}{
		{"review id not a uuid", func(in *CreateReviewInput) { in.ReviewID = "r-1" }, "review_id"},
		{"missing establishment", func(in *CreateReviewInput) { in.EstablishmentID = " " }, "establishment_id"},
		{"establishment id not a uuid", func(in *CreateReviewInput) { in.EstablishmentID = "abc" }, "establishment_id"},
		{"short review hash", func(in *CreateReviewInput) { in.ReviewHash = "0x1234" }, "review_hash"},
		{"tx hash without prefix", func(in *CreateReviewInput) { in.TxHash = strings.Repeat("a", 66) }, "tx_hash"},
		{"bad timestamp", func(in *CreateReviewInput) { in.ReviewTimestamp = "yesterday" }, "review_timestamp"},
		{"blank title", func(in *CreateReviewInput) { in.Title = "  " }, "title"},
		{"zero stars", func(in *CreateReviewInput) { in.Stars = 0 }, "stars"},
		{"six stars", func(in *CreateReviewInput) { in.Stars = 6 }, "stars"},
		{"zero price", func(in *CreateReviewInput) { in.Price = decimal.Zero }, "price"},
		{"no evidence", func(in *CreateReviewInput) { in.EvidenceImages = nil }, "evidence_images"},
		{"blank evidence url", func(in *CreateReviewInput) { in.EvidenceImages = []string{"https://img.example/1.png", ""} }, "evidence_images"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newReviewFixture(t)
			in := validInput("03")
			tt.mutate(&in)

			_, err := f.svc.CreateReview(context.Background(), in)
			assertCategory(t, err, apperrors.CategoryValidation)

			var catErr *apperrors.CategorizedError
			require.True(t, errors.As(err, &catErr))
			assert.Equal(t, tt.param, catErr.Details["parameter"])
			assert.Zero(t, f.verifier.callCount())
			assert.Zero(t, f.reviews.count())
		})
	}
}

func TestCreateReview_RequiresUser(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("04")
	in.UserID = ""

	_, err := f.svc.CreateReview(context.Background(), in)
	assertCategory(t, err, apperrors.CategoryAuthentication)
}

func TestCreateReview_UnknownEstablishment(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("05")
	in.EstablishmentID = "0b7e4c1a-2d3f-4a5b-8c9d-0e1f2a3b4c5d"

	_, err := f.svc.CreateReview(context.Background(), in)
	assertCategory(t, err, apperrors.CategoryNotFound)
	assert.Zero(t, f.verifier.callCount())
}

func TestCreateReview_UserWithoutWallet(t *testing.T) {
	f := newReviewFixture(t)
	f.users.users[testUserID].WalletAddress = nil

	_, err := f.svc.CreateReview(context.Background(), validInput("06"))
	assertCategory(t, err, apperrors.CategoryValidation)
	assert.Zero(t, f.verifier.callCount())
}

func TestCreateReview_HashMismatch(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("07")
	// The hash commits to the price, so changing it after hashing must be caught.
	in.Price = decimal.RequireFromString("50.01")

	_, err := f.svc.CreateReview(context.Background(), in)
	assertCategory(t, err, apperrors.CategoryValidation)
	assert.Contains(t, err.Error(), "review_hash mismatch")
	assert.Zero(t, f.verifier.callCount(), "ledger is not consulted for a mismatched hash")
	assert.Zero(t, f.reviews.count())
}

func TestCreateReview_ChainVerificationFailure(t *testing.T) {
	f := newReviewFixture(t)
	f.verifier.result = adapter.VerificationResult{Reason: adapter.ReasonAuthorMismatch}

	_, err := f.svc.CreateReview(context.Background(), validInput("08"))
	assertCategory(t, err, apperrors.CategoryChainVerification)

	var catErr *apperrors.CategorizedError
	require.True(t, errors.As(err, &catErr))
	assert.Equal(t, adapter.ReasonAuthorMismatch, catErr.Details["reason"])
	assert.Zero(t, f.reviews.count())
}

func TestCreateReview_MissingPointsConfig(t *testing.T) {
	f := newReviewFixture(t)
	f.config.configs = nil

	_, err := f.svc.CreateReview(context.Background(), validInput("09"))
	assertCategory(t, err, apperrors.CategoryConfiguration)
	assert.Zero(t, f.reviews.count())
}

func TestCreateReview_Conflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("same review id", func(t *testing.T) {
		f := newReviewFixture(t)
		in := validInput("10")
		_, err := f.svc.CreateReview(ctx, in)
		require.NoError(t, err)

		in.TxHash = validInput("11").TxHash
		_, err = f.svc.CreateReview(ctx, in)
		assertCategory(t, err, apperrors.CategoryConflict)
		assert.Contains(t, err.Error(), "review already exists")
	})

	t.Run("transaction reused by another review", func(t *testing.T) {
		f := newReviewFixture(t)
		first := validInput("12")
		_, err := f.svc.CreateReview(ctx, first)
		require.NoError(t, err)

		second := validInput("12")
		_, err = f.svc.CreateReview(ctx, second)
		assertCategory(t, err, apperrors.CategoryConflict)
		assert.Contains(t, err.Error(), "transaction already linked to another review")
		assert.Equal(t, 1, f.reviews.count())
	})
}

func TestCreateReview_IdempotentReplay(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	in := validInput("13")
	in.IdempotencyKey = "key-1"

	first, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// A retry with the same key returns the stored response even with a garbage body.
	second, err := f.svc.CreateReview(ctx, CreateReviewInput{UserID: testUserID, IdempotencyKey: "key-1", Stars: 99})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.PointsAwarded, second.PointsAwarded)
	assert.Equal(t, first.TxHash, second.TxHash)

	assert.Equal(t, 1, f.verifier.callCount())
	assert.Equal(t, 1, f.reviews.count())
	assert.Equal(t, 1, f.idempotency.saves)
}

func TestCreateReview_IdempotencyKeysAreScopedPerUser(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	in := validInput("14")
	in.IdempotencyKey = "shared"
	_, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)

	otherWallet := "0x0000000000000000000000000000000000000001"
	f.users.users["user-2"] = &models.User{ID: "user-2", WalletAddress: &otherWallet}

	// Same key for another user is a fresh submission, and fails the hash gate.
	other := validInput("15")
	other.UserID = "user-2"
	other.IdempotencyKey = "shared"
	_, err = f.svc.CreateReview(ctx, other)
	assertCategory(t, err, apperrors.CategoryValidation)
}

func TestCreateReview_ReplayFromStoreAfterRestart(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	in := validInput("16")
	in.IdempotencyKey = "key-restart"
	first, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)

	// A new instance shares the store but starts with an empty memory cache.
	restarted := NewReviewService(ReviewServiceDeps{
		Users:       f.users,
		Reviews:     f.reviews,
		Idempotency: f.idempotency,
		Verifier:    f.verifier,
	})

	getsBefore := f.idempotency.gets
	replay, err := restarted.CreateReview(ctx, CreateReviewInput{UserID: testUserID, IdempotencyKey: "key-restart"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, getsBefore+1, f.idempotency.gets)

	// The store hit was mirrored into the memory cache.
	_, err = restarted.CreateReview(ctx, CreateReviewInput{UserID: testUserID, IdempotencyKey: "key-restart"})
	require.NoError(t, err)
	assert.Equal(t, getsBefore+1, f.idempotency.gets)
	assert.Equal(t, 1, f.verifier.callCount())
}

func TestCreateReview_ConcurrentDuplicates(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("17")
	in.IdempotencyKey = "key-burst"

	const workers = 16
	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.CreateReview(context.Background(), in)
			errs[i] = err
			if resp != nil {
				ids[i] = resp.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, in.ReviewID, ids[i])
	}
	assert.Equal(t, 1, f.reviews.count())
	assert.Equal(t, 1, f.verifier.callCount())
}

// blockingVerifier holds the first verification until released and fails it if the
// context it was given has been cancelled by then.
type blockingVerifier struct {
	*mockVerifier
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingVerifier) VerifyAnchoredTx(ctx context.Context, txHash, expectedWallet, expectedReviewHash, expectedEstablishmentID string) adapter.VerificationResult {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	if err := ctx.Err(); err != nil {
		return adapter.VerificationResult{OK: false, Reason: err.Error()}
	}
	return b.mockVerifier.VerifyAnchoredTx(ctx, txHash, expectedWallet, expectedReviewHash, expectedEstablishmentID)
}

func TestCreateReview_DuplicateSurvivesFirstCallerCancel(t *testing.T) {
	f := newReviewFixture(t)
	blocking := &blockingVerifier{
		mockVerifier: f.verifier,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	f.svc.verifier = blocking

	in := validInput("19")
	in.IdempotencyKey = "key-disconnect"

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	type outcome struct {
		resp *ReviewResponse
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		resp, err := f.svc.CreateReview(firstCtx, in)
		first <- outcome{resp, err}
	}()
	<-blocking.entered

	second := make(chan outcome, 1)
	go func() {
		resp, err := f.svc.CreateReview(context.Background(), in)
		second <- outcome{resp, err}
	}()
	time.Sleep(20 * time.Millisecond) // let the duplicate join the in-flight call

	cancelFirst()
	close(blocking.release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, in.ReviewID, got.resp.ID)

	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, 1, f.reviews.count())
	assert.Equal(t, 1, f.verifier.callCount())
}

func TestCreateReview_KeyTooLong(t *testing.T) {
	f := newReviewFixture(t)
	in := validInput("18")
	in.IdempotencyKey = strings.Repeat("k", MaxIdempotencyKeyLength+1)

	_, err := f.svc.CreateReview(context.Background(), in)
	assertCategory(t, err, apperrors.CategoryValidation)
	assert.Zero(t, f.verifier.callCount())
}

// racingIdempotencyRepo simulates another instance storing a response for the key first.
type racingIdempotencyRepo struct {
	*mockIdempotencyRepo
	winner json.RawMessage
	err    error
}

func (r *racingIdempotencyRepo) Save(ctx context.Context, userID, key string, response json.RawMessage) (json.RawMessage, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.winner, nil
}

func TestCreateReview_StoredWinnerIsReturned(t *testing.T) {
	f := newReviewFixture(t)
	winner, err := json.Marshal(ReviewResponse{ID: "winner-id", PointsAwarded: 3})
	require.NoError(t, err)
	f.svc.idempotency = &racingIdempotencyRepo{mockIdempotencyRepo: f.idempotency, winner: winner}

	in := validInput("19")
	in.IdempotencyKey = "key-race"
	resp, err := f.svc.CreateReview(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "winner-id", resp.ID)
	assert.True(t, resp.Replayed)
}

func TestCreateReview_SaveFailureStillSucceeds(t *testing.T) {
	f := newReviewFixture(t)
	f.svc.idempotency = &racingIdempotencyRepo{mockIdempotencyRepo: f.idempotency, err: errors.New("connection reset")}

	in := validInput("20")
	in.IdempotencyKey = "key-lost"
	resp, err := f.svc.CreateReview(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.ReviewID, resp.ID)
	assert.Equal(t, 1, f.reviews.count())

	_, ok := f.svc.cache.Get(testUserID, "key-lost")
	assert.False(t, ok, "an unsaved response is not cached")
}

func TestGetReview(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	in := validInput("21")
	created, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)

	got, err := f.svc.GetReview(ctx, in.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.EvidenceImages, got.EvidenceImages)
	assert.Equal(t, created.TxHash, got.TxHash)

	_, err = f.svc.GetReview(ctx, uuid.NewString())
	assertCategory(t, err, apperrors.CategoryNotFound)

	_, err = f.svc.GetReview(ctx, "not-a-uuid")
	assertCategory(t, err, apperrors.CategoryValidation)
}

func TestAnchorStatus(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()
	in := validInput("22")
	_, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)

	f.resolver.status = &adapter.AnchorStatus{TxHash: strings.ToLower(in.TxHash), Found: true, Success: true, Confirmations: 12}
	status, err := f.svc.AnchorStatus(ctx, in.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), status.Confirmations)
	assert.Equal(t, strings.ToLower(in.TxHash), f.resolver.asked)

	f.resolver.status, f.resolver.err = nil, errors.New("all 2 RPC endpoints failed")
	_, err = f.svc.AnchorStatus(ctx, in.ReviewID)
	assertCategory(t, err, apperrors.CategorySystem)

	f.svc.resolver = nil
	_, err = f.svc.AnchorStatus(ctx, in.ReviewID)
	assertCategory(t, err, apperrors.CategoryConfiguration)
}

func TestReplay(t *testing.T) {
	f := newReviewFixture(t)
	ctx := context.Background()

	miss, err := f.svc.Replay(ctx, testUserID, "unused")
	require.NoError(t, err)
	assert.Nil(t, miss)

	in := validInput("23")
	in.IdempotencyKey = "key-replay"
	created, err := f.svc.CreateReview(ctx, in)
	require.NoError(t, err)

	hit, err := f.svc.Replay(ctx, testUserID, "key-replay")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, created.ID, hit.ID)
	assert.True(t, hit.Replayed)
}
