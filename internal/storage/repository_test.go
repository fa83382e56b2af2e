package storage

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/types"
)

const wallet = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestUserRepository_CreateAndUniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	r := NewUserRepository(db)
	ctx := testContext(t)

	w := wallet
	u := &models.User{WalletAddress: &w, Name: "wallet-1beaed"}

	mock.ExpectExec(`INSERT INTO users \(id, wallet_address, email, name, avatar_url, role, created_at\)`).
		WithArgs(pgxmock.AnyArg(), &w, (*string)(nil), "wallet-1beaed", "", "user", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, u))
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, types.RoleUser, u.Role)

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), &w, (*string)(nil), "wallet-1beaed", "", "user", pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: ConstraintUsersWallet})
	err := r.Create(ctx, &models.User{WalletAddress: &w, Name: "wallet-1beaed"})
	require.ErrorIs(t, err, ErrAlreadyExists)

	var uv *UniqueViolation
	require.True(t, errors.As(err, &uv))
	assert.Equal(t, ConstraintUsersWallet, uv.Constraint)
}

func TestUserRepository_GetByWallet(t *testing.T) {
	db, mock := newDB(t)
	r := NewUserRepository(db)
	ctx := testContext(t)
	now := time.Now()

	columns := []string{"id", "wallet_address", "email", "name", "avatar_url", "role", "created_at"}
	mock.ExpectQuery(`SELECT id, wallet_address, email, name, avatar_url, role, created_at FROM users WHERE wallet_address = \$1`).
		WithArgs(wallet).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("u-1", pgtype.Text{String: wallet, Valid: true}, pgtype.Text{}, "wallet-1beaed", "https://avatar", "admin", now))

	u, err := r.GetByWallet(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, wallet, u.Wallet())
	assert.Nil(t, u.Email)
	assert.True(t, u.IsAdmin())

	mock.ExpectQuery(`FROM users WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNonceRepository_ConsumeOnce(t *testing.T) {
	db, mock := newDB(t)
	r := NewNonceRepository(db)
	ctx := testContext(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE nonces SET consumed_at = \$2 WHERE id = \$1 AND consumed_at IS NULL`).
		WithArgs("n-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Consume(ctx, "n-1", at))

	mock.ExpectExec(`UPDATE nonces SET consumed_at = \$2 WHERE id = \$1 AND consumed_at IS NULL`).
		WithArgs("n-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.Consume(ctx, "n-1", at), ErrNonceConsumed)
}

func TestNonceRepository_CreateAndGet(t *testing.T) {
	db, mock := newDB(t)
	r := NewNonceRepository(db)
	ctx := testContext(t)
	issued := time.Now().UTC()
	n := &models.Nonce{
		WalletAddress: wallet,
		Nonce:         "abcdef0123456789",
		Domain:        "app.example",
		URI:           "https://app.example",
		ChainID:       11155111,
		IssuedAt:      issued,
		ExpiresAt:     issued.Add(5 * time.Minute),
	}

	mock.ExpectExec(`INSERT INTO nonces`).
		WithArgs(pgxmock.AnyArg(), wallet, n.Nonce, n.Domain, n.URI, n.ChainID, n.IssuedAt, n.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, n))

	columns := []string{"id", "wallet_address", "nonce", "domain", "uri", "chain_id", "issued_at", "expires_at", "consumed_at"}
	consumed := issued.Add(time.Minute)
	mock.ExpectQuery(`FROM nonces WHERE wallet_address = \$1 AND nonce = \$2`).
		WithArgs(wallet, n.Nonce).
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow(n.ID, wallet, n.Nonce, n.Domain, n.URI, n.ChainID, n.IssuedAt, n.ExpiresAt,
				pgtype.Timestamptz{Time: consumed, Valid: true}))

	got, err := r.Get(ctx, wallet, n.Nonce)
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedAt)
	assert.True(t, got.IsConsumed())
	assert.True(t, consumed.Equal(*got.ConsumedAt))

	mock.ExpectQuery(`FROM nonces`).
		WithArgs(wallet, "unknown-nonce").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, wallet, "unknown-nonce")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRepository_GetAndRevoke(t *testing.T) {
	db, mock := newDB(t)
	r := NewSessionRepository(db)
	ctx := testContext(t)
	now := time.Now()

	columns := []string{"id", "user_id", "wallet_address", "session_token_id", "issued_at", "expires_at", "revoked_at"}
	mock.ExpectQuery(`FROM sessions WHERE session_token_id = \$1`).
		WithArgs("jti-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("s-1", "u-1", wallet, "jti-1", now, now.Add(time.Hour), pgtype.Timestamptz{}))

	s, err := r.GetByTokenID(ctx, "jti-1")
	require.NoError(t, err)
	assert.Nil(t, s.RevokedAt)
	assert.True(t, s.IsActive(now))

	mock.ExpectExec(`UPDATE sessions SET revoked_at = \$2 WHERE session_token_id = \$1 AND revoked_at IS NULL`).
		WithArgs("jti-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Revoke(ctx, "jti-1", now))

	mock.ExpectExec(`UPDATE sessions SET revoked_at`).
		WithArgs("jti-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.Revoke(ctx, "jti-1", now), ErrNotFound)
}

func sampleReview() *models.Review {
	return &models.Review{
		ID:              "0b7c4f7e-3f2a-4c55-9d1a-6f7e2b8a9c10",
		UserID:          "u-1",
		EstablishmentID: "e-1",
		Title:           "Great coffee",
		Description:     "Loved it",
		Stars:           5,
		Price:           decimal.RequireFromString("49.99"),
		Tags:            []string{"coffee"},
		PointsAwarded:   4,
		ReviewHash:      "0xaa",
		Evidence:        []models.EvidenceImage{{URL: "https://img/1"}, {URL: "https://img/2"}},
		Anchor: &models.Anchor{
			TxHash:         "0xbb",
			ChainID:        11155111,
			BlockNumber:    42,
			BlockTimestamp: time.Unix(1714564800, 0).UTC(),
		},
	}
}

func TestReviewRepository_CreateCommits(t *testing.T) {
	db, mock := newDB(t)
	r := NewReviewRepository(db)
	ctx := testContext(t)
	rv := sampleReview()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reviews`).
		WithArgs(rv.ID, rv.UserID, rv.EstablishmentID, rv.Title, rv.Description, 5, "49.99",
			"", []string{"coffee"}, 4, "0xaa", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO review_evidence`).
		WithArgs(rv.ID, []string{"https://img/1", "https://img/2"}, []int32{0, 1}).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO review_anchors .* ON CONFLICT \(review_id\) DO UPDATE`).
		WithArgs(rv.ID, "0xbb", int64(11155111), int64(42), rv.Anchor.BlockTimestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Create(ctx, rv))
	assert.Equal(t, rv.ID, rv.Anchor.ReviewID)
	assert.Equal(t, 1, rv.Evidence[1].Position)
}

func TestReviewRepository_CreateRollsBackOnDuplicateTx(t *testing.T) {
	db, mock := newDB(t)
	r := NewReviewRepository(db)
	ctx := testContext(t)
	rv := sampleReview()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reviews`).WithArgs(
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
	).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO review_evidence`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO review_anchors`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: ConstraintAnchorTxHash})
	mock.ExpectRollback()

	err := r.Create(ctx, rv)
	var uv *UniqueViolation
	require.True(t, errors.As(err, &uv))
	assert.Equal(t, ConstraintAnchorTxHash, uv.Constraint)
}

func TestReviewRepository_CreateDuplicateReviewID(t *testing.T) {
	db, mock := newDB(t)
	r := NewReviewRepository(db)
	ctx := testContext(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reviews`).WithArgs(
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
	).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: ConstraintReviewsPK})
	mock.ExpectRollback()

	err := r.Create(ctx, sampleReview())
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestReviewRepository_GetByID(t *testing.T) {
	db, mock := newDB(t)
	r := NewReviewRepository(db)
	ctx := testContext(t)
	rv := sampleReview()
	now := time.Now()

	mock.ExpectQuery(`FROM reviews WHERE id = \$1`).
		WithArgs(rv.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "user_id", "establishment_id", "title", "description", "stars",
			"price", "purchase_url", "tags", "points_awarded", "review_hash", "created_at"}).
			AddRow(rv.ID, rv.UserID, rv.EstablishmentID, rv.Title, rv.Description, 5, "49.99", "", []string{"coffee"}, 4, "0xaa", now))
	mock.ExpectQuery(`FROM review_evidence WHERE review_id = \$1 ORDER BY position`).
		WithArgs(rv.ID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "review_id", "url", "position"}).
			AddRow(int64(1), rv.ID, "https://img/1", 0).
			AddRow(int64(2), rv.ID, "https://img/2", 1))
	mock.ExpectQuery(`FROM review_anchors WHERE review_id = \$1`).
		WithArgs(rv.ID).
		WillReturnRows(pgxmock.NewRows([]string{"review_id", "tx_hash", "chain_id", "block_number", "block_timestamp"}).
			AddRow(rv.ID, "0xbb", int64(11155111), int64(42), rv.Anchor.BlockTimestamp))

	got, err := r.GetByID(ctx, rv.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("49.99")))
	require.Len(t, got.Evidence, 2)
	assert.Equal(t, "https://img/2", got.Evidence[1].URL)
	require.NotNil(t, got.Anchor)
	assert.Equal(t, int64(42), got.Anchor.BlockNumber)

	mock.ExpectQuery(`FROM reviews WHERE id = \$1`).WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPointsConfigRepository(t *testing.T) {
	db, mock := newDB(t)
	r := NewPointsConfigRepository(db)
	ctx := testContext(t)
	now := time.Now()

	mock.ExpectQuery(`FROM points_config ORDER BY id DESC LIMIT 1`).
		WillReturnError(pgx.ErrNoRows)
	_, err := r.Current(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	cfg := &models.PointsConfig{ImageYes: 1, DescGT200: 2, DescLTE200: 1, StarsYes: 1, PriceLT100: 1, PriceGTE100: 2}
	mock.ExpectQuery(`INSERT INTO points_config .* RETURNING id, created_at`).
		WithArgs(1, 0, 2, 1, 1, 0, 1, 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))
	require.NoError(t, r.Save(ctx, cfg))
	assert.Equal(t, int64(7), cfg.ID)

	mock.ExpectQuery(`FROM points_config ORDER BY id DESC LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "image_yes", "image_no", "desc_gt200", "desc_lte200",
			"stars_yes", "stars_no", "price_lt100", "price_gte100", "created_at"}).
			AddRow(int64(7), 1, 0, 2, 1, 1, 0, 1, 2, now))
	current, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, current.PriceGTE100)
}

func TestIdempotencyRepository_SaveReturnsWinner(t *testing.T) {
	db, mock := newDB(t)
	r := NewIdempotencyRepository(db)
	ctx := testContext(t)

	first := json.RawMessage(`{"id":"first"}`)
	mine := json.RawMessage(`{"id":"second"}`)

	mock.ExpectExec(`INSERT INTO idempotency_keys .* ON CONFLICT \(user_id, idempotency_key\) DO NOTHING`).
		WithArgs("u-1", "key-1", []byte(mine)).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT response FROM idempotency_keys WHERE user_id = \$1 AND idempotency_key = \$2`).
		WithArgs("u-1", "key-1").
		WillReturnRows(pgxmock.NewRows([]string{"response"}).AddRow([]byte(first)))

	stored, err := r.Save(ctx, "u-1", "key-1", mine)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(stored))

	mock.ExpectQuery(`SELECT response FROM idempotency_keys`).
		WithArgs("u-1", "key-2").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "u-1", "key-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEstablishmentRepository_Exists(t *testing.T) {
	db, mock := newDB(t)
	r := NewEstablishmentRepository(db)
	ctx := testContext(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM establishments WHERE id = \$1\)`).
		WithArgs("e-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err := r.Exists(ctx, "e-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
