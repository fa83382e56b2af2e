package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/review-anchor/internal/adapter"
	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/storage"
)

// In-memory stores mirroring the storage package's error contract.

type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*models.User)}
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if user.WalletAddress != nil && u.Wallet() == *user.WalletAddress {
			return &storage.UniqueViolation{Constraint: storage.ConstraintUsersWallet, Err: fmt.Errorf("duplicate")}
		}
		if user.Email != nil && u.EmailOrEmpty() == *user.Email {
			return &storage.UniqueViolation{Constraint: storage.ConstraintUsersEmail, Err: fmt.Errorf("duplicate")}
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, fmt.Errorf("failed to get user: %w", storage.ErrNotFound)
}

func (m *mockUserRepo) GetByWallet(ctx context.Context, wallet string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Wallet() == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("failed to get user: %w", storage.ErrNotFound)
}

type mockNonceRepo struct {
	mu     sync.Mutex
	nonces map[string]*models.Nonce
	nextID int
}

func newMockNonceRepo() *mockNonceRepo {
	return &mockNonceRepo{nonces: make(map[string]*models.Nonce)}
}

func (m *mockNonceRepo) Create(ctx context.Context, n *models.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	n.ID = fmt.Sprintf("nonce-%d", m.nextID)
	cp := *n
	m.nonces[n.WalletAddress+"/"+n.Nonce] = &cp
	return nil
}

func (m *mockNonceRepo) Get(ctx context.Context, wallet, nonce string) (*models.Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nonces[wallet+"/"+nonce]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, fmt.Errorf("failed to get nonce: %w", storage.ErrNotFound)
}

func (m *mockNonceRepo) Consume(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nonces {
		if n.ID != id {
			continue
		}
		if n.ConsumedAt != nil {
			return storage.ErrNonceConsumed
		}
		t := at
		n.ConsumedAt = &t
		return nil
	}
	return storage.ErrNonceConsumed
}

func (m *mockNonceRepo) only() *models.Nonce {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nonces {
		return n
	}
	return nil
}

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*models.Session)}
}

func (m *mockSessionRepo) Create(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = "session-" + s.SessionTokenID
	}
	cp := *s
	m.sessions[s.SessionTokenID] = &cp
	return nil
}

func (m *mockSessionRepo) GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[tokenID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, fmt.Errorf("failed to get session: %w", storage.ErrNotFound)
}

func (m *mockSessionRepo) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenID]
	if !ok || s.RevokedAt != nil {
		return storage.ErrNotFound
	}
	t := at
	s.RevokedAt = &t
	return nil
}

type mockEstablishmentRepo struct {
	ids map[string]bool
}

func (m *mockEstablishmentRepo) Exists(ctx context.Context, id string) (bool, error) {
	return m.ids[id], nil
}

type mockReviewRepo struct {
	mu      sync.Mutex
	reviews map[string]*models.Review
	creates int
}

func newMockReviewRepo() *mockReviewRepo {
	return &mockReviewRepo{reviews: make(map[string]*models.Review)}
}

func (m *mockReviewRepo) Create(ctx context.Context, review *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[review.ID]; ok {
		return fmt.Errorf("failed to insert review: %w", &storage.UniqueViolation{Constraint: storage.ConstraintReviewsPK, Err: fmt.Errorf("duplicate")})
	}
	for _, r := range m.reviews {
		if r.ReviewHash == review.ReviewHash {
			return &storage.UniqueViolation{Constraint: storage.ConstraintReviewHash, Err: fmt.Errorf("duplicate")}
		}
		if r.Anchor != nil && review.Anchor != nil && r.Anchor.TxHash == review.Anchor.TxHash {
			return &storage.UniqueViolation{Constraint: storage.ConstraintAnchorTxHash, Err: fmt.Errorf("duplicate")}
		}
	}
	m.creates++
	cp := *review
	m.reviews[review.ID] = &cp
	return nil
}

func (m *mockReviewRepo) GetByID(ctx context.Context, id string) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, fmt.Errorf("failed to get review: %w", storage.ErrNotFound)
}

func (m *mockReviewRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

type mockPointsConfigRepo struct {
	configs []models.PointsConfig
}

func (m *mockPointsConfigRepo) Current(ctx context.Context) (*models.PointsConfig, error) {
	if len(m.configs) == 0 {
		return nil, fmt.Errorf("failed to get points config: %w", storage.ErrNotFound)
	}
	cfg := m.configs[len(m.configs)-1]
	return &cfg, nil
}

func (m *mockPointsConfigRepo) Save(ctx context.Context, cfg *models.PointsConfig) error {
	cfg.ID = int64(len(m.configs) + 1)
	cfg.CreatedAt = time.Now()
	m.configs = append(m.configs, *cfg)
	return nil
}

type mockIdempotencyRepo struct {
	mu    sync.Mutex
	rows  map[string]json.RawMessage
	gets  int
	saves int
}

func newMockIdempotencyRepo() *mockIdempotencyRepo {
	return &mockIdempotencyRepo{rows: make(map[string]json.RawMessage)}
}

func (m *mockIdempotencyRepo) Get(ctx context.Context, userID, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if r, ok := m.rows[userID+"/"+key]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("failed to get idempotency key: %w", storage.ErrNotFound)
}

func (m *mockIdempotencyRepo) Save(ctx context.Context, userID, key string, response json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	k := userID + "/" + key
	if r, ok := m.rows[k]; ok {
		return r, nil
	}
	m.rows[k] = response
	return response, nil
}

type mockVerifier struct {
	mu         sync.Mutex
	result     adapter.VerificationResult
	calls      int
	lastTx     string
	lastWallet string
}

func (m *mockVerifier) ChainID() int64 { return 11155111 }

func (m *mockVerifier) VerifyAnchoredTx(ctx context.Context, txHash, expectedWallet, expectedReviewHash, expectedEstablishmentID string) adapter.VerificationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastTx = txHash
	m.lastWallet = expectedWallet
	return m.result
}

func (m *mockVerifier) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockResolver struct {
	status *adapter.AnchorStatus
	err    error
	asked  string
}

func (m *mockResolver) Status(ctx context.Context, txHash string) (*adapter.AnchorStatus, error) {
	m.asked = txHash
	return m.status, m.err
}
