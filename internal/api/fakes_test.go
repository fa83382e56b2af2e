package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/storage"
)

// memStore is a single in-memory backend implementing every store the services consume.
type memStore struct {
	mu             sync.Mutex
	users          map[string]*models.User
	nonces         map[string]*models.Nonce
	sessions       map[string]*models.Session
	establishments map[string]bool
	reviews        map[string]*models.Review
	pointsConfigs  []models.PointsConfig
	idempotency    map[string]json.RawMessage
	seq            int
}

func newMemStore() *memStore {
	return &memStore{
		users:          make(map[string]*models.User),
		nonces:         make(map[string]*models.Nonce),
		sessions:       make(map[string]*models.Session),
		establishments: make(map[string]bool),
		reviews:        make(map[string]*models.Review),
		idempotency:    make(map[string]json.RawMessage),
	}
}

type memUsers struct{ *memStore }

func (m memUsers) Create(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if user.WalletAddress != nil && u.Wallet() == *user.WalletAddress {
			return &storage.UniqueViolation{Constraint: storage.ConstraintUsersWallet, Err: storage.ErrAlreadyExists}
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m memUsers) GetByWallet(ctx context.Context, wallet string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Wallet() == wallet {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

type memNonces struct{ *memStore }

func (m memNonces) Create(ctx context.Context, n *models.Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	n.ID = fmt.Sprintf("nonce-%d", m.seq)
	cp := *n
	m.nonces[n.WalletAddress+"/"+n.Nonce] = &cp
	return nil
}

func (m memNonces) Get(ctx context.Context, wallet, nonce string) (*models.Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nonces[wallet+"/"+nonce]; ok {
		cp := *n
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m memNonces) Consume(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.nonces {
		if n.ID == id && n.ConsumedAt == nil {
			t := at
			n.ConsumedAt = &t
			return nil
		}
	}
	return storage.ErrNonceConsumed
}

type memSessions struct{ *memStore }

func (m memSessions) Create(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.SessionTokenID] = &cp
	return nil
}

func (m memSessions) GetByTokenID(ctx context.Context, tokenID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[tokenID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m memSessions) Revoke(ctx context.Context, tokenID string, at time.Time) error {
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

type memEstablishments struct{ *memStore }

func (m memEstablishments) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.establishments[id], nil
}

type memReviews struct{ *memStore }

func (m memReviews) Create(ctx context.Context, review *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[review.ID]; ok {
		return &storage.UniqueViolation{Constraint: storage.ConstraintReviewsPK, Err: storage.ErrAlreadyExists}
	}
	for _, r := range m.reviews {
		if r.Anchor.TxHash == review.Anchor.TxHash {
			return &storage.UniqueViolation{Constraint: storage.ConstraintAnchorTxHash, Err: storage.ErrAlreadyExists}
		}
	}
	cp := *review
	m.reviews[review.ID] = &cp
	return nil
}

func (m memReviews) GetByID(ctx context.Context, id string) (*models.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.reviews[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

type memPointsConfig struct{ *memStore }

func (m memPointsConfig) Current(ctx context.Context) (*models.PointsConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pointsConfigs) == 0 {
		return nil, storage.ErrNotFound
	}
	cfg := m.pointsConfigs[len(m.pointsConfigs)-1]
	return &cfg, nil
}

func (m memPointsConfig) Save(ctx context.Context, cfg *models.PointsConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.ID = int64(len(m.pointsConfigs) + 1)
	m.pointsConfigs = append(m.pointsConfigs, *cfg)
	return nil
}

type memIdempotency struct{ *memStore }

func (m memIdempotency) Get(ctx context.Context, userID, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.idempotency[userID+"/"+key]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (m memIdempotency) Save(ctx context.Context, userID, key string, response json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := userID + "/" + key
	if r, ok := m.idempotency[k]; ok {
		return r, nil
	}
	m.idempotency[k] = response
	return response, nil
}

// fakeLedger serves receipts and headers from memory.
type fakeLedger struct {
	mu       sync.Mutex
	chainID  int64
	receipts map[common.Hash]*types.Receipt
	headers  map[uint64]*types.Header
	head     uint64
}

func newFakeLedger(chainID int64) *fakeLedger {
	return &fakeLedger{
		chainID:  chainID,
		receipts: make(map[common.Hash]*types.Receipt),
		headers:  make(map[uint64]*types.Header),
	}
}

func (f *fakeLedger) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeLedger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeLedger) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	if h, ok := f.headers[n]; ok {
		return h, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeLedger) Close() {}

// anchor records a successful transaction carrying logs in block.
func (f *fakeLedger) anchor(txHash string, block uint64, at time.Time, logs ...*types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        logs,
	}
	f.headers[block] = &types.Header{Number: new(big.Int).SetUint64(block), Time: uint64(at.Unix())}
	if block > f.head {
		f.head = block
	}
}

func (f *fakeLedger) setHead(block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[block] = &types.Header{Number: new(big.Int).SetUint64(block)}
	f.head = block
}
