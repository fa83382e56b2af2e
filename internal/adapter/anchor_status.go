package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/review-anchor/internal/hasher"
	"github.com/review-anchor/internal/logging"
)

// ErrInvalidTxHash is returned for a tx hash that is not 0x + 64 hex characters.
var ErrInvalidTxHash = errors.New("invalid transaction hash")

// AnchorStatus is the display view of an anchor transaction.
type AnchorStatus struct {
	TxHash         string     `json:"tx_hash"`
	ChainID        int64      `json:"chain_id"`
	Found          bool       `json:"found"`
	Success        bool       `json:"success"`
	BlockNumber    int64      `json:"block_number,omitempty"`
	BlockTimestamp *time.Time `json:"block_timestamp,omitempty"`
	Confirmations  int64      `json:"confirmations"`
	EndpointIndex  int        `json:"endpoint_index"`
	CheckedAt      time.Time  `json:"checked_at"`
}

// StatusCache stores resolved statuses; *storage.CacheService satisfies it.
type StatusCache interface {
	AnchorStatusKey(chainID int64, txHash string) string
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
}

// AnchorStatusResolver looks up anchor transactions for display, falling back across the
// pool's endpoints. It is never used to accept a submission.
type AnchorStatusResolver struct {
	pool    *RPCPool
	chainID int64
	timeout time.Duration
	cache   StatusCache
	now     func() time.Time
	logger  *logging.Logger
}

// NewAnchorStatusResolver creates a resolver. cache may be nil.
func NewAnchorStatusResolver(pool *RPCPool, chainID int64, timeout time.Duration, cache StatusCache) *AnchorStatusResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AnchorStatusResolver{
		pool:    pool,
		chainID: chainID,
		timeout: timeout,
		cache:   cache,
		now:     time.Now,
		logger:  logging.GetGlobalLogger().WithField("component", "anchor_status"),
	}
}

// anchorRecord holds the receipt facts that do not change once mined. Confirmations are
// always derived from the current head and never cached.
type anchorRecord struct {
	Found          bool       `json:"found"`
	Success        bool       `json:"success"`
	BlockNumber    int64      `json:"block_number"`
	BlockTimestamp *time.Time `json:"block_timestamp,omitempty"`
}

// Status resolves txHash against the first endpoint that answers. Mined receipts are cached;
// "not found" is not, so a pending transaction is re-queried on the next call. The chain head
// is read on every call.
func (r *AnchorStatusResolver) Status(ctx context.Context, txHash string) (*AnchorStatus, error) {
	if !hasher.ValidDigest(txHash) {
		return nil, ErrInvalidTxHash
	}

	var key string
	var cached *anchorRecord
	if r.cache != nil {
		key = r.cache.AnchorStatusKey(r.chainID, txHash)
		var rec anchorRecord
		hit, err := r.cache.Get(ctx, key, &rec)
		if err != nil {
			r.logger.WithError(err).Warn("anchor status cache read failed")
		} else if hit {
			cached = &rec
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec *anchorRecord
	var head int64
	index, err := r.pool.Do(ctx, func(ctx context.Context, client LedgerClient) error {
		if cached != nil {
			h, err := headNumber(ctx, client)
			if err != nil {
				return err
			}
			rec, head = cached, h
			return nil
		}
		fetched, h, err := r.lookup(ctx, client, common.HexToHash(txHash))
		if err != nil {
			return err
		}
		rec, head = fetched, h
		return nil
	})
	if err != nil {
		return nil, err
	}

	status := &AnchorStatus{
		TxHash:         txHash,
		ChainID:        r.chainID,
		Found:          rec.Found,
		Success:        rec.Success,
		BlockNumber:    rec.BlockNumber,
		BlockTimestamp: rec.BlockTimestamp,
		EndpointIndex:  index,
		CheckedAt:      r.now().UTC(),
	}
	if rec.Found && head >= rec.BlockNumber {
		status.Confirmations = head - rec.BlockNumber + 1
	}

	if r.cache != nil && cached == nil && rec.Found {
		if err := r.cache.Set(ctx, key, rec); err != nil {
			r.logger.WithError(err).Warn("anchor status cache write failed")
		}
	}
	return status, nil
}

func (r *AnchorStatusResolver) lookup(ctx context.Context, client LedgerClient, hash common.Hash) (*anchorRecord, int64, error) {
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if isNotFound(err) {
			return &anchorRecord{Found: false}, 0, nil
		}
		return nil, 0, err
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return &anchorRecord{Found: false}, 0, nil
	}

	rec := &anchorRecord{
		Found:       true,
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Int64(),
	}

	block, err := client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, 0, err
	}
	ts := time.Unix(int64(block.Time), 0).UTC()
	rec.BlockTimestamp = &ts

	head, err := headNumber(ctx, client)
	if err != nil {
		return nil, 0, err
	}
	return rec, head, nil
}

func headNumber(ctx context.Context, client LedgerClient) (int64, error) {
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, err
	}
	if head == nil || head.Number == nil {
		return 0, errors.New("latest header has no number")
	}
	return head.Number.Int64(), nil
}
