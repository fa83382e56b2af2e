package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/review-anchor/internal/hasher"
	"github.com/review-anchor/internal/logging"
)

// Verification failure reasons.
const (
	ReasonInvalidTxHash         = "invalid transaction hash"
	ReasonChainMismatch         = "chain id mismatch"
	ReasonTxNotFound            = "transaction not found or not yet mined"
	ReasonTxFailed              = "transaction failed"
	ReasonEventNotFound         = "ReviewAnchored event not found in transaction"
	ReasonAuthorMismatch        = "anchor author does not match wallet"
	ReasonReviewHashMismatch    = "anchored review hash does not match"
	ReasonEstablishmentMismatch = "anchored establishment hash does not match"
	ReasonTimeout               = "ledger request timed out"
)

// VerificationResult is the outcome of VerifyAnchoredTx. Reason is set when OK is false.
type VerificationResult struct {
	OK             bool
	Reason         string
	ChainID        int64
	BlockNumber    int64
	BlockTimestamp time.Time
}

func failed(reason string) VerificationResult {
	return VerificationResult{OK: false, Reason: reason}
}

// AnchorVerifierConfig configures an AnchorVerifier.
type AnchorVerifierConfig struct {
	ChainID int64
	// Contract restricts matching logs to one emitter; empty accepts any emitter.
	Contract string
	Timeout  time.Duration
}

// AnchorVerifier checks anchor transactions against a single ledger endpoint.
// It never retries or falls back: a submission is accepted only on a definitive answer.
type AnchorVerifier struct {
	client   LedgerClient
	chainID  int64
	contract *common.Address
	timeout  time.Duration
	logger   *logging.Logger
}

// NewAnchorVerifier creates an AnchorVerifier over client.
func NewAnchorVerifier(client LedgerClient, cfg AnchorVerifierConfig) (*AnchorVerifier, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", cfg.ChainID)
	}

	v := &AnchorVerifier{
		client:  client,
		chainID: cfg.ChainID,
		timeout: cfg.Timeout,
		logger:  logging.GetGlobalLogger().WithField("component", "anchor_verifier"),
	}
	if v.timeout <= 0 {
		v.timeout = 10 * time.Second
	}
	if cfg.Contract != "" {
		if !common.IsHexAddress(cfg.Contract) {
			return nil, fmt.Errorf("invalid anchor contract address %q", cfg.Contract)
		}
		addr := common.HexToAddress(cfg.Contract)
		v.contract = &addr
	}
	return v, nil
}

// ChainID returns the chain the verifier accepts.
func (v *AnchorVerifier) ChainID() int64 {
	return v.chainID
}

// VerifyAnchoredTx checks that txHash is a successful transaction on the configured chain
// whose ReviewAnchored log binds expectedWallet, expectedReviewHash and the hash of
// expectedEstablishmentID.
func (v *AnchorVerifier) VerifyAnchoredTx(ctx context.Context, txHash, expectedWallet, expectedReviewHash, expectedEstablishmentID string) VerificationResult {
	if !hasher.ValidDigest(txHash) {
		return failed(ReasonInvalidTxHash)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	log := v.logger.WithField("tx_hash", txHash)

	chainID, err := v.client.ChainID(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to read chain id")
		return failed(v.rpcReason(ctx, "failed to read chain id", err))
	}
	if !chainID.IsInt64() || chainID.Int64() != v.chainID {
		return failed(fmt.Sprintf("%s: provider reports %s, expected %d", ReasonChainMismatch, chainID.String(), v.chainID))
	}

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if isNotFound(err) {
			return failed(ReasonTxNotFound)
		}
		log.WithError(err).Warn("failed to fetch receipt")
		return failed(v.rpcReason(ctx, "failed to fetch receipt", err))
	}
	if receipt == nil {
		return failed(ReasonTxNotFound)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return failed(ReasonTxFailed)
	}

	if reason := v.matchAnchorLog(receipt.Logs, expectedWallet, expectedReviewHash, expectedEstablishmentID); reason != "" {
		return failed(reason)
	}

	if receipt.BlockNumber == nil {
		return failed(ReasonTxNotFound)
	}
	header, err := v.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		log.WithError(err).Warn("failed to fetch block header")
		return failed(v.rpcReason(ctx, "failed to fetch block header", err))
	}

	return VerificationResult{
		OK:             true,
		ChainID:        v.chainID,
		BlockNumber:    receipt.BlockNumber.Int64(),
		BlockTimestamp: time.Unix(int64(header.Time), 0).UTC(),
	}
}

// matchAnchorLog returns "" when some ReviewAnchored log matches every expectation, otherwise
// the mismatch reason of the first candidate log.
func (v *AnchorVerifier) matchAnchorLog(logs []*types.Log, wallet, reviewHash, establishmentID string) string {
	wantEstablishment := hasher.HashEstablishment(establishmentID)
	reason := ReasonEventNotFound

	for i, lg := range logs {
		if v.contract != nil && lg.Address != *v.contract {
			continue
		}
		event, err := decodeAnchorEvent(lg)
		if err != nil {
			continue
		}

		mismatch := ""
		switch {
		case !strings.EqualFold(event.Author.Hex(), wallet):
			mismatch = ReasonAuthorMismatch
		case !hasher.Equal(event.ReviewHash.Hex(), reviewHash):
			mismatch = ReasonReviewHashMismatch
		case !hasher.Equal(event.EstablishmentHash.Hex(), wantEstablishment):
			mismatch = ReasonEstablishmentMismatch
		}
		if mismatch == "" {
			return ""
		}
		if reason == ReasonEventNotFound {
			v.logger.WithFields(map[string]interface{}{
				"log_index": i,
				"reason":    mismatch,
			}).Debug("anchor log mismatch")
			reason = mismatch
		}
	}
	return reason
}

func (v *AnchorVerifier) rpcReason(ctx context.Context, what string, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return fmt.Sprintf("%s: %v", what, err)
}
