// Package adapter talks to the ledger: strict anchor verification on submission and a
// best-effort, multi-endpoint status lookup for display.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// LedgerClient is the subset of ethclient.Client used by this package.
type LedgerClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	Close()
}

// DialFunc opens a LedgerClient for an RPC URL.
type DialFunc func(ctx context.Context, rawURL string) (LedgerClient, error)

// DialEthClient dials an ethclient.Client.
func DialEthClient(ctx context.Context, rawURL string) (LedgerClient, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	return client, nil
}

const anchorEventABI = `[{
	"anonymous": false,
	"type": "event",
	"name": "ReviewAnchored",
	"inputs": [
		{"indexed": true, "name": "author", "type": "address"},
		{"indexed": true, "name": "reviewHash", "type": "bytes32"},
		{"indexed": true, "name": "establishmentHash", "type": "bytes32"}
	]
}]`

var reviewAnchoredEvent abi.Event

func init() {
	parsed, err := abi.JSON(strings.NewReader(anchorEventABI))
	if err != nil {
		panic(fmt.Sprintf("adapter: invalid anchor event ABI: %v", err))
	}
	reviewAnchoredEvent = parsed.Events["ReviewAnchored"]
}

// ReviewAnchoredTopic is the topic0 of ReviewAnchored(address,bytes32,bytes32).
func ReviewAnchoredTopic() common.Hash {
	return reviewAnchoredEvent.ID
}

// AnchorEvent is a decoded ReviewAnchored log.
type AnchorEvent struct {
	Contract          common.Address
	Author            common.Address
	ReviewHash        common.Hash
	EstablishmentHash common.Hash
}

var errNotAnchorEvent = errors.New("log is not a ReviewAnchored event")

// decodeAnchorEvent decodes the indexed fields of a ReviewAnchored log.
func decodeAnchorEvent(lg *types.Log) (*AnchorEvent, error) {
	if lg == nil || len(lg.Topics) != 4 || lg.Topics[0] != reviewAnchoredEvent.ID {
		return nil, errNotAnchorEvent
	}

	var indexed abi.Arguments
	for _, arg := range reviewAnchoredEvent.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	fields := make(map[string]interface{}, len(indexed))
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("failed to decode ReviewAnchored topics: %w", err)
	}

	author, ok := fields["author"].(common.Address)
	if !ok {
		return nil, errNotAnchorEvent
	}
	reviewHash, ok := fields["reviewHash"].([32]byte)
	if !ok {
		return nil, errNotAnchorEvent
	}
	establishmentHash, ok := fields["establishmentHash"].([32]byte)
	if !ok {
		return nil, errNotAnchorEvent
	}

	return &AnchorEvent{
		Contract:          lg.Address,
		Author:            author,
		ReviewHash:        common.Hash(reviewHash),
		EstablishmentHash: common.Hash(establishmentHash),
	}, nil
}

// isNotFound reports a receipt lookup for an unknown or pending transaction.
func isNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
