// Package hasher computes the content-address hashes that clients anchor on-chain.
//
// A review hash is keccak256(abi.encode(reviewId, userId, establishmentId, timestamp, price))
// with every field ABI-encoded as a Solidity string, so contracts and ethers clients
// reproduce it bit-for-bit. Field order is fixed.
package hasher

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// TimestampLayout is the canonical ISO-8601 form hashed for review timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var reviewArgs abi.Arguments

func init() {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(fmt.Sprintf("hasher: abi string type: %v", err))
	}
	reviewArgs = abi.Arguments{
		{Name: "reviewId", Type: stringType},
		{Name: "userId", Type: stringType},
		{Name: "establishmentId", Type: stringType},
		{Name: "timestamp", Type: stringType},
		{Name: "price", Type: stringType},
	}
}

// HashReview returns the 0x-prefixed lowercase hex digest of the review tuple.
func HashReview(reviewID, userID, establishmentID, timestamp, price string) string {
	packed, err := reviewArgs.Pack(reviewID, userID, establishmentID, timestamp, price)
	if err != nil {
		// Only reachable if the argument list and call site drift apart.
		panic(fmt.Sprintf("hasher: pack review: %v", err))
	}
	return hexutil.Encode(crypto.Keccak256(packed))
}

// HashEstablishment returns keccak256(bytes(establishmentID)) as 0x-prefixed hex.
func HashEstablishment(establishmentID string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(establishmentID)))
}

// FormatTimestamp renders t in UTC with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// FormatPrice renders the canonical price string, e.g. "12.5" or "100".
func FormatPrice(price decimal.Decimal) string {
	return price.String()
}

// ValidDigest reports whether s is a 0x-prefixed 32-byte hex string (either case).
func ValidDigest(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// Equal compares two hex digests case-insensitively.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}
