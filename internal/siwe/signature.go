package siwe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidAddress is returned for malformed or badly checksummed addresses.
	ErrInvalidAddress = errors.New("siwe: invalid address")
	// ErrInvalidSignature is returned when a signature cannot be decoded or recovered.
	ErrInvalidSignature = errors.New("siwe: invalid signature")
	// ErrSignerMismatch is returned when the recovered signer differs from the claimed address.
	ErrSignerMismatch = errors.New("siwe: signer does not match address")
)

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses. All-lowercase and
// all-uppercase forms carry no checksum; mixed-case forms must be valid EIP-55.
func ValidateAddress(address string) (common.Address, error) {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	addr := common.HexToAddress(address)
	body := address[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && addr.Hex() != address {
		return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, address)
	}
	return addr, nil
}

// RecoverAddress recovers the EIP-191 personal_sign signer of message.
// Signatures may carry v as 0/1 or 27/28.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	// Copy so the caller's slice is left untouched.
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, ErrInvalidSignature
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that address signed message.
func VerifySignature(message, signature string, address common.Address) error {
	signer, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if signer != address {
		return ErrSignerMismatch
	}
	return nil
}

// DomainPolicy decides which message domains are accepted. An explicit allow-list
// takes priority, then a single configured domain, then the requesting host.
type DomainPolicy struct {
	Allowed []string
	Domain  string
}

// Permits reports whether domain may sign in for a request arriving at requestDomain.
func (p DomainPolicy) Permits(domain, requestDomain string) bool {
	if len(p.Allowed) > 0 {
		for _, d := range p.Allowed {
			if strings.EqualFold(d, domain) {
				return true
			}
		}
		return false
	}
	if p.Domain != "" {
		return strings.EqualFold(p.Domain, domain)
	}
	return requestDomain != "" && strings.EqualFold(requestDomain, domain)
}
