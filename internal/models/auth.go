package models

import "time"

// Nonce is a single-use SIWE challenge. ConsumedAt is set exactly once.
type Nonce struct {
	ID            string     `json:"id" db:"id"`
	WalletAddress string     `json:"walletAddress" db:"wallet_address"`
	Nonce         string     `json:"nonce" db:"nonce"`
	Domain        string     `json:"domain" db:"domain"`
	URI           string     `json:"uri" db:"uri"`
	ChainID       int64      `json:"chainId" db:"chain_id"`
	IssuedAt      time.Time  `json:"issuedAt" db:"issued_at"`
	ExpiresAt     time.Time  `json:"expiresAt" db:"expires_at"`
	ConsumedAt    *time.Time `json:"consumedAt,omitempty" db:"consumed_at"`
}

// IsConsumed reports whether the nonce was already used
func (n *Nonce) IsConsumed() bool {
	return n.ConsumedAt != nil
}

// IsExpired reports whether the nonce lapsed at now
func (n *Nonce) IsExpired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// Session records a minted bearer token by its jti.
type Session struct {
	ID             string     `json:"id" db:"id"`
	UserID         string     `json:"userId" db:"user_id"`
	WalletAddress  string     `json:"walletAddress" db:"wallet_address"`
	SessionTokenID string     `json:"sessionTokenId" db:"session_token_id"`
	IssuedAt       time.Time  `json:"issuedAt" db:"issued_at"`
	ExpiresAt      time.Time  `json:"expiresAt" db:"expires_at"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// IsActive reports whether the session is neither revoked nor expired at now
func (s *Session) IsActive(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
