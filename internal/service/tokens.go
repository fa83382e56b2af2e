package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/review-anchor/internal/models"
)

// Claims is the bearer token payload. ID carries the session token id (jti).
type Claims struct {
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

var errMissingSecret = errors.New("JWT secret is not configured")

// TokenIssuer signs and parses HS256 bearer tokens.
type TokenIssuer struct {
	secret   []byte
	lifetime time.Duration
}

// NewTokenIssuer creates a TokenIssuer. An empty secret is rejected rather than defaulted.
func NewTokenIssuer(secret string, lifetime time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errMissingSecret
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), lifetime: lifetime}, nil
}

// Lifetime returns the configured token lifetime.
func (t *TokenIssuer) Lifetime() time.Duration {
	return t.lifetime
}

// Mint signs a token for user bound to session token id jti.
func (t *TokenIssuer) Mint(user *models.User, jti string, issuedAt time.Time) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errMissingSecret
	}
	exp := issuedAt.Add(t.lifetime)
	claims := Claims{
		Name:          user.Name,
		Email:         user.EmailOrEmpty(),
		WalletAddress: user.Wallet(),
		Role:          string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.secret)
	return signed, exp, err
}

// Parse verifies signature and expiry. Only HS256 is accepted.
func (t *TokenIssuer) Parse(token string, now time.Time) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errors.New("token is missing subject or session id")
	}
	return &claims, nil
}
