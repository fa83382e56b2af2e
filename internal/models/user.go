// Package models provides data models for the review anchor service.
package models

import (
	"time"

	"github.com/review-anchor/internal/types"
)

// User represents a user in the system. WalletAddress is stored in EIP-55 form.
type User struct {
	ID            string         `json:"id" db:"id"`
	WalletAddress *string        `json:"walletAddress,omitempty" db:"wallet_address"`
	Email         *string        `json:"email,omitempty" db:"email"`
	Name          string         `json:"name" db:"name"`
	AvatarURL     string         `json:"avatarUrl" db:"avatar_url"`
	Role          types.UserRole `json:"role" db:"role"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
}

// Wallet returns the wallet address or "" when the user has none.
func (u *User) Wallet() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}

// EmailOrEmpty returns the email or "".
func (u *User) EmailOrEmpty() string {
	if u.Email == nil {
		return ""
	}
	return *u.Email
}

// IsAdmin reports whether the user holds the admin role
func (u *User) IsAdmin() bool {
	return u.Role == types.RoleAdmin
}
