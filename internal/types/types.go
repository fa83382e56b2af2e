// Package types provides common type definitions shared across the review anchor service.
package types

// UserRole represents the authorization role of a user
type UserRole string

const (
	// RoleUser is the default role assigned on first sign-in
	RoleUser UserRole = "user"
	// RoleAdmin may change the points configuration
	RoleAdmin UserRole = "admin"
)

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// TokenType is the token_type returned with every access token.
const TokenType = "Bearer"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
