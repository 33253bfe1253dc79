// Package auth provides JWT-based authentication for easel-engine.
// It validates tokens issued by the identity service using JWKS endpoints.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// ClaimsKey is the context key for storing JWT claims.
	ClaimsKey contextKey = "claims"
	// TokenKey is the context key for storing the raw JWT token string.
	TokenKey contextKey = "token"
)

// AdminRole is the role that grants administrative access to agents with
// admin-gated visibility.
const AdminRole = "admin"

// Claims represents the JWT claims structure issued by the identity
// service. It embeds RegisteredClaims for standard JWT fields (sub, iss,
// exp, etc.) and adds custom claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email,omitempty"` // User email address
	Roles []string `json:"roles,omitempty"` // User roles
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	for _, role := range c.Roles {
		if role == AdminRole {
			return true
		}
	}
	return false
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// GetUserIDFromContext extracts the user ID from JWT claims in the context.
// Returns empty string if not authenticated or claims are missing.
// Use this when you can handle an empty string gracefully.
func GetUserIDFromContext(ctx context.Context) string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return ""
	}
	return claims.Subject
}

// RequireUserIDFromContext extracts the user ID from context and returns an
// error if not found. Use this when user ID is required for the operation.
func RequireUserIDFromContext(ctx context.Context) (string, error) {
	userID := GetUserIDFromContext(ctx)
	if userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetRolesFromContext extracts the roles from JWT claims in the context.
// Returns nil if not authenticated.
func GetRolesFromContext(ctx context.Context) []string {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return nil
	}
	return claims.Roles
}

// IsAdminFromContext reports whether the context carries admin claims.
func IsAdminFromContext(ctx context.Context) bool {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return false
	}
	return claims.IsAdmin()
}
