// Package auth provides JWT-based authentication for syncrail-engine.
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

// Claims represents the JWT claims structure. It embeds RegisteredClaims for
// standard JWT fields (sub, iss, exp, etc.) and adds the tenant context.
type Claims struct {
	jwt.RegisteredClaims
	TenantID int      `json:"tid,omitempty"`   // Tenant identifier
	Email    string   `json:"email,omitempty"` // User email address
	Roles    []string `json:"roles,omitempty"` // User roles within the tenant
}

// GetClaims retrieves JWT claims from the request context.
// Returns nil and false if claims are not present.
func GetClaims(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*Claims)
	return claims, ok
}

// SetClaims stores JWT claims in the context.
func SetClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetToken retrieves the raw JWT token string from the request context.
// Returns empty string and false if token is not present.
func GetToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}

// SetToken stores the raw JWT token string in the context.
func SetToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, TokenKey, token)
}

// TenantFromContext extracts the tenant id from JWT claims in context.
// Returns an error if not authenticated or the tenant claim is missing.
func TenantFromContext(ctx context.Context) (int, error) {
	claims, ok := GetClaims(ctx)
	if !ok || claims == nil {
		return 0, fmt.Errorf("authentication required: no claims in context")
	}
	if claims.TenantID == 0 {
		return 0, fmt.Errorf("missing tenant ID in JWT claims")
	}
	return claims.TenantID, nil
}
