// Package auth verifies bearer tokens and carries the caller's identity
// through the request context. Tokens are validated against a JWKS
// endpoint when one is configured, otherwise against the shared HMAC
// signing secret. A development bypass injects a fixed identity so local
// stacks run without an identity provider; production deployments must
// configure real tokens.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// Claims is the validated identity extracted from a bearer token.
type Claims struct {
	// Subject is the user id (sub claim). Every route handler parses it
	// as a UUID via UserID.
	Subject string `json:"sub"`

	// Email is the user's email address, when the provider includes it.
	Email string `json:"email,omitempty"`

	// Role drives authorization decisions.
	Role string `json:"role,omitempty"`

	// Custom holds any claims not mapped to struct fields.
	Custom map[string]any `json:"-"`
}

// UserID parses the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

// HasAnyRole reports whether the user holds one of the given roles.
func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if c.Role == role {
			return true
		}
	}
	return false
}

// contextKey is a private type so other packages cannot collide with the
// claims slot.
type contextKey string

const claimsContextKey contextKey = "nestor_auth_claims"

// ContextWithClaims returns a context carrying the claims.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext extracts the claims, or nil when the request was not
// authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
