package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/nestor-ai/nestor/pkg/config"
)

// Common authentication errors.
var (
	// ErrUnauthorized is returned when authentication is required but
	// not provided.
	ErrUnauthorized = errors.New("unauthorized: authentication required")

	// ErrForbidden is returned when the user lacks permission.
	ErrForbidden = errors.New("forbidden: insufficient permissions")

	// ErrInvalidToken is returned when a token cannot be validated.
	ErrInvalidToken = errors.New("invalid token")
)

// Validator verifies a bearer token and extracts the caller's claims.
type Validator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// NewValidator builds the validator the config calls for: JWKS when a URL
// is set, shared-secret HMAC otherwise. Dev bypass needs no validator and
// returns nil.
func NewValidator(cfg *config.AuthConfig) (Validator, error) {
	if cfg == nil || cfg.DevBypass {
		return nil, nil
	}
	if cfg.JWKSURL != "" {
		return NewJWKSValidator(cfg.JWKSURL, cfg.Issuer, cfg.Audience, cfg.RefreshInterval)
	}
	if cfg.Secret != "" {
		return NewSecretValidator(cfg.Secret, cfg.Issuer, cfg.Audience), nil
	}
	return nil, fmt.Errorf("auth requires jwks_url or secret")
}

// JWKSValidator verifies tokens against a provider's published key set.
// The JWKS is cached and auto-refreshed to handle key rotation.
type JWKSValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
}

// NewJWKSValidator fetches the key set once to validate the configuration
// and registers it for background refresh.
func NewJWKSValidator(jwksURL, issuer, audience string, refresh time.Duration) (*JWKSValidator, error) {
	ctx := context.Background()
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWKSValidator{
		jwksURL:  jwksURL,
		cache:    cache,
		issuer:   issuer,
		audience: audience,
	}, nil
}

// ValidateToken verifies the signature against the cached key set plus
// expiry, issuer and audience, and extracts the claims.
func (v *JWKSValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}
	token, err := parseToken(tokenString, jwt.WithKeySet(keyset), v.issuer, v.audience)
	if err != nil {
		return nil, err
	}
	return extractClaims(token), nil
}

// SecretValidator verifies tokens signed with a shared HMAC secret.
type SecretValidator struct {
	key      jwk.Key
	issuer   string
	audience string
}

func NewSecretValidator(secret, issuer, audience string) *SecretValidator {
	key, err := jwk.FromRaw([]byte(secret))
	if err != nil {
		// jwk.FromRaw on a byte slice only fails on an empty input, which
		// config validation already rejects.
		panic(fmt.Sprintf("auth: invalid HMAC secret: %v", err))
	}
	return &SecretValidator{key: key, issuer: issuer, audience: audience}
}

// ValidateToken verifies an HS256 signature plus expiry, issuer and
// audience, and extracts the claims.
func (v *SecretValidator) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	token, err := parseToken(tokenString, jwt.WithKey(jwa.HS256, v.key), v.issuer, v.audience)
	if err != nil {
		return nil, err
	}
	return extractClaims(token), nil
}

func parseToken(tokenString string, keyOpt jwt.ParseOption, issuer, audience string) (jwt.Token, error) {
	opts := []jwt.ParseOption{keyOpt, jwt.WithValidate(true)}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return token, nil
}

// standardClaims are extracted into struct fields or implied by
// validation; everything else lands in Custom.
var standardClaims = map[string]bool{
	"sub": true, "email": true, "role": true,
	"iss": true, "aud": true, "exp": true, "iat": true, "nbf": true, "jti": true,
}

func extractClaims(token jwt.Token) *Claims {
	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}

	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	iter := token.Iterate(context.Background())
	for iter.Next(context.Background()) {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok || standardClaims[key] {
			continue
		}
		claims.Custom[key] = pair.Value
	}
	return claims
}
