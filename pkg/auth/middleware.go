package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nestor-ai/nestor/pkg/config"
)

// DevUserID is the identity the dev bypass injects when the request does
// not name one. Local stacks seed this user.
const DevUserID = "00000000-0000-0000-0000-000000000001"

// DevUserHeader lets a bypassed request pick a different user, so local
// testing can exercise ownership checks.
const DevUserHeader = "X-Dev-User-Id"

// Middleware enforces bearer authentication on every route except the
// configured exclusions. With dev bypass enabled tokens are not checked
// and a fixed development identity is injected instead.
func Middleware(validator Validator, cfg *config.AuthConfig) func(http.Handler) http.Handler {
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.DevBypass {
				claims := &Claims{Subject: DevUserID, Role: "admin"}
				if id := r.Header.Get(DevUserHeader); id != "" {
					claims.Subject = id
				}
				next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
				return
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "missing Authorization header")
				return
			}
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				unauthorized(w, "invalid Authorization format, expected: Bearer <token>")
				return
			}

			claims, err := validator.ValidateToken(r.Context(), token)
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole guards a subtree with a role check. It assumes Middleware
// already ran.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				unauthorized(w, "authentication required")
				return
			}
			if !claims.HasAnyRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, detail string) {
	writeAuthError(w, http.StatusUnauthorized, "unauthorized", detail)
}

// writeAuthError emits the same {detail, code} body shape the API uses
// for every other error.
func writeAuthError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail, "code": code})
}
