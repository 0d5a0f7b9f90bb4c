package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// authUserKey is a context key for the authenticated user.
type authUserKey struct{}

// UserFromContext returns the authenticated claims from the request
// context, or nil when the request is not authenticated.
func UserFromContext(ctx context.Context) *Claims {
	if c, ok := ctx.Value(authUserKey{}).(*Claims); ok {
		return c
	}
	return nil
}

// Public paths that don't require authentication.
var publicPaths = map[string]bool{
	"/api/v1/auth/login": true,
}

// Middleware validates JWT access tokens on API routes. Non-API paths
// (healthz, metrics) and the stream endpoints are skipped; MJPEG
// viewers are plain <img> tags that cannot set headers.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/api/v1/stream/") ||
				strings.HasPrefix(r.URL.Path, "/api/v1/ws/") {
				next.ServeHTTP(w, r)
				return
			}
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}

			claims, err := tokens.ValidateAccessToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired access token")
				return
			}

			ctx := context.WithValue(r.Context(), authUserKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
