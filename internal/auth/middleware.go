package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey int

const claimsContextKey contextKey = iota

// Middleware verifies the request's Bearer token against secret and injects
// its Claims into the request context. A token whose workspace claim is
// set and does not match the path's {workspace} is rejected, unless the
// token's account is system or guest.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			claims, err := ParseClaims(token, secret)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			if claims.Workspace != nil && !claims.IsSystem() && !claims.IsGuest() {
				pathWorkspace := chi.URLParam(r, "workspace")
				if pathWorkspace != "" && claims.Workspace.String() != pathWorkspace {
					writeAuthError(w, http.StatusUnauthorized, ErrWorkspaceMismatch.Error())
					return
				}
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	return strings.TrimPrefix(header, prefix), nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// FromContext retrieves the Claims injected by Middleware.
func FromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(Claims)
	return claims, ok
}
