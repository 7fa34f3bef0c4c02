// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the operator to context

package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/miner-gateway/internal/store"
)

// UserStore is the subset of store.Store the middleware needs
type UserStore interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware creates an HTTP middleware that validates bearer JWTs.
// The "sub" claim must be the ID of an existing user; the user's current
// role is loaded on every request so demotions apply immediately.
func HTTPAuthMiddleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, errMsg, http.StatusUnauthorized)
				return
			}

			subject, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}

			userID, err := strconv.ParseInt(subject, 10, 64)
			if err != nil {
				writeAuthError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				writeAuthError(w, "user not found", http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{UserID: user.ID, Email: user.Email, Role: user.Role}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, "not authenticated", http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				writeAuthError(w, "admin role required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserSubject formats a user ID as a token subject
func UserSubject(id int64) string {
	return strconv.FormatInt(id, 10)
}
