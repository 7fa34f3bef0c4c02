// ABOUTME: Authentication context for tracking operator identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"

	"github.com/2389/miner-gateway/internal/store"
)

// AuthContext holds the authenticated operator extracted from a request.
type AuthContext struct {
	UserID int64
	Email  string
	Role   store.Role
}

// IsAdmin returns true if the operator has the admin role.
func (a *AuthContext) IsAdmin() bool {
	return a.Role == store.RoleAdmin
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
