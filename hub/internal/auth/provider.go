package auth

import (
	"context"
)

// Roles carried in tokens.
const (
	RoleAdmin  = "admin"
	RoleMember = "user"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // portal user id (builtin) or external provider subject
	Username string
	Role     string // "admin" or "user"
}

// IsAdmin reports whether the identity may use admin routes.
func (i *Identity) IsAdmin() bool {
	return i != nil && i.Role == RoleAdmin
}

// CanRead reports whether the identity may read userID's membership.
func (i *Identity) CanRead(userID string) bool {
	return i.IsAdmin() || (i != nil && i.UserID == userID)
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
	Close() error
}
