package auth

import (
	"context"

	"campusadmin.org/internal/perm"
)

// Principal is an authenticated user with the permission set resolved for
// the current request.
type Principal struct {
	User        *User
	Permissions perm.Set
}

// UserID returns the principal's user id.
func (p Principal) UserID() string {
	if p.User == nil {
		return ""
	}
	return p.User.ID
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
