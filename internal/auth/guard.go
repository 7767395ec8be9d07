package auth

import "context"

// RequireAll fails unless the request's principal holds every key.
// A request without a principal fails with ErrUnauthenticated.
func RequireAll(ctx context.Context, keys ...string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.Permissions.HasAll(keys...) {
		return ErrInsufficientPermission
	}
	return nil
}

// RequireAny fails unless the request's principal holds at least one key.
func RequireAny(ctx context.Context, keys ...string) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !p.Permissions.HasAny(keys...) {
		return ErrInsufficientPermission
	}
	return nil
}
