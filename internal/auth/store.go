package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Soft-deleted rows are only visible through the *IncludingDeleted methods.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages users and their role set.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	FindActive(ctx context.Context, id string) (*User, error)
	FindIncludingDeleted(ctx context.Context, id string) (*User, error)
	FindActiveByEmail(ctx context.Context, email string) (*User, error)
	UpdatePasswordHash(ctx context.Context, id, hash string) error
	SetActive(ctx context.Context, id string, active bool) error
	SoftDelete(ctx context.Context, id string) error
	// SetRoles replaces the user's role set in one transaction.
	SetRoles(ctx context.Context, id string, roleIDs []string) error
	// IDsWithRole lists non-deleted users holding roleID.
	IDsWithRole(ctx context.Context, roleID string) ([]string, error)
}

// RoleStore manages roles and their permission set.
type RoleStore interface {
	Create(ctx context.Context, r *Role) error
	FindActive(ctx context.Context, id string) (*Role, error)
	FindIncludingDeleted(ctx context.Context, id string) (*Role, error)
	FindActiveByName(ctx context.Context, name string) (*Role, error)
	// Lookup returns one RoleRef per id, in order. Unknown and soft-deleted
	// roles come back as missing.
	Lookup(ctx context.Context, ids []string) ([]RoleRef, error)
	Rename(ctx context.Context, id, name, displayName string) error
	SetActive(ctx context.Context, id string, active bool) error
	SoftDelete(ctx context.Context, id string) error
	// SetPermissions replaces the role's permission set in one transaction.
	SetPermissions(ctx context.Context, id string, permissionIDs []string) error
}

// PermissionStore manages the permission catalog.
type PermissionStore interface {
	// Sync upserts the given permissions by key. Repeated calls are no-ops.
	Sync(ctx context.Context, perms []Permission) error
	FindByIDs(ctx context.Context, ids []string) ([]Permission, error)
	FindByKeys(ctx context.Context, keys []string) ([]Permission, error)
	List(ctx context.Context) ([]Permission, error)
}

// RefreshTokenStore manages refresh credential lifecycle. Every method is a
// durable write or read; no in-memory state is authoritative.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, hash string) (*RefreshToken, error)
	// Rotate revokes predecessorID iff it is neither revoked nor expired at
	// now, and inserts successor, atomically. A predecessor revoked by a
	// concurrent rotation yields ErrCredentialReused; an expired one yields
	// ErrCredentialExpired. Nothing is inserted in either case.
	Rotate(ctx context.Context, predecessorID string, successor *RefreshToken, now time.Time) error
	RevokeFamily(ctx context.Context, familyID, reason string, now time.Time) (int64, error)
	RevokeUser(ctx context.Context, userID, reason string, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
