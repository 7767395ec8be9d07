package auth

import (
	"slices"
	"time"
)

// User is an admin identity. RoleIDs is a set: unique, order irrelevant.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	PasswordHash string     `json:"-"`
	RoleIDs      []string   `json:"role_ids"`
	Active       bool       `json:"active"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Deleted reports whether the user is soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// HasRole reports whether roleID is assigned.
func (u *User) HasRole(roleID string) bool { return slices.Contains(u.RoleIDs, roleID) }

// Role groups permissions. System roles cannot be renamed or deleted but
// their permission set may change.
type Role struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	DisplayName   string     `json:"display_name"`
	Description   string     `json:"description,omitempty"`
	IsSystem      bool       `json:"is_system"`
	Active        bool       `json:"active"`
	PermissionIDs []string   `json:"permission_ids"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Deleted reports whether the role is soft-deleted.
func (r *Role) Deleted() bool { return r.DeletedAt != nil }

// Permission is an atomic capability identified by Key ("resource:action").
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleRef is the outcome of looking a role reference up: either the role
// was found or it is missing (unknown or soft-deleted). A missing reference
// contributes no permissions.
type RoleRef struct {
	ID   string
	role *Role
}

// FoundRole wraps a role that exists.
func FoundRole(r *Role) RoleRef { return RoleRef{ID: r.ID, role: r} }

// MissingRole marks a reference that no longer resolves.
func MissingRole(id string) RoleRef { return RoleRef{ID: id} }

// Role returns the role and true when found.
func (r RoleRef) Role() (*Role, bool) { return r.role, r.role != nil }

// Revocation reasons recorded on refresh credentials.
const (
	RevokedRotated        = "rotated"
	RevokedLogout         = "logout"
	RevokedReuse          = "reuse_detected"
	RevokedPasswordChange = "password_change"
	RevokedDeactivated    = "deactivated"
	RevokedDeleted        = "deleted"
)

// RefreshToken is one stored link of a rotation chain. Only the hash of
// the secret is stored.
type RefreshToken struct {
	ID            string
	UserID        string
	FamilyID      string
	TokenHash     string
	ExpiresAt     time.Time
	CreatedAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
}

// Revoked reports whether the credential was revoked for any reason.
func (t *RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// Expired reports whether the credential is past its absolute expiry.
func (t *RefreshToken) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }
