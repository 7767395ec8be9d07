// Package memory provides an in-memory identity store. It is intended for
// tests and local development and gives the same atomicity guarantees as the
// PostgreSQL store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"campusadmin.org/internal/auth"
)

// Compile-time interface checks.
var (
	_ auth.Store             = (*Store)(nil)
	_ auth.UserStore         = userStore{}
	_ auth.RoleStore         = roleStore{}
	_ auth.PermissionStore   = permissionStore{}
	_ auth.RefreshTokenStore = refreshStore{}
)

// Store is a thread-safe in-memory identity store.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	users       map[string]*auth.User
	roles       map[string]*auth.Role
	permissions map[string]*auth.Permission
	refresh     map[string]*auth.RefreshToken
	byHash      map[string]string // token hash -> id
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:         time.Now,
		users:       make(map[string]*auth.User),
		roles:       make(map[string]*auth.Role),
		permissions: make(map[string]*auth.Permission),
		refresh:     make(map[string]*auth.RefreshToken),
		byHash:      make(map[string]string),
	}
}

// WithClock sets the clock used for updated_at and deleted_at stamps.
func (s *Store) WithClock(fn func() time.Time) *Store {
	s.now = fn
	return s
}

func (s *Store) Users() auth.UserStore                 { return userStore{s} }
func (s *Store) Roles() auth.RoleStore                 { return roleStore{s} }
func (s *Store) Permissions() auth.PermissionStore     { return permissionStore{s} }
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return refreshStore{s} }

// Ping is a no-op for the memory store.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Users
// ──────────────────────────────────────────────────

type userStore struct{ s *Store }

func (u userStore) Create(_ context.Context, user *auth.User) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, auth.ErrConflict)
	}
	for _, existing := range s.users {
		if !existing.Deleted() && strings.EqualFold(existing.Email, user.Email) {
			return fmt.Errorf("email %s: %w", user.Email, auth.ErrConflict)
		}
	}
	for _, roleID := range user.RoleIDs {
		if _, ok := s.roles[roleID]; !ok {
			return fmt.Errorf("role %s: %w", roleID, auth.ErrNotFound)
		}
	}
	c := copyUser(user)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.users[user.ID] = c
	return nil
}

func (u userStore) FindActive(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, err := u.s.liveUser(id)
	if err != nil {
		return nil, err
	}
	return copyUser(user), nil
}

func (u userStore) FindIncludingDeleted(_ context.Context, id string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, auth.ErrNotFound)
	}
	return copyUser(user), nil
}

func (u userStore) FindActiveByEmail(_ context.Context, email string) (*auth.User, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	for _, user := range u.s.users {
		if !user.Deleted() && strings.EqualFold(user.Email, email) {
			return copyUser(user), nil
		}
	}
	return nil, fmt.Errorf("user email: %w", auth.ErrNotFound)
}

func (u userStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	return u.s.mutateUser(id, func(user *auth.User) error {
		user.PasswordHash = hash
		return nil
	})
}

func (u userStore) SetActive(_ context.Context, id string, active bool) error {
	return u.s.mutateUser(id, func(user *auth.User) error {
		user.Active = active
		return nil
	})
}

func (u userStore) SoftDelete(_ context.Context, id string) error {
	now := u.s.now().UTC()
	return u.s.mutateUser(id, func(user *auth.User) error {
		user.DeletedAt = &now
		user.Active = false
		return nil
	})
}

func (u userStore) SetRoles(_ context.Context, id string, roleIDs []string) error {
	s := u.s
	return s.mutateUser(id, func(user *auth.User) error {
		for _, roleID := range roleIDs {
			if _, ok := s.roles[roleID]; !ok {
				return fmt.Errorf("role %s: %w", roleID, auth.ErrNotFound)
			}
		}
		user.RoleIDs = uniqueSorted(roleIDs)
		return nil
	})
}

func (u userStore) IDsWithRole(_ context.Context, roleID string) ([]string, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	var out []string
	for _, user := range u.s.users {
		if !user.Deleted() && user.HasRole(roleID) {
			out = append(out, user.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// mutateUser applies fn to a live user under the write lock. fn's error
// leaves the user untouched.
func (s *Store) mutateUser(id string, fn func(*auth.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, err := s.liveUser(id)
	if err != nil {
		return err
	}
	next := copyUser(user)
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UTC()
	s.users[id] = next
	return nil
}

func (s *Store) liveUser(id string) (*auth.User, error) {
	user, ok := s.users[id]
	if !ok || user.Deleted() {
		return nil, fmt.Errorf("user %s: %w", id, auth.ErrNotFound)
	}
	return user, nil
}

// ──────────────────────────────────────────────────
// Roles
// ──────────────────────────────────────────────────

type roleStore struct{ s *Store }

func (r roleStore) Create(_ context.Context, role *auth.Role) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[role.ID]; ok {
		return fmt.Errorf("role %s: %w", role.ID, auth.ErrConflict)
	}
	if s.nameTaken(role.Name, "") {
		return fmt.Errorf("role name %s: %w", role.Name, auth.ErrConflict)
	}
	c := copyRole(role)
	c.PermissionIDs = uniqueSorted(c.PermissionIDs)
	s.roles[role.ID] = c
	return nil
}

func (r roleStore) FindActive(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, err := r.s.liveRole(id)
	if err != nil {
		return nil, err
	}
	return copyRole(role), nil
}

func (r roleStore) FindIncludingDeleted(_ context.Context, id string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", id, auth.ErrNotFound)
	}
	return copyRole(role), nil
}

func (r roleStore) FindActiveByName(_ context.Context, name string) (*auth.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, role := range r.s.roles {
		if !role.Deleted() && role.Name == name {
			return copyRole(role), nil
		}
	}
	return nil, fmt.Errorf("role %q: %w", name, auth.ErrNotFound)
}

func (r roleStore) Lookup(_ context.Context, ids []string) ([]auth.RoleRef, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]auth.RoleRef, 0, len(ids))
	for _, id := range ids {
		role, err := r.s.liveRole(id)
		if err != nil {
			out = append(out, auth.MissingRole(id))
			continue
		}
		out = append(out, auth.FoundRole(copyRole(role)))
	}
	return out, nil
}

func (r roleStore) Rename(_ context.Context, id, name, displayName string) error {
	s := r.s
	return s.mutateRole(id, func(role *auth.Role) error {
		if s.nameTaken(name, id) {
			return fmt.Errorf("role name %s: %w", name, auth.ErrConflict)
		}
		role.Name = name
		if displayName != "" {
			role.DisplayName = displayName
		}
		return nil
	})
}

func (r roleStore) SetActive(_ context.Context, id string, active bool) error {
	return r.s.mutateRole(id, func(role *auth.Role) error {
		role.Active = active
		return nil
	})
}

func (r roleStore) SoftDelete(_ context.Context, id string) error {
	now := r.s.now().UTC()
	return r.s.mutateRole(id, func(role *auth.Role) error {
		role.DeletedAt = &now
		role.Active = false
		return nil
	})
}

func (r roleStore) SetPermissions(_ context.Context, id string, permissionIDs []string) error {
	s := r.s
	return s.mutateRole(id, func(role *auth.Role) error {
		for _, pid := range permissionIDs {
			if _, ok := s.permissions[pid]; !ok {
				return fmt.Errorf("permission %s: %w", pid, auth.ErrNotFound)
			}
		}
		role.PermissionIDs = uniqueSorted(permissionIDs)
		return nil
	})
}

func (s *Store) mutateRole(id string, fn func(*auth.Role) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, err := s.liveRole(id)
	if err != nil {
		return err
	}
	next := copyRole(role)
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UTC()
	s.roles[id] = next
	return nil
}

func (s *Store) liveRole(id string) (*auth.Role, error) {
	role, ok := s.roles[id]
	if !ok || role.Deleted() {
		return nil, fmt.Errorf("role %s: %w", id, auth.ErrNotFound)
	}
	return role, nil
}

func (s *Store) nameTaken(name, exceptID string) bool {
	for _, role := range s.roles {
		if role.ID != exceptID && !role.Deleted() && role.Name == name {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────
// Permissions
// ──────────────────────────────────────────────────

type permissionStore struct{ s *Store }

func (p permissionStore) Sync(_ context.Context, perms []auth.Permission) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := make(map[string]*auth.Permission, len(s.permissions))
	for _, existing := range s.permissions {
		byKey[existing.Key] = existing
	}
	for _, perm := range perms {
		if existing, ok := byKey[perm.Key]; ok {
			if existing.Resource != perm.Resource || existing.Action != perm.Action {
				return fmt.Errorf("permission %s changed resource/action: %w", perm.Key, auth.ErrConflict)
			}
			updated := *existing
			updated.Description = perm.Description
			s.permissions[existing.ID] = &updated
			continue
		}
		c := perm
		s.permissions[c.ID] = &c
		byKey[c.Key] = &c
	}
	return nil
}

func (p permissionStore) FindByIDs(_ context.Context, ids []string) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(ids))
	for _, id := range ids {
		if perm, ok := p.s.permissions[id]; ok {
			out = append(out, *perm)
		}
	}
	return out, nil
}

func (p permissionStore) FindByKeys(_ context.Context, keys []string) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(keys))
	for _, perm := range p.s.permissions {
		if slices.Contains(keys, perm.Key) {
			out = append(out, *perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p permissionStore) List(_ context.Context) ([]auth.Permission, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(p.s.permissions))
	for _, perm := range p.s.permissions {
		out = append(out, *perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ──────────────────────────────────────────────────
// Refresh tokens
// ──────────────────────────────────────────────────

type refreshStore struct{ s *Store }

func (r refreshStore) Create(_ context.Context, tok *auth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.insertRefresh(tok)
}

func (r refreshStore) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byHash[hash]
	if !ok {
		return nil, fmt.Errorf("refresh token: %w", auth.ErrNotFound)
	}
	return copyRefresh(r.s.refresh[id]), nil
}

func (r refreshStore) Rotate(_ context.Context, predecessorID string, successor *auth.RefreshToken, now time.Time) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.refresh[predecessorID]
	if !ok {
		return fmt.Errorf("refresh token %s: %w", predecessorID, auth.ErrNotFound)
	}
	switch {
	case prev.Revoked():
		return auth.ErrCredentialReused
	case prev.Expired(now):
		return auth.ErrCredentialExpired
	}
	if successor.FamilyID != prev.FamilyID {
		return fmt.Errorf("%w: successor family mismatch", auth.ErrInvalidInput)
	}
	if err := s.insertRefresh(successor); err != nil {
		return err
	}
	revoked := copyRefresh(prev)
	at := now
	revoked.RevokedAt = &at
	revoked.RevokedReason = auth.RevokedRotated
	s.refresh[predecessorID] = revoked
	return nil
}

func (r refreshStore) RevokeFamily(_ context.Context, familyID, reason string, now time.Time) (int64, error) {
	return r.s.revokeWhere(func(t *auth.RefreshToken) bool { return t.FamilyID == familyID }, reason, now), nil
}

func (r refreshStore) RevokeUser(_ context.Context, userID, reason string, now time.Time) (int64, error) {
	return r.s.revokeWhere(func(t *auth.RefreshToken) bool { return t.UserID == userID }, reason, now), nil
}

func (r refreshStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.refresh {
		if tok.ExpiresAt.Before(before) {
			delete(s.byHash, tok.TokenHash)
			delete(s.refresh, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) insertRefresh(tok *auth.RefreshToken) error {
	if _, ok := s.byHash[tok.TokenHash]; ok {
		return fmt.Errorf("refresh token hash: %w", auth.ErrConflict)
	}
	if _, ok := s.refresh[tok.ID]; ok {
		return fmt.Errorf("refresh token %s: %w", tok.ID, auth.ErrConflict)
	}
	s.refresh[tok.ID] = copyRefresh(tok)
	s.byHash[tok.TokenHash] = tok.ID
	return nil
}

func (s *Store) revokeWhere(match func(*auth.RefreshToken) bool, reason string, now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tok := range s.refresh {
		if tok.Revoked() || !match(tok) {
			continue
		}
		c := copyRefresh(tok)
		at := now
		c.RevokedAt = &at
		c.RevokedReason = reason
		s.refresh[id] = c
		n++
	}
	return n
}

// LiveInFamily counts non-revoked credentials in familyID regardless of expiry.
func (s *Store) LiveInFamily(familyID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tok := range s.refresh {
		if tok.FamilyID == familyID && !tok.Revoked() {
			n++
		}
	}
	return n
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

func copyUser(u *auth.User) *auth.User {
	c := *u
	c.RoleIDs = slices.Clone(u.RoleIDs)
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func copyRole(r *auth.Role) *auth.Role {
	c := *r
	c.PermissionIDs = slices.Clone(r.PermissionIDs)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func copyRefresh(t *auth.RefreshToken) *auth.RefreshToken {
	c := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}

func uniqueSorted(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return slices.Compact(out)
}
