package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"campusadmin.org/internal/audit"
	"campusadmin.org/internal/ids"
	"campusadmin.org/internal/perm"
)

// SuperAdminRole is the seeded system role that holds every registered key.
const SuperAdminRole = "super_admin"

// RegisterInput carries the identity of a new user.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
}

// Session is the result of registration and login.
type Session struct {
	User   *User
	Tokens TokenPair
}

// Service is the entry point used by the HTTP layer. Every mutation that can
// change a resolved permission set invalidates the cache before returning.
type Service struct {
	store       Store
	tokens      *TokenService
	resolver    *Resolver
	escalation  *EscalationGuard
	hasher      PasswordHasher
	defaultRole string
	now         func() time.Time
	log         *zap.Logger
	audit       *audit.Logger
	events      EventRecorder

	tokenOpts []TokenOption

	// dummy is compared against when the login email is unknown so both
	// paths pay for one bcrypt comparison.
	dummyOnce sync.Once
	dummy     string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger used by the service and its components.
func WithLogger(log *zap.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithEvents records auth outcomes, usually into obs.Metrics.
func WithEvents(rec EventRecorder) ServiceOption {
	return func(s *Service) { s.events = rec }
}

// WithPasswordHasher overrides the bcrypt cost.
func WithPasswordHasher(h PasswordHasher) ServiceOption {
	return func(s *Service) { s.hasher = h }
}

// WithDefaultRole assigns the named role to every newly registered user.
func WithDefaultRole(name string) ServiceOption {
	return func(s *Service) { s.defaultRole = strings.TrimSpace(name) }
}

// WithTokenOptions forwards options to the token service.
func WithTokenOptions(opts ...TokenOption) ServiceOption {
	return func(s *Service) { s.tokenOpts = append(s.tokenOpts, opts...) }
}

// WithServiceClock overrides the clock for the service and its token service.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the token service, resolver and escalation guard over store.
func NewService(store Store, resolver *Resolver, opts ...ServiceOption) (*Service, error) {
	if store == nil || resolver == nil {
		return nil, errors.New("auth: store and resolver are required")
	}
	s := &Service{
		store:    store,
		resolver: resolver,
		hasher:   NewPasswordHasher(0),
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = audit.New(s.log)
	s.escalation = NewEscalationGuard(s.log, s.events)

	tokenOpts := append([]TokenOption{
		WithClock(s.now),
		WithTokenLogger(s.log),
		WithTokenEvents(s.events),
	}, s.tokenOpts...)
	tokenOpts = append(tokenOpts, WithSubjectCheck(s.admitRefresh))
	tokens, err := NewTokenService(store.RefreshTokens(), tokenOpts...)
	if err != nil {
		return nil, err
	}
	s.tokens = tokens
	return s, nil
}

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Resolver exposes the permission resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Register creates a user and starts a session.
func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Session{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Session{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := s.store.Users().FindActiveByEmail(ctx, email); err == nil {
		return Session{}, fmt.Errorf("%w: email already registered", ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}

	now := s.now().UTC()
	user, err := s.hasher.SetCredential(User{
		ID:        ids.New(),
		Email:     email,
		Name:      name,
		Active:    true,
		CreatedAt: now,
	}, in.Password, now)
	if err != nil {
		return Session{}, err
	}
	if s.defaultRole != "" {
		role, err := s.store.Roles().FindActiveByName(ctx, s.defaultRole)
		switch {
		case err == nil:
			user.RoleIDs = []string{role.ID}
		case errors.Is(err, ErrNotFound):
			s.log.Warn("default role missing", zap.String("role", s.defaultRole))
		default:
			return Session{}, err
		}
	}
	if err := s.store.Users().Create(ctx, &user); err != nil {
		return Session{}, err
	}
	pair, err := s.tokens.IssuePair(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	s.record("register", "ok")
	return Session{User: &user, Tokens: pair}, nil
}

// Login verifies credentials and starts a new refresh chain. Unknown emails
// and wrong passwords fail identically.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.store.Users().FindActiveByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		_ = s.hasher.Verify(s.dummyHash(), password)
		s.loginFailed(ctx, "unknown_email")
		return Session{}, ErrInvalidCredential
	}
	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		s.loginFailed(ctx, "bad_password", zap.String("user_id", user.ID))
		return Session{}, ErrInvalidCredential
	}
	if !user.Active {
		s.record("login", "deactivated")
		return Session{}, ErrAccountDeactivated
	}
	pair, err := s.tokens.IssuePair(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	s.record("login", "ok")
	return Session{User: user, Tokens: pair}, nil
}

// Refresh rotates a refresh secret. It must not be retried blindly: a retry
// after an unknown outcome may be reported as reuse.
func (s *Service) Refresh(ctx context.Context, refreshSecret string) (TokenPair, error) {
	return s.tokens.Rotate(ctx, refreshSecret)
}

// Logout revokes the chain of the presented secret.
func (s *Service) Logout(ctx context.Context, refreshSecret string) error {
	_, err := s.tokens.RevokeChain(ctx, refreshSecret)
	return err
}

// ChangePassword replaces the credential, revokes every refresh chain of
// the user and invalidates its cached permissions.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users().FindActive(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		return ErrInvalidCredential
	}
	updated, err := s.hasher.SetCredential(*user, next, s.now().UTC())
	if err != nil {
		return err
	}
	if err := s.store.Users().UpdatePasswordHash(ctx, userID, updated.PasswordHash); err != nil {
		return err
	}
	s.resolver.Invalidate(ctx, userID)
	if err := s.tokens.RevokeAllForUser(ctx, userID, RevokedPasswordChange); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.EventPasswordChanged, zap.String("user_id", userID))
	return nil
}

// Authenticate verifies an access token and resolves the caller's
// permissions. A deactivated user authenticates with an empty set.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return Principal{}, err
	}
	user, err := s.store.Users().FindActive(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	set, err := s.resolver.Permissions(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, err
	}
	return Principal{User: user, Permissions: set}, nil
}

// AssignRoles replaces the user's role set. Every key the new roles carry,
// including keys of inactive roles, that the user does not already hold
// must be held by caller. Nothing is persisted on rejection.
func (s *Service) AssignRoles(ctx context.Context, userID string, roleIDs []string, caller perm.Set) (*User, error) {
	roleIDs = dedupeStrings(roleIDs)
	if _, err := s.store.Users().FindActive(ctx, userID); err != nil {
		return nil, err
	}
	refs, err := s.store.Roles().Lookup(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	var permIDs []string
	for _, ref := range refs {
		role, found := ref.Role()
		if !found {
			return nil, fmt.Errorf("%w: role %s", ErrNotFound, ref.ID)
		}
		permIDs = append(permIDs, role.PermissionIDs...)
	}
	granting, err := s.resolver.keysFor(ctx, permIDs)
	if err != nil {
		return nil, err
	}
	current, err := s.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.escalation.Authorize(ctx, "user:"+userID, newlyGranted(granting, current), caller); err != nil {
		return nil, err
	}
	if err := s.store.Users().SetRoles(ctx, userID, roleIDs); err != nil {
		return nil, err
	}
	s.resolver.Invalidate(ctx, userID)
	s.audit.Record(ctx, audit.EventRolesAssigned,
		zap.String("user_id", userID), zap.Strings("role_ids", roleIDs))
	return s.store.Users().FindActive(ctx, userID)
}

// AssignPermissions replaces the role's permission set and invalidates every
// holder. Keys the role does not already carry must be held by caller.
func (s *Service) AssignPermissions(ctx context.Context, roleID string, permissionIDs []string, caller perm.Set) (*Role, error) {
	permissionIDs = dedupeStrings(permissionIDs)
	role, err := s.store.Roles().FindActive(ctx, roleID)
	if err != nil {
		return nil, err
	}
	perms, err := s.store.Permissions().FindByIDs(ctx, permissionIDs)
	if err != nil {
		return nil, err
	}
	if len(perms) != len(permissionIDs) {
		return nil, fmt.Errorf("%w: unknown permission id", ErrNotFound)
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}
	current, err := s.resolver.keysFor(ctx, role.PermissionIDs)
	if err != nil {
		return nil, err
	}
	if err := s.escalation.Authorize(ctx, "role:"+roleID, newlyGranted(perm.NewSet(keys...), current), caller); err != nil {
		return nil, err
	}
	if err := s.store.Roles().SetPermissions(ctx, roleID, permissionIDs); err != nil {
		return nil, err
	}
	if err := s.invalidateHolders(ctx, roleID); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.EventPermissionsSet,
		zap.String("role_id", roleID), zap.Strings("permissions", keys))
	return s.store.Roles().FindActive(ctx, roleID)
}

// SetRoleActive toggles a role. Activating requires the caller to hold every
// key the role carries.
func (s *Service) SetRoleActive(ctx context.Context, roleID string, active bool, caller perm.Set) (*Role, error) {
	role, err := s.store.Roles().FindActive(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if active && !role.Active {
		keys, err := s.resolver.keysFor(ctx, role.PermissionIDs)
		if err != nil {
			return nil, err
		}
		if err := s.escalation.Authorize(ctx, "role:"+roleID, keys.Keys(), caller); err != nil {
			return nil, err
		}
	}
	if err := s.store.Roles().SetActive(ctx, roleID, active); err != nil {
		return nil, err
	}
	if err := s.invalidateHolders(ctx, roleID); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.EventRoleStatusChanged,
		zap.String("role_id", roleID), zap.Bool("active", active))
	return s.store.Roles().FindActive(ctx, roleID)
}

// RenameRole changes a role's name. System roles keep their identity.
func (s *Service) RenameRole(ctx context.Context, roleID, name, displayName string) (*Role, error) {
	role, err := s.store.Roles().FindActive(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, ErrSystemRole
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := s.store.Roles().Rename(ctx, roleID, name, strings.TrimSpace(displayName)); err != nil {
		return nil, err
	}
	return s.store.Roles().FindActive(ctx, roleID)
}

// DeleteRole soft-deletes a non-system role and invalidates its holders.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.store.Roles().FindActive(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	holders, err := s.store.Users().IDsWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.Roles().SoftDelete(ctx, roleID); err != nil {
		return err
	}
	s.resolver.Invalidate(ctx, holders...)
	s.audit.Record(ctx, audit.EventRoleDeleted, zap.String("role_id", roleID))
	return nil
}

// SetUserActive toggles a user. Deactivation revokes every refresh chain.
func (s *Service) SetUserActive(ctx context.Context, userID string, active bool) (*User, error) {
	if err := s.store.Users().SetActive(ctx, userID, active); err != nil {
		return nil, err
	}
	s.resolver.Invalidate(ctx, userID)
	if !active {
		if err := s.tokens.RevokeAllForUser(ctx, userID, RevokedDeactivated); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, audit.EventUserDeactivated, zap.String("user_id", userID))
	}
	return s.store.Users().FindActive(ctx, userID)
}

// DeleteUser soft-deletes a user and revokes every refresh chain.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	if err := s.store.Users().SoftDelete(ctx, userID); err != nil {
		return err
	}
	s.resolver.Invalidate(ctx, userID)
	if err := s.tokens.RevokeAllForUser(ctx, userID, RevokedDeleted); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.EventUserDeleted, zap.String("user_id", userID))
	return nil
}

// SyncRegistry upserts the permission registry and grants every key to the
// super_admin system role, creating it if needed. It runs at startup with no
// calling identity, so the escalation guard does not apply.
func (s *Service) SyncRegistry(ctx context.Context) error {
	defs := perm.Registry
	now := s.now().UTC()
	perms := make([]Permission, 0, len(defs))
	for _, d := range defs {
		perms = append(perms, Permission{
			ID:          ids.New(),
			Key:         d.Key,
			Resource:    d.Resource,
			Action:      d.Action,
			Description: d.Description,
			CreatedAt:   now,
		})
	}
	if err := s.store.Permissions().Sync(ctx, perms); err != nil {
		return fmt.Errorf("sync permissions: %w", err)
	}
	stored, err := s.store.Permissions().FindByKeys(ctx, perm.Keys())
	if err != nil {
		return fmt.Errorf("load permissions: %w", err)
	}
	permIDs := make([]string, 0, len(stored))
	for _, p := range stored {
		permIDs = append(permIDs, p.ID)
	}

	role, err := s.store.Roles().FindActiveByName(ctx, SuperAdminRole)
	if errors.Is(err, ErrNotFound) {
		role = &Role{
			ID:          ids.New(),
			Name:        SuperAdminRole,
			DisplayName: "Super Admin",
			Description: "Holds every registered permission",
			IsSystem:    true,
			Active:      true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err = s.store.Roles().Create(ctx, role)
	}
	if err != nil {
		return fmt.Errorf("ensure %s role: %w", SuperAdminRole, err)
	}
	if err := s.store.Roles().SetPermissions(ctx, role.ID, permIDs); err != nil {
		return fmt.Errorf("grant registry to %s: %w", SuperAdminRole, err)
	}
	s.resolver.InvalidateAll(ctx)
	s.log.Info("permission registry synced",
		zap.Int("version", perm.RegistryVersion), zap.Int("permissions", len(permIDs)))
	return nil
}

// ListPermissions returns every stored permission.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.Permissions().List(ctx)
}

// PurgeExpiredCredentials deletes refresh credentials that expired before
// now minus grace. Expiry is enforced on read regardless.
func (s *Service) PurgeExpiredCredentials(ctx context.Context, grace time.Duration) (int64, error) {
	return s.tokens.PurgeExpired(ctx, grace)
}

func (s *Service) dummyHash() string {
	s.dummyOnce.Do(func() {
		s.dummy, _ = s.hasher.Hash(ids.New())
	})
	return s.dummy
}

func (s *Service) admitRefresh(ctx context.Context, userID string) error {
	user, err := s.store.Users().FindActive(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidCredential
		}
		return err
	}
	if !user.Active {
		return ErrAccountDeactivated
	}
	return nil
}

// invalidateHolders drops the cached sets of every holder of roleID. When the
// holders cannot be listed the whole cache is dropped instead.
func (s *Service) invalidateHolders(ctx context.Context, roleID string) error {
	holders, err := s.store.Users().IDsWithRole(ctx, roleID)
	if err != nil {
		s.resolver.InvalidateAll(ctx)
		return fmt.Errorf("list role holders: %w", err)
	}
	s.resolver.Invalidate(ctx, holders...)
	return nil
}

func (s *Service) loginFailed(ctx context.Context, reason string, fields ...zap.Field) {
	s.record("login", "invalid")
	s.audit.Record(ctx, audit.EventLoginFailed, append(fields, zap.String("reason", reason))...)
}

func (s *Service) record(event, outcome string) {
	if s.events != nil {
		s.events.AuthEvent(event, outcome)
	}
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	return raw, nil
}

func dedupeStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
