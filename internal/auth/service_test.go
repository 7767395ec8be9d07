package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"campusadmin.org/internal/audit"
	"campusadmin.org/internal/auth"
	"campusadmin.org/internal/perm"
	"campusadmin.org/internal/permcache"
	"campusadmin.org/internal/store/memory"
)

func (f *fixture) admin(t *testing.T) (*auth.User, perm.Set) {
	t.Helper()
	role, err := f.store.Roles().FindActiveByName(context.Background(), auth.SuperAdminRole)
	require.NoError(t, err)
	u := f.user(t, "root@example.com", role)
	return u, f.perms(t, u.ID)
}

func TestRegisterLoginRefreshChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg, err := f.svc.Register(ctx, auth.RegisterInput{Email: "A@Example.com", Name: "A", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", reg.User.Email)
	assert.NotEmpty(t, reg.Tokens.AccessToken)

	login, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, login.User.ID)

	first, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)
	second, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)

	// three rotations leave four secrets; only the latest still rotates
	third, err := f.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrCredentialReused)
	_, err = f.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrCredentialReused)

	// the replay poisoned the whole family
	_, err = f.svc.Refresh(ctx, third.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrCredentialReused)
	assert.Equal(t, 3, f.auditEvents(audit.EventCredentialReuse))

	// the registration chain is a separate family
	_, err = f.svc.Refresh(ctx, reg.Tokens.RefreshToken)
	assert.NoError(t, err)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Register(ctx, auth.RegisterInput{Email: "a@example.com", Name: "A", Password: "correct horse"})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   auth.RegisterInput
		want error
	}{
		{"duplicate email", auth.RegisterInput{Email: "A@example.com", Name: "A", Password: "correct horse"}, auth.ErrConflict},
		{"bad email", auth.RegisterInput{Email: "not-an-email", Name: "A", Password: "correct horse"}, auth.ErrInvalidInput},
		{"display form email", auth.RegisterInput{Email: "A <b@example.com>", Name: "A", Password: "correct horse"}, auth.ErrInvalidInput},
		{"blank name", auth.RegisterInput{Email: "b@example.com", Name: " ", Password: "correct horse"}, auth.ErrInvalidInput},
		{"short password", auth.RegisterInput{Email: "b@example.com", Name: "B", Password: "short"}, auth.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRegisterAssignsDefaultRole(t *testing.T) {
	store := memory.New()
	cache := permcache.New(permcache.Config{})
	resolver := auth.NewResolver(store, cache)
	svc, err := auth.NewService(store, resolver,
		auth.WithDefaultRole("member"),
		auth.WithPasswordHasher(auth.NewPasswordHasher(bcrypt.MinCost)),
		auth.WithTokenOptions(auth.WithSigningSecret(testSecret)),
	)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, svc.SyncRegistry(ctx))
	require.NoError(t, store.Roles().Create(ctx, &auth.Role{ID: "r-member", Name: "member", Active: true}))

	sess, err := svc.Register(ctx, auth.RegisterInput{Email: "a@example.com", Name: "A", Password: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r-member"}, sess.User.RoleIDs)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com")

	_, err := f.svc.Login(ctx, "a@example.com", "wrong password")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	_, err = f.svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.Equal(t, 2, f.events.count("login/invalid"))
	assert.Equal(t, 2, f.auditEvents(audit.EventLoginFailed))

	require.NoError(t, f.store.Users().SetActive(ctx, u.ID, false))
	_, err = f.svc.Login(ctx, "a@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrAccountDeactivated)
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com")
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)

	// a direct store write leaves the chain alive; the refresh gate still holds
	require.NoError(t, f.store.Users().SetActive(ctx, u.ID, false))
	_, err = f.svc.Refresh(ctx, sess.Tokens.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrAccountDeactivated)
}

func TestSetUserActiveRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com", f.role(t, "editor", perm.PageRead))
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)
	assert.True(t, f.perms(t, u.ID).Has(perm.PageRead))

	got, err := f.svc.SetUserActive(ctx, u.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = f.svc.Refresh(ctx, sess.Tokens.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrCredentialReused)

	// the access token still authenticates until expiry, with no permissions
	p, err := f.svc.Authenticate(ctx, sess.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Zero(t, p.Permissions.Len())
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com")
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteUser(ctx, u.ID))

	_, err = f.svc.Authenticate(ctx, sess.Tokens.AccessToken)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = f.svc.Refresh(ctx, sess.Tokens.RefreshToken)
	assert.Error(t, err)
	_, err = f.svc.Login(ctx, "a@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com", f.role(t, "editor", perm.PageRead))
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)
	f.perms(t, u.ID)

	err = f.svc.ChangePassword(ctx, u.ID, "wrong password", "battery staple")
	require.ErrorIs(t, err, auth.ErrInvalidCredential)

	require.NoError(t, f.svc.ChangePassword(ctx, u.ID, "correct horse", "battery staple"))

	_, cached := f.cache.Get(u.ID)
	assert.False(t, cached)

	_, err = f.svc.Refresh(ctx, sess.Tokens.RefreshToken)
	require.Error(t, err)
	assert.True(t, errorsIsAny(err, auth.ErrCredentialReused, auth.ErrInvalidCredential))

	_, err = f.svc.Login(ctx, "a@example.com", "correct horse")
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	_, err = f.svc.Login(ctx, "a@example.com", "battery staple")
	assert.NoError(t, err)
	assert.Equal(t, 1, f.auditEvents(audit.EventPasswordChanged))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "a@example.com")
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, sess.Tokens.RefreshToken))
	_, err = f.svc.Refresh(ctx, sess.Tokens.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrCredentialReused)

	assert.ErrorIs(t, f.svc.Logout(ctx, "unknown-secret"), auth.ErrInvalidCredential)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "a@example.com", f.role(t, "editor", perm.PageRead, perm.PageUpdate))
	sess, err := f.svc.Login(ctx, "a@example.com", "correct horse")
	require.NoError(t, err)

	p, err := f.svc.Authenticate(ctx, sess.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, p.UserID())
	assert.Equal(t, []string{perm.PageRead, perm.PageUpdate}, p.Permissions.Keys())

	_, err = f.svc.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	f.clock.Advance(16 * time.Minute)
	_, err = f.svc.Authenticate(ctx, sess.Tokens.AccessToken)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestAssignRolesEscalationIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reader := f.role(t, "reader", perm.CollegeRead)
	r := f.role(t, "college-admin", perm.CollegeRead, perm.CollegeDelete)
	b := f.user(t, "b@example.com", reader)
	c := f.user(t, "c@example.com", reader)
	callerB := f.perms(t, b.ID)

	_, err := f.svc.AssignRoles(ctx, c.ID, []string{reader.ID, r.ID}, callerB)
	require.ErrorIs(t, err, auth.ErrPrivilegeEscalation)

	gotC, err := f.store.Users().FindActive(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{reader.ID}, gotC.RoleIDs)
	gotR, err := f.store.Roles().FindActive(ctx, r.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, f.permIDs(t, perm.CollegeRead, perm.CollegeDelete), gotR.PermissionIDs)
	assert.Equal(t, 1, f.auditEvents(audit.EventEscalationDenied))
}

func TestAssignRolesSucceedsWithinCallerSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	editor := f.role(t, "editor", perm.PageRead, perm.PageUpdate)
	viewer := f.role(t, "viewer", perm.PageRead)
	lead := f.user(t, "lead@example.com", editor)
	target := f.user(t, "t@example.com", viewer)
	assert.False(t, f.perms(t, target.ID).Has(perm.PageUpdate))

	got, err := f.svc.AssignRoles(ctx, target.ID, []string{editor.ID, editor.ID}, f.perms(t, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{editor.ID}, got.RoleIDs)
	assert.True(t, f.perms(t, target.ID).Has(perm.PageUpdate))

	// removing roles grants nothing, so any caller may do it
	_, err = f.svc.AssignRoles(ctx, target.ID, nil, perm.Set{})
	require.NoError(t, err)
	assert.Zero(t, f.perms(t, target.ID).Len())
}

func TestAssignRolesCountsInactiveRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dormant := f.role(t, "exporter", perm.LeadExport)
	require.NoError(t, f.store.Roles().SetActive(ctx, dormant.ID, false))
	target := f.user(t, "t@example.com")

	_, err := f.svc.AssignRoles(ctx, target.ID, []string{dormant.ID}, perm.NewSet(perm.UserAssignRole))
	assert.ErrorIs(t, err, auth.ErrPrivilegeEscalation)

	_, err = f.svc.AssignRoles(ctx, target.ID, []string{"missing-role"}, perm.NewSet(perm.UserAssignRole))
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestAssignPermissionsEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	viewer := f.role(t, "viewer", perm.CollegeRead)
	caller := perm.NewSet(perm.CollegeRead, perm.RoleAssignPermission)

	_, err := f.svc.AssignPermissions(ctx, viewer.ID, f.permIDs(t, perm.CollegeRead, perm.CollegeDelete), caller)
	require.ErrorIs(t, err, auth.ErrPrivilegeEscalation)
	got, err := f.store.Roles().FindActive(ctx, viewer.ID)
	require.NoError(t, err)
	assert.Equal(t, f.permIDs(t, perm.CollegeRead), got.PermissionIDs)

	_, err = f.svc.AssignPermissions(ctx, viewer.ID, []string{"p-unknown"}, caller)
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRevokingRolePermissionInvalidatesHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, adminPerms := f.admin(t)
	sales := f.role(t, "sales", perm.LeadRead, perm.LeadExport)
	holders := []*auth.User{
		f.user(t, "s1@example.com", sales),
		f.user(t, "s2@example.com", sales),
	}
	bystander := f.user(t, "x@example.com")
	for _, u := range holders {
		require.True(t, f.perms(t, u.ID).Has(perm.LeadExport))
	}
	f.perms(t, bystander.ID)

	role, err := f.svc.AssignPermissions(ctx, sales.ID, f.permIDs(t, perm.LeadRead), adminPerms)
	require.NoError(t, err)
	assert.Len(t, role.PermissionIDs, 1)

	for _, u := range holders {
		_, cached := f.cache.Get(u.ID)
		assert.False(t, cached, u.Email)
		assert.False(t, f.perms(t, u.ID).Has(perm.LeadExport), u.Email)
	}
	_, cached := f.cache.Get(bystander.ID)
	assert.True(t, cached)
}

func TestSetRoleActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, adminPerms := f.admin(t)
	exporter := f.role(t, "exporter", perm.LeadExport)
	u := f.user(t, "a@example.com", exporter)
	require.True(t, f.perms(t, u.ID).Has(perm.LeadExport))

	role, err := f.svc.SetRoleActive(ctx, exporter.ID, false, perm.Set{})
	require.NoError(t, err)
	assert.False(t, role.Active)
	assert.False(t, f.perms(t, u.ID).Has(perm.LeadExport))

	_, err = f.svc.SetRoleActive(ctx, exporter.ID, true, perm.NewSet(perm.RoleUpdate))
	require.ErrorIs(t, err, auth.ErrPrivilegeEscalation)
	assert.False(t, f.perms(t, u.ID).Has(perm.LeadExport))

	_, err = f.svc.SetRoleActive(ctx, exporter.ID, true, adminPerms)
	require.NoError(t, err)
	assert.True(t, f.perms(t, u.ID).Has(perm.LeadExport))
}

func TestSystemRoleIdentityIsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sa, err := f.store.Roles().FindActiveByName(ctx, auth.SuperAdminRole)
	require.NoError(t, err)

	_, err = f.svc.RenameRole(ctx, sa.ID, "root", "Root")
	assert.ErrorIs(t, err, auth.ErrSystemRole)
	assert.ErrorIs(t, f.svc.DeleteRole(ctx, sa.ID), auth.ErrSystemRole)

	custom := f.role(t, "custom", perm.PageRead)
	renamed, err := f.svc.RenameRole(ctx, custom.ID, "pages", "Pages")
	require.NoError(t, err)
	assert.Equal(t, "pages", renamed.Name)
}

func TestDeleteRoleInvalidatesHolders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	custom := f.role(t, "custom", perm.PageRead)
	u := f.user(t, "a@example.com", custom)
	require.True(t, f.perms(t, u.ID).Has(perm.PageRead))

	require.NoError(t, f.svc.DeleteRole(ctx, custom.ID))
	assert.Zero(t, f.perms(t, u.ID).Len())
	assert.ErrorIs(t, f.svc.DeleteRole(ctx, custom.ID), auth.ErrNotFound)
}

func TestSyncRegistryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.SyncRegistry(ctx))

	all, err := f.store.Permissions().List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(perm.Registry))

	_, adminPerms := f.admin(t)
	assert.ElementsMatch(t, perm.Keys(), adminPerms.Keys())
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
