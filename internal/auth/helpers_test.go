package auth_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"campusadmin.org/internal/auth"
	"campusadmin.org/internal/perm"
	"campusadmin.org/internal/permcache"
	"campusadmin.org/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	counts map[string]int
}

func (e *eventLog) AuthEvent(event, outcome string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.counts == nil {
		e.counts = make(map[string]int)
	}
	e.counts[event+"/"+outcome]++
}

func (e *eventLog) count(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[key]
}

type fixture struct {
	store    *memory.Store
	cache    *permcache.Cache
	resolver *auth.Resolver
	svc      *auth.Service
	clock    *fakeClock
	events   *eventLog
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		store:  memory.New(),
		cache:  permcache.New(permcache.Config{TTL: time.Hour, MaxSize: 128}),
		clock:  newClock(),
		events: &eventLog{},
		logs:   logs,
	}
	f.store.WithClock(f.clock.Now)
	f.resolver = auth.NewResolver(f.store, f.cache)
	svc, err := auth.NewService(f.store, f.resolver,
		auth.WithLogger(zap.New(core)),
		auth.WithEvents(f.events),
		auth.WithServiceClock(f.clock.Now),
		auth.WithPasswordHasher(auth.NewPasswordHasher(bcrypt.MinCost)),
		auth.WithTokenOptions(auth.WithSigningSecret(testSecret)),
	)
	require.NoError(t, err)
	f.svc = svc
	require.NoError(t, svc.SyncRegistry(context.Background()))
	return f
}

// permIDs maps registry keys to stored permission ids.
func (f *fixture) permIDs(t *testing.T, keys ...string) []string {
	t.Helper()
	perms, err := f.store.Permissions().FindByKeys(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, perms, len(keys))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, p.ID)
	}
	return out
}

func (f *fixture) role(t *testing.T, name string, keys ...string) *auth.Role {
	t.Helper()
	r := &auth.Role{
		ID:            "role-" + name,
		Name:          name,
		DisplayName:   name,
		Active:        true,
		PermissionIDs: f.permIDs(t, keys...),
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.Roles().Create(context.Background(), r))
	return r
}

func (f *fixture) user(t *testing.T, email string, roles ...*auth.Role) *auth.User {
	t.Helper()
	sess, err := f.svc.Register(context.Background(), auth.RegisterInput{
		Email: email, Name: email, Password: "correct horse",
	})
	require.NoError(t, err)
	if len(roles) > 0 {
		roleIDs := make([]string, 0, len(roles))
		for _, r := range roles {
			roleIDs = append(roleIDs, r.ID)
		}
		require.NoError(t, f.store.Users().SetRoles(context.Background(), sess.User.ID, roleIDs))
	}
	return sess.User
}

func (f *fixture) perms(t *testing.T, userID string) perm.Set {
	t.Helper()
	set, err := f.resolver.Permissions(context.Background(), userID)
	require.NoError(t, err)
	return set
}

func (f *fixture) auditEvents(event string) int {
	return f.logs.FilterField(zap.String("event", event)).Len()
}
