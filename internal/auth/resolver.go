package auth

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"campusadmin.org/internal/perm"
	"campusadmin.org/internal/permcache"
)

// Notifier announces invalidations to other instances.
type Notifier interface {
	Publish(ctx context.Context, msg permcache.Invalidation) error
}

// Resolver computes effective permission sets and owns their cache.
type Resolver struct {
	store  Store
	cache  *permcache.Cache
	notify Notifier
	log    *zap.Logger

	mu    sync.RWMutex
	group *singleflight.Group
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithNotifier publishes every invalidation through n after applying it locally.
func WithNotifier(n Notifier) ResolverOption {
	return func(r *Resolver) { r.notify = n }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(log *zap.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// NewResolver wires a resolver to its store and cache.
func NewResolver(store Store, cache *permcache.Cache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store: store,
		cache: cache,
		log:   zap.NewNop(),
		group: &singleflight.Group{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve unions the permission keys of the user's active roles, reading
// the store directly. Role references that are unknown, deleted or inactive
// contribute nothing. A deactivated user resolves to the empty set.
func (r *Resolver) Resolve(ctx context.Context, userID string) (perm.Set, error) {
	user, err := r.store.Users().FindActive(ctx, userID)
	if err != nil {
		return perm.Set{}, err
	}
	if !user.Active {
		return perm.Set{}, nil
	}
	refs, err := r.store.Roles().Lookup(ctx, user.RoleIDs)
	if err != nil {
		return perm.Set{}, fmt.Errorf("lookup roles: %w", err)
	}
	var permIDs []string
	for _, ref := range refs {
		role, found := ref.Role()
		if !found {
			r.log.Debug("skipping dangling role reference",
				zap.String("user_id", userID), zap.String("role_id", ref.ID))
			continue
		}
		if !role.Active || role.Deleted() {
			continue
		}
		permIDs = append(permIDs, role.PermissionIDs...)
	}
	return r.keysFor(ctx, permIDs)
}

// Permissions returns the cached set for userID, resolving on a miss.
// Concurrent misses for the same user share one store read.
func (r *Resolver) Permissions(ctx context.Context, userID string) (perm.Set, error) {
	if set, ok := r.cache.Get(userID); ok {
		return set, nil
	}
	r.mu.RLock()
	g := r.group
	r.mu.RUnlock()

	v, err, _ := g.Do(userID, func() (any, error) {
		ticket := r.cache.Reserve(userID)
		set, err := r.Resolve(context.WithoutCancel(ctx), userID)
		if err != nil {
			r.cache.Release(userID, ticket)
			return nil, err
		}
		r.cache.Fill(userID, ticket, set)
		return set, nil
	})
	if err != nil {
		return perm.Set{}, err
	}
	return v.(perm.Set), nil
}

// Invalidate drops cached sets for userIDs. When it returns, no later call to
// Permissions can observe a set read before the invalidation.
func (r *Resolver) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	r.invalidateLocal(userIDs)
	r.publish(ctx, permcache.Invalidation{UserIDs: userIDs})
}

// InvalidateAll clears every cached set.
func (r *Resolver) InvalidateAll(ctx context.Context) {
	r.invalidateAllLocal()
	r.publish(ctx, permcache.Invalidation{All: true})
}

// Apply handles an invalidation received from another instance.
func (r *Resolver) Apply(msg permcache.Invalidation) {
	if msg.All {
		r.invalidateAllLocal()
		return
	}
	r.invalidateLocal(msg.UserIDs)
}

func (r *Resolver) invalidateLocal(userIDs []string) {
	r.cache.Invalidate(userIDs...)
	r.mu.RLock()
	g := r.group
	r.mu.RUnlock()
	for _, id := range userIDs {
		g.Forget(id)
	}
}

func (r *Resolver) invalidateAllLocal() {
	r.cache.InvalidateAll()
	r.mu.Lock()
	r.group = &singleflight.Group{}
	r.mu.Unlock()
}

func (r *Resolver) publish(ctx context.Context, msg permcache.Invalidation) {
	if r.notify == nil {
		return
	}
	if err := r.notify.Publish(ctx, msg); err != nil {
		r.log.Warn("broadcast permission invalidation", zap.Error(err))
	}
}

// keysFor maps permission ids to keys. Unknown ids are dropped.
func (r *Resolver) keysFor(ctx context.Context, permIDs []string) (perm.Set, error) {
	permIDs = dedupeStrings(permIDs)
	if len(permIDs) == 0 {
		return perm.Set{}, nil
	}
	perms, err := r.store.Permissions().FindByIDs(ctx, permIDs)
	if err != nil {
		return perm.Set{}, fmt.Errorf("load permissions: %w", err)
	}
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key)
	}
	return perm.NewSet(keys...), nil
}
