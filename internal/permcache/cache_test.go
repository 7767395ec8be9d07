package permcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campusadmin.org/internal/perm"
)

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
}

func (r *countingRecorder) CacheLookup(hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func TestGetSetInvalidate(t *testing.T) {
	rec := &countingRecorder{}
	c := New(Config{TTL: time.Minute, MaxSize: 10}, WithRecorder(rec))

	_, ok := c.Get("u1")
	assert.False(t, ok)

	c.Set("u1", perm.NewSet(perm.CollegeRead))
	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.True(t, got.Has(perm.CollegeRead))

	c.Invalidate("u1")
	_, ok = c.Get("u1")
	assert.False(t, ok, "get after invalidate must miss")

	assert.Equal(t, 1, rec.hits)
	assert.Equal(t, 2, rec.misses)
}

func TestInvalidateAll(t *testing.T) {
	c := New(Config{})
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("u%d", i), perm.NewSet(perm.UserRead))
	}
	assert.Equal(t, 5, c.Len())

	c.InvalidateAll()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("u3")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{TTL: 20 * time.Millisecond, MaxSize: 10})
	c.Set("u1", perm.NewSet(perm.UserRead))

	require.Eventually(t, func() bool {
		_, ok := c.Get("u1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(Config{TTL: time.Minute, MaxSize: 2})
	c.Set("a", perm.NewSet(perm.UserRead))
	c.Set("b", perm.NewSet(perm.UserRead))
	_, _ = c.Get("a")
	c.Set("c", perm.NewSet(perm.UserRead))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestFillAfterInvalidateIsRejected(t *testing.T) {
	c := New(Config{})
	ticket := c.Reserve("u1")

	// invalidation lands while the store read is in flight
	c.Invalidate("u1")

	assert.False(t, c.Fill("u1", ticket, perm.NewSet(perm.LeadExport)))
	_, ok := c.Get("u1")
	assert.False(t, ok)
}

func TestFillAfterInvalidateAllIsRejected(t *testing.T) {
	c := New(Config{})
	ticket := c.Reserve("u1")
	c.InvalidateAll()
	assert.False(t, c.Fill("u1", ticket, perm.NewSet(perm.LeadExport)))
}

func TestOnlyLatestTicketFills(t *testing.T) {
	c := New(Config{})
	first := c.Reserve("u1")
	second := c.Reserve("u1")

	assert.False(t, c.Fill("u1", first, perm.NewSet(perm.UserRead)))
	assert.True(t, c.Fill("u1", second, perm.NewSet(perm.UserDelete)))

	got, ok := c.Get("u1")
	require.True(t, ok)
	assert.True(t, got.Has(perm.UserDelete))
}

func TestRelease(t *testing.T) {
	c := New(Config{})
	ticket := c.Reserve("u1")
	c.Release("u1", ticket)
	assert.False(t, c.Fill("u1", ticket, perm.NewSet(perm.UserRead)))
}

func TestConcurrentAccess(t *testing.T) {
	c := New(Config{MaxSize: 64})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i%4)
			for j := 0; j < 200; j++ {
				tk := c.Reserve(id)
				c.Fill(id, tk, perm.NewSet(perm.UserRead))
				c.Get(id)
				if j%7 == 0 {
					c.Invalidate(id)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 4)
}
