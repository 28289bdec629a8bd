// Package cache is the in-memory query cache shared by the VM manager and
// its tools. Entries live until invalidated or until their TTL passes;
// concurrent loads of one key share a single backend call.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jamesprial/pve-mcp/internal/metrics"
)

// VMsKey is the key of a node's VM list.
func VMsKey(node string) string { return "vms/" + node }

// SnapshotsKey is the key of a VM's snapshot list.
func SnapshotsKey(node string, vmid int) string { return fmt.Sprintf("snapshots/%s/%d", node, vmid) }

// ConfigKey is the key of a VM's config.
func ConfigKey(node string, vmid int) string { return fmt.Sprintf("config/%s/%d", node, vmid) }

// NodesKey is the key of the node list.
const NodesKey = "nodes"

type entry struct {
	value   any
	fetched time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu            sync.Mutex
	entries       map[string]entry
	invalidations map[string]int
	// generation is bumped per key on invalidation and optimistic writes so
	// a load that started earlier does not overwrite the entry.
	generation map[string]uint64
	group      singleflight.Group
	ttl        time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
}

// New creates a Cache. A ttl of zero keeps entries until invalidated.
// m may be nil.
func New(ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		entries:       make(map[string]entry),
		invalidations: make(map[string]int),
		generation:    make(map[string]uint64),
		ttl:           ttl,
		now:           time.Now,
		metrics:       m,
	}
}

// Get returns the cached value for key regardless of age.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Set stores value under key.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, fetched: c.now()}
	c.mu.Unlock()
}

// Update replaces the value under key with fn(old). ok reports whether an
// entry existed. The call holds the cache lock, so fn must not call back
// into the cache.
func (c *Cache) Update(key string, fn func(old any, ok bool) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.entries[key]
	c.entries[key] = entry{value: fn(old.value, ok), fetched: c.now()}
}

// Optimistic applies fn like Update and returns a rollback that restores
// the entry as it was before, including its absence. Loads in flight when
// the change or the rollback lands are discarded.
func (c *Cache) Optimistic(key string, fn func(old any, ok bool) any) (rollback func()) {
	c.mu.Lock()
	prev, existed := c.entries[key]
	c.entries[key] = entry{value: fn(prev.value, existed), fetched: c.now()}
	c.generation[key]++
	c.group.Forget(key)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.generation[key]++
			c.group.Forget(key)
			if existed {
				c.entries[key] = prev
			} else {
				delete(c.entries, key)
			}
		})
	}
}

// Invalidate drops key so the next Fetch reloads it.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	c.invalidateLocked(key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every cached key starting with prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.invalidateLocked(key)
		}
	}
}

func (c *Cache) invalidateLocked(key string) {
	delete(c.entries, key)
	c.invalidations[key]++
	c.generation[key]++
	c.group.Forget(key)
	c.metrics.CacheInvalidated(family(key))
}

// Invalidations reports how many times key has been invalidated.
func (c *Cache) Invalidations(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidations[key]
}

// Fetch returns the cached value for key when fresh, otherwise calls load
// and caches its result. Concurrent fetches of one key share a single load.
// Errors are not cached.
func (c *Cache) Fetch(ctx context.Context, key string, load func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.fresh(e) {
		c.mu.Unlock()
		return e.value, nil
	}
	gen := c.generation[key]
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation[key] == gen {
			c.entries[key] = entry{value: val, fetched: c.now()}
		}
		c.mu.Unlock()
		return val, nil
	})
	return v, err
}

func (c *Cache) fresh(e entry) bool {
	return c.ttl <= 0 || c.now().Sub(e.fetched) < c.ttl
}

// family returns the key up to its first slash, used as a metric label.
func family(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// GetAs is Get with a type assertion.
func GetAs[T any](c *Cache, key string) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// FetchAs is Fetch with a typed loader.
func FetchAs[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, error) {
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("cache: %s holds %T", key, v)
	}
	return t, nil
}

// UpdateAs is Update over a typed value. A missing or mistyped entry is
// passed to fn as the zero value.
func UpdateAs[T any](c *Cache, key string, fn func(old T, ok bool) T) {
	c.Update(key, func(old any, ok bool) any {
		t, typed := old.(T)
		return fn(t, ok && typed)
	})
}

// OptimisticAs is Optimistic over a typed value.
func OptimisticAs[T any](c *Cache, key string, fn func(old T, ok bool) T) (rollback func()) {
	return c.Optimistic(key, func(old any, ok bool) any {
		t, typed := old.(T)
		return fn(t, ok && typed)
	})
}
