package preference

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"herald/internal/task"
)

// Cached memoizes a slower Provider for ttl. Misses are not cached, so a
// preference created by the API layer is seen on the next tick.
type Cached struct {
	next Provider
	c    *gocache.Cache
}

func NewCached(next Provider, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{next: next, c: gocache.New(ttl, 2*ttl)}
}

func (c *Cached) Get(ctx context.Context, owner string) (task.Preference, error) {
	if v, ok := c.c.Get(owner); ok {
		return clonePref(v.(task.Preference)), nil
	}
	p, err := c.next.Get(ctx, owner)
	if err != nil {
		return task.Preference{}, err
	}
	c.c.Set(owner, clonePref(p), gocache.DefaultExpiration)
	return p, nil
}

// Refresh reads owner from the underlying provider and replaces the cached
// entry. The scheduler uses it once per owner and tick, so an opt-out is seen
// by the next tick however long the TTL is.
func (c *Cached) Refresh(ctx context.Context, owner string) (task.Preference, error) {
	c.Invalidate(owner)
	return c.Get(ctx, owner)
}

// Put writes pref through to the underlying provider and drops the cached
// entry.
func (c *Cached) Put(ctx context.Context, pref task.Preference) error {
	w, ok := c.next.(Writer)
	if !ok {
		return fmt.Errorf("preference: %T is read-only", c.next)
	}
	defer c.Invalidate(pref.Owner)
	return w.Put(ctx, pref)
}

func (c *Cached) Invalidate(owner string) { c.c.Delete(owner) }

func (c *Cached) Flush() { c.c.Flush() }
