package snapshot

import (
	"context"
	"time"

	"github.com/predicatelabs/predicate-go/backend"
)

// Cached caches snapshots with staleness detection, cutting redundant
// snapshot calls inside tight action loops. Invalidate after any action that
// changes the DOM.
type Cached struct {
	backend  backend.Backend
	maxAge   time.Duration
	options  *Options
	cached   *Snapshot
	cachedAt time.Time
}

// NewCached creates a snapshot cache. maxAge <= 0 defaults to 2 seconds.
func NewCached(b backend.Backend, maxAge time.Duration, opts *Options) *Cached {
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}
	return &Cached{backend: b, maxAge: maxAge, options: opts}
}

// Get returns the cached snapshot if still fresh, else takes a new one.
func (c *Cached) Get(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	if forceRefresh || c.isStale() {
		snap, err := Take(ctx, c.backend, c.options)
		if err != nil {
			return nil, err
		}
		c.cached = snap
		c.cachedAt = time.Now()
	}
	return c.cached, nil
}

// Invalidate forces a refresh on the next Get.
func (c *Cached) Invalidate() {
	c.cached = nil
	c.cachedAt = time.Time{}
}

// IsCached reports whether a cached snapshot exists.
func (c *Cached) IsCached() bool { return c.cached != nil }

// Age returns how old the cached snapshot is.
func (c *Cached) Age() time.Duration {
	if c.cached == nil {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(c.cachedAt)
}

func (c *Cached) isStale() bool {
	return c.cached == nil || time.Since(c.cachedAt) > c.maxAge
}
