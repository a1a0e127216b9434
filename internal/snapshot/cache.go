package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"

	"github.com/user/prayerfeed/internal/metrics"
	"github.com/user/prayerfeed/internal/types"
)

// DefaultTTL is how long a probed snapshot is served to other callers.
const DefaultTTL = 5 * time.Second

type cacheKey struct {
	exclude types.ViewerID
	viewer  types.ViewerID
}

func (k cacheKey) String() string {
	return string(k.exclude) + "\x00" + string(k.viewer)
}

type entry struct {
	snap      types.Snapshot
	fetchedAt time.Time
}

// Cache memoizes snapshots per (exclude, viewer) pair for a short TTL. When
// the value is stale, concurrent callers for the same key share a single
// probe and all receive its result. Failed probes are not cached.
type Cache struct {
	source  types.SnapshotSource
	ttl     time.Duration
	clock   clock.Clock
	metrics *metrics.Collector

	group   singleflight.Group
	mu      sync.Mutex
	entries map[cacheKey]entry
}

// NewCache wraps source with a TTL cache. A ttl of zero or less disables
// memoization but keeps single-flight collapsing of concurrent probes.
func NewCache(source types.SnapshotSource, ttl time.Duration, clk clock.Clock, m *metrics.Collector) *Cache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		clock:   clk,
		metrics: m,
		entries: make(map[cacheKey]entry),
	}
}

// Get returns a snapshot no older than the TTL.
func (c *Cache) Get(ctx context.Context, exclude, viewer types.ViewerID) (types.Snapshot, error) {
	key := cacheKey{exclude: exclude, viewer: viewer}
	if snap, ok := c.fresh(key); ok {
		c.metrics.CacheLookup(true)
		return snap, nil
	}
	c.metrics.CacheLookup(false)

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A flight that finished just before this one started already
		// refreshed the entry.
		if snap, ok := c.fresh(key); ok {
			return snap, nil
		}
		// The probe is shared, so one caller going away must not fail it
		// for the others.
		snap, err := c.source.Get(context.WithoutCancel(ctx), exclude, viewer)
		c.metrics.Probe(err)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{snap: snap, fetchedAt: c.clock.Now()}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return types.Snapshot{}, err
	}
	return v.(types.Snapshot), nil
}

func (c *Cache) fresh(key cacheKey) (types.Snapshot, bool) {
	if c.ttl <= 0 {
		return types.Snapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.clock.Now().Sub(e.fetchedAt) >= c.ttl {
		return types.Snapshot{}, false
	}
	return e.snap, true
}

// Prune drops entries fetched more than maxAge ago and returns how many were
// removed. Entries for viewers that went away would otherwise stay forever.
func (c *Cache) Prune(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) > maxAge {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
