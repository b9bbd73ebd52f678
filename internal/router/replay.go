package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// ReplayCache is the anti-replay LRU keyed by request id, capacity
// seen_requests_max_capacity (default 100000). Capacity is enforced
// both on insert - a full cache rejects a new id outright rather than
// silently evicting to make room - and during a background prune task
// that evicts the oldest entries.
type ReplayCache struct {
	mu       sync.Mutex
	capacity int
	cache    *lru.Cache[string, time.Time]
}

// NewReplayCache returns an empty cache bounded at capacity entries.
func NewReplayCache(capacity int) (*ReplayCache, error) {
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &ReplayCache{capacity: capacity, cache: cache}, nil
}

// Claim records id as seen at now. A duplicate id already present is
// rejected with KindReplay. A cache already at capacity is rejected
// with KindCapacityExceeded rather than evicting to make room -
// eviction only happens via the background PruneOldest task.
func (c *ReplayCache) Claim(id string, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache.Get(id); ok {
		return spacepandaerr.New(spacepandaerr.KindReplay, "router.ReplayCache.Claim", "duplicate request id")
	}
	if c.cache.Len() >= c.capacity {
		return spacepandaerr.New(spacepandaerr.KindCapacityExceeded, "router.ReplayCache.Claim", "replay cache at capacity")
	}
	c.cache.Add(id, now)
	return nil
}

// Contains reports whether id is currently tracked.
func (c *ReplayCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Contains(id)
}

// Len returns the number of tracked ids.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// PruneOldest evicts the single least-recently-added entry, making
// room for future claims. The background prune task calls this on an
// interval so a long-lived cache near capacity keeps accepting fresh
// ids rather than wedging once full.
func (c *ReplayCache) PruneOldest() (evicted string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, _, evictedOK := c.cache.RemoveOldest()
	return key, evictedOK
}

// PruneOlderThan evicts every entry seen before cutoff, returning the
// number evicted.
func (c *ReplayCache) PruneOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for {
		_, seenAt, ok := c.cache.GetOldest()
		if !ok || seenAt.After(cutoff) {
			break
		}
		c.cache.RemoveOldest()
		evicted++
	}
	return evicted
}
