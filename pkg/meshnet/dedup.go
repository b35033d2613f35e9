package meshnet

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// dedupCache is the bounded, time-windowed set of message ids already
// processed (spec §3 "Routing table" / §4.1 step 2). Size eviction rides
// on an LRU cache used in insertion-order mode (lookups go through Contains
// so presence checks never bump recency); time-window eviction is a
// separate sweep since a plain LRU has no notion of wall-clock age.
type dedupCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	window time.Duration
}

func newDedupCache(maxSize int, window time.Duration) *dedupCache {
	c, err := lru.New(maxSize)
	if err != nil {
		// lru.New only errors on size <= 0; fall back to the spec default
		// rather than propagating a constructor error through the router.
		c, _ = lru.New(MaxDeduplicationCacheSize)
	}
	return &dedupCache{lru: c, window: window}
}

// Seen reports whether id is already in the cache.
func (d *dedupCache) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Contains(id)
}

// Mark inserts id with timestamp now, enforcing the size cap via LRU
// eviction. Returns false if id was already present (no-op insert).
func (d *dedupCache) Mark(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lru.Contains(id) {
		return false
	}
	d.lru.Add(id, now.UnixMilli())
	return true
}

// Len returns the number of entries currently cached.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Len()
}

// Cleanup evicts entries older than now-window. Returns the number
// evicted.
func (d *dedupCache) Cleanup(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.window).UnixMilli()
	var stale []interface{}
	for _, k := range d.lru.Keys() {
		v, ok := d.lru.Peek(k)
		if !ok {
			continue
		}
		ts := v.(int64)
		if ts < cutoff {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		d.lru.Remove(k)
	}
	return len(stale)
}
