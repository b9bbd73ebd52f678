package dht

import (
	"sort"
	"sync"
	"time"
)

// bucketCount is the width of the identifier space in bits, one bucket
// per possible common-prefix length with the local node id.
const bucketCount = 256

// KBucket is a fixed-capacity, most-recently-seen ordered container of
// contacts whose XOR distance from the local node id shares one
// specific common-prefix length with it.
type KBucket struct {
	capacity int
	contacts []PeerContact
}

func newKBucket(capacity int) *KBucket {
	return &KBucket{capacity: capacity}
}

// upsert inserts or refreshes a contact. A refreshed contact moves to
// the most-recently-seen end. A new contact is appended unless the
// bucket is full, in which case a contact past the failure-count
// threshold is evicted to make room; a full bucket with no failing
// contact simply rejects the newcomer. Inactivity-based staleness is
// handled separately by RoutingTable.EvictStale's periodic sweep, not
// here.
func (b *KBucket) upsert(c PeerContact) {
	for i, existing := range b.contacts {
		if existing.PeerID == c.PeerID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			return
		}
	}
	if len(b.contacts) >= b.capacity {
		evictIdx := -1
		for i, existing := range b.contacts {
			if existing.FailureCount >= staleFailureThreshold {
				evictIdx = i
				break
			}
		}
		if evictIdx < 0 {
			return
		}
		b.contacts = append(b.contacts[:evictIdx], b.contacts[evictIdx+1:]...)
	}
	b.contacts = append(b.contacts, c)
}

func (b *KBucket) remove(peerID Key) {
	for i, existing := range b.contacts {
		if existing.PeerID == peerID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}

func (b *KBucket) list() []PeerContact {
	out := make([]PeerContact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// RoutingTable is the full set of k-buckets indexed by common-prefix
// length with the local node id.
type RoutingTable struct {
	mu       sync.Mutex
	localID  Key
	bucketSz int
	buckets  [bucketCount]*KBucket
}

// NewRoutingTable returns an empty table rooted at localID, with
// bucketSize contacts per bucket (conventionally k=20).
func NewRoutingTable(localID Key, bucketSize int) *RoutingTable {
	rt := &RoutingTable{localID: localID, bucketSz: bucketSize}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(bucketSize)
	}
	return rt
}

func (rt *RoutingTable) bucketFor(id Key) *KBucket {
	idx := CommonPrefixLen(rt.localID, id)
	if idx >= bucketCount {
		idx = bucketCount - 1
	}
	return rt.buckets[idx]
}

// Upsert records a contact observation, refreshing its liveness if
// already known.
func (rt *RoutingTable) Upsert(c PeerContact, now time.Time) {
	if c.PeerID == rt.localID {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.bucketFor(c.PeerID).upsert(c.touch(now))
}

// MarkFailure increments a contact's failure counter, used when a peer
// returns a malformed response, an invalid signature, or times out.
func (rt *RoutingTable) MarkFailure(peerID Key) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.bucketFor(peerID)
	for i, c := range bucket.contacts {
		if c.PeerID == peerID {
			bucket.contacts[i] = c.fail()
			return
		}
	}
}

// Evict removes a contact outright, used once its failure count
// crosses the reputation threshold during a refresh or lookup sweep.
func (rt *RoutingTable) Evict(peerID Key) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.bucketFor(peerID).remove(peerID)
}

// EvictStale removes every contact across all buckets that Stale
// reports true for, given refreshInterval, and returns how many were
// evicted.
func (rt *RoutingTable) EvictStale(now time.Time, refreshInterval time.Duration) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	evicted := 0
	for _, bucket := range rt.buckets {
		kept := bucket.contacts[:0]
		for _, c := range bucket.contacts {
			if c.Stale(now, refreshInterval) {
				evicted++
				continue
			}
			kept = append(kept, c)
		}
		bucket.contacts = kept
	}
	return evicted
}

// FindClosest returns the k contacts with the smallest XOR distance
// to target, across all buckets, sorted nearest-first.
func (rt *RoutingTable) FindClosest(k int, target Key) []PeerContact {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []PeerContact
	for _, bucket := range rt.buckets {
		all = append(all, bucket.list()...)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(Distance(all[i].PeerID, target), Distance(all[j].PeerID, target))
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Size returns the total number of contacts currently held.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	total := 0
	for _, bucket := range rt.buckets {
		total += len(bucket.contacts)
	}
	return total
}
