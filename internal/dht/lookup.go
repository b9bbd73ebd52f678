package dht

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Lookup drives the iterative α-parallel node/value lookups: query the
// α closest unqueried contacts for closer contacts, merge results, and
// terminate when a full round turns up no peer closer than the best
// already known. Expected hops are O(log₂ N).
type Lookup struct {
	table     *RoutingTable
	transport Transport
	alpha     int
	k         int
}

// NewLookup builds a lookup driver bound to table and transport, using
// alpha concurrent queries per round and returning up to k results.
func NewLookup(table *RoutingTable, transport Transport, alpha, k int) *Lookup {
	return &Lookup{table: table, transport: transport, alpha: alpha, k: k}
}

type lookupState struct {
	mu       sync.Mutex
	queried  map[Key]bool
	byPeer   map[Key]PeerContact
}

func newLookupState() *lookupState {
	return &lookupState{queried: make(map[Key]bool), byPeer: make(map[Key]PeerContact)}
}

func (s *lookupState) record(contacts []PeerContact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if _, ok := s.byPeer[c.PeerID]; !ok {
			s.byPeer[c.PeerID] = c
		}
	}
}

func (s *lookupState) unqueriedClosest(target Key, n int) []PeerContact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []PeerContact
	for id, c := range s.byPeer {
		if !s.queried[id] {
			candidates = append(candidates, c)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return Less(Distance(candidates[i].PeerID, target), Distance(candidates[j].PeerID, target))
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (s *lookupState) markQueried(id Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried[id] = true
}

func (s *lookupState) closestN(target Key, n int) []PeerContact {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]PeerContact, 0, len(s.byPeer))
	for _, c := range s.byPeer {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(Distance(all[i].PeerID, target), Distance(all[j].PeerID, target))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// FindNode performs an iterative node lookup for target, returning up
// to k contacts closest to it that responded successfully.
func (l *Lookup) FindNode(ctx context.Context, target Key) []PeerContact {
	state := newLookupState()
	state.record(l.table.FindClosest(l.k, target))

	for {
		round := state.unqueriedClosest(target, l.alpha)
		if len(round) == 0 {
			break
		}
		bestBefore := state.closestN(target, 1)

		var wg sync.WaitGroup
		for _, peer := range round {
			peer := peer
			state.markQueried(peer.PeerID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				contacts, err := l.transport.FindNode(ctx, peer, target)
				if err != nil {
					l.table.MarkFailure(peer.PeerID)
					return
				}
				l.table.Upsert(peer, time.Now())
				state.record(contacts)
			}()
		}
		wg.Wait()

		bestAfter := state.closestN(target, 1)
		if len(bestBefore) > 0 && len(bestAfter) > 0 && bestBefore[0].PeerID == bestAfter[0].PeerID {
			// A full round produced no closer peer than we already
			// had; one more round to be sure nothing new arrived,
			// then stop - avoids terminating on the very first round
			// before any query has run.
			if allQueried(state, target, l.alpha) {
				break
			}
		}
	}

	return state.closestN(target, l.k)
}

func allQueried(state *lookupState, target Key, alpha int) bool {
	return len(state.unqueriedClosest(target, alpha)) == 0
}

// FindValue performs an iterative value lookup for key, returning
// every signed value collected from responding peers (there may be
// more than one under network partition/concurrent-publish scenarios)
// plus the closest contacts seen, for a subsequent store-at-closest
// republish.
func (l *Lookup) FindValue(ctx context.Context, key Key) ([]Value, []PeerContact) {
	state := newLookupState()
	state.record(l.table.FindClosest(l.k, key))

	var mu sync.Mutex
	var found []Value

	for {
		round := state.unqueriedClosest(key, l.alpha)
		if len(round) == 0 {
			break
		}
		bestBefore := state.closestN(key, 1)

		var wg sync.WaitGroup
		for _, peer := range round {
			peer := peer
			state.markQueried(peer.PeerID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				contacts, values, err := l.transport.FindValue(ctx, peer, key)
				if err != nil {
					l.table.MarkFailure(peer.PeerID)
					return
				}
				l.table.Upsert(peer, time.Now())
				state.record(contacts)
				if len(values) > 0 {
					mu.Lock()
					found = append(found, values...)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		bestAfter := state.closestN(key, 1)
		if len(bestBefore) > 0 && len(bestAfter) > 0 && bestBefore[0].PeerID == bestAfter[0].PeerID {
			if allQueried(state, key, l.alpha) {
				break
			}
		}
	}

	return dedupeValues(found), state.closestN(key, l.k)
}

func dedupeValues(values []Value) []Value {
	seen := make(map[Key]bool)
	out := values[:0]
	for _, v := range values {
		if seen[v.PublisherID] {
			continue
		}
		seen[v.PublisherID] = true
		out = append(out, v)
	}
	return out
}
