package dht

import "time"

// Serve{Ping,FindNode,FindValue,Store,Summary} answer inbound DHT RPCs
// against local state: the responder half of the same five operations
// Transport issues outbound. The concrete RPC server in internal/router
// authenticates and frames a request before calling these; every call
// records the requester as a live contact first, the standard Kademlia
// practice of refreshing routing state on every received RPC, not only
// on outbound ones.
func (n *Node) ServePing(from PeerContact) {
	n.table.Upsert(from, time.Now())
}

// ServeFindNode returns the k closest known contacts to target.
func (n *Node) ServeFindNode(from PeerContact, target Key) []PeerContact {
	n.table.Upsert(from, time.Now())
	return n.table.FindClosest(n.lookup.k, target)
}

// ServeFindValue returns locally-held values for key if any exist, or
// the k closest known contacts to key otherwise - the standard
// Kademlia FIND_VALUE fallback to FIND_NODE behavior.
func (n *Node) ServeFindValue(from PeerContact, key Key) ([]PeerContact, []Value) {
	n.table.Upsert(from, time.Now())
	if values := n.values.Get(key, time.Now()); len(values) > 0 {
		return nil, values
	}
	return n.table.FindClosest(n.lookup.k, key), nil
}

// ServeStore verifies v's signature and, if it verifies, records it
// under key. An unverified value is rejected rather than stored, per
// the design's resolved Open Question on unknown-publisher handling.
func (n *Node) ServeStore(from PeerContact, key Key, v Value) error {
	n.table.Upsert(from, time.Now())
	if err := VerifySignature(key, v, n.resolvePublisher); err != nil {
		return err
	}
	n.values.Put(key, v)
	return nil
}

// ServeSummary returns every key this node currently holds at least
// one value for, the anti-entropy reconciliation summary.
func (n *Node) ServeSummary(from PeerContact) []Key {
	n.table.Upsert(from, time.Now())
	return n.values.Keys()
}
