package dht

import (
	"time"

	"github.com/multiformats/go-multiaddr"
)

// staleFailureThreshold is the consecutive-failure count after which a
// contact is marked stale and eligible for eviction from its bucket.
const staleFailureThreshold = 3

// PeerContact is one known DHT participant: its identity, its
// transport-agnostic address, and the liveness bookkeeping used for
// bucket eviction and lookup ordering.
type PeerContact struct {
	PeerID       Key
	Addr         multiaddr.Multiaddr
	LastSeen     time.Time
	FailureCount int
}

// NewPeerContact builds a contact from a raw multiaddr string, deriving
// no PeerID of its own - callers supply the id learned from the
// handshake or RPC response that produced this contact.
func NewPeerContact(peerID Key, addr string, now time.Time) (PeerContact, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return PeerContact{}, err
	}
	return PeerContact{PeerID: peerID, Addr: ma, LastSeen: now}, nil
}

// Stale reports whether the contact has failed enough consecutive
// times, or gone quiet past refreshInterval, to be considered no
// longer reachable.
func (c PeerContact) Stale(now time.Time, refreshInterval time.Duration) bool {
	if c.FailureCount >= staleFailureThreshold {
		return true
	}
	return now.Sub(c.LastSeen) > refreshInterval
}

// touch returns a copy of c marked seen at now with its failure count
// reset, the update applied on every successful response from the
// peer.
func (c PeerContact) touch(now time.Time) PeerContact {
	c.LastSeen = now
	c.FailureCount = 0
	return c
}

// fail returns a copy of c with its failure counter incremented, the
// update applied on every malformed response, invalid signature, or
// timeout attributed to the peer.
func (c PeerContact) fail() PeerContact {
	c.FailureCount++
	return c
}
