package dht

import "context"

// Transport is the abstract RPC surface a Node issues lookups and
// storage operations over: PING, FIND_NODE, FIND_VALUE, and STORE. The
// concrete implementation lives in internal/router, carried over a
// Noise_XX session; Node depends only on this interface so
// routing-table and lookup logic is testable without a real
// transport.
type Transport interface {
	// Ping checks liveness of peer, returning an error on timeout or
	// transport failure.
	Ping(ctx context.Context, peer PeerContact) error
	// FindNode asks peer for its k closest known contacts to target.
	FindNode(ctx context.Context, peer PeerContact, target Key) ([]PeerContact, error)
	// FindValue asks peer for value(s) stored under key; if peer holds
	// none, it behaves like FindNode and returns closer contacts
	// instead.
	FindValue(ctx context.Context, peer PeerContact, key Key) ([]PeerContact, []Value, error)
	// Store asks peer to hold v under key until v.TTLExpiry.
	Store(ctx context.Context, peer PeerContact, key Key, v Value) error
	// Summary asks peer for the set of keys it currently holds values
	// for, the range-keyed reconciliation exchange anti-entropy builds
	// on: each side exchanges summaries, then transfers missing
	// entries.
	Summary(ctx context.Context, peer PeerContact) ([]Key, error)
}

// NodeBinder is implemented by a Transport that answers inbound RPCs
// against a local Node (rather than purely issuing outbound ones, as a
// test double typically does). NewNode requires a Transport to already
// exist, so the Node cannot be known at transport construction time;
// the façade calls SetNode once both are built to close the loop.
type NodeBinder interface {
	SetNode(*Node)
}

// SelfAnnouncer is implemented by a Transport that needs to know the
// local node's own contact info in order to self-report it in outbound
// requests, letting every RPC double as a routing-table refresh for
// the recipient.
type SelfAnnouncer interface {
	SetSelf(PeerContact)
}

