package dht

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"
)

// memTransport routes RPCs directly to in-process Nodes, keyed by
// PeerID, standing in for the real Noise/RPC transport in internal/router.
type memTransport struct {
	nodes map[Key]*Node
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: make(map[Key]*Node)}
}

func (t *memTransport) register(n *Node) {
	t.nodes[n.localID] = n
}

func (t *memTransport) Ping(ctx context.Context, peer PeerContact) error {
	if _, ok := t.nodes[peer.PeerID]; !ok {
		return errPeerUnknown
	}
	return nil
}

func (t *memTransport) FindNode(ctx context.Context, peer PeerContact, target Key) ([]PeerContact, error) {
	n, ok := t.nodes[peer.PeerID]
	if !ok {
		return nil, errPeerUnknown
	}
	return n.table.FindClosest(n.table.bucketSz, target), nil
}

func (t *memTransport) FindValue(ctx context.Context, peer PeerContact, key Key) ([]PeerContact, []Value, error) {
	n, ok := t.nodes[peer.PeerID]
	if !ok {
		return nil, nil, errPeerUnknown
	}
	values := n.values.Get(key, time.Now())
	if len(values) > 0 {
		return nil, values, nil
	}
	return n.table.FindClosest(n.table.bucketSz, key), nil, nil
}

func (t *memTransport) Store(ctx context.Context, peer PeerContact, key Key, v Value) error {
	n, ok := t.nodes[peer.PeerID]
	if !ok {
		return errPeerUnknown
	}
	n.values.Put(key, v)
	return nil
}

func (t *memTransport) Summary(ctx context.Context, peer PeerContact) ([]Key, error) {
	n, ok := t.nodes[peer.PeerID]
	if !ok {
		return nil, errPeerUnknown
	}
	return n.values.Keys(), nil
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errPeerUnknown = sentinelErr("dht: unknown peer in test transport")

func keyOf(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func contactFor(n *Node) PeerContact {
	addr, _ := NewPeerContact(n.localID, "/ip4/127.0.0.1/tcp/4001", time.Now())
	return addr
}

func newTestNode(t *testing.T, transport *memTransport, id byte, keyring map[Key]ed25519.PublicKey) (*Node, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	localID := keyOf(id)
	keyring[localID] = pub
	resolve := func(publisherID Key) (ed25519.PublicKey, bool) {
		k, ok := keyring[publisherID]
		return k, ok
	}
	n := NewNode(localID, priv, transport, resolve, DefaultConfig())
	transport.register(n)
	return n, priv
}

func TestXORDistanceAndOrdering(t *testing.T) {
	a := keyOf(0x01)
	b := keyOf(0x02)
	c := keyOf(0x03)

	if Distance(a, a) != (Key{}) {
		t.Fatalf("distance to self must be zero")
	}
	dab := Distance(a, b)
	dac := Distance(a, c)
	if !Less(dac, dab) && dac != dab {
		// 0x01^0x03 = 0x02, 0x01^0x02 = 0x03 — c should be closer to a than b is.
	}
	if !Less(dac, dab) {
		t.Fatalf("expected c closer to a than b: dac=%v dab=%v", dac, dab)
	}
}

func TestRoutingTableFindClosest(t *testing.T) {
	rt := NewRoutingTable(keyOf(0x00), 20)
	for i := byte(1); i <= 10; i++ {
		c, _ := NewPeerContact(keyOf(i), "/ip4/127.0.0.1/tcp/4001", time.Now())
		rt.Upsert(c, time.Now())
	}
	closest := rt.FindClosest(3, keyOf(0x00))
	if len(closest) != 3 {
		t.Fatalf("expected 3 closest contacts, got %d", len(closest))
	}
	if closest[0].PeerID != keyOf(1) {
		t.Fatalf("expected closest contact to be id=1, got %v", closest[0].PeerID)
	}
}

func TestRoutingTableEvictStale(t *testing.T) {
	rt := NewRoutingTable(keyOf(0x00), 20)
	now := time.Now()
	c, _ := NewPeerContact(keyOf(1), "/ip4/127.0.0.1/tcp/4001", now.Add(-time.Hour))
	rt.Upsert(c, now.Add(-time.Hour))

	evicted := rt.EvictStale(now, 15*time.Minute)
	if evicted != 1 {
		t.Fatalf("expected 1 stale contact evicted, got %d", evicted)
	}
	if rt.Size() != 0 {
		t.Fatalf("expected empty table after eviction, got size=%d", rt.Size())
	}
}

func TestRoutingTableFailureThresholdEviction(t *testing.T) {
	rt := NewRoutingTable(keyOf(0x00), 20)
	now := time.Now()
	c, _ := NewPeerContact(keyOf(1), "/ip4/127.0.0.1/tcp/4001", now)
	rt.Upsert(c, now)

	for i := 0; i < staleFailureThreshold; i++ {
		rt.MarkFailure(keyOf(1))
	}
	if !rt.FindClosest(20, keyOf(0))[0].Stale(now, refreshInterval) {
		t.Fatalf("expected contact to be stale after %d failures", staleFailureThreshold)
	}
}

func TestValueStoreLazyAndEagerExpiry(t *testing.T) {
	s := NewValueStore()
	now := time.Now()
	key := keyOf(0x42)
	s.Put(key, Value{Bytes: []byte("v1"), PublisherID: keyOf(1), TTLExpiry: now.Add(-time.Second)})

	if got := s.Get(key, now); len(got) != 0 {
		t.Fatalf("expected expired value excised at read, got %d", len(got))
	}

	s.Put(key, Value{Bytes: []byte("v2"), PublisherID: keyOf(2), TTLExpiry: now.Add(time.Hour)})
	s.Put(key, Value{Bytes: []byte("v3"), PublisherID: keyOf(3), TTLExpiry: now.Add(-time.Second)})
	removed := s.Sweep(now)
	if removed != 1 {
		t.Fatalf("expected eager sweep to remove exactly 1 expired value, got %d", removed)
	}
}

func TestPutGetSignatureVerification(t *testing.T) {
	transport := newMemTransport()
	keyring := make(map[Key]ed25519.PublicKey)
	n1, _ := newTestNode(t, transport, 0x01, keyring)
	n2, _ := newTestNode(t, transport, 0x02, keyring)

	n1.Seed(contactFor(n2))
	n2.Seed(contactFor(n1))

	key := DeriveKey([]byte("channel-bundle"))
	ctx := context.Background()
	if err := n1.Put(ctx, key, []byte("bundle-bytes"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	values := n2.Get(ctx, key)
	if len(values) == 0 {
		t.Fatalf("expected n2 to find at least one value via replication/lookup")
	}
	if string(values[0].Bytes) != "bundle-bytes" {
		t.Fatalf("unexpected value bytes: %q", values[0].Bytes)
	}
}

func TestPartitionHealAntiEntropyConverges(t *testing.T) {
	transport := newMemTransport()
	keyring := make(map[Key]ed25519.PublicKey)

	n1, _ := newTestNode(t, transport, 0x01, keyring)
	n2, _ := newTestNode(t, transport, 0x02, keyring)
	n1.Seed(contactFor(n2))
	n2.Seed(contactFor(n1))

	ctx := context.Background()
	key := DeriveKey([]byte("shared-key"))

	// Simulate a partition: each side PUTs a distinct value locally
	// without the other observing it (store directly, bypassing the
	// lookup-based replication Put would otherwise perform).
	expiry := time.Now().Add(time.Hour)
	v1 := Value{Bytes: []byte("v1"), PublisherID: n1.localID, TTLExpiry: expiry}
	v1.Signature = SignValue(keyFor(t, n1), key, v1.Bytes, expiry)
	n1.values.Put(key, v1)

	v2 := Value{Bytes: []byte("v2"), PublisherID: n2.localID, TTLExpiry: expiry}
	v2.Signature = SignValue(keyFor(t, n2), key, v2.Bytes, expiry)
	n2.values.Put(key, v2)

	if err := n1.Reconcile(ctx, contactFor(n2)); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	got := n1.values.Get(key, time.Now())
	if len(got) != 2 {
		t.Fatalf("expected both signed values present after anti-entropy, got %d", len(got))
	}
}

// keyFor retrieves the private key registered for a node's test
// keyring via a package-level map the test maintains; kept simple by
// threading the priv key back out of newTestNode's return values at
// call sites instead for all but this one multi-node scenario.
func keyFor(t *testing.T, n *Node) ed25519.PrivateKey {
	t.Helper()
	return n.priv
}
