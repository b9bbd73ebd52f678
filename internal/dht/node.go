package dht

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// refreshInterval is how long a contact may stay silent before it is
// considered stale absent any explicit failure.
const refreshInterval = 15 * time.Minute

// Node wires the routing table, value store, and lookup driver into
// the background-task-bearing entry point the façade constructs: PUT,
// GET, bucket refresh, and anti-entropy.
type Node struct {
	localID Key
	priv    ed25519.PrivateKey

	table   *RoutingTable
	values  *ValueStore
	lookup  *Lookup
	transport Transport

	resolvePublisher PublisherKeyResolver

	mu            sync.Mutex
	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

// Config tunes a Node's bucket size and lookup concurrency.
type Config struct {
	BucketSize int
	Alpha      int
}

// DefaultConfig returns the conventional Kademlia defaults, k=20, α=3.
func DefaultConfig() Config {
	return Config{BucketSize: 20, Alpha: 3}
}

// NewNode constructs a Node rooted at localID, signing outgoing PUTs
// with priv and resolving remote publisher keys via resolve.
func NewNode(localID Key, priv ed25519.PrivateKey, transport Transport, resolve PublisherKeyResolver, cfg Config) *Node {
	table := NewRoutingTable(localID, cfg.BucketSize)
	values := NewValueStore()
	return &Node{
		localID:          localID,
		priv:             priv,
		table:            table,
		values:           values,
		lookup:           NewLookup(table, transport, cfg.Alpha, cfg.BucketSize),
		transport:        transport,
		resolvePublisher: resolve,
	}
}

// LocalID returns this node's own identifier in the DHT key space.
func (n *Node) LocalID() Key { return n.localID }

// Table exposes the routing table for diagnostics and tests.
func (n *Node) Table() *RoutingTable { return n.table }

// Values exposes the local value store for diagnostics and tests.
func (n *Node) Values() *ValueStore { return n.values }

// Seed records a bootstrap contact directly, bypassing lookup - the
// entry point for joining the network via a known rendezvous peer.
func (n *Node) Seed(contact PeerContact) {
	n.table.Upsert(contact, time.Now())
}

// Put signs value bytes under key with ttl and replicates to the k
// closest known peers, locating them via an iterative lookup first.
func (n *Node) Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	expiry := time.Now().Add(ttl)
	v := Value{
		Bytes:       value,
		PublisherID: n.localID,
		TTLExpiry:   expiry,
	}
	v.Signature = SignValue(n.priv, key, value, expiry)

	n.values.Put(key, v)

	targets := n.lookup.FindNode(ctx, key)
	for _, peer := range targets {
		if err := n.transport.Store(ctx, peer, key, v); err != nil {
			n.table.MarkFailure(peer.PeerID)
		}
	}
	return nil
}

// Get returns every signed value found for key whose signature
// verifies against its declared publisher, merging locally-held values
// with whatever an iterative lookup turns up across the network.
func (n *Node) Get(ctx context.Context, key Key) []Value {
	now := time.Now()
	var out []Value
	seen := make(map[Key]bool)

	for _, v := range n.values.Get(key, now) {
		if VerifySignature(key, v, n.resolvePublisher) == nil {
			out = append(out, v)
			seen[v.PublisherID] = true
		}
	}

	remote, _ := n.lookup.FindValue(ctx, key)
	for _, v := range remote {
		if seen[v.PublisherID] {
			continue
		}
		if !now.Before(v.TTLExpiry) {
			continue
		}
		if VerifySignature(key, v, n.resolvePublisher) != nil {
			continue
		}
		out = append(out, v)
		seen[v.PublisherID] = true
		n.values.Put(key, v)
	}

	return out
}

// StartBackground launches the periodic bucket-refresh, value-store
// sweep, and anti-entropy loops as a single supervised goroutine:
// cancel any prior monitor, track completion with a WaitGroup, tick on
// a context that a later Stop cancels.
func (n *Node) StartBackground(ctx context.Context, peersForAntiEntropy func() []PeerContact) {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
	}
	monitorCtx, cancel := context.WithCancel(ctx)
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		refreshTicker := time.NewTicker(refreshInterval)
		sweepTicker := time.NewTicker(time.Minute)
		entropyTicker := time.NewTicker(5 * time.Minute)
		defer refreshTicker.Stop()
		defer sweepTicker.Stop()
		defer entropyTicker.Stop()

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-refreshTicker.C:
				evicted := n.table.EvictStale(time.Now(), refreshInterval)
				if evicted > 0 {
					bo.Reset()
				}
			case <-sweepTicker.C:
				n.values.Sweep(time.Now())
			case <-entropyTicker.C:
				for _, peer := range peersForAntiEntropy() {
					_ = n.Reconcile(monitorCtx, peer)
				}
			}
		}
	}()
}

// StopBackground cancels the background loop and waits for it to
// exit.
func (n *Node) StopBackground() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}
