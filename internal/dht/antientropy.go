package dht

import (
	"context"
	"time"
)

// Reconcile performs one pairwise anti-entropy round against peer:
// fetch peer's key summary, pull values for keys we're missing, and
// push values for keys peer is missing. Merges at both ends are
// idempotent (ValueStore.Put keeps one entry per publisher), so a
// reconciliation round can be safely retried or run redundantly.
func (n *Node) Reconcile(ctx context.Context, peer PeerContact) error {
	peerKeys, err := n.transport.Summary(ctx, peer)
	if err != nil {
		n.table.MarkFailure(peer.PeerID)
		return err
	}
	n.table.Upsert(peer, time.Now())

	localKeys := n.values.Keys()
	localSet := make(map[Key]bool, len(localKeys))
	for _, k := range localKeys {
		localSet[k] = true
	}
	peerSet := make(map[Key]bool, len(peerKeys))
	for _, k := range peerKeys {
		peerSet[k] = true
	}

	now := time.Now()

	for _, key := range peerKeys {
		if localSet[key] {
			continue
		}
		_, values, err := n.transport.FindValue(ctx, peer, key)
		if err != nil {
			continue
		}
		for _, v := range values {
			if VerifySignature(key, v, n.resolvePublisher) == nil && now.Before(v.TTLExpiry) {
				n.values.Put(key, v)
			}
		}
	}

	for _, key := range localKeys {
		if peerSet[key] {
			continue
		}
		for _, v := range n.values.Get(key, now) {
			if err := n.transport.Store(ctx, peer, key, v); err != nil {
				continue
			}
		}
	}

	return nil
}
