package spacepanda

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/securestore"
	"github.com/var-che/spacepanda/internal/store"
)

const (
	rpcReplayPruneInterval = time.Minute
	rpcReplayMaxAge        = 10 * time.Minute
	snapshotInterval       = 10 * time.Minute
	antiEntropyFanout      = 8
)

const snapshotSecretLabel = "spacepanda-snapshot-at-rest"
const groupSecretLabel = "spacepanda-mls-group-at-rest"

// snapshotSecretFor derives a fresh per-channel label so each channel's
// at-rest snapshot secret is unlinkable to another's; a shared backing
// array is never reused across calls.
func snapshotSecretFor(id store.ChannelId) []byte {
	label := make([]byte, 0, len(snapshotSecretLabel)+len(id))
	label = append(label, snapshotSecretLabel...)
	label = append(label, id[:]...)
	return label
}

// groupStoragePath returns the on-disk location of channelID's
// persisted MLS group state.
func (s *Service) groupStoragePath(id store.ChannelId) string {
	return filepath.Join(s.storageDir, "channels", idHex(id[:]), "group.bin")
}

// groupStorageSecret derives the AEAD key group.Save/mls.Load seal the
// group's private ratchet state under, domain-separated from the
// channel snapshot secret even though both derive from the same master
// key and channel id.
func (s *Service) groupStorageSecret(id store.ChannelId) ([]byte, error) {
	label := make([]byte, 0, len(groupSecretLabel)+len(id))
	label = append(label, groupSecretLabel...)
	label = append(label, id[:]...)
	secret, err := s.master.DeriveStorageSecret(label)
	if err != nil {
		return nil, err
	}
	return secret[:], nil
}

// persistGroup saves channelID's current MLS group state to disk. It
// is called after every operation that creates a group or advances its
// epoch, so RestoreChannel never has to rebuild a group from nothing
// but the local commit log. A failure here is logged and counted but
// never fails the caller's operation - the in-memory group is still
// correct, only its durability is degraded until the next successful
// save.
func (s *Service) persistGroup(id store.ChannelId, group *mls.Group) {
	secret, err := s.groupStorageSecret(id)
	if err != nil {
		s.recordErrorWithContext("group_persist", err, "spacepanda.persistGroup", idHex(id[:]))
		return
	}
	if err := group.Save(s.groupStoragePath(id), secret); err != nil {
		s.recordErrorWithContext("group_persist", err, "spacepanda.persistGroup", idHex(id[:]))
	}
}

// Start launches the façade's own supervised background tasks -
// RPC replay-cache pruning and periodic per-channel snapshot
// compaction - on top of the components that supervise their own
// loops (internal/dht's bucket refresh/anti-entropy, internal/router's
// dispatcher deadline sweeper). It is idempotent: calling Start while
// already running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if s.running {
		return nil
	}

	bgCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(bgCtx)

	s.dhtNode.StartBackground(bgCtx, s.antiEntropyPeers)
	s.dispatcher.RunSweeper(rpcReplayPruneInterval)

	group.Go(func() error {
		s.runReplayCachePrune(groupCtx)
		return nil
	})
	group.Go(func() error {
		s.runSnapshotCompaction(groupCtx)
		return nil
	})

	s.bgCancel = cancel
	s.bgGroup = group
	s.running = true
	s.logInfo("spacepanda.Start", s.nodeTag, "background tasks started")
	return nil
}

// Stop cancels every background task Start launched and waits for them
// to exit, including the components with their own supervised loops.
// Calling Stop while not running is a no-op.
func (s *Service) Stop() error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if !s.running {
		return nil
	}

	s.bgCancel()
	s.dhtNode.StopBackground()
	s.dispatcher.Shutdown()
	err := s.bgGroup.Wait()

	s.bgCancel = nil
	s.bgGroup = nil
	s.running = false
	s.logInfo("spacepanda.Stop", s.nodeTag, "background tasks stopped")
	return err
}

// antiEntropyPeers supplies dht.Node's periodic reconciliation loop
// with the peers closest to this node's own id, the same target set
// an iterative lookup for the local id would converge on.
func (s *Service) antiEntropyPeers() []dht.PeerContact {
	return s.dhtNode.Table().FindClosest(antiEntropyFanout, s.localID)
}

// runReplayCachePrune periodically evicts RPC replay-cache entries
// older than rpcReplayMaxAge, the background half of capacity
// enforcement alongside the cache's own on-insert eviction.
func (s *Service) runReplayCachePrune(ctx context.Context) {
	ticker := time.NewTicker(rpcReplayPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			evicted := s.rpcReplay.PruneOlderThan(t.Add(-rpcReplayMaxAge))
			if evicted > 0 {
				s.metrics.RecordCounter("rpc_replay_pruned", float64(evicted))
			}
		}
	}
}

// runSnapshotCompaction periodically writes an encrypted snapshot of
// every live channel so recovery never has to replay the full commit
// log from the beginning.
func (s *Service) runSnapshotCompaction(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.compactSnapshots()
		}
	}
}

func (s *Service) compactSnapshots() {
	s.mu.RLock()
	ids := make([]store.ChannelId, 0, len(s.channels))
	for id := range s.channels {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.snapshotChannel(id); err != nil {
			s.recordErrorWithContext("snapshot_compaction", err, "spacepanda.compactSnapshots", idHex(id[:]))
		}
	}
}

// snapshotChannel serializes one channel's CRDT state, seals it with
// the device's storage secret (derived from the master key, distinct
// from the identity keystore's own passphrase-derived key), and writes
// it through store.WriteSnapshot's atomic temp-file-then-rename path.
func (s *Service) snapshotChannel(id store.ChannelId) error {
	s.mu.Lock()
	channel, ok := s.channels[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.snapshotSeq[id]++
	seq := s.snapshotSeq[id]
	s.mu.Unlock()

	payload, err := json.Marshal(channel)
	if err != nil {
		return err
	}

	secret, err := s.master.DeriveStorageSecret(snapshotSecretFor(id))
	if err != nil {
		return err
	}
	sealed, err := securestore.Encrypt(hex.EncodeToString(secret[:]), payload)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.storageDir, "channels", idHex(id[:]), "snapshots")
	_, err = store.WriteSnapshot(dir, seq, sealed, s.cfg.SnapshotRetention)
	return err
}

// loadChannelSnapshot reads back the newest intact snapshot written by
// snapshotChannel, decrypting it with the same derived storage secret.
// Returns (nil, false, nil) if no snapshot exists yet; a non-nil error
// means every snapshot present failed its integrity or auth check.
func (s *Service) loadChannelSnapshot(id store.ChannelId) (*store.Channel, uint64, bool, error) {
	dir := filepath.Join(s.storageDir, "channels", idHex(id[:]), "snapshots")
	result, err := store.LoadLatestValidSnapshot(dir)
	if err != nil {
		return nil, 0, false, err
	}
	if result == nil {
		return nil, 0, false, nil
	}

	var sealed []byte
	if err := json.Unmarshal(result.Payload, &sealed); err != nil {
		return nil, 0, false, err
	}
	secret, err := s.master.DeriveStorageSecret(snapshotSecretFor(id))
	if err != nil {
		return nil, 0, false, err
	}
	plaintext, err := securestore.Decrypt(hex.EncodeToString(secret[:]), sealed)
	if err != nil {
		return nil, 0, false, err
	}

	var channel store.Channel
	if err := json.Unmarshal(plaintext, &channel); err != nil {
		return nil, 0, false, err
	}
	return &channel, result.Sequence, true, nil
}
