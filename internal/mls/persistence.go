package mls

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

const (
	persistenceMagic  = "SPMLS001"
	currentSchema     = uint16(2)
)

// privateStateV2 is the serialized form of a Group's sensitive state,
// current schema version. A version bump adds a field here and a
// migrate_vN_to_vN+1 function below; old blobs keep loading.
type privateStateV2 struct {
	Epoch      uint64              `json:"epoch"`
	OwnLeaf    LeafIndex           `json:"own_leaf"`
	Credential ed25519.PublicKey   `json:"credential"`
	Tree       []MemberInfo        `json:"tree"`
	Secrets    *EpochSecrets       `json:"secrets"`
	SendChains map[LeafIndex][]byte `json:"send_chain_keys"`
	SendSeqs   map[LeafIndex]uint64 `json:"send_seqs"`
	RecvChains map[LeafIndex][]byte `json:"recv_chain_keys"`
	RecvSeqs   map[LeafIndex]uint64 `json:"recv_seqs"`
	State      State               `json:"state"`
}

// privateStateV1 is the schema this implementation shipped with before
// the send/recv sequence counters were split out of the chain key blobs
// (schema 2 added SendSeqs/RecvSeqs as independent fields instead of
// encoding the sequence number into the chain key bytes).
type privateStateV1 struct {
	Epoch      uint64               `json:"epoch"`
	OwnLeaf    LeafIndex            `json:"own_leaf"`
	Credential ed25519.PublicKey    `json:"credential"`
	Tree       []MemberInfo         `json:"tree"`
	Secrets    *EpochSecrets        `json:"secrets"`
	SendChains map[LeafIndex][]byte `json:"send_chain_keys"`
	RecvChains map[LeafIndex][]byte `json:"recv_chain_keys"`
	State      State                `json:"state"`
}

func migrateV1ToV2(old privateStateV1) privateStateV2 {
	return privateStateV2{
		Epoch:      old.Epoch,
		OwnLeaf:    old.OwnLeaf,
		Credential: old.Credential,
		Tree:       old.Tree,
		Secrets:    old.Secrets,
		SendChains: old.SendChains,
		SendSeqs:   make(map[LeafIndex]uint64),
		RecvChains: old.RecvChains,
		RecvSeqs:   make(map[LeafIndex]uint64),
		State:      old.State,
	}
}

// header is the plaintext prefix authenticated as AEAD associated data:
// magic ‖ schema ‖ group_id ‖ created_at, mirroring the commit-log and
// keystore header-as-AAD convention used elsewhere in this codebase.
func persistenceHeader(groupID [32]byte, schema uint16, createdAt int64) []byte {
	buf := make([]byte, 0, len(persistenceMagic)+2+32+8)
	buf = append(buf, []byte(persistenceMagic)...)
	var schemaBytes [2]byte
	binary.BigEndian.PutUint16(schemaBytes[:], schema)
	buf = append(buf, schemaBytes[:]...)
	buf = append(buf, groupID[:]...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(createdAt))
	buf = append(buf, tsBytes[:]...)
	return buf
}

// Save encrypts the group's private state under storageKey and writes
// it atomically (temp file, fsync, rename) to path.
func (g *Group) Save(path string, storageKey []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := privateStateV2{
		Epoch:      g.secrets.Epoch,
		OwnLeaf:    g.ownLeaf,
		Credential: g.credential,
		Tree:       g.tree.Snapshot(),
		Secrets:    g.secrets,
		SendChains: make(map[LeafIndex][]byte, len(g.sendChains)),
		SendSeqs:   make(map[LeafIndex]uint64, len(g.sendChains)),
		RecvChains: make(map[LeafIndex][]byte, len(g.recvChains)),
		RecvSeqs:   make(map[LeafIndex]uint64, len(g.recvChains)),
		State:      g.state,
	}
	for leaf, chain := range g.sendChains {
		state.SendChains[leaf] = chain.chainKey
		state.SendSeqs[leaf] = chain.nextSeq
	}
	for leaf, chain := range g.recvChains {
		state.RecvChains[leaf] = chain.chainKey
		state.RecvSeqs[leaf] = chain.nextSeq
	}

	plaintext, err := json.Marshal(state)
	if err != nil {
		return spacepandaerr.Wrap(spacepandaerr.KindProtocol, "mls.Group.Save", "marshal private state", err)
	}

	createdAt := time.Now().Unix()
	hdr := persistenceHeader(g.groupID, currentSchema, createdAt)
	nonce, err := xcrypto.RandomNonce()
	if err != nil {
		return err
	}
	ciphertext, err := xcrypto.SealChaCha(storageKey, nonce, plaintext, hdr)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	out.Write(hdr)
	out.Write(nonce)
	out.Write(ciphertext)
	return atomicWrite(path, out.Bytes())
}

// Load decrypts and reconstructs a Group from a blob written by Save,
// applying schema migrations as needed and verifying storageKey via the
// AEAD tag.
func Load(path string, storageKey []byte, signer Signer) (*Group, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.Load", "cannot read persistence file", err)
	}
	minLen := len(persistenceMagic) + 2 + 32 + 8 + xcrypto.AEADNonceSize
	if len(raw) < minLen {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "mls.Load", "truncated persistence file")
	}
	if !bytes.Equal(raw[:len(persistenceMagic)], []byte(persistenceMagic)) {
		return nil, spacepandaerr.New(spacepandaerr.KindCorruption, "mls.Load", "bad magic")
	}
	offset := len(persistenceMagic)
	schema := binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2
	var groupID [32]byte
	copy(groupID[:], raw[offset:offset+32])
	offset += 32
	createdAt := int64(binary.BigEndian.Uint64(raw[offset : offset+8]))
	offset += 8
	nonce := raw[offset : offset+xcrypto.AEADNonceSize]
	offset += xcrypto.AEADNonceSize
	ciphertext := raw[offset:]

	hdr := persistenceHeader(groupID, schema, createdAt)
	plaintext, err := xcrypto.OpenChaCha(storageKey, nonce, ciphertext, hdr)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.Load", "persistence blob failed to authenticate", err)
	}

	state, err := decodeAndMigrate(schema, plaintext)
	if err != nil {
		return nil, err
	}

	replay, err := newReplayCache(DefaultReplayCacheSize)
	if err != nil {
		return nil, err
	}
	g := &Group{
		groupID:    groupID,
		state:      state.State,
		tree:       FromSnapshot(state.Tree),
		ownLeaf:    state.OwnLeaf,
		credential: state.Credential,
		signer:     signer,
		secrets:    state.Secrets,
		sendChains: make(map[LeafIndex]*senderChain, len(state.SendChains)),
		recvChains: make(map[LeafIndex]*senderChain, len(state.RecvChains)),
		replay:     replay,
	}
	for leaf, key := range state.SendChains {
		g.sendChains[leaf] = &senderChain{chainKey: key, nextSeq: state.SendSeqs[leaf]}
	}
	for leaf, key := range state.RecvChains {
		g.recvChains[leaf] = &senderChain{chainKey: key, nextSeq: state.RecvSeqs[leaf]}
	}
	return g, nil
}

// decodeAndMigrate walks a persisted blob forward through every
// migrate_v{N}_to_v{N+1} step from its stored schema to currentSchema.
func decodeAndMigrate(schema uint16, plaintext []byte) (privateStateV2, error) {
	switch schema {
	case 1:
		var v1 privateStateV1
		if err := json.Unmarshal(plaintext, &v1); err != nil {
			return privateStateV2{}, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.decodeAndMigrate", "malformed v1 private state", err)
		}
		return migrateV1ToV2(v1), nil
	case currentSchema:
		var v2 privateStateV2
		if err := json.Unmarshal(plaintext, &v2); err != nil {
			return privateStateV2{}, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.decodeAndMigrate", "malformed v2 private state", err)
		}
		return v2, nil
	default:
		return privateStateV2{}, spacepandaerr.New(spacepandaerr.KindProtocol, "mls.decodeAndMigrate", fmt.Sprintf("unsupported persistence schema %d", schema))
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mls: rename persistence blob into place: %w", err)
	}
	return nil
}
