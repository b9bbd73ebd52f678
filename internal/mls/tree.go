// Package mls implements SpacePanda's group key-agreement layer: a
// left-balanced ratchet tree, a per-epoch HKDF key schedule, HPKE-sealed
// Welcome messages, signed Add/Update/Remove proposals applied via
// canonical-order Commits, and per-sender application-message ratchets
// with replay protection.
package mls

import (
	"crypto/ed25519"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// LeafIndex identifies a member's position in the ratchet tree.
type LeafIndex uint32

// MemberInfo is one tree leaf: a member's signing credential and the
// X25519 public key their application secrets and Welcome encapsulation
// are derived against. A blank leaf (Credential == nil) is a removed or
// never-filled slot.
type MemberInfo struct {
	LeafIndex     LeafIndex
	Credential    ed25519.PublicKey
	EncryptionKey [32]byte
}

func (m MemberInfo) blank() bool {
	return len(m.Credential) == 0
}

// RatchetTree holds the group's member leaves. Internal node secrets are
// not encrypted per-path the way full MLS does (that requires per-node
// HPKE ciphertexts addressed to every subtree, which this implementation
// does not model); instead the tree contributes a single folded secret,
// TreeSecret, that changes whenever membership changes, combined at
// commit time with a fresh committer-supplied secret for forward secrecy.
// This is a documented simplification of the real MLS path mechanism.
type RatchetTree struct {
	leaves []MemberInfo
}

// NewRatchetTree returns a tree with a single leaf: the group creator.
func NewRatchetTree(credential ed25519.PublicKey, encKey [32]byte) *RatchetTree {
	return &RatchetTree{leaves: []MemberInfo{{LeafIndex: 0, Credential: credential, EncryptionKey: encKey}}}
}

// FromSnapshot rebuilds a tree from a Welcome's serialized member list.
func FromSnapshot(members []MemberInfo) *RatchetTree {
	leaves := make([]MemberInfo, len(members))
	copy(leaves, members)
	return &RatchetTree{leaves: leaves}
}

// Snapshot returns a copy of the current leaves, suitable for embedding
// in a Welcome message or a persistence blob.
func (t *RatchetTree) Snapshot() []MemberInfo {
	out := make([]MemberInfo, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Size returns the number of leaf slots, including blanks.
func (t *RatchetTree) Size() int {
	return len(t.leaves)
}

// Member looks up a non-blank leaf by index.
func (t *RatchetTree) Member(idx LeafIndex) (MemberInfo, bool) {
	if int(idx) < 0 || int(idx) >= len(t.leaves) || t.leaves[idx].blank() {
		return MemberInfo{}, false
	}
	return t.leaves[idx], true
}

// LeafByCredential finds the leaf index bound to a credential, if any
// non-blank leaf carries it.
func (t *RatchetTree) LeafByCredential(cred ed25519.PublicKey) (LeafIndex, bool) {
	for _, m := range t.leaves {
		if m.blank() {
			continue
		}
		if ed25519PubEqual(m.Credential, cred) {
			return m.LeafIndex, true
		}
	}
	return 0, false
}

// AddLeaf installs a new member in the first blank slot, or appends one
// if the tree has none, returning the assigned leaf index.
func (t *RatchetTree) AddLeaf(credential ed25519.PublicKey, encKey [32]byte) LeafIndex {
	for i := range t.leaves {
		if t.leaves[i].blank() {
			t.leaves[i] = MemberInfo{LeafIndex: LeafIndex(i), Credential: credential, EncryptionKey: encKey}
			return LeafIndex(i)
		}
	}
	idx := LeafIndex(len(t.leaves))
	t.leaves = append(t.leaves, MemberInfo{LeafIndex: idx, Credential: credential, EncryptionKey: encKey})
	return idx
}

// RemoveLeaf blanks a leaf, clearing its credential and key before any
// epoch depending on the removal advances, per the invariant that a
// removed member's leaf is blanked before epoch bumps.
func (t *RatchetTree) RemoveLeaf(idx LeafIndex) error {
	if int(idx) < 0 || int(idx) >= len(t.leaves) {
		return spacepandaerr.New(spacepandaerr.KindProtocol, "mls.RatchetTree.RemoveLeaf", "leaf index out of range")
	}
	t.leaves[idx] = MemberInfo{LeafIndex: idx}
	return nil
}

// UpdateLeaf replaces a live leaf's encryption key, leaving its
// credential untouched.
func (t *RatchetTree) UpdateLeaf(idx LeafIndex, newEncKey [32]byte) error {
	if int(idx) < 0 || int(idx) >= len(t.leaves) || t.leaves[idx].blank() {
		return spacepandaerr.New(spacepandaerr.KindProtocol, "mls.RatchetTree.UpdateLeaf", "cannot update a blank or out-of-range leaf")
	}
	t.leaves[idx].EncryptionKey = newEncKey
	return nil
}

// TreeSecret folds every live leaf's encryption key, in index order,
// into a single 32-byte value via HKDF. Any membership change - an add,
// a remove, or an update - changes this value, so it is mixed into the
// joiner secret derivation at every commit.
func (t *RatchetTree) TreeSecret() []byte {
	material := make([]byte, 0, len(t.leaves)*32)
	for _, m := range t.leaves {
		if m.blank() {
			continue
		}
		material = append(material, m.EncryptionKey[:]...)
	}
	out, err := xcrypto.HKDFExpand(material, nil, []byte("spacepanda-mls-tree-secret"), 32)
	if err != nil {
		// HKDFExpand only fails on a short read from a broken reader,
		// which hkdf.New never produces for a fixed 32-byte output.
		panic(err)
	}
	return out
}

func ed25519PubEqual(a, b ed25519.PublicKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
