package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// verifyCommitSignature checks a Commit's signature against its
// committer's credential.
func verifyCommitSignature(committerCredential ed25519.PublicKey, c Commit) bool {
	return xcrypto.Verify(committerCredential, c.signingBytes(), c.Signature)
}

// Commit bundles the proposals a committer applies to advance the
// epoch, plus a fresh commitSecret contributing forward secrecy to the
// next epoch's joiner_secret. It travels encrypted under the prior
// epoch's authentication_secret (see EncryptCommit/DecryptCommit); only
// current members can read CommitSecret.
type Commit struct {
	GroupID       [32]byte
	FromEpoch     uint64
	CommitterLeaf LeafIndex
	Proposals     []Proposal
	CommitSecret  []byte
	Signature     []byte
}

func (c Commit) signingBytes() []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, c.GroupID[:]...)
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], c.FromEpoch)
	buf = append(buf, epochBytes[:]...)
	var leafBytes [4]byte
	binary.BigEndian.PutUint32(leafBytes[:], uint32(c.CommitterLeaf))
	buf = append(buf, leafBytes[:]...)
	for _, p := range c.Proposals {
		buf = append(buf, p.signingBytes(c.GroupID)...)
		buf = append(buf, p.Signature...)
	}
	buf = append(buf, c.CommitSecret...)
	return buf
}

// canonicalOrder sorts proposals Updates-then-Removes-then-Adds, a
// fixed order every receiver must apply identically so
// independently-computed path secrets agree.
func canonicalOrder(proposals []Proposal) []Proposal {
	ordered := make([]Proposal, len(proposals))
	copy(ordered, proposals)
	rank := func(k ProposalKind) int {
		switch k {
		case ProposalUpdate:
			return 0
		case ProposalRemove:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return rank(ordered[i].Kind) < rank(ordered[j].Kind) })
	return ordered
}

// buildCommit signs, over canonically-ordered proposals, a Commit with
// a fresh random commitSecret.
func buildCommit(groupID [32]byte, fromEpoch uint64, committerLeaf LeafIndex, proposals []Proposal, signer Signer) (*Commit, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, err
	}
	c := &Commit{
		GroupID:       groupID,
		FromEpoch:     fromEpoch,
		CommitterLeaf: committerLeaf,
		Proposals:     canonicalOrder(proposals),
		CommitSecret:  secret,
	}
	sig, err := signer.SignDetached(c.signingBytes())
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "mls.buildCommit", "sign commit", err)
	}
	c.Signature = sig
	return c, nil
}

// applyProposals mutates tree per proposals, which must already be in
// canonical order, returning the leaf index newly-Added members landed
// at, in proposal order.
func applyProposals(tree *RatchetTree, proposals []Proposal) ([]LeafIndex, error) {
	var added []LeafIndex
	for _, p := range proposals {
		switch p.Kind {
		case ProposalUpdate:
			if err := tree.UpdateLeaf(p.ProposerLeaf, p.NewEncKey); err != nil {
				return nil, err
			}
		case ProposalRemove:
			if err := tree.RemoveLeaf(p.RemoveLeaf); err != nil {
				return nil, err
			}
		case ProposalAdd:
			idx := tree.AddLeaf(p.KeyPackage.Credential, p.KeyPackage.EncryptionKey)
			added = append(added, idx)
		default:
			return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "mls.applyProposals", "unknown proposal kind")
		}
	}
	return added, nil
}

// EncryptCommit seals a Commit's wire encoding under the prior epoch's
// authentication_secret, so only members of that epoch can read it.
func EncryptCommit(priorSecrets *EpochSecrets, c *Commit) ([]byte, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "mls.EncryptCommit", "marshal commit", err)
	}
	key, nonce, err := handshakeKeyNonce(priorSecrets.AuthenticationSecret)
	if err != nil {
		return nil, err
	}
	aad := append([]byte{}, c.GroupID[:]...)
	return xcrypto.SealChaCha(key, nonce, plaintext, aad)
}

// DecryptCommit opens a Commit sealed by EncryptCommit under the same
// prior epoch secrets.
func DecryptCommit(priorSecrets *EpochSecrets, groupID [32]byte, ciphertext []byte) (*Commit, error) {
	key, nonce, err := handshakeKeyNonce(priorSecrets.AuthenticationSecret)
	if err != nil {
		return nil, err
	}
	aad := append([]byte{}, groupID[:]...)
	plaintext, err := xcrypto.OpenChaCha(key, nonce, ciphertext, aad)
	if err != nil {
		return nil, err
	}
	var c Commit
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.DecryptCommit", "malformed commit payload", err)
	}
	return &c, nil
}
