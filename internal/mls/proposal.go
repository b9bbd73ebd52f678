package mls

import (
	"crypto/ed25519"
	"encoding/binary"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// Signer is the minimal capability a proposer needs to sign group
// messages: identity.Handle.SignDetached satisfies this without mls
// importing internal/identity.
type Signer interface {
	SignDetached(msg []byte) ([]byte, error)
}

// ProposalKind selects which of Add, Update, or Remove a Proposal
// carries.
type ProposalKind uint8

const (
	ProposalAdd ProposalKind = iota + 1
	ProposalUpdate
	ProposalRemove
)

// KeyPackage is what a prospective member publishes to be Added: a
// signing credential and the X25519 public key their Welcome and
// application secrets will be derived against, self-signed to bind the
// two together.
type KeyPackage struct {
	Credential    ed25519.PublicKey
	EncryptionKey [32]byte
	Signature     []byte
}

func keyPackageSigningBytes(credential ed25519.PublicKey, encKey [32]byte) []byte {
	buf := make([]byte, 0, len(credential)+32)
	buf = append(buf, credential...)
	buf = append(buf, encKey[:]...)
	return buf
}

// NewKeyPackage builds and self-signs a KeyPackage under signer, whose
// credential must be the Ed25519 public key matching it.
func NewKeyPackage(credential ed25519.PublicKey, encKey [32]byte, signer Signer) (*KeyPackage, error) {
	sig, err := signer.SignDetached(keyPackageSigningBytes(credential, encKey))
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "mls.NewKeyPackage", "sign key package", err)
	}
	return &KeyPackage{Credential: credential, EncryptionKey: encKey, Signature: sig}, nil
}

// Verify checks a KeyPackage's self-signature.
func (kp *KeyPackage) Verify() error {
	if xcrypto.Verify(kp.Credential, keyPackageSigningBytes(kp.Credential, kp.EncryptionKey), kp.Signature) {
		return nil
	}
	return spacepandaerr.Wrap(spacepandaerr.KindCrypto, "mls.KeyPackage.Verify", "key package signature invalid", xcrypto.ErrBadSignature)
}

// Proposal is a signed request to Add, Update, or Remove a member,
// queued for the next Commit. Receivers verify the signature against
// the current tree credential for ProposerLeaf before queueing.
type Proposal struct {
	Kind         ProposalKind
	ProposerLeaf LeafIndex
	KeyPackage   *KeyPackage // set for ProposalAdd
	NewEncKey    [32]byte    // set for ProposalUpdate
	RemoveLeaf   LeafIndex   // set for ProposalRemove
	Signature    []byte
}

func (p Proposal) signingBytes(groupID [32]byte) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, groupID[:]...)
	buf = append(buf, byte(p.Kind))
	var leafBytes [4]byte
	binary.BigEndian.PutUint32(leafBytes[:], uint32(p.ProposerLeaf))
	buf = append(buf, leafBytes[:]...)
	switch p.Kind {
	case ProposalAdd:
		buf = append(buf, keyPackageSigningBytes(p.KeyPackage.Credential, p.KeyPackage.EncryptionKey)...)
	case ProposalUpdate:
		buf = append(buf, p.NewEncKey[:]...)
	case ProposalRemove:
		var removeBytes [4]byte
		binary.BigEndian.PutUint32(removeBytes[:], uint32(p.RemoveLeaf))
		buf = append(buf, removeBytes[:]...)
	}
	return buf
}

// sign fills in p.Signature in place under signer, over groupID-bound
// canonical bytes.
func (p *Proposal) sign(groupID [32]byte, signer Signer) error {
	sig, err := signer.SignDetached(p.signingBytes(groupID))
	if err != nil {
		return spacepandaerr.Wrap(spacepandaerr.KindCrypto, "mls.Proposal.sign", "sign proposal", err)
	}
	p.Signature = sig
	return nil
}

// verify checks p's signature against the proposer's credential as
// recorded in tree, rejecting a Remove/Update proposal purporting to
// come from a leaf the tree does not currently recognize.
func (p Proposal) verify(groupID [32]byte, tree *RatchetTree) error {
	proposer, ok := tree.Member(p.ProposerLeaf)
	if !ok {
		return spacepandaerr.New(spacepandaerr.KindUnauthorized, "mls.Proposal.verify", "proposer leaf is not a current member")
	}
	if !xcrypto.Verify(proposer.Credential, p.signingBytes(groupID), p.Signature) {
		return spacepandaerr.Wrap(spacepandaerr.KindCrypto, "mls.Proposal.verify", "proposal signature invalid", xcrypto.ErrBadSignature)
	}
	if p.Kind == ProposalAdd {
		if err := p.KeyPackage.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// newAddProposal builds and signs an Add proposal.
func newAddProposal(groupID [32]byte, proposerLeaf LeafIndex, kp *KeyPackage, signer Signer) (Proposal, error) {
	p := Proposal{Kind: ProposalAdd, ProposerLeaf: proposerLeaf, KeyPackage: kp}
	if err := p.sign(groupID, signer); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// newUpdateProposal builds and signs an Update proposal.
func newUpdateProposal(groupID [32]byte, proposerLeaf LeafIndex, newEncKey [32]byte, signer Signer) (Proposal, error) {
	p := Proposal{Kind: ProposalUpdate, ProposerLeaf: proposerLeaf, NewEncKey: newEncKey}
	if err := p.sign(groupID, signer); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// newRemoveProposal builds and signs a Remove proposal.
func newRemoveProposal(groupID [32]byte, proposerLeaf, removeLeaf LeafIndex, signer Signer) (Proposal, error) {
	p := Proposal{Kind: ProposalRemove, ProposerLeaf: proposerLeaf, RemoveLeaf: removeLeaf}
	if err := p.sign(groupID, signer); err != nil {
		return Proposal{}, err
	}
	return p, nil
}
