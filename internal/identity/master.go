package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"github.com/tyler-smith/go-bip39"

	"github.com/var-che/spacepanda/internal/xcrypto"
)

const pseudonymSalt = "spacepanda-channel-pseudonym-v1"
const storageSecretSalt = "spacepanda-storage-secret-v1"

var (
	ErrInvalidSeed     = errors.New("identity: seed must be 32 bytes")
	ErrInvalidMnemonic = errors.New("identity: invalid mnemonic phrase")
)

// MasterKey owns the long-term Ed25519 keypair that anchors a user's
// identity for the lifetime of the account. Its seed additionally
// serves as the IKM for per-channel pseudonym derivation.
type MasterKey struct {
	seed [32]byte
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Generate creates a fresh MasterKey from CSPRNG entropy.
func Generate() (*MasterKey, error) {
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, err
	}
	return FromSeed(seed)
}

// FromSeed deterministically reconstructs a MasterKey from a 32-byte
// seed, e.g. recovered from a mnemonic backup.
func FromSeed(seed [32]byte) (*MasterKey, error) {
	pub, priv, err := xcrypto.Ed25519FromSeed(seed[:])
	if err != nil {
		return nil, err
	}
	return &MasterKey{seed: seed, pub: pub, priv: priv}, nil
}

// FromMnemonic reconstructs a MasterKey from a BIP-39 mnemonic phrase,
// the backup/import path for a user's long-term identity. Mnemonic
// encodes the seed directly as BIP-39 entropy, so there is no separate
// passphrase-derived seed to recover here.
func FromMnemonic(mnemonic string) (*MasterKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	var seed [32]byte
	copy(seed[:], entropy)
	return FromSeed(seed)
}

// Mnemonic returns a BIP-39 mnemonic encoding the master seed's
// underlying entropy, for durable human-transcribable backup.
func (m *MasterKey) Mnemonic() (string, error) {
	return bip39.NewMnemonic(m.seed[:])
}

// PublicKey returns the master Ed25519 public key.
func (m *MasterKey) PublicKey() ed25519.PublicKey {
	return m.pub
}

// UserId returns the UserId derived from this master's public key.
func (m *MasterKey) UserId() UserId {
	return DeriveUserId(m.pub)
}

// Sign signs msg with the master key. Used to bind device keys and sign
// contact-level attestations; never used for per-message content.
func (m *MasterKey) Sign(msg []byte) []byte {
	return xcrypto.Sign(m.priv, msg)
}

// Verify checks an Ed25519 signature under an arbitrary master public
// key, exposed as a free function analog for verifying a remote user's
// signatures without holding their private key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return xcrypto.Verify(pub, msg, sig)
}

// DerivePseudonym computes the per-channel pseudonym for this identity:
// the first 32 bytes of HKDF-SHA256(salt, ikm=seed, info=channelID).
// Deterministic and not derivable from any public quantity.
func (m *MasterKey) DerivePseudonym(channelID []byte) ([32]byte, error) {
	out, err := xcrypto.HKDFExpand(m.seed[:], []byte(pseudonymSalt), channelID, 32)
	if err != nil {
		return [32]byte{}, err
	}
	var pseudonym [32]byte
	copy(pseudonym[:], out)
	return pseudonym, nil
}

// DeriveStorageSecret derives a domain-separated 32-byte secret from
// the master seed for sealing local state that is not the identity
// keystore itself (e.g. at-rest snapshot encryption), using the same
// HKDF construction as DerivePseudonym under a distinct salt so the
// two derived outputs are unlinkable from one another.
func (m *MasterKey) DeriveStorageSecret(label []byte) ([32]byte, error) {
	out, err := xcrypto.HKDFExpand(m.seed[:], []byte(storageSecretSalt), label, 32)
	if err != nil {
		return [32]byte{}, err
	}
	var secret [32]byte
	copy(secret[:], out)
	return secret, nil
}

// Wipe zeroes the master seed and private key from memory. Callers must
// invoke this once the MasterKey is no longer needed.
func (m *MasterKey) Wipe() {
	for i := range m.seed {
		m.seed[i] = 0
	}
	for i := range m.priv {
		m.priv[i] = 0
	}
}
