package mls

import (
	"encoding/json"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// WelcomePayload is the plaintext a Welcome message HPKE-encapsulates to
// a new member: enough state to instantiate the group at the epoch the
// Commit that added them produced.
type WelcomePayload struct {
	GroupID      [32]byte     `json:"group_id"`
	Epoch        uint64       `json:"epoch"`
	JoinerSecret []byte       `json:"joiner_secret"`
	Tree         []MemberInfo `json:"tree"`
	LeafIndex    LeafIndex    `json:"leaf_index"`
}

// SealedWelcome is a Welcome message's wire form: an ephemeral public
// key plus the AEAD ciphertext it encapsulates the payload under.
// GroupID and Epoch ride in the clear alongside the ciphertext - they
// are not secret, and the recipient needs them to reconstruct the AAD
// before it can decrypt the payload that (redundantly) also carries
// them.
type SealedWelcome struct {
	GroupID         [32]byte `json:"group_id"`
	Epoch           uint64   `json:"epoch"`
	EphemeralPublic [32]byte `json:"ephemeral_public"`
	RecipientPublic [32]byte `json:"recipient_public"`
	Ciphertext      []byte   `json:"ciphertext"`
}

// welcomeAAD binds group id, epoch, and recipient identity into the
// HPKE associated data.
func welcomeAAD(groupID [32]byte, epoch uint64, recipientPub [32]byte) []byte {
	aad := make([]byte, 0, 32+8+32)
	aad = append(aad, groupID[:]...)
	aad = append(aad, byte(epoch>>56), byte(epoch>>48), byte(epoch>>40), byte(epoch>>32), byte(epoch>>24), byte(epoch>>16), byte(epoch>>8), byte(epoch))
	aad = append(aad, recipientPub[:]...)
	return aad
}

// SealWelcome encapsulates payload to recipientPub using
// DHKEM(X25519, HKDF-SHA256) + ChaCha20-Poly1305: a fresh ephemeral
// keypair is DH'd against the recipient's static key, and the shared
// secret plus both public keys feed HKDF to derive the AEAD key and
// nonce.
func SealWelcome(recipientPub [32]byte, payload WelcomePayload) (*SealedWelcome, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "mls.SealWelcome", "marshal welcome payload", err)
	}
	eph, err := xcrypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	shared, err := xcrypto.DH(eph.Private[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	key, nonce, err := hpkeKeyNonce(shared, eph.Public, recipientPub)
	if err != nil {
		return nil, err
	}
	aad := welcomeAAD(payload.GroupID, payload.Epoch, recipientPub)
	ciphertext, err := xcrypto.SealChaCha(key, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &SealedWelcome{
		GroupID:         payload.GroupID,
		Epoch:           payload.Epoch,
		EphemeralPublic: eph.Public,
		RecipientPublic: recipientPub,
		Ciphertext:      ciphertext,
	}, nil
}

// OpenWelcome decapsulates a SealedWelcome with the recipient's static
// private key, recovering the WelcomePayload.
func OpenWelcome(recipientPriv [32]byte, sealed *SealedWelcome) (*WelcomePayload, error) {
	shared, err := xcrypto.DH(recipientPriv[:], sealed.EphemeralPublic[:])
	if err != nil {
		return nil, err
	}
	key, nonce, err := hpkeKeyNonce(shared, sealed.EphemeralPublic, sealed.RecipientPublic)
	if err != nil {
		return nil, err
	}
	var payload WelcomePayload
	// AAD is verified as part of Open below; decode happens only after
	// authentication succeeds, so a forged Welcome never reaches the
	// JSON decoder.
	aad := welcomeAAD(sealed.GroupID, sealed.Epoch, sealed.RecipientPublic)
	plaintext, err := xcrypto.OpenChaCha(key, nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "mls.OpenWelcome", "malformed welcome payload", err)
	}
	return &payload, nil
}

func hpkeKeyNonce(shared []byte, ephPub, recipientPub [32]byte) (key, nonce []byte, err error) {
	salt := append(append([]byte{}, ephPub[:]...), recipientPub[:]...)
	derived, err := xcrypto.HKDFExpand(shared, salt, []byte("spacepanda-mls-welcome-hpke"), xcrypto.AEADKeySize+xcrypto.AEADNonceSize)
	if err != nil {
		return nil, nil, err
	}
	return derived[:xcrypto.AEADKeySize], derived[xcrypto.AEADKeySize:], nil
}
