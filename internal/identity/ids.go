// Package identity implements the long-term user and per-device key
// hierarchy: master keys, device keys with versioned rotation and
// archival, channel pseudonym derivation, proof-of-possession device
// challenges, and the encrypted at-rest keystore.
package identity

import (
	"encoding/hex"

	"github.com/mr-tron/base58"

	"github.com/var-che/spacepanda/internal/xcrypto"
)

// UserId is the first 32 bytes of BLAKE3(identity public key). Stable
// for the life of the key.
type UserId [32]byte

// DeviceId is 16 bytes derived from a device's public key.
type DeviceId [16]byte

// DeriveUserId computes the UserId for an identity public key.
func DeriveUserId(identityPublicKey []byte) UserId {
	return UserId(xcrypto.Blake3Sum256(identityPublicKey))
}

// DeriveDeviceId computes the DeviceId for a device public key.
func DeriveDeviceId(devicePublicKey []byte) DeviceId {
	return DeviceId(xcrypto.Blake3Sum128(devicePublicKey))
}

// String renders the UserId as a base58-encoded, prefixed identity
// string, readable the way a user-facing contact handle would be.
func (u UserId) String() string {
	return "spc1" + base58.Encode(u[:])
}

// Hex renders the DeviceId as lowercase hex, useful for log correlation
// ids and wire encodings where base58's variable length is inconvenient.
func (d DeviceId) Hex() string {
	return hex.EncodeToString(d[:])
}
