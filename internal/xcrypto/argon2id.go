package xcrypto

import (
	"golang.org/x/crypto/argon2"
)

// Argon2idParams holds the tuning knobs for Argon2id key derivation, per
// the global configuration defaults (m=64 MiB, t=3, p=1).
type Argon2idParams struct {
	TimeCost    uint32
	MemoryKB    uint32
	Parallelism uint8
}

// DefaultArgon2idParams matches the configured defaults used across the
// keystore and ambient secret-box envelope.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{TimeCost: 3, MemoryKB: 64 * 1024, Parallelism: 1}
}

// Argon2idKey derives keyLen bytes from passphrase and salt under params.
func Argon2idKey(passphrase string, salt []byte, params Argon2idParams, keyLen uint32) []byte {
	return argon2.IDKey([]byte(passphrase), salt, params.TimeCost, params.MemoryKB, params.Parallelism, keyLen)
}
