// Package xcrypto collects the stateless cryptographic primitives every
// higher SpacePanda component composes: Ed25519 signing, X25519
// Diffie-Hellman, HKDF-SHA256 expansion, ChaCha20-Poly1305 AEAD, Argon2id
// key derivation, and BLAKE3 hashing. None of these functions hold state;
// callers own key material and its lifetime.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

const (
	// AEADKeySize is the symmetric key size for ChaCha20-Poly1305.
	AEADKeySize = chacha20poly1305.KeySize
	// AEADNonceSize is the standard (non-extended) nonce size.
	AEADNonceSize = chacha20poly1305.NonceSize
	// X25519KeySize is the size of an X25519 public or private key.
	X25519KeySize = curve25519.PointSize
)

var (
	ErrBadSignature  = errors.New("xcrypto: signature verification failed")
	ErrBadKeySize    = errors.New("xcrypto: invalid key size")
	ErrBadCiphertext = errors.New("xcrypto: AEAD open failed")
)

// GenerateEd25519 creates a fresh signing keypair using a CSPRNG.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Ed25519FromSeed deterministically derives a signing keypair from a
// 32-byte seed.
func Ed25519FromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.Ed25519FromSeed", "seed must be 32 bytes", ErrBadKeySize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// Sign produces an Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyErr is Verify's error-returning counterpart, for call sites that
// want a typed error instead of a bare bool.
func VerifyErr(pub ed25519.PublicKey, msg, sig []byte) error {
	if !Verify(pub, msg, sig) {
		return spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.VerifyErr", "signature does not verify", ErrBadSignature)
	}
	return nil
}

// X25519Keypair is an ephemeral or static Diffie-Hellman keypair.
type X25519Keypair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateX25519 creates a fresh X25519 keypair.
func GenerateX25519() (*X25519Keypair, error) {
	var kp X25519Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// DH performs an X25519 scalar multiplication, producing a shared secret.
func DH(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(privateKey) != X25519KeySize || len(peerPublicKey) != X25519KeySize {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.DH", "invalid key length", ErrBadKeySize)
	}
	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.DH", "scalar multiplication failed", err)
	}
	return shared, nil
}

// HKDFExpand derives outLen bytes from ikm, domain-separated by salt and
// info, using HKDF-SHA256.
func HKDFExpand(ikm, salt, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.HKDFExpand", "short HKDF read", err)
	}
	return out, nil
}

// SealChaCha encrypts plaintext with ChaCha20-Poly1305 under key, binding
// aad. nonce must be AEADNonceSize bytes and caller-unique per key.
func SealChaCha(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.SealChaCha", "bad key", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.SealChaCha", "bad nonce size", ErrBadKeySize)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenChaCha decrypts and authenticates ciphertext with ChaCha20-Poly1305.
// Any tag mismatch yields ErrBadCiphertext wrapped as KindCrypto.
func OpenChaCha(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.OpenChaCha", "bad key", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.OpenChaCha", "bad nonce size", ErrBadKeySize)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "xcrypto.OpenChaCha", "authentication failed", ErrBadCiphertext)
	}
	return plaintext, nil
}

// RandomNonce fills an AEADNonceSize buffer with CSPRNG bytes.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, AEADNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Blake3Sum256 returns the first 32 bytes of BLAKE3(data).
func Blake3Sum256(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// Blake3Sum128 returns the first 16 bytes of BLAKE3(data), used for
// DeviceId derivation.
func Blake3Sum128(data []byte) [16]byte {
	full := blake3.Sum256(data)
	var out [16]byte
	copy(out[:], full[:16])
	return out
}
