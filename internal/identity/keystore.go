package identity

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

const (
	keystoreMagic       = "SPKS0001"
	keystoreVersion     = byte(1)
	keystoreSaltSize    = 16
	keystoreConfirmText = "SPACEPANDA-OK!!"
)

var (
	// ErrCorrupt reports magic/version/length/AEAD-tag failures in the
	// keystore file itself - a hard, fatal failure for that artifact.
	ErrCorrupt = errors.New("identity: keystore is corrupt")
	// ErrInvalidPassword reports that the passphrase does not match the
	// key the keystore was sealed with, distinct from file corruption.
	ErrInvalidPassword = errors.New("identity: invalid keystore passphrase")
)

// header is the plaintext prefix authenticated as AEAD associated data:
// magic ‖ version ‖ salt.
func header(salt []byte) []byte {
	buf := make([]byte, 0, len(keystoreMagic)+1+len(salt))
	buf = append(buf, []byte(keystoreMagic)...)
	buf = append(buf, keystoreVersion)
	buf = append(buf, salt...)
	return buf
}

func confirmNonce(nonce []byte) []byte {
	out := append([]byte(nil), nonce...)
	out[len(out)-1] ^= 0x01
	return out
}

// Save seals plaintext into the SPKS0001 keystore format and writes it
// atomically (temp file, fsync, rename) to path.
func Save(path, passphrase string, plaintext []byte) error {
	salt := make([]byte, keystoreSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	nonce, err := xcrypto.RandomNonce()
	if err != nil {
		return err
	}

	key := xcrypto.Argon2idKey(passphrase, salt, xcrypto.DefaultArgon2idParams(), xcrypto.AEADKeySize)
	defer zero(key)

	hdr := header(salt)

	confirmCT, err := xcrypto.SealChaCha(key, confirmNonce(nonce), []byte(keystoreConfirmText), hdr)
	if err != nil {
		return err
	}
	payloadCT, err := xcrypto.SealChaCha(key, nonce, plaintext, hdr)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	out.Write(hdr)
	out.Write(nonce)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(confirmCT)))
	out.Write(lenBuf[:])
	out.Write(confirmCT)
	out.Write(payloadCT)

	return atomicWrite(path, out.Bytes())
}

// Load opens and verifies a SPKS0001 keystore file, returning the
// sealed plaintext. Any magic/version/length mismatch or AEAD-tag
// failure against the key-confirmation block yields ErrCorrupt or
// ErrInvalidPassword wrapped as spacepandaerr.KindCorruption /
// KindCrypto respectively; never a silent partial load.
func Load(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "cannot read keystore file", err)
	}

	minLen := len(keystoreMagic) + 1 + keystoreSaltSize + xcrypto.AEADNonceSize + 4
	if len(raw) < minLen {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "truncated keystore file", ErrCorrupt)
	}
	if !bytes.Equal(raw[:len(keystoreMagic)], []byte(keystoreMagic)) {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "bad magic", ErrCorrupt)
	}
	offset := len(keystoreMagic)
	version := raw[offset]
	offset++
	if version != keystoreVersion {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "unsupported keystore version", ErrCorrupt)
	}
	salt := raw[offset : offset+keystoreSaltSize]
	offset += keystoreSaltSize
	nonce := raw[offset : offset+xcrypto.AEADNonceSize]
	offset += xcrypto.AEADNonceSize

	if offset+4 > len(raw) {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "truncated keystore file", ErrCorrupt)
	}
	confirmLen := int(binary.LittleEndian.Uint32(raw[offset : offset+4]))
	offset += 4
	if confirmLen < 0 || offset+confirmLen > len(raw) {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "truncated keystore file", ErrCorrupt)
	}
	confirmCT := raw[offset : offset+confirmLen]
	offset += confirmLen
	payloadCT := raw[offset:]
	if len(payloadCT) == 0 {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "truncated keystore file", ErrCorrupt)
	}

	hdr := header(salt)
	key := xcrypto.Argon2idKey(passphrase, salt, xcrypto.DefaultArgon2idParams(), xcrypto.AEADKeySize)
	defer zero(key)

	confirmed, err := xcrypto.OpenChaCha(key, confirmNonce(nonce), confirmCT, hdr)
	if err != nil || string(confirmed) != keystoreConfirmText {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "identity.Load", "passphrase does not match keystore", ErrInvalidPassword)
	}

	plaintext, err := xcrypto.OpenChaCha(key, nonce, payloadCT, hdr)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCorruption, "identity.Load", "keystore payload failed to authenticate", ErrCorrupt)
	}
	return plaintext, nil
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
		return fmt.Errorf("identity: rename keystore into place: %w", err)
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
