package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMasterKeyPseudonymDeterministicAndDistinct(t *testing.T) {
	master, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	p1, err := master.DerivePseudonym([]byte("channel-a"))
	if err != nil {
		t.Fatalf("pseudonym: %v", err)
	}
	p2, err := master.DerivePseudonym([]byte("channel-a"))
	if err != nil {
		t.Fatalf("pseudonym: %v", err)
	}
	if p1 != p2 {
		t.Fatal("expected deterministic pseudonym for same channel")
	}
	p3, err := master.DerivePseudonym([]byte("channel-b"))
	if err != nil {
		t.Fatalf("pseudonym: %v", err)
	}
	if p1 == p3 {
		t.Fatal("expected distinct pseudonym for distinct channel")
	}
}

func TestMnemonicRoundTripRecoversIdentity(t *testing.T) {
	master, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	phrase, err := master.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}

	restored, err := FromMnemonic(phrase)
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	if restored.seed != master.seed {
		t.Fatal("expected restored seed to equal original seed")
	}
	if restored.UserId() != master.UserId() {
		t.Fatal("expected restored UserId to equal original UserId")
	}

	if _, err := FromMnemonic("not a valid mnemonic phrase at all"); err != ErrInvalidMnemonic {
		t.Fatalf("expected ErrInvalidMnemonic for garbage phrase, got %v", err)
	}
}

func TestDeviceKeyRotationArchivesAndResetsCounter(t *testing.T) {
	master, err := Generate()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	device, binding0, err := GenerateUnder(master)
	if err != nil {
		t.Fatalf("generate device: %v", err)
	}
	if !binding0.Verify(master.PublicKey()) {
		t.Fatal("expected initial binding to verify")
	}

	handle0 := device.Handle()
	if _, _, err := handle0.Sign([]byte("msg1")); err != nil {
		t.Fatalf("sign before rotation: %v", err)
	}
	if _, _, err := handle0.Sign([]byte("msg2")); err != nil {
		t.Fatalf("sign before rotation: %v", err)
	}

	oldVersion := device.CurrentVersion()
	binding1, err := device.Rotate(master)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !binding1.Verify(master.PublicKey()) {
		t.Fatal("expected rotated binding to verify")
	}
	if binding1.Version != oldVersion+1 {
		t.Fatalf("expected version to increase, got %d -> %d", oldVersion, binding1.Version)
	}

	if _, _, err := handle0.Sign([]byte("msg3")); err != ErrKeyRotated {
		t.Fatalf("expected ErrKeyRotated from stale handle, got %v", err)
	}

	handle1 := device.Handle()
	sig, counter, err := handle1.Sign([]byte("msg4"))
	if err != nil {
		t.Fatalf("sign after rotation: %v", err)
	}
	if counter != 1 {
		t.Fatalf("expected counter reset to 1 after rotation, got %d", counter)
	}
	ok, err := device.VerifyWithCounter([]byte("msg4"), sig, binding1.Version, counter)
	if err != nil || !ok {
		t.Fatalf("expected verification against new version to succeed: ok=%v err=%v", ok, err)
	}
}

func TestDeviceChallengeValidation(t *testing.T) {
	master, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	device, _, err := GenerateUnder(master)
	if err != nil {
		t.Fatalf("generate device: %v", err)
	}

	tracker, err := NewNonceTracker(16)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	now := time.Now()
	challenge := DeviceChallenge{Nonce: 42, Timestamp: now, DeviceID: device.DeviceID()}
	handle := device.Handle()
	signature, err := handle.SignDetached(challenge.Bytes())
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}

	if err := ValidateChallenge(challenge, signature, device.PublicKey(), now, tracker); err != nil {
		t.Fatalf("expected challenge to validate: %v", err)
	}
	if err := ValidateChallenge(challenge, signature, device.PublicKey(), now, tracker); err == nil {
		t.Fatal("expected replayed nonce to be rejected")
	}

	stale := DeviceChallenge{Nonce: 99, Timestamp: now.Add(-10 * time.Minute), DeviceID: device.DeviceID()}
	staleSig, err := handle.SignDetached(stale.Bytes())
	if err != nil {
		t.Fatalf("sign stale challenge: %v", err)
	}
	if err := ValidateChallenge(stale, staleSig, device.PublicKey(), now, tracker); err == nil {
		t.Fatal("expected stale timestamp to be rejected")
	}
}

func TestKeystoreRoundTripAndTamperDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.keystore")

	plaintext := []byte("master-seed-and-device-keys-blob")
	if err := Save(path, "correct horse battery staple", plaintext); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded) != string(plaintext) {
		t.Fatal("expected round-tripped plaintext to match")
	}

	if _, err := Load(path, "wrong passphrase"); err != ErrInvalidPassword {
		t.Fatalf("expected ErrInvalidPassword for wrong passphrase, got %v", err)
	}
}

func TestKeystoreTamperedCiphertextIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.keystore")

	if err := Save(path, "p@ssphrase", []byte("payload")); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	if _, err := Load(path, "p@ssphrase"); err != ErrCorrupt {
		t.Fatalf("expected ErrCorrupt for tampered ciphertext, got %v", err)
	}
}

func TestChangePassphrasePreservesKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.keystore")

	if err := Save(path, "old-pass", []byte("secret-material")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := ChangePassphrase(path, "old-pass", "new-pass"); err != nil {
		t.Fatalf("change passphrase: %v", err)
	}
	if _, err := Load(path, "old-pass"); err != ErrInvalidPassword {
		t.Fatalf("expected old passphrase to fail after change, got %v", err)
	}
	loaded, err := Load(path, "new-pass")
	if err != nil {
		t.Fatalf("load with new passphrase: %v", err)
	}
	if string(loaded) != "secret-material" {
		t.Fatal("expected key material to survive passphrase change")
	}
}
