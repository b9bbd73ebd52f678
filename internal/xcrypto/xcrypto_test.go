package xcrypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("hello spacepanda")
	sig := Sign(priv, msg)
	if !Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(pub, []byte("tampered"), sig) {
		t.Fatal("expected signature over different message to fail")
	}
}

func TestEd25519FromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	pub1, _, err := Ed25519FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	pub2, _, err := Ed25519FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatal("expected deterministic keypair from same seed")
	}
}

func TestDHSharedSecretAgrees(t *testing.T) {
	a, err := GenerateX25519()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateX25519()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	s1, err := DH(a.Private[:], b.Public[:])
	if err != nil {
		t.Fatalf("dh a->b: %v", err)
	}
	s2, err := DH(b.Private[:], a.Public[:])
	if err != nil {
		t.Fatalf("dh b->a: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("expected matching shared secret")
	}
}

func TestSealOpenChaChaRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, AEADKeySize)
	nonce, err := RandomNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	plaintext := []byte("application secret material")
	aad := []byte("group-id|epoch|leaf|seq")

	ct, err := SealChaCha(key, nonce, plaintext, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := OpenChaCha(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("expected round-trip plaintext to match")
	}

	ct[0] ^= 0xFF
	if _, err := OpenChaCha(key, nonce, ct, aad); err == nil {
		t.Fatal("expected tamper detection to fail open")
	}
}

func TestHKDFExpandIsDeterministicAndDomainSeparated(t *testing.T) {
	ikm := []byte("shared-secret")
	out1, err := HKDFExpand(ikm, []byte("salt-a"), []byte("label-a"), 32)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	out2, err := HKDFExpand(ikm, []byte("salt-a"), []byte("label-a"), 32)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if !bytes.Equal(out1, out2) {
		t.Fatal("expected deterministic output for identical inputs")
	}
	out3, err := HKDFExpand(ikm, []byte("salt-a"), []byte("label-b"), 32)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if bytes.Equal(out1, out3) {
		t.Fatal("expected different label to produce different output")
	}
}

func TestBlake3Sum256Deterministic(t *testing.T) {
	a := Blake3Sum256([]byte("identity-public-key"))
	b := Blake3Sum256([]byte("identity-public-key"))
	if a != b {
		t.Fatal("expected deterministic hash")
	}
}

func TestArgon2idKeyDeterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0x02}, 16)
	params := DefaultArgon2idParams()
	k1 := Argon2idKey("correct horse", salt, params, 32)
	k2 := Argon2idKey("correct horse", salt, params, 32)
	if !bytes.Equal(k1, k2) {
		t.Fatal("expected deterministic derivation")
	}
	k3 := Argon2idKey("wrong horse", salt, params, 32)
	if bytes.Equal(k1, k3) {
		t.Fatal("expected different passphrase to produce different key")
	}
}
