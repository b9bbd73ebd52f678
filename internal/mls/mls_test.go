package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

type testSigner struct{ priv ed25519.PrivateKey }

func (s testSigner) SignDetached(msg []byte) ([]byte, error) {
	return xcrypto.Sign(s.priv, msg), nil
}

type testMember struct {
	cred   ed25519.PublicKey
	priv   ed25519.PrivateKey
	encKP  *xcrypto.X25519Keypair
	signer testSigner
}

func newTestMember(t *testing.T) testMember {
	t.Helper()
	pub, priv, err := xcrypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	encKP, err := xcrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate x25519: %v", err)
	}
	return testMember{cred: pub, priv: priv, encKP: encKP, signer: testSigner{priv: priv}}
}

func randomGroupID(t *testing.T) [32]byte {
	t.Helper()
	var id [32]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		t.Fatalf("random group id: %v", err)
	}
	return id
}

func TestTwoDeviceSendReceiveReplayAndEpochMismatch(t *testing.T) {
	groupID := randomGroupID(t)
	alice := newTestMember(t)
	bob := newTestMember(t)

	aliceGroup, err := CreateGroup(groupID, alice.cred, alice.encKP.Public, alice.signer)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	bobKP, err := NewKeyPackage(bob.cred, bob.encKP.Public, bob.signer)
	if err != nil {
		t.Fatalf("new key package: %v", err)
	}
	if err := aliceGroup.ProposeAdd(bobKP); err != nil {
		t.Fatalf("propose add: %v", err)
	}
	bundle, err := aliceGroup.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if aliceGroup.Epoch() != 1 {
		t.Fatalf("expected alice epoch 1 after commit, got %d", aliceGroup.Epoch())
	}

	var bobWelcome *SealedWelcome
	for _, w := range bundle.Welcomes {
		bobWelcome = w
	}
	if bobWelcome == nil {
		t.Fatalf("expected a welcome for bob's add")
	}

	bobGroup, err := JoinViaWelcome(bobWelcome, bob.encKP.Private, bob.cred, bob.signer)
	if err != nil {
		t.Fatalf("join via welcome: %v", err)
	}
	if bobGroup.Epoch() != aliceGroup.Epoch() {
		t.Fatalf("expected bob and alice on the same epoch, got %d vs %d", bobGroup.Epoch(), aliceGroup.Epoch())
	}

	env, err := aliceGroup.Seal([]byte("hi"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plaintext, err := bobGroup.Open(env)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "hi" {
		t.Fatalf("expected round-trip plaintext, got %q", plaintext)
	}

	if _, err := bobGroup.Open(env); !spacepandaerr.HasKind(err, spacepandaerr.KindReplay) {
		t.Fatalf("expected replay rejection on second open, got %v", err)
	}

	futureEnv := &ApplicationEnvelope{Epoch: env.Epoch + 1, Leaf: env.Leaf, Seq: env.Seq + 1, Ciphertext: env.Ciphertext}
	if _, err := bobGroup.Open(futureEnv); !spacepandaerr.HasKind(err, spacepandaerr.KindEpochMismatch) {
		t.Fatalf("expected epoch mismatch for out-of-epoch envelope, got %v", err)
	}
}

func TestRemovalDeniesFurtherAccess(t *testing.T) {
	groupID := randomGroupID(t)
	alice := newTestMember(t)
	bob := newTestMember(t)
	carol := newTestMember(t)

	aliceGroup, err := CreateGroup(groupID, alice.cred, alice.encKP.Public, alice.signer)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	bobKP, err := NewKeyPackage(bob.cred, bob.encKP.Public, bob.signer)
	if err != nil {
		t.Fatalf("bob key package: %v", err)
	}
	carolKP, err := NewKeyPackage(carol.cred, carol.encKP.Public, carol.signer)
	if err != nil {
		t.Fatalf("carol key package: %v", err)
	}
	if err := aliceGroup.ProposeAdd(bobKP); err != nil {
		t.Fatalf("propose add bob: %v", err)
	}
	if err := aliceGroup.ProposeAdd(carolKP); err != nil {
		t.Fatalf("propose add carol: %v", err)
	}
	bundle, err := aliceGroup.Commit()
	if err != nil {
		t.Fatalf("commit adds: %v", err)
	}

	bobLeaf, ok := aliceGroup.tree.LeafByCredential(bob.cred)
	if !ok {
		t.Fatalf("expected bob present in tree")
	}
	carolLeaf, ok := aliceGroup.tree.LeafByCredential(carol.cred)
	if !ok {
		t.Fatalf("expected carol present in tree")
	}

	bobGroup, err := JoinViaWelcome(bundle.Welcomes[bobLeaf], bob.encKP.Private, bob.cred, bob.signer)
	if err != nil {
		t.Fatalf("bob join: %v", err)
	}
	carolGroup, err := JoinViaWelcome(bundle.Welcomes[carolLeaf], carol.encKP.Private, carol.cred, carol.signer)
	if err != nil {
		t.Fatalf("carol join: %v", err)
	}

	if err := aliceGroup.ProposeRemove(carolLeaf); err != nil {
		t.Fatalf("propose remove carol: %v", err)
	}
	removeBundle, err := aliceGroup.Commit()
	if err != nil {
		t.Fatalf("commit remove: %v", err)
	}

	if err := bobGroup.ApplyCommit(removeBundle.EncryptedCommit); err != nil {
		t.Fatalf("bob apply remove commit: %v", err)
	}
	if err := carolGroup.ApplyCommit(removeBundle.EncryptedCommit); err != nil {
		t.Fatalf("carol apply remove commit: %v", err)
	}
	if carolGroup.State() != StateEvicted {
		t.Fatalf("expected carol evicted, got state %v", carolGroup.State())
	}

	env, err := aliceGroup.Seal([]byte("post-removal"))
	if err != nil {
		t.Fatalf("seal post-removal message: %v", err)
	}
	plaintext, err := bobGroup.Open(env)
	if err != nil {
		t.Fatalf("bob open post-removal message: %v", err)
	}
	if string(plaintext) != "post-removal" {
		t.Fatalf("expected round-trip plaintext, got %q", plaintext)
	}
	if _, err := carolGroup.Open(env); err == nil {
		t.Fatalf("expected evicted member's open to fail")
	}
}

func TestSaveLoadRoundTripsGroupState(t *testing.T) {
	groupID := randomGroupID(t)
	alice := newTestMember(t)

	aliceGroup, err := CreateGroup(groupID, alice.cred, alice.encKP.Public, alice.signer)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := aliceGroup.Seal([]byte("before-save")); err != nil {
		t.Fatalf("seal before save: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "group.bin")
	storageKey := make([]byte, xcrypto.AEADKeySize)
	if _, err := io.ReadFull(rand.Reader, storageKey); err != nil {
		t.Fatalf("random storage key: %v", err)
	}
	if err := aliceGroup.Save(path, storageKey); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, storageKey, alice.signer)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Epoch() != aliceGroup.Epoch() {
		t.Fatalf("expected epoch to round-trip, got %d want %d", loaded.Epoch(), aliceGroup.Epoch())
	}
	if loaded.OwnLeaf() != aliceGroup.OwnLeaf() {
		t.Fatalf("expected own leaf to round-trip")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persistence file to exist: %v", err)
	}

	wrongKey := make([]byte, xcrypto.AEADKeySize)
	if _, err := Load(path, wrongKey, alice.signer); err == nil {
		t.Fatalf("expected load with wrong storage key to fail authentication")
	}
}

func TestKeyPackageRejectsTamperedSignature(t *testing.T) {
	bob := newTestMember(t)
	kp, err := NewKeyPackage(bob.cred, bob.encKP.Public, bob.signer)
	if err != nil {
		t.Fatalf("new key package: %v", err)
	}
	kp.Signature[0] ^= 0xFF
	if err := kp.Verify(); err == nil {
		t.Fatalf("expected tampered key package signature to fail verification")
	}
}
