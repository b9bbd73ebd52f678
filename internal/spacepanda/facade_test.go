package spacepanda

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/var-che/spacepanda/internal/config"
	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/identity"
	"github.com/var-che/spacepanda/internal/mls"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// noopTransport satisfies dht.Transport without ever being driven by
// these tests: every Service here runs single-node, so no lookup ever
// leaves the local routing table.
type noopTransport struct{}

func (noopTransport) Ping(ctx context.Context, peer dht.PeerContact) error { return nil }
func (noopTransport) FindNode(ctx context.Context, peer dht.PeerContact, target dht.Key) ([]dht.PeerContact, error) {
	return nil, nil
}
func (noopTransport) FindValue(ctx context.Context, peer dht.PeerContact, key dht.Key) ([]dht.PeerContact, []dht.Value, error) {
	return nil, nil, nil
}
func (noopTransport) Store(ctx context.Context, peer dht.PeerContact, key dht.Key, v dht.Value) error {
	return nil
}
func (noopTransport) Summary(ctx context.Context, peer dht.PeerContact) ([]dht.Key, error) {
	return nil, nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	master, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	device, _, err := identity.GenerateUnder(master)
	if err != nil {
		t.Fatalf("generate device: %v", err)
	}

	svc, err := NewService(ServiceOptions{
		Config:     config.Default(),
		Master:     master,
		Device:     device,
		StorageDir: t.TempDir(),
		Transport:  noopTransport{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestCreateSpaceAndChannelRegistersMLSGroup(t *testing.T) {
	svc := newTestService(t)

	space, err := svc.CreateSpace("general")
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	channel, err := svc.CreateChannel(space.ID, "main")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	svc.mu.RLock()
	group := svc.groups[channel.ID]
	svc.mu.RUnlock()
	if group == nil {
		t.Fatal("expected a live MLS group for the new channel")
	}
	if group.Epoch() != 0 {
		t.Fatalf("expected a freshly created group at epoch 0, got %d", group.Epoch())
	}

	if _, err := os.Stat(svc.groupStoragePath(channel.ID)); err != nil {
		t.Fatalf("expected CreateChannel to persist the MLS group to disk: %v", err)
	}
}

func TestSendMessageDeliversToSubscriberAndAppendsCommitLog(t *testing.T) {
	svc := newTestService(t)
	space, err := svc.CreateSpace("general")
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	channel, err := svc.CreateChannel(space.ID, "main")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	sub, unsubscribe := svc.Subscribe(channel.ID)
	defer unsubscribe()

	sent, err := svc.SendMessage(channel.ID, []byte("hello"))
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	select {
	case delivered := <-sub:
		if string(delivered.Plaintext) != "hello" {
			t.Fatalf("expected delivered plaintext 'hello', got %q", delivered.Plaintext)
		}
	default:
		t.Fatal("expected the sent message to be published to the subscriber")
	}

	stored, ok := svc.Channel(channel.ID)
	if !ok {
		t.Fatal("expected the channel to be retrievable")
	}
	if _, ok := stored.Message(sent.ID); !ok {
		t.Fatal("expected SendMessage's result to be appended to the channel's log")
	}

	logPath := filepath.Join(svc.storageDir, "channels", idHex(channel.ID[:]), "commit.log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected a commit log on disk: %v", err)
	}
}

func TestRestoreChannelRecoversGroupAndMessagesAfterRestart(t *testing.T) {
	svc := newTestService(t)
	space, err := svc.CreateSpace("general")
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	channel, err := svc.CreateChannel(space.ID, "main")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	first, err := svc.SendMessage(channel.ID, []byte("before restart"))
	if err != nil {
		t.Fatalf("send message: %v", err)
	}

	// Simulate a process restart: build a fresh Service over the same
	// storage directory and identity, with no in-memory channel state.
	fresh, err := NewService(ServiceOptions{
		Config:     svc.cfg,
		Master:     svc.master,
		Device:     svc.device,
		StorageDir: svc.storageDir,
		Transport:  noopTransport{},
	})
	if err != nil {
		t.Fatalf("rebuild service: %v", err)
	}

	restored, err := fresh.RestoreChannel(channel.ID, space.ID)
	if err != nil {
		t.Fatalf("restore channel: %v", err)
	}
	if _, ok := restored.Message(first.ID); !ok {
		t.Fatal("expected the pre-restart message to survive restoration via commit-log replay")
	}

	fresh.mu.RLock()
	group := fresh.groups[channel.ID]
	fresh.mu.RUnlock()
	if group == nil {
		t.Fatal("expected RestoreChannel to register a live MLS group")
	}

	second, err := fresh.SendMessage(channel.ID, []byte("after restart"))
	if err != nil {
		t.Fatalf("send message after restore: %v", err)
	}
	if _, ok := restored.Message(second.ID); !ok {
		t.Fatal("expected the restored channel to accept new messages")
	}
}

func TestStartStopIsIdempotentAndSupervisesBackgroundTasks(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

func TestAddChannelMemberPersistsGroupAndAuthorizesDevice(t *testing.T) {
	svc := newTestService(t)
	space, err := svc.CreateSpace("general")
	if err != nil {
		t.Fatalf("create space: %v", err)
	}
	channel, err := svc.CreateChannel(space.ID, "main")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	otherMaster, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate other master: %v", err)
	}
	otherDevice, _, err := identity.GenerateUnder(otherMaster)
	if err != nil {
		t.Fatalf("generate other device: %v", err)
	}
	x25519KP, err := xcrypto.GenerateX25519()
	if err != nil {
		t.Fatalf("generate x25519 keypair: %v", err)
	}
	keyPackage, err := mls.NewKeyPackage(otherDevice.PublicKey(), x25519KP.Public, otherDevice.Handle())
	if err != nil {
		t.Fatalf("build key package: %v", err)
	}

	if _, err := svc.AddChannelMember(channel.ID, keyPackage, otherMaster.UserId()); err != nil {
		t.Fatalf("add channel member: %v", err)
	}

	svc.mu.RLock()
	owner, known := svc.deviceOwners[otherDevice.DeviceID()]
	svc.mu.RUnlock()
	if !known || owner != otherMaster.UserId() {
		t.Fatal("expected the new member's device to be registered against its owner")
	}
}
