package router

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/var-che/spacepanda/internal/dht"
)

// peerHarness is one endpoint of a two-node DHT-over-TCP test
// deployment: its own listener, transport, and backing dht.Node, wired
// together exactly as internal/spacepanda's façade wires the real
// thing.
type peerHarness struct {
	node      *dht.Node
	transport *PeerTransport
	listener  net.Listener
	contact   dht.PeerContact
}

func newPeerHarness(t *testing.T, id byte, keyring map[dht.Key]ed25519.PublicKey) *peerHarness {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate dht keypair: %v", err)
	}
	var localID dht.Key
	localID[0] = id
	keyring[localID] = pub

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sessions, err := NewSessionManager(5 * time.Second)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	dispatcher := NewDispatcher(2 * time.Second)
	t.Cleanup(dispatcher.Shutdown)

	transport := NewPeerTransport(sessions, dispatcher, 2*time.Second)

	resolve := func(publisherID dht.Key) (ed25519.PublicKey, bool) {
		k, ok := keyring[publisherID]
		return k, ok
	}
	node := dht.NewNode(localID, priv, transport, resolve, dht.DefaultConfig())
	transport.SetNode(node)

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", tcpAddr.IP.String(), tcpAddr.Port))
	if err != nil {
		t.Fatalf("build multiaddr: %v", err)
	}
	transport.SetSelf(dht.PeerContact{PeerID: localID, Addr: addr, LastSeen: time.Now()})

	listener := NewListener(transport, sessions, 5*time.Second, nil)
	go listener.Serve(ln)
	t.Cleanup(func() { ln.Close(); transport.Shutdown() })

	return &peerHarness{
		node:      node,
		transport: transport,
		listener:  ln,
		contact:   dht.PeerContact{PeerID: localID, Addr: addr, LastSeen: time.Now()},
	}
}

func TestPeerTransportPingOverLoopback(t *testing.T) {
	keyring := make(map[dht.Key]ed25519.PublicKey)
	a := newPeerHarness(t, 0x01, keyring)
	b := newPeerHarness(t, 0x02, keyring)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.transport.Ping(ctx, b.contact); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	if b.node.Table().Size() != 1 {
		t.Fatalf("expected b's routing table to learn about a from the ping, got size=%d", b.node.Table().Size())
	}
}

func TestPeerTransportFindNodeOverLoopback(t *testing.T) {
	keyring := make(map[dht.Key]ed25519.PublicKey)
	a := newPeerHarness(t, 0x01, keyring)
	b := newPeerHarness(t, 0x02, keyring)

	var third dht.Key
	third[0] = 0x03
	b.node.Seed(dht.PeerContact{PeerID: third, LastSeen: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var target dht.Key
	target[0] = 0x03
	contacts, err := a.transport.FindNode(ctx, b.contact, target)
	if err != nil {
		t.Fatalf("find_node failed: %v", err)
	}
	found := false
	for _, c := range contacts {
		if c.PeerID == third {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected b's known contact to appear in find_node response, got %v", contacts)
	}
}

func TestPeerTransportStoreAndFindValueOverLoopback(t *testing.T) {
	keyring := make(map[dht.Key]ed25519.PublicKey)
	a := newPeerHarness(t, 0x01, keyring)
	b := newPeerHarness(t, 0x02, keyring)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var key dht.Key
	key[0] = 0x99
	expiry := time.Now().Add(time.Hour)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate publisher key: %v", err)
	}
	var publisherID dht.Key
	publisherID[0] = 0xAB
	keyring[publisherID] = pub

	v := dht.Value{Bytes: []byte("remote value"), PublisherID: publisherID, TTLExpiry: expiry}
	v.Signature = dht.SignValue(priv, key, v.Bytes, expiry)

	if err := a.transport.Store(ctx, b.contact, key, v); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	contacts, values, err := a.transport.FindValue(ctx, b.contact, key)
	if err != nil {
		t.Fatalf("find_value failed: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("expected the stored value to be returned, got %d values and %d contacts", len(values), len(contacts))
	}
	if string(values[0].Bytes) != "remote value" {
		t.Fatalf("unexpected value payload: %q", values[0].Bytes)
	}
}

func TestPeerTransportSummaryOverLoopback(t *testing.T) {
	keyring := make(map[dht.Key]ed25519.PublicKey)
	a := newPeerHarness(t, 0x01, keyring)
	b := newPeerHarness(t, 0x02, keyring)

	var key dht.Key
	key[0] = 0x55
	expiry := time.Now().Add(time.Hour)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate publisher key: %v", err)
	}
	keyring[b.node.LocalID()] = pub
	v := dht.Value{Bytes: []byte("x"), PublisherID: b.node.LocalID(), TTLExpiry: expiry}
	v.Signature = dht.SignValue(priv, key, v.Bytes, expiry)
	b.node.Values().Put(key, v)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keys, err := a.transport.Summary(ctx, b.contact)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected summary to report the one key b holds, got %v", keys)
	}
}
