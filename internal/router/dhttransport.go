package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"

	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// DHT RPC method names carried in RpcMessage.Method.
const (
	methodPing      = "dht.ping"
	methodFindNode  = "dht.find_node"
	methodFindValue = "dht.find_value"
	methodStore     = "dht.store"
	methodSummary   = "dht.summary"
)

// wireContact is the JSON shape of a dht.PeerContact carried over the
// wire: just enough to reconstruct one (id and advertised address),
// never the liveness bookkeeping, which is purely local state.
type wireContact struct {
	PeerID dht.Key `json:"peer_id"`
	Addr   string  `json:"addr"`
}

func toWireContact(c dht.PeerContact) wireContact {
	addr := ""
	if c.Addr != nil {
		addr = c.Addr.String()
	}
	return wireContact{PeerID: c.PeerID, Addr: addr}
}

func (w wireContact) toContact(now time.Time) (dht.PeerContact, error) {
	if w.Addr == "" {
		return dht.PeerContact{PeerID: w.PeerID, LastSeen: now}, nil
	}
	ma, err := multiaddr.NewMultiaddr(w.Addr)
	if err != nil {
		return dht.PeerContact{}, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "router.wireContact.toContact", "malformed peer address", err)
	}
	return dht.PeerContact{PeerID: w.PeerID, Addr: ma, LastSeen: now}, nil
}

// wireValue is the JSON shape of a dht.Value.
type wireValue struct {
	Bytes       []byte    `json:"bytes"`
	Signature   []byte    `json:"signature"`
	PublisherID dht.Key   `json:"publisher_id"`
	TTLExpiry   time.Time `json:"ttl_expiry"`
}

func toWireValue(v dht.Value) wireValue {
	return wireValue{Bytes: v.Bytes, Signature: v.Signature, PublisherID: v.PublisherID, TTLExpiry: v.TTLExpiry}
}

func (w wireValue) toValue() dht.Value {
	return dht.Value{Bytes: w.Bytes, Signature: w.Signature, PublisherID: w.PublisherID, TTLExpiry: w.TTLExpiry}
}

// Every params payload self-reports the caller's own contact info, the
// standard Kademlia practice of letting every RPC double as a routing
// table refresh for the recipient, not only for the caller.
type pingParams struct {
	Self wireContact `json:"self"`
}

type findNodeParams struct {
	Self   wireContact `json:"self"`
	Target dht.Key     `json:"target"`
}

type findNodeResult struct {
	Contacts []wireContact `json:"contacts"`
}

type findValueParams struct {
	Self wireContact `json:"self"`
	Key  dht.Key     `json:"key"`
}

type findValueResult struct {
	Contacts []wireContact `json:"contacts,omitempty"`
	Values   []wireValue   `json:"values,omitempty"`
}

type storeParams struct {
	Self  wireContact `json:"self"`
	Key   dht.Key     `json:"key"`
	Value wireValue   `json:"value"`
}

type summaryParams struct {
	Self wireContact `json:"self"`
}

type summaryResult struct {
	Keys []dht.Key `json:"keys"`
}

// PeerTransport is the concrete dht.Transport: it frames PING,
// FIND_NODE, FIND_VALUE, STORE, and SUMMARY as RPC Request/Response
// pairs carried over Noise_XX-encrypted TCP connections, pooling one
// PeerLink per remote peer and serving inbound requests against a
// locally-wired dht.Node.
type PeerTransport struct {
	sessions    *SessionManager
	dispatcher  *Dispatcher
	dialTimeout time.Duration

	selfMu sync.RWMutex
	self   dht.PeerContact

	mu    sync.Mutex
	links map[dht.Key]*PeerLink

	nodeMu sync.RWMutex
	node   *dht.Node
}

// NewPeerTransport returns a transport using sessions for Noise_XX
// handshakes and dispatcher for request/response correlation. SetSelf
// and SetNode must both be called (implementing dht.SelfAnnouncer and
// dht.NodeBinder) before it can serve or self-report meaningfully;
// internal/spacepanda's façade wires both immediately after
// constructing the dht.Node this transport drives.
func NewPeerTransport(sessions *SessionManager, dispatcher *Dispatcher, dialTimeout time.Duration) *PeerTransport {
	return &PeerTransport{
		sessions:    sessions,
		dispatcher:  dispatcher,
		dialTimeout: dialTimeout,
		links:       make(map[dht.Key]*PeerLink),
	}
}

// SetSelf implements dht.SelfAnnouncer.
func (t *PeerTransport) SetSelf(self dht.PeerContact) {
	t.selfMu.Lock()
	t.self = self
	t.selfMu.Unlock()
}

func (t *PeerTransport) selfContact() dht.PeerContact {
	t.selfMu.RLock()
	defer t.selfMu.RUnlock()
	return t.self
}

// SetNode implements dht.NodeBinder.
func (t *PeerTransport) SetNode(n *dht.Node) {
	t.nodeMu.Lock()
	t.node = n
	t.nodeMu.Unlock()
}

func (t *PeerTransport) localNode() *dht.Node {
	t.nodeMu.RLock()
	defer t.nodeMu.RUnlock()
	return t.node
}

// adopt registers an established link under peerID, replacing and
// closing any prior link for the same peer, and starts its read loop.
func (t *PeerTransport) adopt(peerID dht.Key, link *PeerLink) {
	t.mu.Lock()
	if old, ok := t.links[peerID]; ok && old != link {
		old.Close()
	}
	t.links[peerID] = link
	t.mu.Unlock()
	go t.readLoop(peerID, link)
}

func (t *PeerTransport) linkFor(peer dht.PeerContact) (*PeerLink, error) {
	t.mu.Lock()
	link, ok := t.links[peer.PeerID]
	t.mu.Unlock()
	if ok {
		return link, nil
	}
	if peer.Addr == nil {
		return nil, spacepandaerr.New(spacepandaerr.KindTransportFailure, "router.PeerTransport.linkFor", "no known address for peer")
	}
	addr, err := DialAddr(peer.Addr)
	if err != nil {
		return nil, err
	}
	link, err = DialPeerLink(t.sessions, peer.PeerID.String(), addr, t.dialTimeout)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.PeerTransport.linkFor", "dial failed", err)
	}
	t.adopt(peer.PeerID, link)
	return link, nil
}

// readLoop drains inbound frames from link: Response frames resolve
// pending outbound requests via the dispatcher; Request frames are
// served against the local node and answered in place.
func (t *PeerTransport) readLoop(peerID dht.Key, link *PeerLink) {
	for {
		msg, err := link.RecvMessage()
		if err != nil {
			t.mu.Lock()
			if t.links[peerID] == link {
				delete(t.links, peerID)
			}
			t.mu.Unlock()
			link.Close()
			return
		}
		switch msg.Kind {
		case KindResponse:
			t.dispatcher.Resolve(msg)
		case KindRequest:
			go t.serveRequest(link, msg)
		}
	}
}

func (t *PeerTransport) call(ctx context.Context, peer dht.PeerContact, method string, params any) (RpcMessage, error) {
	link, err := t.linkFor(peer)
	if err != nil {
		return RpcMessage{}, err
	}
	id := uuid.NewString()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return RpcMessage{}, err
	}
	ch := t.dispatcher.Send(id, time.Now())
	if err := link.SendMessage(req); err != nil {
		t.dispatcher.Cancel(id)
		return RpcMessage{}, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.PeerTransport.call", "send failed", err)
	}
	select {
	case <-ctx.Done():
		t.dispatcher.Cancel(id)
		return RpcMessage{}, spacepandaerr.Wrap(spacepandaerr.KindTimeout, "router.PeerTransport.call", "context cancelled", ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return RpcMessage{}, spacepandaerr.New(spacepandaerr.KindTimeout, "router.PeerTransport.call", "request cancelled")
		}
		if resp.Error != nil {
			return RpcMessage{}, spacepandaerr.New(spacepandaerr.KindProtocol, "router.PeerTransport.call", resp.Error.Message)
		}
		return resp, nil
	}
}

func decodeResult[T any](resp RpcMessage) (T, error) {
	var out T
	if err := decodeJSON(resp.Result, &out); err != nil {
		return out, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "router.decodeResult", "malformed result", err)
	}
	return out, nil
}

// Ping implements dht.Transport.
func (t *PeerTransport) Ping(ctx context.Context, peer dht.PeerContact) error {
	_, err := t.call(ctx, peer, methodPing, pingParams{Self: toWireContact(t.selfContact())})
	return err
}

// FindNode implements dht.Transport.
func (t *PeerTransport) FindNode(ctx context.Context, peer dht.PeerContact, target dht.Key) ([]dht.PeerContact, error) {
	resp, err := t.call(ctx, peer, methodFindNode, findNodeParams{Self: toWireContact(t.selfContact()), Target: target})
	if err != nil {
		return nil, err
	}
	result, err := decodeResult[findNodeResult](resp)
	if err != nil {
		return nil, err
	}
	return contactsFromWire(result.Contacts)
}

// FindValue implements dht.Transport.
func (t *PeerTransport) FindValue(ctx context.Context, peer dht.PeerContact, key dht.Key) ([]dht.PeerContact, []dht.Value, error) {
	resp, err := t.call(ctx, peer, methodFindValue, findValueParams{Self: toWireContact(t.selfContact()), Key: key})
	if err != nil {
		return nil, nil, err
	}
	result, err := decodeResult[findValueResult](resp)
	if err != nil {
		return nil, nil, err
	}
	contacts, err := contactsFromWire(result.Contacts)
	if err != nil {
		return nil, nil, err
	}
	values := make([]dht.Value, len(result.Values))
	for i, v := range result.Values {
		values[i] = v.toValue()
	}
	return contacts, values, nil
}

// Store implements dht.Transport.
func (t *PeerTransport) Store(ctx context.Context, peer dht.PeerContact, key dht.Key, v dht.Value) error {
	_, err := t.call(ctx, peer, methodStore, storeParams{Self: toWireContact(t.selfContact()), Key: key, Value: toWireValue(v)})
	return err
}

// Summary implements dht.Transport.
func (t *PeerTransport) Summary(ctx context.Context, peer dht.PeerContact) ([]dht.Key, error) {
	resp, err := t.call(ctx, peer, methodSummary, summaryParams{Self: toWireContact(t.selfContact())})
	if err != nil {
		return nil, err
	}
	result, err := decodeResult[summaryResult](resp)
	if err != nil {
		return nil, err
	}
	return result.Keys, nil
}

func contactsFromWire(wire []wireContact) ([]dht.PeerContact, error) {
	now := time.Now()
	out := make([]dht.PeerContact, 0, len(wire))
	for _, w := range wire {
		c, err := w.toContact(now)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Shutdown closes every pooled connection.
func (t *PeerTransport) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, link := range t.links {
		link.Close()
		delete(t.links, id)
	}
}
