package router

import (
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/var-che/spacepanda/internal/dht"
	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

func decodeJSON(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// serveRequest answers one inbound Request frame against the locally
// wired dht.Node, writing the Response back over the same link it
// arrived on. A request that names an unknown method, or arrives
// before SetNode has wired a node in, gets a Protocol-kind error
// response rather than being silently dropped.
func (t *PeerTransport) serveRequest(link *PeerLink, req RpcMessage) {
	node := t.localNode()
	if node == nil {
		t.reply(link, req.ID, nil, spacepandaerr.New(spacepandaerr.KindProtocol, "router.serveRequest", "no local dht node wired"))
		return
	}

	var result any
	var err error
	switch req.Method {
	case methodPing:
		var p pingParams
		if err = decodeJSON(req.Params, &p); err == nil {
			from, cerr := p.Self.toContact(time.Now())
			if cerr != nil {
				err = cerr
			} else {
				node.ServePing(from)
				result = struct{}{}
			}
		}
	case methodFindNode:
		var p findNodeParams
		if err = decodeJSON(req.Params, &p); err == nil {
			from, cerr := p.Self.toContact(time.Now())
			if cerr != nil {
				err = cerr
			} else {
				contacts := node.ServeFindNode(from, p.Target)
				result = findNodeResult{Contacts: wireContacts(contacts)}
			}
		}
	case methodFindValue:
		var p findValueParams
		if err = decodeJSON(req.Params, &p); err == nil {
			from, cerr := p.Self.toContact(time.Now())
			if cerr != nil {
				err = cerr
			} else {
				contacts, values := node.ServeFindValue(from, p.Key)
				result = findValueResult{Contacts: wireContacts(contacts), Values: wireValues(values)}
			}
		}
	case methodStore:
		var p storeParams
		if err = decodeJSON(req.Params, &p); err == nil {
			from, cerr := p.Self.toContact(time.Now())
			if cerr != nil {
				err = cerr
			} else {
				err = node.ServeStore(from, p.Key, p.Value.toValue())
				if err == nil {
					result = struct{}{}
				}
			}
		}
	case methodSummary:
		var p summaryParams
		if err = decodeJSON(req.Params, &p); err == nil {
			from, cerr := p.Self.toContact(time.Now())
			if cerr != nil {
				err = cerr
			} else {
				result = summaryResult{Keys: node.ServeSummary(from)}
			}
		}
	default:
		err = spacepandaerr.New(spacepandaerr.KindProtocol, "router.serveRequest", "unknown method: "+req.Method)
	}

	t.reply(link, req.ID, result, err)
}

func (t *PeerTransport) reply(link *PeerLink, id string, result any, err error) {
	var resp RpcMessage
	if err != nil {
		resp = NewErrorResponse(id, errorCodeFor(err), err.Error())
	} else {
		var encErr error
		resp, encErr = NewResult(id, result)
		if encErr != nil {
			resp = NewErrorResponse(id, ErrCodeParseError, encErr.Error())
		}
	}
	_ = link.SendMessage(resp)
}

func errorCodeFor(err error) int {
	if spErr, ok := err.(*spacepandaerr.Error); ok {
		switch spErr.Kind {
		case spacepandaerr.KindProtocol:
			return ErrCodeParseError
		case spacepandaerr.KindUnauthorized, spacepandaerr.KindCrypto:
			return ErrCodeMethodNotFound
		}
	}
	return ErrCodeParseError
}

func wireContacts(contacts []dht.PeerContact) []wireContact {
	out := make([]wireContact, len(contacts))
	for i, c := range contacts {
		out[i] = toWireContact(c)
	}
	return out
}

func wireValues(values []dht.Value) []wireValue {
	out := make([]wireValue, len(values))
	for i, v := range values {
		out[i] = toWireValue(v)
	}
	return out
}

// Listener accepts inbound TCP connections, completes the responder
// side of a Noise_XX handshake on each, and hands the resulting link
// to the owning PeerTransport's read loop - the server half of the
// same PeerTransport that dials outbound requests, so a peer that
// connects to us can both answer our requests and issue its own over
// the same encrypted link.
type Listener struct {
	transport        *PeerTransport
	sessions         *SessionManager
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// NewListener returns a Listener that registers every accepted,
// handshaken connection with transport.
func NewListener(transport *PeerTransport, sessions *SessionManager, handshakeTimeout time.Duration, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{transport: transport, sessions: sessions, handshakeTimeout: handshakeTimeout, logger: logger}
}

// Serve accepts connections from ln until it returns an error (e.g.
// because the caller closed ln to shut down), handshaking each in its
// own goroutine so one slow or hostile peer can't stall acceptance of
// the next.
func (l *Listener) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

func (l *Listener) handle(conn net.Conn) {
	link, err := AcceptPeerLink(l.sessions, conn, l.handshakeTimeout)
	if err != nil {
		l.logger.Warn("dht peer handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	peerID := dht.DeriveKey(link.RemoteStatic())
	l.transport.adopt(peerID, link)
}
