package router

import (
	"net"
	"sync"
	"time"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// PeerLink is one established, Noise_XX-encrypted connection to a
// peer: the raw bytestream plus the session keys negotiated over it.
// Send and receive each serialize independently - a noise.CipherState
// is not safe for concurrent use within one direction, since each call
// advances that direction's nonce.
type PeerLink struct {
	conn net.Conn
	keys *SessionKeys

	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewPeerLink wraps an already Noise-handshaken connection.
func NewPeerLink(conn net.Conn, keys *SessionKeys) *PeerLink {
	return &PeerLink{conn: conn, keys: keys}
}

// RemoteStatic returns the peer's authenticated Noise static public
// key, the identity the handshake verified independent of anything
// the peer claims in-band afterward.
func (l *PeerLink) RemoteStatic() []byte {
	return l.keys.RemoteStatic
}

// SendMessage encrypts and frames one RpcMessage onto the wire.
func (l *PeerLink) SendMessage(msg RpcMessage) error {
	raw, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	sealed := l.keys.Send.Encrypt(nil, nil, raw)
	return writeFrame(l.conn, sealed)
}

// RecvMessage blocks for, decrypts, and decodes the next RpcMessage
// off the wire.
func (l *PeerLink) RecvMessage() (RpcMessage, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()
	sealed, err := readFrame(l.conn)
	if err != nil {
		return RpcMessage{}, err
	}
	raw, err := l.keys.Recv.Decrypt(nil, nil, sealed)
	if err != nil {
		return RpcMessage{}, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.PeerLink.RecvMessage", "session decrypt failed", err)
	}
	return DecodeFrame(raw)
}

// Close closes the underlying connection.
func (l *PeerLink) Close() error { return l.conn.Close() }

// DialPeerLink dials addr, performs a Noise_XX handshake as initiator
// under peerTag, and returns the resulting encrypted link.
func DialPeerLink(sessions *SessionManager, peerTag, addr string, dialTimeout time.Duration) (*PeerLink, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.DialPeerLink", "dial failed", err)
	}
	msg1, err := sessions.StartInitiator(peerTag)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, msg1); err != nil {
		conn.Close()
		return nil, err
	}
	msg2, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.DialPeerLink", "handshake message 2 read failed", err)
	}
	msg3, err := sessions.ContinueInitiator(peerTag, msg2)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, msg3); err != nil {
		conn.Close()
		return nil, err
	}
	keys, ok := sessions.Session(peerTag)
	if !ok {
		conn.Close()
		return nil, spacepandaerr.New(spacepandaerr.KindCrypto, "router.DialPeerLink", "handshake completed without installing a session")
	}
	return NewPeerLink(conn, keys), nil
}

// AcceptPeerLink performs the responder side of a Noise_XX handshake
// over an already-accepted connection. The initiator's identity is
// learned only from the completed handshake's authenticated remote
// static key, never from anything claimed in-band beforehand.
func AcceptPeerLink(sessions *SessionManager, conn net.Conn, handshakeTimeout time.Duration) (*PeerLink, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	tempTag := conn.RemoteAddr().String()
	msg1, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.AcceptPeerLink", "handshake message 1 read failed", err)
	}
	msg2, err := sessions.StartResponder(tempTag, msg1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, msg2); err != nil {
		conn.Close()
		return nil, err
	}
	msg3, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.AcceptPeerLink", "handshake message 3 read failed", err)
	}
	if err := sessions.FinishResponder(tempTag, msg3); err != nil {
		conn.Close()
		return nil, err
	}
	keys, ok := sessions.Session(tempTag)
	if !ok {
		conn.Close()
		return nil, spacepandaerr.New(spacepandaerr.KindCrypto, "router.AcceptPeerLink", "handshake completed without installing a session")
	}
	return NewPeerLink(conn, keys), nil
}
