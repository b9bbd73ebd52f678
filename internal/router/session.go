package router

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// cipherSuite is the Noise cipher suite SpacePanda sessions negotiate:
// X25519 for DH, ChaCha20-Poly1305 for AEAD, SHA-256 for hashing -
// matching C1's primitive choices so the transport layer's AEAD and
// the application layer's AEAD are the same construction.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// SessionKeys are the two directional transport keys a completed
// Noise_XX handshake yields, plus the remote static public key
// authenticated by the handshake.
type SessionKeys struct {
	Send       *noise.CipherState
	Recv       *noise.CipherState
	RemoteStatic []byte
	HandshakeHash []byte
}

// handshakeState tracks one in-progress Noise_XX handshake.
type handshakeState struct {
	hs        *noise.HandshakeState
	initiator bool
	startedAt time.Time
}

// SessionManager drives Noise_XX handshakes to completion and holds
// the resulting per-peer session keys. Any deviation from the XX
// pattern - wrong message lengths, an invalid ephemeral, a bad MAC -
// aborts the handshake via flynn/noise's own error return. Partial
// handshakes expire after Timeout; a concurrent handshake from the
// same peer replaces (reuses) the latest initiator state rather than
// stacking parallel attempts.
type SessionManager struct {
	staticKeypair noise.DHKey
	timeout       time.Duration

	mu         sync.Mutex
	pending    map[string]*handshakeState
	established map[string]*SessionKeys
}

// NewSessionManager generates a fresh static Noise keypair and returns
// a manager with the given handshake timeout (default 30s).
func NewSessionManager(timeout time.Duration) (*SessionManager, error) {
	kp, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.NewSessionManager", "keypair generation failed", err)
	}
	return &SessionManager{
		staticKeypair: kp,
		timeout:       timeout,
		pending:       make(map[string]*handshakeState),
		established:   make(map[string]*SessionKeys),
	}, nil
}

// StaticPublicKey returns this node's long-term Noise static public
// key, advertised out-of-band (e.g. via the DHT) so peers know what to
// expect from the handshake's final message.
func (m *SessionManager) StaticPublicKey() []byte {
	return m.staticKeypair.Public
}

// StartInitiator begins a Noise_XX handshake as the initiator toward
// peerID, producing the first handshake message. Calling this again
// for a peer with a handshake already pending replaces the prior
// attempt with a fresh one, per "concurrent handshakes from the same
// peer reuse the latest initiator state."
func (m *SessionManager) StartInitiator(peerID string) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: m.staticKeypair,
	})
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.StartInitiator", "handshake init failed", err)
	}
	out, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.StartInitiator", "write message 1 failed", err)
	}

	m.mu.Lock()
	m.pending[peerID] = &handshakeState{hs: hs, initiator: true, startedAt: time.Now()}
	m.mu.Unlock()
	return out, nil
}

// StartResponder processes an initiator's first handshake message and
// produces the responder's reply (Noise_XX message 2).
func (m *SessionManager) StartResponder(peerID string, msg1 []byte) ([]byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: m.staticKeypair,
	})
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.StartResponder", "handshake init failed", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.StartResponder", "invalid handshake message 1", err)
	}
	out, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.StartResponder", "write message 2 failed", err)
	}

	m.mu.Lock()
	m.pending[peerID] = &handshakeState{hs: hs, initiator: false, startedAt: time.Now()}
	m.mu.Unlock()
	return out, nil
}

// ContinueInitiator consumes the responder's message 2 and produces the
// initiator's final message 3, completing the handshake and installing
// the resulting session keys.
func (m *SessionManager) ContinueInitiator(peerID string, msg2 []byte) ([]byte, error) {
	state, err := m.takePending(peerID)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := state.hs.ReadMessage(nil, msg2); err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.ContinueInitiator", "invalid handshake message 2", err)
	}
	out, cs0, cs1, err := state.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.ContinueInitiator", "write message 3 failed", err)
	}
	m.install(peerID, state.hs, state.initiator, cs0, cs1)
	return out, nil
}

// FinishResponder consumes the initiator's final message 3, completing
// the handshake and installing the resulting session keys.
func (m *SessionManager) FinishResponder(peerID string, msg3 []byte) error {
	state, err := m.takePending(peerID)
	if err != nil {
		return err
	}
	_, cs0, cs1, err := state.hs.ReadMessage(nil, msg3)
	if err != nil {
		return spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.FinishResponder", "invalid handshake message 3", err)
	}
	m.install(peerID, state.hs, state.initiator, cs0, cs1)
	return nil
}

func (m *SessionManager) takePending(peerID string) (*handshakeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.pending[peerID]
	if !ok {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "router.takePending", "no pending handshake for peer")
	}
	if time.Since(state.startedAt) > m.timeout {
		delete(m.pending, peerID)
		return nil, spacepandaerr.New(spacepandaerr.KindTimeout, "router.takePending", "handshake expired")
	}
	return state, nil
}

func (m *SessionManager) install(peerID string, hs *noise.HandshakeState, initiator bool, cs0, cs1 *noise.CipherState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, peerID)

	send, recv := cs0, cs1
	if !initiator {
		send, recv = cs1, cs0
	}
	m.established[peerID] = &SessionKeys{
		Send:          send,
		Recv:          recv,
		RemoteStatic:  hs.PeerStatic(),
		HandshakeHash: hs.ChannelBinding(),
	}
}

// Session returns the established session keys for peerID, if any.
func (m *SessionManager) Session(peerID string) (*SessionKeys, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.established[peerID]
	return s, ok
}

// ExpirePending drops any handshake that has been pending longer than
// the configured timeout, returning the peer ids expired. Intended to
// be called periodically by a background task.
func (m *SessionManager) ExpirePending(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for peerID, state := range m.pending {
		if now.Sub(state.startedAt) > m.timeout {
			expired = append(expired, peerID)
			delete(m.pending, peerID)
		}
	}
	return expired
}

// Close drops a peer's established session, e.g. on transport close.
func (m *SessionManager) Close(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.established, peerID)
	delete(m.pending, peerID)
}
