package router

import "testing"

func TestNoiseXXHandshakeEndToEnd(t *testing.T) {
	initiator, err := NewSessionManager(DefaultConfigTimeout)
	if err != nil {
		t.Fatalf("new initiator manager: %v", err)
	}
	responder, err := NewSessionManager(DefaultConfigTimeout)
	if err != nil {
		t.Fatalf("new responder manager: %v", err)
	}

	msg1, err := initiator.StartInitiator("responder")
	if err != nil {
		t.Fatalf("start initiator: %v", err)
	}
	msg2, err := responder.StartResponder("initiator", msg1)
	if err != nil {
		t.Fatalf("start responder: %v", err)
	}
	msg3, err := initiator.ContinueInitiator("responder", msg2)
	if err != nil {
		t.Fatalf("continue initiator: %v", err)
	}
	if err := responder.FinishResponder("initiator", msg3); err != nil {
		t.Fatalf("finish responder: %v", err)
	}

	initSession, ok := initiator.Session("responder")
	if !ok {
		t.Fatalf("expected initiator session established")
	}
	respSession, ok := responder.Session("initiator")
	if !ok {
		t.Fatalf("expected responder session established")
	}
	if string(initSession.HandshakeHash) != string(respSession.HandshakeHash) {
		t.Fatalf("expected matching channel-binding handshake hash on both sides")
	}

	plaintext := []byte("hello over noise")
	ciphertext := initSession.Send.Encrypt(nil, nil, plaintext)
	decrypted, err := respSession.Recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("expected round-trip plaintext, got %q", decrypted)
	}
}

// DefaultConfigTimeout is a short handshake timeout used by tests.
const DefaultConfigTimeout = DefaultRequestTimeout
