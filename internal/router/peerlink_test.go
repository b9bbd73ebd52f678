package router

import (
	"net"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverLn.Close()

	done := make(chan []byte, 1)
	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			done <- nil
			return
		}
		defer conn.Close()
		payload, err := readFrame(conn)
		if err != nil {
			done <- nil
			return
		}
		done <- payload
	}()

	conn, err := net.Dial("tcp", serverLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	want := []byte("hello over the wire")
	if err := writeFrame(conn, want); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case got := <-done:
		if string(got) != string(want) {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestReadFrameRejectsDeclaredOversize(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverLn.Close()

	result := make(chan error, 1)
	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			result <- err
			return
		}
		defer conn.Close()
		_, err = readFrame(conn)
		result <- err
	}()

	conn, err := net.Dial("tcp", serverLn.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	oversizedPrefix := lengthPrefix(MaxFrameSize + 1)
	if _, err := conn.Write(oversizedPrefix[:]); err != nil {
		t.Fatalf("write prefix: %v", err)
	}

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("expected oversized declared frame length to be rejected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}
}

func TestDialPeerLinkAndAcceptPeerLinkHandshake(t *testing.T) {
	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer serverLn.Close()

	serverSessions, err := NewSessionManager(2 * time.Second)
	if err != nil {
		t.Fatalf("server session manager: %v", err)
	}
	clientSessions, err := NewSessionManager(2 * time.Second)
	if err != nil {
		t.Fatalf("client session manager: %v", err)
	}

	type acceptResult struct {
		link *PeerLink
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := serverLn.Accept()
		if err != nil {
			accepted <- acceptResult{nil, err}
			return
		}
		link, err := AcceptPeerLink(serverSessions, conn, 2*time.Second)
		accepted <- acceptResult{link, err}
	}()

	clientLink, err := DialPeerLink(clientSessions, "server", serverLn.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial peer link: %v", err)
	}
	defer clientLink.Close()

	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept peer link: %v", res.err)
	}
	defer res.link.Close()

	if len(clientLink.RemoteStatic()) == 0 {
		t.Fatal("expected client to learn server's authenticated static key")
	}
	if len(res.link.RemoteStatic()) == 0 {
		t.Fatal("expected server to learn client's authenticated static key")
	}

	msg, err := NewRequest("req-1", "ping", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if err := clientLink.SendMessage(msg); err != nil {
		t.Fatalf("send message: %v", err)
	}
	got, err := res.link.RecvMessage()
	if err != nil {
		t.Fatalf("recv message: %v", err)
	}
	if got.Method != "ping" || got.ID != "req-1" {
		t.Fatalf("unexpected message round-tripped: %+v", got)
	}
}
