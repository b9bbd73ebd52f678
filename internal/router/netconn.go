package router

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/multiformats/go-multiaddr"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// DialAddr resolves a multiaddr of the form /ip4|ip6/<host>/tcp/<port>
// into a dialable "host:port" string, the only address shape the
// transport's TCP dialer understands.
func DialAddr(addr multiaddr.Multiaddr) (string, error) {
	host, err := addr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		host, err = addr.ValueForProtocol(multiaddr.P_IP6)
		if err != nil {
			return "", spacepandaerr.New(spacepandaerr.KindProtocol, "router.DialAddr", "multiaddr has no ip4/ip6 component")
		}
	}
	port, err := addr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", spacepandaerr.Wrap(spacepandaerr.KindProtocol, "router.DialAddr", "multiaddr has no tcp component", err)
	}
	return net.JoinHostPort(host, port), nil
}

// writeFrame writes payload to w as a 4-byte big-endian length prefix
// (see lengthPrefix) followed by the payload bytes.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return spacepandaerr.New(spacepandaerr.KindProtocol, "router.writeFrame", "frame too large")
	}
	prefix := lengthPrefix(len(payload))
	if _, err := w.Write(prefix[:]); err != nil {
		return spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.writeFrame", "write failed", err)
	}
	if _, err := w.Write(payload); err != nil {
		return spacepandaerr.Wrap(spacepandaerr.KindTransportFailure, "router.writeFrame", "write failed", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r, rejecting any
// declared length exceeding MaxFrameSize before allocating a buffer
// for it - the same "reject before parsing" posture DecodeFrame takes
// for frames that arrive already fully buffered.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "router.readFrame", "frame too large")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
