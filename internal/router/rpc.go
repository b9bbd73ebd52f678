// Package router implements the peer-to-peer session and RPC layer:
// Noise_XX authenticated sessions, a JSON-framed Request/Response/Notify
// protocol with anti-replay and timeouts, per-peer rate limiting and a
// circuit breaker, and an onion-routed transport over the DHT's known
// peers.
package router

import (
	"encoding/binary"
	"encoding/json"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// MaxFrameSize is the hard frame-size ceiling; frames larger than this
// are rejected before any attempt to parse them.
const MaxFrameSize = 64 * 1024

// MessageKind discriminates the three RPC frame shapes.
type MessageKind string

const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
	KindNotify   MessageKind = "notify"
)

// RPCError is a JSON-RPC-style numbered error carried in a Response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	// ErrCodeDuplicateRequest marks a request id already seen within
	// the anti-replay window.
	ErrCodeDuplicateRequest = -32600
	// ErrCodeTimeout marks an outbound request whose deadline expired
	// before a response arrived.
	ErrCodeTimeout = -32000
	// ErrCodeFrameTooLarge marks a frame rejected before parsing for
	// exceeding MaxFrameSize.
	ErrCodeFrameTooLarge = -32001
	// ErrCodeParseError marks a frame that failed to decode.
	ErrCodeParseError = -32700
	// ErrCodeMethodNotFound marks a Request/Notify naming an unknown
	// method.
	ErrCodeMethodNotFound = -32601
)

// RpcMessage is the wire envelope for all three frame shapes. Exactly
// one of the Kind-specific field groups is populated, a tagged sum
// rather than three separate Go types, so a single JSON shape can be
// decoded generically before dispatch.
type RpcMessage struct {
	Kind   MessageKind     `json:"kind"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a Request frame.
func NewRequest(id, method string, params any) (RpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return RpcMessage{}, err
	}
	return RpcMessage{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewNotify builds a Notify frame, which carries no id and expects no
// response.
func NewNotify(method string, params any) (RpcMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return RpcMessage{}, err
	}
	return RpcMessage{Kind: KindNotify, Method: method, Params: raw}, nil
}

// NewResult builds a successful Response frame.
func NewResult(id string, result any) (RpcMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return RpcMessage{}, err
	}
	return RpcMessage{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed Response frame.
func NewErrorResponse(id string, code int, message string) RpcMessage {
	return RpcMessage{Kind: KindResponse, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// EncodeFrame serializes msg, rejecting the result outright if it would
// exceed MaxFrameSize rather than ever writing an oversized frame.
func EncodeFrame(msg RpcMessage) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "router.EncodeFrame", "marshal failed", err)
	}
	if len(raw) > MaxFrameSize {
		return nil, spacepandaerr.New(spacepandaerr.KindProtocol, "router.EncodeFrame", "frame too large")
	}
	return raw, nil
}

// DecodeFrame rejects any buffer larger than MaxFrameSize before
// attempting to parse it.
func DecodeFrame(raw []byte) (RpcMessage, error) {
	if len(raw) > MaxFrameSize {
		return RpcMessage{}, spacepandaerr.New(spacepandaerr.KindProtocol, "router.DecodeFrame", "frame too large")
	}
	var msg RpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return RpcMessage{}, spacepandaerr.Wrap(spacepandaerr.KindProtocol, "router.DecodeFrame", "malformed frame", err)
	}
	return msg, nil
}

// lengthPrefix encodes a frame's byte length as a 4-byte big-endian
// prefix, for callers framing frames over a raw bytestream transport.
func lengthPrefix(n int) [4]byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	return buf
}
