// Package spacepandaerr defines the cross-cutting error taxonomy shared by
// every SpacePanda component, per the kinds described in the core design:
// crypto failures, replay, unauthorized operations, epoch mismatches,
// on-disk corruption, timeouts, capacity limits, transport failures, and
// protocol violations.
package spacepandaerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on category without
// string matching.
type Kind int

const (
	// KindCrypto covers bad signatures, AEAD auth failures, and invalid
	// key formats. Never mutates state.
	KindCrypto Kind = iota
	// KindReplay covers duplicate RPC ids, duplicate MLS (epoch,leaf,seq),
	// and non-monotonic CRDT counters.
	KindReplay
	// KindUnauthorized covers operations by a non-member or a key
	// version that is neither current nor archived.
	KindUnauthorized
	// KindEpochMismatch covers an MLS message outside the current epoch.
	KindEpochMismatch
	// KindCorruption covers magic/version/CRC/AEAD-tag failures in
	// on-disk data. Fatal for that artifact.
	KindCorruption
	// KindTimeout covers RPC, handshake, or lookup deadlines exceeded.
	KindTimeout
	// KindCapacityExceeded covers a full LRU cache, a full bounded
	// queue, or a tripped rate limit.
	KindCapacityExceeded
	// KindTransportFailure covers connection refused/reset and broken
	// circuits.
	KindTransportFailure
	// KindProtocol covers malformed frames, unknown methods, and
	// unsupported schema versions.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "crypto"
	case KindReplay:
		return "replay"
	case KindUnauthorized:
		return "unauthorized"
	case KindEpochMismatch:
		return "epoch_mismatch"
	case KindCorruption:
		return "corruption"
	case KindTimeout:
		return "timeout"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindTransportFailure:
		return "transport_failure"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is a typed, wrappable error carrying a Kind for programmatic
// dispatch and an optional wrapped cause for diagnostics.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, allowing
// errors.Is(err, spacepandaerr.New(KindReplay, "", "")) style checks via Kind
// sentinels below, and also supports direct kind comparison through As.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, reporting
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// HasKind reports whether err is or wraps an *Error of the given kind.
func HasKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
