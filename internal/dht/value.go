package dht

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// Value is a signed, TTL-bounded DHT record: application bytes, the
// publisher's signature over them, the publisher's declared identity,
// and the absolute expiry.
type Value struct {
	Bytes       []byte
	Signature   []byte
	PublisherID Key
	TTLExpiry   time.Time
}

// signingBytes is the canonical encoding a publisher signs over when
// storing a value at key: key ‖ bytes ‖ ttl_expiry(unix nano, 8 BE bytes).
func signingBytes(key Key, value []byte, ttlExpiry time.Time) []byte {
	buf := make([]byte, 0, len(key)+len(value)+8)
	buf = append(buf, key[:]...)
	buf = append(buf, value...)
	var tsBuf [8]byte
	ts := ttlExpiry.UnixNano()
	for i := 7; i >= 0; i-- {
		tsBuf[i] = byte(ts)
		ts >>= 8
	}
	buf = append(buf, tsBuf[:]...)
	return buf
}

// SignValue produces the signature a publisher attaches to a stored
// value, covering key, bytes, and ttlExpiry.
func SignValue(priv ed25519.PrivateKey, key Key, bytesVal []byte, ttlExpiry time.Time) []byte {
	return ed25519.Sign(priv, signingBytes(key, bytesVal, ttlExpiry))
}

// PublisherKeyResolver resolves a claimed publisher id to the Ed25519
// public key that must have produced a value's signature. An
// unresolvable publisher causes the value to be rejected outright
// rather than accepted unverified.
type PublisherKeyResolver func(publisherID Key) (ed25519.PublicKey, bool)

// VerifySignature checks that v's signature verifies under the public
// key resolve reports for v.PublisherID. An unknown publisher or a bad
// signature are both rejections, never a silent "unverified" store.
func VerifySignature(key Key, v Value, resolve PublisherKeyResolver) error {
	pub, ok := resolve(v.PublisherID)
	if !ok {
		return spacepandaerr.New(spacepandaerr.KindUnauthorized, "dht.VerifySignature", "unknown publisher key")
	}
	if !ed25519.Verify(pub, signingBytes(key, v.Bytes, v.TTLExpiry), v.Signature) {
		return spacepandaerr.New(spacepandaerr.KindCrypto, "dht.VerifySignature", "value signature does not verify")
	}
	return nil
}

// ValueStore holds signed values keyed by Key, possibly several
// independently-signed values per key (distinct publishers racing a
// concurrent PUT never overwrite each other - see anti-entropy's
// partition-heal scenario). Expired values are excised lazily at Get
// and eagerly by Sweep.
type ValueStore struct {
	mu     sync.Mutex
	byKey  map[Key][]Value
}

// NewValueStore returns an empty store.
func NewValueStore() *ValueStore {
	return &ValueStore{byKey: make(map[Key][]Value)}
}

// Put records a signed value under key, replacing any prior value from
// the same publisher but preserving values from other publishers.
func (s *ValueStore) Put(key Key, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.byKey[key]
	for i, cur := range existing {
		if cur.PublisherID == v.PublisherID {
			existing[i] = v
			return
		}
	}
	s.byKey[key] = append(existing, v)
}

// Get returns every unexpired value stored under key, excising expired
// entries from the store as a side effect (lazy expiry at read).
func (s *ValueStore) Get(key Key, now time.Time) []Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.byKey[key]
	kept := existing[:0]
	for _, v := range existing {
		if now.Before(v.TTLExpiry) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(s.byKey, key)
		return nil
	}
	s.byKey[key] = kept
	out := make([]Value, len(kept))
	copy(out, kept)
	return out
}

// Sweep eagerly excises every expired value across the whole store,
// run periodically by a background task rather than only at read
// time, and returns the number of entries removed.
func (s *ValueStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, values := range s.byKey {
		kept := values[:0]
		for _, v := range values {
			if now.Before(v.TTLExpiry) {
				kept = append(kept, v)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.byKey, key)
		} else {
			s.byKey[key] = kept
		}
	}
	return removed
}

// Keys returns every key currently holding at least one value, used by
// anti-entropy to build a reconciliation summary.
func (s *ValueStore) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.byKey))
	for k := range s.byKey {
		out = append(out, k)
	}
	return out
}
