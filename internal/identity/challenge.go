package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// challengeSkew is the maximum allowed clock skew between a
// DeviceChallenge's declared timestamp and the verifier's clock.
const challengeSkew = 5 * time.Minute

// DeviceChallenge is the proof-of-possession payload a joining device
// must sign when being added to an account: a freshness nonce, a
// timestamp, and the claimed device id.
type DeviceChallenge struct {
	Nonce     uint64
	Timestamp time.Time
	DeviceID  DeviceId
}

// Bytes returns the canonical encoding a joining device signs over.
func (c DeviceChallenge) Bytes() []byte {
	buf := make([]byte, 0, 8+8+len(c.DeviceID))
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], c.Nonce)
	buf = append(buf, nonceBytes[:]...)
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], uint64(c.Timestamp.Unix()))
	buf = append(buf, tsBytes[:]...)
	buf = append(buf, c.DeviceID[:]...)
	return buf
}

// NonceTracker enforces freshness-nonce uniqueness across validated
// challenges, bounded by an LRU so long-lived nodes don't grow memory
// without bound.
type NonceTracker struct {
	mu   sync.Mutex
	seen *lru.Cache[uint64, struct{}]
}

// NewNonceTracker creates a tracker retaining up to capacity recently
// seen nonces.
func NewNonceTracker(capacity int) (*NonceTracker, error) {
	cache, err := lru.New[uint64, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &NonceTracker{seen: cache}, nil
}

// claim reports whether nonce is fresh, recording it if so.
func (t *NonceTracker) claim(nonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen.Get(nonce); ok {
		return false
	}
	t.seen.Add(nonce, struct{}{})
	return true
}

// ValidateChallenge checks a signed DeviceChallenge: signature under
// pub, timestamp within the skew window of now, and nonce freshness via
// tracker. Any failure yields a distinct spacepandaerr.Kind.
func ValidateChallenge(challenge DeviceChallenge, sig []byte, pub ed25519.PublicKey, now time.Time, tracker *NonceTracker) error {
	if !Verify(pub, challenge.Bytes(), sig) {
		return spacepandaerr.New(spacepandaerr.KindCrypto, "identity.ValidateChallenge", "signature does not verify")
	}
	delta := now.Sub(challenge.Timestamp)
	if delta < -challengeSkew || delta > challengeSkew {
		return spacepandaerr.New(spacepandaerr.KindCrypto, "identity.ValidateChallenge", "timestamp outside skew window")
	}
	if !tracker.claim(challenge.Nonce) {
		return spacepandaerr.New(spacepandaerr.KindReplay, "identity.ValidateChallenge", "nonce already seen")
	}
	return nil
}
