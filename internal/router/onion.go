package router

import (
	"crypto/rand"
	"math/big"
	"sort"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
	"github.com/var-che/spacepanda/internal/xcrypto"
)

// RelayContact is the minimal view of a DHT-known peer the circuit
// builder needs: its identity and its reputation (failure count),
// mirroring dht.PeerContact without an import cycle back into
// internal/dht.
type RelayContact struct {
	PeerID       string
	PublicKey    []byte
	FailureCount int
}

// Circuit is an ordered sequence of relay hops chosen so that no two
// hops are the same peer, each carrying the ephemeral shared secret
// derived for its layer.
type Circuit struct {
	Hops []CircuitHop
}

// CircuitHop is one relay's encryption state within a Circuit: its
// identity and the AEAD key/nonce-base derived for its onion layer.
type CircuitHop struct {
	PeerID string
	key    []byte
	nonce  []byte
}

// BuildCircuit selects hops-many relays from candidates using
// reputation-weighted selection (weighting by inverse failure count),
// excluding the originator and guaranteeing no peer appears twice in
// one circuit, then derives one ephemeral X25519 shared secret and
// AEAD key per hop via HKDF, domain-separated by hop index.
func BuildCircuit(candidates []RelayContact, hops int, excludePeerID string) (*Circuit, error) {
	pool := make([]RelayContact, 0, len(candidates))
	for _, c := range candidates {
		if c.PeerID != excludePeerID {
			pool = append(pool, c)
		}
	}
	if len(pool) < hops {
		return nil, spacepandaerr.New(spacepandaerr.KindTransportFailure, "router.BuildCircuit", "not enough distinct relays for requested hop count")
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].FailureCount < pool[j].FailureCount })

	selected := make([]RelayContact, 0, hops)
	used := make(map[string]bool)
	for len(selected) < hops {
		idx, err := weightedPick(pool, used)
		if err != nil {
			return nil, err
		}
		used[pool[idx].PeerID] = true
		selected = append(selected, pool[idx])
	}

	circuit := &Circuit{Hops: make([]CircuitHop, 0, hops)}
	for i, relay := range selected {
		eph, err := xcrypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		shared, err := xcrypto.DH(eph.Private[:], relay.PublicKey)
		if err != nil {
			return nil, spacepandaerr.Wrap(spacepandaerr.KindCrypto, "router.BuildCircuit", "hop DH failed", err)
		}
		info := []byte("spacepanda-onion-hop")
		info = append(info, byte(i))
		derived, err := xcrypto.HKDFExpand(shared, nil, info, xcrypto.AEADKeySize+xcrypto.AEADNonceSize)
		if err != nil {
			return nil, err
		}
		circuit.Hops = append(circuit.Hops, CircuitHop{
			PeerID: relay.PeerID,
			key:    derived[:xcrypto.AEADKeySize],
			nonce:  derived[xcrypto.AEADKeySize:],
		})
	}
	return circuit, nil
}

// weightedPick chooses an unused candidate index, biased toward lower
// failure counts (pool is pre-sorted ascending by failure count, so
// earlier indices are weighted more heavily by skewing the random
// range toward the front).
func weightedPick(pool []RelayContact, used map[string]bool) (int, error) {
	var available []int
	for i, c := range pool {
		if !used[c.PeerID] {
			available = append(available, i)
		}
	}
	if len(available) == 0 {
		return 0, spacepandaerr.New(spacepandaerr.KindTransportFailure, "router.weightedPick", "no distinct relay candidates remain")
	}
	// Triangular bias toward the front of `available` (lowest failure
	// count): pick two uniform indices and take the smaller.
	a, err := randIndex(len(available))
	if err != nil {
		return 0, err
	}
	b, err := randIndex(len(available))
	if err != nil {
		return 0, err
	}
	if b < a {
		a = b
	}
	return available[a], nil
}

func randIndex(n int) (int, error) {
	if n == 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// Wrap nests plaintext in H AEAD envelopes, innermost hop first, so
// the originator's wire payload peels one layer per relay: the final
// relay decrypts the innermost envelope and sees the plaintext payload
// plus the destination identity that was bound into its AAD.
func (c *Circuit) Wrap(plaintext, destinationAAD []byte) ([]byte, error) {
	current := plaintext
	for i := len(c.Hops) - 1; i >= 0; i-- {
		hop := c.Hops[i]
		aad := destinationAAD
		if i != len(c.Hops)-1 {
			aad = []byte(c.Hops[i+1].PeerID)
		}
		sealed, err := xcrypto.SealChaCha(hop.key, hop.nonce, current, aad)
		if err != nil {
			return nil, err
		}
		current = sealed
	}
	return current, nil
}

// PeelLayer is the per-relay operation: given this hop's key/nonce and
// the next-hop identifier used as AAD, decrypt one onion layer,
// returning the payload to forward (or deliver, at the final hop).
func PeelLayer(key, nonce, ciphertext, nextHopAAD []byte) ([]byte, error) {
	return xcrypto.OpenChaCha(key, nonce, ciphertext, nextHopAAD)
}
