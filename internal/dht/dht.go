// Package dht implements the Kademlia-style distributed hash table used
// for peer discovery and signed public-bundle storage: a k-bucket
// routing table over a 32-byte BLAKE3 identifier space, an α-parallel
// iterative lookup, a signed TTL value store, peer reputation tracking,
// and periodic anti-entropy reconciliation between peers.
package dht

import (
	"bytes"

	"lukechampine.com/blake3"
)

// Key is a 32-byte identifier in the DHT's XOR metric space: a node id
// or a BLAKE3 hash of application key material being stored.
type Key [32]byte

// DeriveKey computes the Key for arbitrary application key material,
// e.g. a channel id or a public-bundle name.
func DeriveKey(material []byte) Key {
	return Key(blake3.Sum256(material))
}

// String renders the key as lowercase hex for logging.
func (k Key) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(k)*2)
	for i, b := range k {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Distance returns the XOR distance between two keys.
func Distance(a, b Key) Key {
	var out Key
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether distance a is strictly closer than b (smaller
// as an unsigned big-endian integer).
func Less(a, b Key) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// CommonPrefixLen returns the number of leading bits a and b share,
// used to select which k-bucket a contact belongs in.
func CommonPrefixLen(a, b Key) int {
	d := Distance(a, b)
	for i, byteVal := range d {
		if byteVal == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if byteVal&(0x80>>uint(bit)) != 0 {
				return i*8 + bit
			}
		}
	}
	return len(d) * 8
}
