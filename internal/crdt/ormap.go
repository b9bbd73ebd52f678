package crdt

import "encoding/json"

// Merger is implemented by any CRDT value usable inside an ORMap: it
// merges with another value of the same type and returns the result.
type Merger[T any] interface {
	Merge(other T) T
}

// ORMap is a map whose values are themselves CRDTs; merging an ORMap
// recursively merges per-key, and a key present on only one side is
// carried through unchanged.
type ORMap[K comparable, V Merger[V]] struct {
	entries map[K]V
}

// NewORMap returns an empty ORMap.
func NewORMap[K comparable, V Merger[V]]() *ORMap[K, V] {
	return &ORMap[K, V]{entries: make(map[K]V)}
}

// Set assigns the value for key, overwriting any prior local value.
// Callers that want CRDT semantics for the top-level assignment should
// route through Merge instead, using Set only for local-replica writes.
func (m *ORMap[K, V]) Set(key K, value V) {
	m.entries[key] = value
}

// Get returns the value at key and whether it is present.
func (m *ORMap[K, V]) Get(key K) (V, bool) {
	v, ok := m.entries[key]
	return v, ok
}

// Keys returns the map's current key set.
func (m *ORMap[K, V]) Keys() []K {
	out := make([]K, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// Merge recursively merges other into a copy of m, per key, and
// returns the result.
func (m *ORMap[K, V]) Merge(other *ORMap[K, V]) *ORMap[K, V] {
	out := NewORMap[K, V]()
	for k, v := range m.entries {
		out.entries[k] = v
	}
	for k, v := range other.entries {
		if existing, ok := out.entries[k]; ok {
			out.entries[k] = existing.Merge(v)
		} else {
			out.entries[k] = v
		}
	}
	return out
}

// ormapEntryWire carries one key/value pair; like ORSet, ORMap's wire
// representation is a slice rather than a JSON object, since K may not
// be a type encoding/json accepts as a map key.
type ormapEntryWire[K comparable, V Merger[V]] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// MarshalJSON renders every key/value entry, so a round trip through
// snapshot persistence reconstructs an identical ORMap.
func (m *ORMap[K, V]) MarshalJSON() ([]byte, error) {
	entries := make([]ormapEntryWire[K, V], 0, len(m.entries))
	for k, v := range m.entries {
		entries = append(entries, ormapEntryWire[K, V]{Key: k, Value: v})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON reconstructs an ORMap from MarshalJSON's wire format.
func (m *ORMap[K, V]) UnmarshalJSON(data []byte) error {
	var entries []ormapEntryWire[K, V]
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.entries = make(map[K]V, len(entries))
	for _, e := range entries {
		m.entries[e.Key] = e.Value
	}
	return nil
}
