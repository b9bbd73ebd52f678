package crdt

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TagId uniquely marks one add operation, so concurrent adds of the
// same element from different replicas never collide.
type TagId = uuid.UUID

// NewTagId mints a fresh random tag.
func NewTagId() TagId {
	return uuid.New()
}

type elemTag[T comparable] struct {
	elem T
	tag  TagId
}

// ORSet is an observed-remove set: adds are tagged, removals tombstone
// specific tags rather than the bare element, so a concurrent add with
// a distinct tag survives a concurrent remove (add-wins on disjoint
// tags; when the tag matches, the tombstone wins).
type ORSet[T comparable] struct {
	adds       map[T]map[TagId]struct{}
	tombstones map[elemTag[T]]struct{}
	vc         VectorClock
}

// NewORSet returns an empty OR-Set.
func NewORSet[T comparable]() *ORSet[T] {
	return &ORSet[T]{
		adds:       make(map[T]map[TagId]struct{}),
		tombstones: make(map[elemTag[T]]struct{}),
		vc:         NewVectorClock(),
	}
}

// Add tags elem with a fresh TagId under node's clock and records the
// add.
func (s *ORSet[T]) Add(elem T, node string) TagId {
	tag := NewTagId()
	s.addTagged(elem, tag)
	s.vc.Increment(node)
	return tag
}

func (s *ORSet[T]) addTagged(elem T, tag TagId) {
	key := elemTag[T]{elem: elem, tag: tag}
	if _, tombstoned := s.tombstones[key]; tombstoned {
		return
	}
	tags, ok := s.adds[elem]
	if !ok {
		tags = make(map[TagId]struct{})
		s.adds[elem] = tags
	}
	tags[tag] = struct{}{}
}

// Remove tombstones every tag currently observed for elem. Tags added
// concurrently elsewhere, not yet observed here, are unaffected until a
// merge brings them in - and are not retroactively removed, since their
// tag was never tombstoned (add-wins on disjoint tags).
func (s *ORSet[T]) Remove(elem T, node string) {
	for tag := range s.adds[elem] {
		s.tombstones[elemTag[T]{elem: elem, tag: tag}] = struct{}{}
	}
	delete(s.adds, elem)
	s.vc.Increment(node)
}

// Contains reports whether elem has any surviving (untombstoned) tag.
func (s *ORSet[T]) Contains(elem T) bool {
	tags, ok := s.adds[elem]
	return ok && len(tags) > 0
}

// Elements returns the set of elements with at least one surviving tag.
func (s *ORSet[T]) Elements() []T {
	out := make([]T, 0, len(s.adds))
	for elem, tags := range s.adds {
		if len(tags) > 0 {
			out = append(out, elem)
		}
	}
	return out
}

// Tags returns the full tag set currently recorded for elem, mainly
// for convergence testing.
func (s *ORSet[T]) Tags(elem T) []TagId {
	tags := s.adds[elem]
	out := make([]TagId, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	return out
}

// Merge unions add-tags, unions tombstones, removes any (elem, tag) ∈
// tombstones from adds, then drops empty entries. Commutative,
// associative, and idempotent.
func MergeORSet[T comparable](a, b *ORSet[T]) *ORSet[T] {
	out := NewORSet[T]()
	out.vc = Merge(a.vc, b.vc)

	for key := range a.tombstones {
		out.tombstones[key] = struct{}{}
	}
	for key := range b.tombstones {
		out.tombstones[key] = struct{}{}
	}

	for elem, tags := range a.adds {
		for tag := range tags {
			out.addTagged(elem, tag)
		}
	}
	for elem, tags := range b.adds {
		for tag := range tags {
			out.addTagged(elem, tag)
		}
	}

	for elem, tags := range out.adds {
		if len(tags) == 0 {
			delete(out.adds, elem)
		}
	}
	return out
}

// Merge merges other into a copy of s and returns the result, leaving
// both inputs unmodified.
func (s *ORSet[T]) Merge(other *ORSet[T]) *ORSet[T] {
	return MergeORSet(s, other)
}

// orSetAddWire and orSetTagWire carry an ORSet's internal maps as
// slices of (element, tag[s]) pairs, since Go's encoding/json cannot
// use an arbitrary comparable T (an array, a struct) as a map key -
// only the wire representation needs the workaround, not the
// in-memory structure.
type orSetAddWire[T comparable] struct {
	Elem T       `json:"elem"`
	Tags []TagId `json:"tags"`
}

type orSetTagWire[T comparable] struct {
	Elem T     `json:"elem"`
	Tag  TagId `json:"tag"`
}

type orSetWire[T comparable] struct {
	Adds       []orSetAddWire[T] `json:"adds"`
	Tombstones []orSetTagWire[T] `json:"tombstones"`
	VC         VectorClock       `json:"vc"`
}

// MarshalJSON renders the set's full internal state - surviving
// add-tags, tombstones, and vector clock - so a round trip through
// snapshot persistence reconstructs an identical ORSet.
func (s *ORSet[T]) MarshalJSON() ([]byte, error) {
	wire := orSetWire[T]{VC: s.vc}
	for elem, tags := range s.adds {
		tagList := make([]TagId, 0, len(tags))
		for tag := range tags {
			tagList = append(tagList, tag)
		}
		wire.Adds = append(wire.Adds, orSetAddWire[T]{Elem: elem, Tags: tagList})
	}
	for key := range s.tombstones {
		wire.Tombstones = append(wire.Tombstones, orSetTagWire[T]{Elem: key.elem, Tag: key.tag})
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reconstructs an ORSet from MarshalJSON's wire format.
func (s *ORSet[T]) UnmarshalJSON(data []byte) error {
	var wire orSetWire[T]
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.adds = make(map[T]map[TagId]struct{}, len(wire.Adds))
	s.tombstones = make(map[elemTag[T]]struct{}, len(wire.Tombstones))
	s.vc = wire.VC
	if s.vc == nil {
		s.vc = NewVectorClock()
	}
	for _, a := range wire.Adds {
		tags := make(map[TagId]struct{}, len(a.Tags))
		for _, tag := range a.Tags {
			tags[tag] = struct{}{}
		}
		s.adds[a.Elem] = tags
	}
	for _, ts := range wire.Tombstones {
		s.tombstones[elemTag[T]{elem: ts.Elem, tag: ts.Tag}] = struct{}{}
	}
	return nil
}
