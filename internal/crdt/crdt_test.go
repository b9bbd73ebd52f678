package crdt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/var-che/spacepanda/internal/identity"
)

func TestVectorClockMergeAndOrder(t *testing.T) {
	a := NewVectorClock()
	a.Increment("n1")
	a.Increment("n1")
	b := NewVectorClock()
	b.Increment("n2")

	merged := Merge(a, b)
	if merged["n1"] != 2 || merged["n2"] != 1 {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
	if !HappensBefore(a, merged) {
		t.Fatal("expected a to happen-before its merge with b")
	}
}

func TestVectorClockSaturatesWithoutPanic(t *testing.T) {
	vc := VectorClock{"n1": ^uint64(0) - 1}
	vc.Increment("n1")
	vc.Increment("n1")
	if vc["n1"] != ^uint64(0) {
		t.Fatalf("expected saturation at max uint64, got %d", vc["n1"])
	}
}

func TestORSetMergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	a := NewORSet[string]()
	a.Add("x", "r1")
	b := NewORSet[string]()
	b.Add("y", "r2")
	c := NewORSet[string]()
	c.Add("z", "r3")

	ab := a.Merge(b)
	ba := b.Merge(a)
	if !sameElements(ab.Elements(), ba.Elements()) {
		t.Fatal("expected merge(a,b) == merge(b,a)")
	}

	abc1 := ab.Merge(c)
	bc := b.Merge(c)
	abc2 := a.Merge(bc)
	if !sameElements(abc1.Elements(), abc2.Elements()) {
		t.Fatal("expected merge to associate")
	}

	aa := a.Merge(a)
	if !sameElements(aa.Elements(), a.Elements()) {
		t.Fatal("expected merge(a,a) == a")
	}
}

func TestORSetConcurrentAddRemoveDisjointTagsAddWins(t *testing.T) {
	s1 := NewORSet[string]()
	tag := s1.Add("x", "r1")

	s2 := s1.Merge(NewORSet[string]())
	s2.Remove("x", "r2")

	s3 := NewORSet[string]()
	s3.addTagged("x", NewTagId())

	merged := s2.Merge(s3)
	if !merged.Contains("x") {
		t.Fatal("expected disjoint-tag concurrent add to survive remove")
	}
	_ = tag
}

func TestORSetSameTagRemoveWins(t *testing.T) {
	s := NewORSet[string]()
	s.Add("x", "r1")
	removed := s.Merge(s)
	removed.Remove("x", "r1")

	merged := s.Merge(removed)
	if merged.Contains("x") {
		t.Fatal("expected matching-tag tombstone to win over the original add")
	}
}

func TestLWWMergePicksHigherTimestampThenNodeID(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := time.Unix(2000, 0)

	a := NewLWWRegister("a-value", t0, "node-a")
	b := NewLWWRegister("b-value", t1, "node-b")
	if got := MergeLWW(a, b).Value; got != "b-value" {
		t.Fatalf("expected later timestamp to win, got %v", got)
	}

	c := NewLWWRegister("c-value", t0, "node-c")
	d := NewLWWRegister("d-value", t0, "node-a")
	if got := MergeLWW(c, d).Value; got != "c-value" {
		t.Fatalf("expected lexicographically greater node_id to win on tie, got %v", got)
	}
	if got := MergeLWW(d, c).Value; got != "c-value" {
		t.Fatalf("expected merge to be commutative on tie, got %v", got)
	}
}

func TestLWWMergeIdenticalTimestampNodeIsIdempotent(t *testing.T) {
	ts := time.Unix(5000, 0)
	a := NewLWWRegister("same", ts, "node-x")
	b := NewLWWRegister("same", ts, "node-x")
	merged := MergeLWW(a, b)
	if merged.Value != "same" {
		t.Fatalf("expected identical register merge to be idempotent, got %v", merged.Value)
	}
}

func TestORMapMergesRecursively(t *testing.T) {
	type reactionSet = *ORSet[string]
	m1 := NewORMap[string, reactionSet]()
	s1 := NewORSet[string]()
	s1.Add("thumbsup", "r1")
	m1.Set("msg-1", s1)

	m2 := NewORMap[string, reactionSet]()
	s2 := NewORSet[string]()
	s2.Add("heart", "r2")
	m2.Set("msg-1", s2)
	s3 := NewORSet[string]()
	s3.Add("fire", "r3")
	m2.Set("msg-2", s3)

	merged := m1.Merge(m2)
	v1, ok := merged.Get("msg-1")
	if !ok {
		t.Fatal("expected msg-1 key to survive merge")
	}
	if !v1.Contains("thumbsup") || !v1.Contains("heart") {
		t.Fatal("expected per-key reaction sets to merge")
	}
	if _, ok := merged.Get("msg-2"); !ok {
		t.Fatal("expected msg-2, present only in m2, to carry through")
	}
}

func TestACLVerifierEnforcesSignatureAndMonotonicCounter(t *testing.T) {
	master, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate master: %v", err)
	}
	device, _, err := identity.GenerateUnder(master)
	if err != nil {
		t.Fatalf("generate device: %v", err)
	}

	verifier := NewACLVerifier()
	verifier.Authorize("chan-1", device.DeviceID(), device.CurrentVersion(), device.PublicKey())

	handle := device.Handle()
	operation := []byte("add-message:hello")
	counter := uint64(1)
	signed := CanonicalSigningBytes([]byte("chan-1"), operation, counter, device.CurrentVersion())
	sig := identity_Sign(t, handle, signed)

	meta := OperationMetadata{
		ChannelID:     []byte("chan-1"),
		AuthorDevice:  device.DeviceID(),
		AuthorVersion: device.CurrentVersion(),
		Counter:       counter,
		Signature:     sig,
	}
	if err := verifier.VerifyOperation(meta, operation); err != nil {
		t.Fatalf("expected valid operation to verify: %v", err)
	}

	if err := verifier.VerifyOperation(meta, operation); err == nil {
		t.Fatal("expected replayed counter to be rejected")
	}

	meta2 := meta
	meta2.Counter = counter // still stale
	meta2.ChannelID = []byte("chan-1")
	if err := verifier.VerifyOperation(meta2, operation); err == nil {
		t.Fatal("expected non-increasing counter to be rejected")
	}

	unauthorizedMeta := meta
	unauthorizedMeta.ChannelID = []byte("chan-unknown")
	if err := verifier.VerifyOperation(unauthorizedMeta, operation); err == nil {
		t.Fatal("expected unauthorized channel to be rejected")
	}
}

// identity_Sign is a small test-local helper so the ACL test doesn't need
// to duplicate the device-key signing dance inline at each call site; it
// signs pre-canonicalized bytes directly rather than re-deriving the
// counter, since the ACL test manages its own counter sequence.
func identity_Sign(t *testing.T, handle identity.Handle, signed []byte) []byte {
	t.Helper()
	sig, err := handle.SignDetached(signed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestORSetJSONRoundTrip(t *testing.T) {
	original := NewORSet[string]()
	original.Add("x", "r1")
	original.Add("y", "r1")
	original.Remove("y", "r1")

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewORSet[string]()
	if err := json.Unmarshal(raw, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !restored.Contains("x") {
		t.Fatal("expected x to survive the round trip")
	}
	if restored.Contains("y") {
		t.Fatal("expected y's tombstone to survive the round trip")
	}
	if !sameElements(tagStrings(original.Tags("x")), tagStrings(restored.Tags("x"))) {
		t.Fatal("expected identical surviving tags for x after round trip")
	}
}

func TestORMapJSONRoundTrip(t *testing.T) {
	now := time.Now()
	original := NewORMap[string, LWWRegister[string]]()
	original.Set("k1", NewLWWRegister("v1", now, "r1"))

	raw, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewORMap[string, LWWRegister[string]]()
	if err := json.Unmarshal(raw, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, ok := restored.Get("k1")
	if !ok || got.Value != "v1" {
		t.Fatalf("expected k1=v1 to survive the round trip, got %+v (ok=%v)", got, ok)
	}
}

func tagStrings(tags []TagId) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}

func sameElements(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int)
	for _, v := range a {
		counts[v]++
	}
	for _, v := range b {
		counts[v]--
	}
	for _, c := range counts {
		if c != 0 {
			return false
		}
	}
	return true
}
