package router

import (
	"strings"
	"testing"
	"time"
)

func TestDecodeFrameRejectsOversize(t *testing.T) {
	oversized := make([]byte, MaxFrameSize+1)
	_, err := DecodeFrame(oversized)
	if err == nil {
		t.Fatalf("expected oversized frame to be rejected before parsing")
	}
}

func TestEncodeFrameRejectsOversizeResult(t *testing.T) {
	msg, err := NewResult("req-1", strings.Repeat("x", MaxFrameSize))
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	if _, err := EncodeFrame(msg); err == nil {
		t.Fatalf("expected oversized encoded frame to be rejected")
	}
}

func TestReplayCacheRejectsDuplicateID(t *testing.T) {
	cache, err := NewReplayCache(10)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	now := time.Now()
	if err := cache.Claim("req-42", now); err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}
	if err := cache.Claim("req-42", now); err == nil {
		t.Fatalf("expected duplicate claim to be rejected")
	}
}

func TestReplayCacheRejectsAtCapacity(t *testing.T) {
	cache, err := NewReplayCache(2)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	now := time.Now()
	if err := cache.Claim("a", now); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if err := cache.Claim("b", now); err != nil {
		t.Fatalf("claim b: %v", err)
	}
	if err := cache.Claim("c", now); err == nil {
		t.Fatalf("expected capacity-exceeded rejection for 3rd distinct id at capacity 2")
	}

	evicted, ok := cache.PruneOldest()
	if !ok || evicted != "a" {
		t.Fatalf("expected oldest entry 'a' pruned, got %q ok=%v", evicted, ok)
	}
	if err := cache.Claim("c", now); err != nil {
		t.Fatalf("expected room for c after prune: %v", err)
	}
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(3, 10*time.Millisecond)
	now := time.Now()

	for i := 0; i < 2; i++ {
		cb.RecordFailure(now)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed before reaching threshold, got %v", cb.State())
	}
	cb.RecordFailure(now)
	if cb.State() != StateOpen {
		t.Fatalf("expected open after threshold failures, got %v", cb.State())
	}
	if err := cb.Allow(now); err == nil {
		t.Fatalf("expected open breaker to reject immediately")
	}

	later := now.Add(20 * time.Millisecond)
	if err := cb.Allow(later); err != nil {
		t.Fatalf("expected half-open probe admitted after cooldown: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %v", cb.State())
	}
}

func TestBuildCircuitNoRepeatedHop(t *testing.T) {
	candidates := make([]RelayContact, 0, 5)
	for i := 0; i < 5; i++ {
		pub := make([]byte, 32)
		pub[0] = byte(i + 1)
		candidates = append(candidates, RelayContact{PeerID: string(rune('a' + i)), PublicKey: pub, FailureCount: i})
	}
	circuit, err := BuildCircuit(candidates, 3, "origin")
	if err != nil {
		t.Fatalf("build circuit: %v", err)
	}
	if len(circuit.Hops) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(circuit.Hops))
	}
	seen := make(map[string]bool)
	for _, hop := range circuit.Hops {
		if seen[hop.PeerID] {
			t.Fatalf("hop %s appears twice in circuit", hop.PeerID)
		}
		seen[hop.PeerID] = true
	}
}

func TestBuildCircuitInsufficientRelays(t *testing.T) {
	candidates := []RelayContact{{PeerID: "a", PublicKey: make([]byte, 32)}}
	if _, err := BuildCircuit(candidates, 3, "origin"); err == nil {
		t.Fatalf("expected error when fewer relays than hops are available")
	}
}

func TestDispatcherTimeout(t *testing.T) {
	d := NewDispatcher(5 * time.Millisecond)
	ch := d.Send("req-1", time.Now())
	d.RunSweeper(1 * time.Millisecond)
	defer d.Shutdown()

	select {
	case resp := <-ch:
		if resp.Error == nil || resp.Error.Code != ErrCodeTimeout {
			t.Fatalf("expected timeout error response, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected dispatcher to resolve timed-out request")
	}
}

func TestDispatcherResolve(t *testing.T) {
	d := NewDispatcher(time.Second)
	ch := d.Send("req-1", time.Now())
	resp, err := NewResult("req-1", "ok")
	if err != nil {
		t.Fatalf("build result: %v", err)
	}
	d.Resolve(resp)

	select {
	case got := <-ch:
		if got.ID != "req-1" {
			t.Fatalf("expected matching response id, got %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected immediate resolution")
	}
}
