package router

import (
	"sync"
	"time"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates admission to a single peer: Closed admits
// everything, Open rejects everything until a cool-down elapses, and
// Half-open admits exactly one probe whose outcome decides whether the
// breaker returns to Closed or back to Open.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	threshold           int
	cooldown            time.Duration
	openedAt            time.Time
	halfOpenProbeInFlight bool
}

// NewCircuitBreaker returns a Closed breaker that opens after threshold
// consecutive failures and cools down for cooldown before probing.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed at now, transitioning
// Open→Half-open once the cool-down has elapsed and admitting exactly
// one in-flight probe while Half-open.
func (b *CircuitBreaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return spacepandaerr.New(spacepandaerr.KindTransportFailure, "router.CircuitBreaker.Allow", "circuit open")
		}
		b.state = StateHalfOpen
		b.halfOpenProbeInFlight = true
		return nil
	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return spacepandaerr.New(spacepandaerr.KindTransportFailure, "router.CircuitBreaker.Allow", "circuit half-open probe in flight")
		}
		b.halfOpenProbeInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and resets its failure counter,
// following either a Closed-state success or a successful Half-open
// probe.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenProbeInFlight = false
}

// RecordFailure increments the consecutive-failure counter, opening
// the breaker once threshold is reached (or immediately, on a failed
// Half-open probe).
func (b *CircuitBreaker) RecordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenProbeInFlight = false
		return
	}
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the breaker's current state, for diagnostics.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PeerAdmission combines a per-peer token-bucket rate limiter with a
// per-peer circuit breaker, the composite gate the session manager
// consults before dispatching a frame to or from a peer.
type PeerAdmission struct {
	mu       sync.Mutex
	limiter  RateLimiter
	breakers map[string]*CircuitBreaker
	threshold int
	cooldown  time.Duration
}

// RateLimiter is the subset of platform/ratelimiter.MapLimiter's
// interface PeerAdmission depends on, so tests can substitute a
// deterministic fake.
type RateLimiter interface {
	Allow(key string, now time.Time) bool
}

// NewPeerAdmission builds the composite admission gate.
func NewPeerAdmission(limiter RateLimiter, threshold int, cooldown time.Duration) *PeerAdmission {
	return &PeerAdmission{
		limiter:   limiter,
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (p *PeerAdmission) breakerFor(peerID string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[peerID]
	if !ok {
		b = NewCircuitBreaker(p.threshold, p.cooldown)
		p.breakers[peerID] = b
	}
	return b
}

// Allow reports whether a frame to/from peerID at now may proceed,
// checking the token bucket first (cheaper, no lock contention across
// peers) and the circuit breaker second.
func (p *PeerAdmission) Allow(peerID string, now time.Time) error {
	if p.limiter != nil && !p.limiter.Allow(peerID, now) {
		return spacepandaerr.New(spacepandaerr.KindCapacityExceeded, "router.PeerAdmission.Allow", "rate limit exceeded")
	}
	return p.breakerFor(peerID).Allow(now)
}

// RecordOutcome feeds a call's result back into peerID's circuit
// breaker.
func (p *PeerAdmission) RecordOutcome(peerID string, now time.Time, success bool) {
	b := p.breakerFor(peerID)
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure(now)
	}
}
