package router

import (
	"sync"
	"time"

	"github.com/var-che/spacepanda/internal/spacepandaerr"
)

// DefaultRequestTimeout is the default outbound-request deadline.
const DefaultRequestTimeout = 30 * time.Second

// pendingRequest is one outbound Request awaiting its Response.
type pendingRequest struct {
	resultCh chan RpcMessage
	deadline time.Time
}

// Dispatcher tracks outbound requests by id so an inbound Response can
// be routed back to its awaiter, and resolves any request past its
// deadline with a timeout error. Background work (deadline sweeping)
// cooperates with Shutdown via a one-shot cancellation channel.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	timeout  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDispatcher returns a Dispatcher using the given default deadline.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Send registers id as awaiting a response and returns a channel that
// receives exactly one RpcMessage: the matching Response, or a
// synthetic timeout Response if the deadline elapses first.
func (d *Dispatcher) Send(id string, now time.Time) <-chan RpcMessage {
	ch := make(chan RpcMessage, 1)
	d.mu.Lock()
	d.pending[id] = &pendingRequest{resultCh: ch, deadline: now.Add(d.timeout)}
	d.mu.Unlock()
	return ch
}

// Resolve delivers an inbound Response to its awaiter, if any is still
// pending. A Response for an unknown or already-resolved id is
// dropped; this can happen harmlessly after a Cancel or a timeout.
func (d *Dispatcher) Resolve(resp RpcMessage) {
	d.mu.Lock()
	p, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()
	if ok {
		p.resultCh <- resp
		close(p.resultCh)
	}
}

// Cancel drops a pending request without delivering any response,
// waking the awaiter's channel close with no value - the result of a
// caller-side context cancellation propagating down.
func (d *Dispatcher) Cancel(id string) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if ok {
		close(p.resultCh)
	}
}

// sweepExpired resolves every pending request past its deadline with a
// synthetic timeout Response.
func (d *Dispatcher) sweepExpired(now time.Time) {
	d.mu.Lock()
	var expired []*pendingRequest
	for id, p := range d.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(d.pending, id)
		}
	}
	d.mu.Unlock()

	for _, p := range expired {
		p.resultCh <- NewErrorResponse("", ErrCodeTimeout, timeoutErr.Error())
		close(p.resultCh)
	}
}

var timeoutErr = spacepandaerr.New(spacepandaerr.KindTimeout, "router.Dispatcher", "request deadline exceeded")

// RunSweeper starts the background deadline-sweeping loop, ticking
// every interval until Shutdown is called. It holds its own one-shot
// cancellation channel; Shutdown sends the signal and joins the task.
func (d *Dispatcher) RunSweeper(interval time.Duration) {
	go func() {
		defer close(d.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case t := <-ticker.C:
				d.sweepExpired(t)
			}
		}
	}()
}

// Shutdown sends the one-shot cancellation signal and joins the
// sweeper task.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
}
