package posepipe

import (
	"fmt"
	"sync"
)

// RequestSlot wraps one InferRequest owned by a RequestPool.  A slot is
// either idle in the pool or in use by exactly one submission at a time
type RequestSlot struct {
	req InferRequest
	// idx is the slot position within the pool, used for diagnostics
	idx int
}

// Request returns the underlying inference request
func (s *RequestSlot) Request() InferRequest {
	return s.req
}

// RequestPool owns a fixed set of reusable inference requests created
// from an ExecutableNetwork.  It bounds concurrency to the pool capacity
// and provides blocking acquisition of idle requests
type RequestPool struct {
	mu   sync.Mutex
	cond *sync.Cond
	// idle holds the slots currently available for submission
	idle []*RequestSlot
	// inUse counts slots handed out and not yet released
	inUse  int
	size   int
	closed bool
}

// NewRequestPool creates a pool of size reusable requests from the given
// network.  Pool capacity is typically sized to the number of hardware
// streams the engine exposes
func NewRequestPool(net ExecutableNetwork, size int) (*RequestPool, error) {

	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &RequestPool{
		idle: make([]*RequestSlot, 0, size),
		size: size,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		req, err := net.CreateInferRequest()

		if err != nil {
			return nil, fmt.Errorf("error creating inference request %d: %w",
				i, err)
		}

		p.idle = append(p.idle, &RequestSlot{req: req, idx: i})
	}

	return p, nil
}

// GetIdleRequest returns an idle slot and marks it in use, blocking the
// caller while the pool is saturated
func (p *RequestPool) GetIdleRequest() (*RequestSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.idle) == 0 && !p.closed {
		p.cond.Wait()
	}

	if p.closed {
		return nil, ErrPoolClosed
	}

	slot := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	p.inUse++

	return slot, nil
}

// Release returns a slot to the idle set.  Release is invoked from the
// engine's completion callback, never by the goroutine that acquired
// the slot, as completion happens asynchronously
func (p *RequestPool) Release(slot *RequestSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inUse--

	if !p.closed {
		p.idle = append(p.idle, slot)
	}

	p.cond.Broadcast()
}

// Counts returns the number of idle and in use slots.  At all times
// idle+inUse equals the pool capacity
func (p *RequestPool) Counts() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.idle), p.inUse
}

// Size returns the pool capacity
func (p *RequestPool) Size() int {
	return p.size
}

// WaitForTotalCompletion blocks the caller until every in use slot has
// been released back to the pool.  Used to drain the pipeline before
// shutdown
func (p *RequestPool) WaitForTotalCompletion() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.inUse > 0 {
		p.cond.Wait()
	}
}

// Close marks the pool closed and wakes all blocked callers.  Slots
// still in flight are accepted back by Release but no longer handed
// out.  The underlying requests are released by closing the
// ExecutableNetwork they were created from
func (p *RequestPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.idle = nil
	p.cond.Broadcast()
}
