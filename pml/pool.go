package pml

import (
	"errors"
	"sync/atomic"
)

// RequestPool recycles retired send requests. Requests come out Allocated
// and go back in when they are freed.
type RequestPool struct {
	pool   chan *SendRequest
	engine *Engine
	closed atomic.Bool
}

// NewRequestPool constructs a pool that keeps up to capacity idle requests.
func NewRequestPool(capacity int) (*RequestPool, error) {
	if capacity <= 0 {
		return nil, errors.New("pml: RequestPool requires positive capacity")
	}
	return &RequestPool{pool: make(chan *SendRequest, capacity)}, nil
}

// Acquire returns an Allocated request, reusing an idle one when available.
func (p *RequestPool) Acquire() (*SendRequest, error) {
	if p == nil {
		return nil, errors.New("pml: nil RequestPool")
	}
	if p.closed.Load() {
		return nil, errors.New("pml: RequestPool closed")
	}
	select {
	case r := <-p.pool:
		r.pool = p
		r.engine = p.engine
		return r, nil
	default:
		return &SendRequest{pool: p, engine: p.engine}, nil
	}
}

// Release returns a freed request to the pool. Requests that are not freed,
// or that do not fit, are dropped.
func (p *RequestPool) Release(r *SendRequest) {
	if p == nil || r == nil || p.closed.Load() {
		return
	}
	if r.State() != StateFreed {
		return
	}
	r.reset()
	select {
	case p.pool <- r:
	default:
	}
}

// Idle reports how many requests are waiting for reuse.
func (p *RequestPool) Idle() int {
	if p == nil {
		return 0
	}
	return len(p.pool)
}

// Close drops all idle requests and prevents further acquisitions.
func (p *RequestPool) Close() {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return
	}
	for {
		select {
		case <-p.pool:
		default:
			return
		}
	}
}
