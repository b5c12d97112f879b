// Package pml implements the point-to-point send request: the object that
// represents an in-flight or reusable send, the protocol that binds it to a
// peer, datatype and buffer, and the completion and reuse state machine that
// governs its shared references on the communicator and datatype.
package pml

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/pml-go/comm"
	"github.com/rocketbitz/pml-go/refcount"
)

// State is the lifecycle position of a request.
type State int32

const (
	StateAllocated State = iota
	StateInitialized
	StateActive
	StateCompleted
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Status describes the outcome of one use of a request.
type Status struct {
	Peer      int
	Tag       int
	Bytes     int
	Cancelled bool
	Err       error
}

// Base holds the fields shared by every point-to-point request.
type Base struct {
	id         uuid.UUID
	peer       int
	tag        int
	comm       *refcount.Ref[*comm.Communicator]
	proc       *comm.Proc
	persistent bool

	state       atomic.Int32
	pmlComplete atomic.Bool
	freeCalled  atomic.Bool
	cancelled   atomic.Bool

	op atomic.Pointer[operation]
}

// ID returns the identifier assigned at initialization.
func (b *Base) ID() uuid.UUID { return b.id }

// Peer returns the destination rank.
func (b *Base) Peer() int { return b.peer }

// Tag returns the message tag.
func (b *Base) Tag() int { return b.tag }

// Proc returns the resolved peer process descriptor.
func (b *Base) Proc() *comm.Proc { return b.proc }

// Persistent reports whether the request can be restarted after completion.
func (b *Base) Persistent() bool { return b.persistent }

// Communicator returns the bound communicator. It panics once the request's
// references have been returned.
func (b *Base) Communicator() *comm.Communicator { return b.comm.Get() }

// State returns the current lifecycle state.
func (b *Base) State() State { return State(b.state.Load()) }

// PMLComplete reports whether the transport has no outstanding work for the
// request. Persistent requests are complete until started.
func (b *Base) PMLComplete() bool { return b.pmlComplete.Load() }

// FreeCalled reports whether Free has been requested.
func (b *Base) FreeCalled() bool { return b.freeCalled.Load() }

// Cancelled reports whether cancellation was requested for the current use.
func (b *Base) Cancelled() bool { return b.cancelled.Load() }

// Status returns the status of the most recent completed use.
func (b *Base) Status() Status {
	op := b.op.Load()
	if op == nil {
		return Status{}
	}
	return op.statusSnapshot()
}

// Wait blocks until the current use completes or ctx is done. A request with
// nothing in flight returns immediately with an empty status.
func (b *Base) Wait(ctx context.Context) (Status, error) {
	op := b.op.Load()
	if op == nil {
		return Status{}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		select {
		case <-op.done:
			return op.statusSnapshot(), nil
		default:
		}
		return Status{}, ctx.Err()
	case <-op.done:
		return op.statusSnapshot(), nil
	}
}

// Test reports whether the current use has completed without blocking.
func (b *Base) Test() (Status, bool) {
	op := b.op.Load()
	if op == nil {
		return Status{}, true
	}
	select {
	case <-op.done:
		return op.statusSnapshot(), true
	default:
		return Status{}, false
	}
}

// Done exposes a channel that closes when the current use completes. It is
// nil when nothing has been started.
func (b *Base) Done() <-chan struct{} {
	op := b.op.Load()
	if op == nil {
		return nil
	}
	return op.done
}

// OnComplete registers a callback invoked asynchronously when the current
// use completes.
func (b *Base) OnComplete(fn func(Status)) {
	op := b.op.Load()
	if op == nil || fn == nil {
		return
	}
	op.addCallback(fn)
}

// operation is the per-use completion state of a request. A persistent
// request gets a fresh operation every time it is started.
type operation struct {
	done chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	status    Status
	callbacks []func(Status)
}

func newOperation() *operation {
	return &operation{done: make(chan struct{})}
}

// complete records st and runs resolve before waiters are released. It
// reports whether this call performed the completion.
func (op *operation) complete(st Status, resolve func()) bool {
	fired := false
	op.once.Do(func() {
		fired = true
		op.mu.Lock()
		op.status = st
		op.completed = true
		callbacks := append([]func(Status){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if resolve != nil {
			resolve()
		}

		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(st)
		}
	})
	return fired
}

func (op *operation) statusSnapshot() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

func (op *operation) addCallback(cb func(Status)) {
	op.mu.Lock()
	if op.completed {
		st := op.status
		op.mu.Unlock()
		go cb(st)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// WaitAll waits for every request and returns their statuses in order. It
// stops at the first context error.
func WaitAll(ctx context.Context, reqs ...*SendRequest) ([]Status, error) {
	statuses := make([]Status, len(reqs))
	for i, r := range reqs {
		if r == nil {
			return statuses, errors.New("pml: nil request")
		}
		st, err := r.Wait(ctx)
		if err != nil {
			return statuses, err
		}
		statuses[i] = st
	}
	return statuses, nil
}
