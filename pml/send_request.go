package pml

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rocketbitz/pml-go/comm"
	"github.com/rocketbitz/pml-go/datatype"
	"github.com/rocketbitz/pml-go/refcount"
)

// SendMode selects the delivery semantics the transport applies.
type SendMode int

const (
	SendStandard SendMode = iota
	SendBuffered
	SendSynchronous
	SendReady
)

func (m SendMode) String() string {
	switch m {
	case SendStandard:
		return "standard"
	case SendBuffered:
		return "buffered"
	case SendSynchronous:
		return "synchronous"
	case SendReady:
		return "ready"
	default:
		return "unknown"
	}
}

func (m SendMode) valid() bool {
	return m >= SendStandard && m <= SendReady
}

// SendParams are the call parameters bound by Init.
type SendParams struct {
	Buffer     []byte
	Count      int
	Datatype   *datatype.Datatype
	Peer       int
	Tag        int
	Comm       *comm.Communicator
	Mode       SendMode
	Persistent bool
}

func (p SendParams) validate() error {
	if p.Comm == nil {
		return invalidArg("nil communicator")
	}
	if p.Datatype == nil {
		return invalidArg("nil datatype")
	}
	if p.Count < 0 {
		return invalidArg("negative count %d", p.Count)
	}
	if p.Tag < 0 {
		return invalidArg("negative tag %d", p.Tag)
	}
	if !p.Mode.valid() {
		return invalidArg("unknown send mode %d", int(p.Mode))
	}
	if p.Peer < 0 || p.Peer >= p.Comm.Size() {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, comm.RankError{Rank: p.Peer, Size: p.Comm.Size()})
	}
	return nil
}

// SendRequest is one outstanding or reusable send operation.
type SendRequest struct {
	Base

	datatype  *refcount.Ref[*datatype.Datatype]
	buf       []byte
	count     int
	packed    int
	mode      SendMode
	convertor datatype.Converter

	returned atomic.Bool
	engine   *Engine
	pool     *RequestPool
}

// NewSendRequest returns an unbound request in the Allocated state.
func NewSendRequest() *SendRequest {
	return &SendRequest{}
}

// NewSend allocates a request and binds it with Init.
func NewSend(p SendParams) (*SendRequest, error) {
	r := NewSendRequest()
	if err := r.Init(p); err != nil {
		return nil, err
	}
	return r, nil
}

// Init binds an Allocated request to its peer, datatype and buffer. It
// acquires one reference on the communicator and one on the datatype, resolves
// the peer process, and computes the packed size with a sizing converter
// copied from the peer's template. Init is all-or-nothing: on error the
// request stays Allocated and no reference is held.
func (r *SendRequest) Init(p SendParams) error {
	if r == nil {
		return invalidArg("nil request")
	}
	switch st := r.State(); st {
	case StateAllocated:
	case StateActive:
		return StateError{Op: "init", State: st, Err: ErrRequestActive}
	case StateFreed:
		return StateError{Op: "init", State: st, Err: ErrRequestFreed}
	default:
		return StateError{Op: "init", State: st, Err: ErrAlreadyInitialized}
	}
	if err := p.validate(); err != nil {
		return err
	}

	commRef, err := refcount.Acquire(p.Comm)
	if err != nil {
		return fmt.Errorf("pml: acquire communicator: %w", err)
	}
	dtRef, err := refcount.Acquire(p.Datatype)
	if err != nil {
		_ = commRef.Release()
		return fmt.Errorf("pml: acquire datatype: %w", err)
	}
	rollback := func() {
		_ = dtRef.Release()
		_ = commRef.Release()
	}

	proc, err := p.Comm.Peer(p.Peer)
	if err != nil {
		rollback()
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	packed := 0
	var conv datatype.Converter
	if p.Count > 0 {
		template := proc.Convertor
		if template == nil {
			template = datatype.NewConvertor(proc.Order)
		}
		// The sizing converter only learns the packed size; the transport
		// builds its own converter to transmit.
		conv = template.Copy()
		if err := conv.PrepareForSend(p.Datatype, p.Count, p.Buffer); err != nil {
			rollback()
			return fmt.Errorf("%w: prepare convertor: %w", ErrInvalidArgument, err)
		}
		packed = conv.PackedSize()
	}

	r.id = uuid.New()
	r.peer = p.Peer
	r.tag = p.Tag
	r.comm = commRef
	r.proc = proc
	r.persistent = p.Persistent
	r.pmlComplete.Store(p.Persistent)
	r.freeCalled.Store(false)
	r.cancelled.Store(false)
	r.op.Store(nil)

	r.datatype = dtRef
	r.buf = p.Buffer
	r.count = p.Count
	r.packed = packed
	r.mode = p.Mode
	r.convertor = conv
	r.returned.Store(false)

	r.state.Store(int32(StateInitialized))
	return nil
}

// Return releases the communicator and datatype references acquired by Init
// and retires the request. It must not be called while the request is active;
// Free is the usual way to retire a request.
func (r *SendRequest) Return() error {
	switch st := r.State(); st {
	case StateAllocated:
		return StateError{Op: "return", State: st, Err: ErrNotInitialized}
	case StateActive:
		return StateError{Op: "return", State: st, Err: ErrRequestActive}
	}
	if !r.retire() {
		return ErrAlreadyReturned
	}
	return nil
}

// retire performs the single release of the shared references. It reports
// whether this call did the release.
func (r *SendRequest) retire() bool {
	if !r.returned.CompareAndSwap(false, true) {
		return false
	}
	err := errors.Join(r.comm.Release(), r.datatype.Release())
	r.state.Store(int32(StateFreed))
	if r.engine != nil {
		r.engine.emitFreed(r, err)
	}
	return true
}

// Datatype returns the bound datatype. It panics once the request's
// references have been returned.
func (r *SendRequest) Datatype() *datatype.Datatype { return r.datatype.Get() }

// Buffer returns the user buffer.
func (r *SendRequest) Buffer() []byte { return r.buf }

// Count returns the number of datatype elements to send.
func (r *SendRequest) Count() int { return r.count }

// PackedSize returns the packed byte count computed at Init.
func (r *SendRequest) PackedSize() int { return r.packed }

// Mode returns the send mode.
func (r *SendRequest) Mode() SendMode { return r.mode }

// Convertor returns the sizing converter, or nil for an empty message. It is
// not suitable for transmitting the message.
func (r *SendRequest) Convertor() datatype.Converter { return r.convertor }

// reset returns a retired request to the Allocated state.
func (r *SendRequest) reset() {
	r.id = uuid.Nil
	r.peer, r.tag = 0, 0
	r.comm = nil
	r.proc = nil
	r.persistent = false
	r.pmlComplete.Store(false)
	r.freeCalled.Store(false)
	r.cancelled.Store(false)
	r.op.Store(nil)
	r.datatype = nil
	r.buf = nil
	r.count, r.packed = 0, 0
	r.mode = SendStandard
	r.convertor = nil
	r.returned.Store(false)
	r.state.Store(int32(StateAllocated))
}
