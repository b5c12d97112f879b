package pml

// begin moves the request to Active for one use. It resets the per-use state
// and never touches the reference counts acquired by Init.
func (r *SendRequest) begin() error {
	for {
		st := r.State()
		switch st {
		case StateInitialized:
		case StateCompleted:
			if !r.persistent {
				return StateError{Op: "start", State: st, Err: ErrNotRestartable}
			}
		case StateAllocated:
			return StateError{Op: "start", State: st, Err: ErrNotInitialized}
		case StateActive:
			return StateError{Op: "start", State: st, Err: ErrRequestActive}
		default:
			return StateError{Op: "start", State: st, Err: ErrRequestFreed}
		}
		if r.freeCalled.Load() {
			return StateError{Op: "start", State: st, Err: ErrRequestFreed}
		}
		if !r.state.CompareAndSwap(int32(st), int32(StateActive)) {
			continue
		}
		r.cancelled.Store(false)
		r.pmlComplete.Store(false)
		r.op.Store(newOperation())
		return nil
	}
}

// complete resolves the current use with st. When Free was called while the
// request was active, the deferred Return happens here, before waiters wake.
func (r *SendRequest) complete(st Status) bool {
	op := r.op.Load()
	if op == nil {
		return false
	}
	retired := false
	fired := op.complete(st, func() {
		r.pmlComplete.Store(true)
		r.state.Store(int32(StateCompleted))
		if r.engine != nil {
			r.engine.emit(r, st)
		}
		if r.freeCalled.Load() {
			retired = r.retire()
		}
	})
	if retired {
		r.recycle()
	}
	return fired
}

// Cancel marks the current use as cancelled. The transport observes the flag;
// a use that is already past the point of cancellation completes normally.
func (r *SendRequest) Cancel() error {
	switch st := r.State(); st {
	case StateActive:
		r.cancelled.Store(true)
		return nil
	case StateFreed:
		return StateError{Op: "cancel", State: st, Err: ErrRequestFreed}
	default:
		return StateError{Op: "cancel", State: st, Err: ErrNotActive}
	}
}

// Free retires the request. An inactive request releases its references
// immediately; an active one releases them when its current use completes.
// The request must not be used after Free.
func (r *SendRequest) Free() error {
	switch st := r.State(); st {
	case StateAllocated:
		if r.state.CompareAndSwap(int32(StateAllocated), int32(StateFreed)) {
			r.recycle()
		}
		return nil
	case StateFreed:
		return StateError{Op: "free", State: st, Err: ErrRequestFreed}
	}
	if !r.freeCalled.CompareAndSwap(false, true) {
		return StateError{Op: "free", State: r.State(), Err: ErrRequestFreed}
	}
	if r.State() == StateActive {
		return nil
	}
	if r.retire() {
		r.recycle()
	}
	return nil
}

func (r *SendRequest) recycle() {
	if r.pool != nil {
		r.pool.Release(r)
	}
}
