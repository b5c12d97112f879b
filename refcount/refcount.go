// Package refcount provides shared-ownership handles for long-lived objects
// such as communicators and datatypes that many in-flight requests reference.
//
// An Object embeds the counter; a Ref is one acquired reference to it. A Ref
// can be released at most once, and any access through a released Ref panics,
// so double-release and use-after-release surface immediately instead of
// silently corrupting the count.
package refcount

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
)

var (
	// ErrDestroyed indicates the object's count already reached zero.
	ErrDestroyed = errors.New("refcount: object destroyed")
	// ErrExhausted indicates the object cannot hold another reference.
	ErrExhausted = errors.New("refcount: reference count exhausted")
	// ErrReleased indicates a handle was used after it was released.
	ErrReleased = errors.New("refcount: handle already released")
	// ErrUnderflow indicates more releases than acquisitions.
	ErrUnderflow = errors.New("refcount: release without matching retain")
)

// MaxRefs bounds the number of live references a single object can carry.
const MaxRefs = math.MaxInt32

// Counted is implemented by objects that can be shared through a Ref.
type Counted interface {
	Retain() error
	Release()
}

// Object is an embeddable reference counter. The zero value is not usable;
// call Init before sharing the object.
type Object struct {
	refs    atomic.Int64
	destroy func()
	once    sync.Once
}

// Init sets the count to one, owned by the creator, and registers the
// destructor run when the last reference is released.
func (o *Object) Init(destroy func()) {
	o.destroy = destroy
	o.refs.Store(1)
}

// Retain adds a reference. It fails once the object has been destroyed or
// when the count would exceed MaxRefs; in both cases the count is unchanged.
func (o *Object) Retain() error {
	for {
		cur := o.refs.Load()
		if cur <= 0 {
			return ErrDestroyed
		}
		if cur >= MaxRefs {
			return ErrExhausted
		}
		if o.refs.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release drops a reference and destroys the object when none remain.
func (o *Object) Release() {
	n := o.refs.Add(-1)
	if n < 0 {
		panic(ErrUnderflow)
	}
	if n == 0 {
		o.once.Do(func() {
			if o.destroy != nil {
				o.destroy()
			}
		})
	}
}

// Count reports the current number of references.
func (o *Object) Count() int64 {
	return o.refs.Load()
}

// Destroyed reports whether the count has reached zero.
func (o *Object) Destroyed() bool {
	return o.refs.Load() <= 0
}

// Ref is a single acquired reference to a Counted object.
type Ref[T Counted] struct {
	obj      T
	released atomic.Bool
}

// Acquire retains obj and returns a handle owning the new reference.
func Acquire[T Counted](obj T) (*Ref[T], error) {
	if err := obj.Retain(); err != nil {
		return nil, err
	}
	return &Ref[T]{obj: obj}, nil
}

// Get returns the referenced object. It panics with ErrReleased when the
// handle has already been released.
func (r *Ref[T]) Get() T {
	if r == nil || r.released.Load() {
		panic(ErrReleased)
	}
	return r.obj
}

// Released reports whether the handle no longer owns a reference.
func (r *Ref[T]) Released() bool {
	return r == nil || r.released.Load()
}

// Release gives the reference back. Only the first call has an effect;
// later calls return ErrReleased.
func (r *Ref[T]) Release() error {
	if r == nil {
		return ErrReleased
	}
	if !r.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	r.obj.Release()
	return nil
}
