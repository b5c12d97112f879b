// Package comm models process descriptors and the communicators that resolve
// peer ranks to them.
package comm

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/pml-go/datatype"
	"github.com/rocketbitz/pml-go/refcount"
)

// ErrInvalidRank indicates a rank outside the communicator.
var ErrInvalidRank = errors.New("comm: invalid rank")

// RankError reports a rank lookup that did not resolve.
type RankError struct {
	Rank int
	Size int
}

func (e RankError) Error() string {
	return fmt.Sprintf("comm: rank %d outside communicator of size %d", e.Rank, e.Size)
}

// Unwrap allows errors.Is to match ErrInvalidRank.
func (e RankError) Unwrap() error {
	return ErrInvalidRank
}

// Proc describes a peer process.
type Proc struct {
	Rank  int
	Name  string
	Order datatype.ByteOrder
	// Convertor is the sizing-converter template copied by every request
	// destined to this process.
	Convertor datatype.Converter
}

// NewProc returns a process descriptor whose converter template targets order.
func NewProc(rank int, name string, order datatype.ByteOrder) *Proc {
	return &Proc{
		Rank:      rank,
		Name:      name,
		Order:     order,
		Convertor: datatype.NewConvertor(order),
	}
}

func (p *Proc) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%d]", p.Name, p.Rank)
}

// Communicator is a reference-counted group of processes. Rank i of the
// communicator is procs[i].
type Communicator struct {
	refcount.Object

	name  string
	self  int
	procs []*Proc
}

// New builds a communicator over procs in which the local process has rank
// self. The caller owns the returned creator reference and drops it with Free.
func New(name string, self int, procs []*Proc) (*Communicator, error) {
	if len(procs) == 0 {
		return nil, errors.New("comm: communicator needs at least one process")
	}
	if self < 0 || self >= len(procs) {
		return nil, RankError{Rank: self, Size: len(procs)}
	}
	for i, p := range procs {
		if p == nil {
			return nil, fmt.Errorf("comm: nil process at rank %d", i)
		}
	}
	c := &Communicator{name: name, self: self, procs: append([]*Proc(nil), procs...)}
	c.Init(nil)
	return c, nil
}

// Name returns the communicator name.
func (c *Communicator) Name() string { return c.name }

// Size returns the number of processes.
func (c *Communicator) Size() int { return len(c.procs) }

// Rank returns the local process's rank.
func (c *Communicator) Rank() int { return c.self }

// Peer resolves rank to its process descriptor.
func (c *Communicator) Peer(rank int) (*Proc, error) {
	if rank < 0 || rank >= len(c.procs) {
		return nil, RankError{Rank: rank, Size: len(c.procs)}
	}
	return c.procs[rank], nil
}

// Free drops the creator reference.
func (c *Communicator) Free() {
	if c == nil {
		return
	}
	c.Release()
}
