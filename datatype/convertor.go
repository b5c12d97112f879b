package datatype

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer indicates the user buffer cannot hold the requested elements.
	ErrShortBuffer = errors.New("datatype: buffer too small for element count")
	// ErrConvertorConsumed indicates the convertor was re-prepared after packing started.
	ErrConvertorConsumed = errors.New("datatype: convertor already consumed")
	// ErrNotPrepared indicates Pack was called before PrepareForSend.
	ErrNotPrepared = errors.New("datatype: convertor not prepared")
)

// ByteOrder identifies the byte order of a process's representation.
type ByteOrder int

const (
	LittleEndian ByteOrder = iota
	BigEndian
)

func (o ByteOrder) String() string {
	switch o {
	case LittleEndian:
		return "little-endian"
	case BigEndian:
		return "big-endian"
	default:
		return "unknown"
	}
}

// NativeOrder returns the byte order of the running host.
func NativeOrder() ByteOrder {
	if binary.NativeEndian.Uint16([]byte{1, 0}) == 1 {
		return LittleEndian
	}
	return BigEndian
}

// Converter is the sizing contract a send request consumes. A converter bound
// with PrepareForSend reports the packed size of the message without
// producing any bytes.
type Converter interface {
	// Copy returns an independent converter seeded from the receiver.
	Copy() Converter
	// PrepareForSend binds the converter to a buffer of count elements of dt.
	PrepareForSend(dt *Datatype, count int, buf []byte) error
	// PackedSize returns the total bytes the bound message packs into.
	PackedSize() int
}

// Convertor walks a typed buffer producing packed bytes in a target byte order.
// A Convertor is not safe for concurrent use.
type Convertor struct {
	order ByteOrder
	swap  bool

	dt       *Datatype
	count    int
	buf      []byte
	packed   int
	total    int
	prepared bool

	elem int
	seg  int
	off  int
}

var _ Converter = (*Convertor)(nil)

// NewConvertor returns an unbound convertor producing bytes in order.
func NewConvertor(order ByteOrder) *Convertor {
	return &Convertor{order: order, swap: order != NativeOrder()}
}

// Order returns the target byte order.
func (c *Convertor) Order() ByteOrder { return c.order }

// Copy returns a fresh, unbound convertor with the same target byte order.
func (c *Convertor) Copy() Converter {
	return NewConvertor(c.order)
}

// PrepareForSend binds the convertor. It may be repeated until the first byte
// is packed. With count == 0 the buffer is not inspected.
func (c *Convertor) PrepareForSend(dt *Datatype, count int, buf []byte) error {
	if dt == nil {
		return ErrNilType
	}
	if count < 0 {
		return fmt.Errorf("%w: negative count %d", ErrInvalidLayout, count)
	}
	if c.packed > 0 {
		return ErrConvertorConsumed
	}
	if count > 0 {
		if need := dt.span(count); len(buf) < need {
			return fmt.Errorf("%w: have %d want %d", ErrShortBuffer, len(buf), need)
		}
	}
	c.dt = dt
	c.count = count
	c.buf = buf
	c.total = dt.PackedSize(count)
	c.elem, c.seg, c.off = 0, 0, 0
	c.prepared = true
	return nil
}

// PackedSize returns the bytes the bound message produces. It is zero for an
// unbound convertor.
func (c *Convertor) PackedSize() int {
	return c.total
}

// Remaining returns the bytes not yet packed.
func (c *Convertor) Remaining() int {
	return c.total - c.packed
}

// Pack writes the next packed bytes into dst and returns how many were
// written. It returns 0 once the message is fully packed.
func (c *Convertor) Pack(dst []byte) (int, error) {
	if !c.prepared {
		return 0, ErrNotPrepared
	}
	segs := c.dt.segs
	n := 0
	for n < len(dst) && c.elem < c.count && len(segs) > 0 {
		s := segs[c.seg]
		base := c.elem*c.dt.extent + s.offset
		var k int
		if !c.swap || s.prim == 1 {
			k = copy(dst[n:], c.buf[base+c.off:base+s.length])
		} else {
			p := c.off / s.prim
			within := c.off % s.prim
			start := base + p*s.prim
			var tmp [16]byte
			prim := tmp[:s.prim]
			for i := 0; i < s.prim; i++ {
				prim[i] = c.buf[start+s.prim-1-i]
			}
			k = copy(dst[n:], prim[within:])
		}
		n += k
		c.off += k
		if c.off == s.length {
			c.off = 0
			c.seg++
			if c.seg == len(segs) {
				c.seg = 0
				c.elem++
			}
		}
	}
	c.packed += n
	return n, nil
}

// PackAll packs the whole bound message into a new slice.
func (c *Convertor) PackAll() ([]byte, error) {
	if !c.prepared {
		return nil, ErrNotPrepared
	}
	out := make([]byte, c.Remaining())
	off := 0
	for off < len(out) {
		n, err := c.Pack(out[off:])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		off += n
	}
	return out[:off], nil
}
