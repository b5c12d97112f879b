// Package datatype describes the memory layout of message elements and
// converts typed buffers into packed byte streams.
package datatype

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/pml-go/refcount"
)

var (
	// ErrInvalidLayout indicates a constructor received an impossible layout.
	ErrInvalidLayout = errors.New("datatype: invalid layout")
	// ErrNilType indicates a nil base datatype was supplied.
	ErrNilType = errors.New("datatype: nil datatype")
)

// segment is a run of same-sized primitives at a byte offset within one element.
type segment struct {
	offset int
	length int
	prim   int
}

// Datatype describes the layout of one element of a user buffer. Datatypes are
// reference counted; requests hold a reference for as long as they are in use.
type Datatype struct {
	refcount.Object

	name       string
	size       int
	extent     int
	upper      int
	segs       []segment
	predefined bool
}

func newDatatype(name string, segs []segment, extent int) *Datatype {
	dt := &Datatype{name: name, segs: mergeSegments(segs), extent: extent}
	for _, s := range dt.segs {
		dt.size += s.length
		if end := s.offset + s.length; end > dt.upper {
			dt.upper = end
		}
	}
	dt.Init(nil)
	return dt
}

func predefined(name string, size int) *Datatype {
	dt := newDatatype(name, []segment{{offset: 0, length: size, prim: size}}, size)
	dt.predefined = true
	return dt
}

// Predefined datatypes. They are never destroyed.
var (
	Byte    = predefined("byte", 1)
	Char    = predefined("char", 1)
	Bool    = predefined("bool", 1)
	Int8    = predefined("int8", 1)
	Int16   = predefined("int16", 2)
	Int32   = predefined("int32", 4)
	Int64   = predefined("int64", 8)
	Uint8   = predefined("uint8", 1)
	Uint16  = predefined("uint16", 2)
	Uint32  = predefined("uint32", 4)
	Uint64  = predefined("uint64", 8)
	Float32 = predefined("float32", 4)
	Float64 = predefined("float64", 8)
)

// Name returns the datatype name.
func (d *Datatype) Name() string { return d.name }

// Size returns the number of data bytes in one element, excluding gaps.
func (d *Datatype) Size() int { return d.size }

// Extent returns the distance in bytes between consecutive elements.
func (d *Datatype) Extent() int { return d.extent }

// Predefined reports whether d is one of the package-level basic types.
func (d *Datatype) Predefined() bool { return d.predefined }

// Holey reports whether one element contains gaps, i.e. its data bytes are not
// a single dense run covering the whole extent.
func (d *Datatype) Holey() bool {
	return len(d.segs) != 1 || d.size != d.extent
}

// PackedSize returns the packed size of count elements in host representation.
func (d *Datatype) PackedSize(count int) int {
	if count <= 0 {
		return 0
	}
	return d.size * count
}

// span returns the minimum buffer length holding count elements.
func (d *Datatype) span(count int) int {
	if count <= 0 {
		return 0
	}
	return (count-1)*d.extent + d.upper
}

// Free drops the creator reference. Predefined types ignore Free.
func (d *Datatype) Free() {
	if d == nil || d.predefined {
		return
	}
	d.Release()
}

func (d *Datatype) String() string {
	return fmt.Sprintf("%s(size=%d extent=%d)", d.name, d.size, d.extent)
}

// Contiguous replicates old count times back to back.
func Contiguous(count int, old *Datatype) (*Datatype, error) {
	if old == nil {
		return nil, ErrNilType
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count %d", ErrInvalidLayout, count)
	}
	var segs []segment
	for i := 0; i < count; i++ {
		segs = appendShifted(segs, old.segs, i*old.extent)
	}
	return newDatatype(fmt.Sprintf("contiguous(%d,%s)", count, old.name), segs, count*old.extent), nil
}

// Vector builds count blocks of blocklen elements of old, with block starts
// stride elements apart.
func Vector(count, blocklen, stride int, old *Datatype) (*Datatype, error) {
	if old == nil {
		return nil, ErrNilType
	}
	if count < 0 || blocklen < 0 || stride < 0 {
		return nil, fmt.Errorf("%w: vector(%d,%d,%d)", ErrInvalidLayout, count, blocklen, stride)
	}
	if count > 1 && stride < blocklen {
		return nil, fmt.Errorf("%w: stride %d overlaps block length %d", ErrInvalidLayout, stride, blocklen)
	}
	var segs []segment
	for i := 0; i < count; i++ {
		for j := 0; j < blocklen; j++ {
			segs = appendShifted(segs, old.segs, (i*stride+j)*old.extent)
		}
	}
	extent := 0
	if count > 0 {
		extent = ((count-1)*stride + blocklen) * old.extent
	}
	name := fmt.Sprintf("vector(%d,%d,%d,%s)", count, blocklen, stride, old.name)
	return newDatatype(name, segs, extent), nil
}

// Indexed builds blocks of old at the given element displacements.
func Indexed(blocklens, displs []int, old *Datatype) (*Datatype, error) {
	if old == nil {
		return nil, ErrNilType
	}
	if len(blocklens) != len(displs) {
		return nil, fmt.Errorf("%w: %d block lengths for %d displacements", ErrInvalidLayout, len(blocklens), len(displs))
	}
	fields := make([]Field, len(blocklens))
	for i := range blocklens {
		fields[i] = Field{Offset: displs[i] * old.extent, Count: blocklens[i], Type: old}
	}
	dt, err := buildStruct(fields)
	if err != nil {
		return nil, err
	}
	dt.name = fmt.Sprintf("indexed(%d,%s)", len(blocklens), old.name)
	return dt, nil
}

// Field is one member of a Struct datatype.
type Field struct {
	Offset int
	Count  int
	Type   *Datatype
}

// Struct builds a datatype from heterogeneous fields at byte offsets. Fields
// must not overlap and must be listed in increasing offset order.
func Struct(fields ...Field) (*Datatype, error) {
	dt, err := buildStruct(fields)
	if err != nil {
		return nil, err
	}
	dt.name = fmt.Sprintf("struct(%d)", len(fields))
	return dt, nil
}

func buildStruct(fields []Field) (*Datatype, error) {
	var segs []segment
	end := 0
	for i, f := range fields {
		if f.Type == nil {
			return nil, fmt.Errorf("%w: field %d", ErrNilType, i)
		}
		if f.Offset < end || f.Count < 0 {
			return nil, fmt.Errorf("%w: field %d at offset %d overlaps previous field", ErrInvalidLayout, i, f.Offset)
		}
		for j := 0; j < f.Count; j++ {
			segs = appendShifted(segs, f.Type.segs, f.Offset+j*f.Type.extent)
		}
		if f.Count > 0 {
			end = f.Offset + f.Count*f.Type.extent
		}
	}
	return newDatatype("", segs, end), nil
}

// Resized returns a copy of old with a different extent, typically used to add
// trailing padding.
func Resized(old *Datatype, extent int) (*Datatype, error) {
	if old == nil {
		return nil, ErrNilType
	}
	if extent < old.upper {
		return nil, fmt.Errorf("%w: extent %d smaller than data span %d", ErrInvalidLayout, extent, old.upper)
	}
	segs := append([]segment(nil), old.segs...)
	return newDatatype(fmt.Sprintf("resized(%s,%d)", old.name, extent), segs, extent), nil
}

// appendShifted appends src moved by bytes to dst, extending the last
// segment of dst when the next one continues it.
func appendShifted(dst, src []segment, by int) []segment {
	for _, s := range src {
		s.offset += by
		if s.length == 0 {
			continue
		}
		if n := len(dst); n > 0 {
			last := &dst[n-1]
			if last.offset+last.length == s.offset && last.prim == s.prim {
				last.length += s.length
				continue
			}
		}
		dst = append(dst, s)
	}
	return dst
}

func mergeSegments(segs []segment) []segment {
	return appendShifted(make([]segment, 0, len(segs)), segs, 0)
}
