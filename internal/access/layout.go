package access

import "fmt"

// Layout selects the block layout rules used to place members.
type Layout int

const (
	Std140 Layout = iota
	Std430
	ScalarLayout
	Relaxed
)

func (l Layout) String() string {
	switch l {
	case Std140:
		return "std140"
	case Std430:
		return "std430"
	case ScalarLayout:
		return "scalar"
	case Relaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a layout name to a Layout.
func ParseLayout(name string) (Layout, error) {
	switch name {
	case "std140":
		return Std140, nil
	case "std430", "":
		return Std430, nil
	case "scalar":
		return ScalarLayout, nil
	case "relaxed":
		return Relaxed, nil
	default:
		return 0, fmt.Errorf("unknown block layout %q", name)
	}
}

const pointerBytes = 8

// SizeOf returns the size of t including trailing padding. Runtime arrays
// contribute nothing.
func SizeOf(t Type, l Layout) uint64 {
	switch t := t.(type) {
	case Scalar:
		return t.Kind.Bytes()
	case Vector:
		return uint64(t.N) * t.Elem.Kind.Bytes()
	case Matrix:
		return uint64(t.Columns) * StrideOf(Array{Elem: t.Column, Len: t.Columns}, l)
	case Array:
		if t.Len == 0 {
			return 0
		}
		return uint64(t.Len) * StrideOf(t, l)
	case *Struct:
		return structLayout(t, l).size
	case Pointer:
		return pointerBytes
	default:
		panic(fmt.Sprintf("access: unsupported type %T", t))
	}
}

// AlignOf returns the base alignment of t.
func AlignOf(t Type, l Layout) uint64 {
	switch t := t.(type) {
	case Scalar:
		return t.Kind.Bytes()
	case Vector:
		n := t.Elem.Kind.Bytes()
		if l == ScalarLayout || l == Relaxed {
			return n
		}
		if t.N == 2 {
			return 2 * n
		}
		return 4 * n
	case Matrix:
		return arrayAlign(t.Column, l)
	case Array:
		return arrayAlign(t.Elem, l)
	case *Struct:
		return structLayout(t, l).align
	case Pointer:
		return pointerBytes
	default:
		panic(fmt.Sprintf("access: unsupported type %T", t))
	}
}

// StrideOf returns the distance between consecutive array elements.
func StrideOf(a Array, l Layout) uint64 {
	elem := SizeOf(a.Elem, l)
	if l == ScalarLayout {
		return elem
	}
	return roundUp(elem, arrayAlign(a.Elem, l))
}

func arrayAlign(elem Type, l Layout) uint64 {
	align := AlignOf(elem, l)
	if l == Std140 {
		return max(align, 16)
	}
	if l == Relaxed {
		// Relaxed only loosens vector placement; arrays follow std430.
		return AlignOf(elem, Std430)
	}
	return align
}

type placedStruct struct {
	offsets []uint64
	size    uint64
	align   uint64
}

func structLayout(s *Struct, l Layout) placedStruct {
	p := placedStruct{offsets: make([]uint64, len(s.Fields)), align: 1}
	offset := uint64(0)
	for i, f := range s.Fields {
		align := AlignOf(f.Type, l)
		size := SizeOf(f.Type, l)
		offset = roundUp(offset, align)
		if v, ok := f.Type.(Vector); ok && l == Relaxed && straddles(offset, size) {
			// A vector may not improperly straddle a 16-byte boundary.
			offset = roundUp(offset, AlignOf(v, Std430))
		}
		p.offsets[i] = offset
		offset += size
		p.align = max(p.align, align)
	}
	if l == Std140 {
		p.align = max(p.align, 16)
	}
	p.size = roundUp(offset, p.align)
	return p
}

// straddles reports whether [offset, offset+size) of a vector no larger than
// 16 bytes crosses a 16-byte boundary.
func straddles(offset, size uint64) bool {
	if size > 16 {
		return offset%16 != 0
	}
	return offset/16 != (offset+size-1)/16
}

// FieldOffset returns the byte offset of field i of s.
func FieldOffset(s *Struct, l Layout, i int) uint64 {
	return structLayout(s, l).offsets[i]
}

func roundUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
