package access

import (
	"fmt"
	"strings"
)

// Type is a shader-visible data type reachable through a physical storage
// buffer pointer.
type Type interface {
	String() string
	isType()
}

// ScalarKind enumerates scalar component types.
type ScalarKind int

const (
	Int8 ScalarKind = iota
	Uint8
	Int16
	Uint16
	Float16
	Int32
	Uint32
	Float32
	Bool
	Int64
	Uint64
	Float64
)

var scalarNames = map[ScalarKind]string{
	Int8: "int8_t", Uint8: "uint8_t",
	Int16: "int16_t", Uint16: "uint16_t", Float16: "float16_t",
	Int32: "int", Uint32: "uint", Float32: "float", Bool: "bool",
	Int64: "int64_t", Uint64: "uint64_t", Float64: "double",
}

// Bytes returns the component size.
func (k ScalarKind) Bytes() uint64 {
	switch k {
	case Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int64, Uint64, Float64:
		return 8
	default:
		return 4
	}
}

// Scalar is a single component.
type Scalar struct {
	Kind ScalarKind
}

func (s Scalar) String() string { return scalarNames[s.Kind] }
func (Scalar) isType()          {}

// Vector has N (2..4) components.
type Vector struct {
	Elem Scalar
	N    int
}

func (v Vector) String() string {
	switch v.Elem.Kind {
	case Float32:
		return fmt.Sprintf("vec%d", v.N)
	case Int32:
		return fmt.Sprintf("ivec%d", v.N)
	case Uint32:
		return fmt.Sprintf("uvec%d", v.N)
	case Float64:
		return fmt.Sprintf("dvec%d", v.N)
	case Bool:
		return fmt.Sprintf("bvec%d", v.N)
	default:
		return fmt.Sprintf("%s_vec%d", v.Elem, v.N)
	}
}
func (Vector) isType() {}

// Matrix is column-major: Columns vectors of Column.
type Matrix struct {
	Column  Vector
	Columns int
}

func (m Matrix) String() string {
	return fmt.Sprintf("mat%dx%d", m.Columns, m.Column.N)
}
func (Matrix) isType() {}

// Array of Len elements. Len 0 is a runtime-sized array, legal only as the
// last member of a block.
type Array struct {
	Elem Type
	Len  int
}

func (a Array) String() string {
	if a.Len == 0 {
		return a.Elem.String() + "[]"
	}
	return fmt.Sprintf("%s[%d]", a.Elem, a.Len)
}
func (Array) isType() {}

// Field is a struct member.
type Field struct {
	Name string
	Type Type
}

// Struct is an aggregate with ordered members.
type Struct struct {
	Name   string
	Fields []Field
}

func (s *Struct) String() string {
	if s.Name != "" {
		return s.Name
	}
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Type.String() + " " + f.Name
	}
	return "struct{" + strings.Join(parts, "; ") + "}"
}
func (*Struct) isType() {}

// FieldIndex returns the index of the named field.
func (s *Struct) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Pointer is a PhysicalStorageBuffer pointer: a 64-bit device address.
type Pointer struct {
	Pointee Type
}

func (p Pointer) String() string {
	if p.Pointee == nil {
		return "ptr"
	}
	return "ptr<" + p.Pointee.String() + ">"
}
func (Pointer) isType() {}

// Convenience constructors.
var (
	Float = Scalar{Float32}
	Int   = Scalar{Int32}
	Uint  = Scalar{Uint32}
	Dbl   = Scalar{Float64}
	U64   = Scalar{Uint64}
)

func Vec(elem Scalar, n int) Vector { return Vector{Elem: elem, N: n} }

func Mat(columns, rows int) Matrix {
	return Matrix{Column: Vector{Elem: Float, N: rows}, Columns: columns}
}

func ArrayOf(elem Type, n int) Array { return Array{Elem: elem, Len: n} }

func StructOf(name string, fields ...Field) *Struct {
	return &Struct{Name: name, Fields: fields}
}

func F(name string, t Type) Field { return Field{Name: name, Type: t} }
