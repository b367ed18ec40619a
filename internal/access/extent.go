package access

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Step selects a struct field by name or an array/matrix/vector element.
type Step struct {
	Field string
	Index int
}

// FieldStep selects a struct member.
func FieldStep(name string) Step { return Step{Field: name, Index: -1} }

// IndexStep selects an element.
func IndexStep(i int) Step { return Step{Index: i} }

// ParsePath parses "a.b[3].c" into steps.
func ParsePath(path string) ([]Step, error) {
	var steps []Step
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		name := part
		if open := strings.IndexByte(part, '['); open >= 0 {
			name = part[:open]
			rest := part[open:]
			if name != "" {
				steps = append(steps, FieldStep(name))
			}
			for rest != "" {
				end := strings.IndexByte(rest, ']')
				if rest[0] != '[' || end < 0 {
					return nil, fmt.Errorf("malformed index in %q", path)
				}
				idx, err := strconv.Atoi(rest[1:end])
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("bad index %q in %q", rest[1:end], path)
				}
				steps = append(steps, IndexStep(idx))
				rest = rest[end+1:]
			}
			continue
		}
		steps = append(steps, FieldStep(name))
	}
	return steps, nil
}

// Extent is a byte range relative to the start of an aggregate.
type Extent struct {
	Offset uint64
	Size   uint64
	Path   string
}

// End returns Offset + Size.
func (e Extent) End() uint64 {
	return e.Offset + e.Size
}

// Member resolves a member access path and returns its extent and type.
// Indexing a runtime array accepts any index.
func Member(t Type, l Layout, steps ...Step) (Extent, Type, error) {
	offset := uint64(0)
	var path strings.Builder
	cur := t
	for _, step := range steps {
		switch ct := cur.(type) {
		case *Struct:
			if step.Field == "" {
				return Extent{}, nil, fmt.Errorf("%s: index into struct %s", path.String(), ct)
			}
			i := ct.FieldIndex(step.Field)
			if i < 0 {
				return Extent{}, nil, fmt.Errorf("%s: no field %q in %s", path.String(), step.Field, ct)
			}
			offset += FieldOffset(ct, l, i)
			cur = ct.Fields[i].Type
			if path.Len() > 0 {
				path.WriteByte('.')
			}
			path.WriteString(step.Field)
		case Array:
			if step.Field != "" || (ct.Len > 0 && step.Index >= ct.Len) || step.Index < 0 {
				return Extent{}, nil, fmt.Errorf("%s: bad index %v into %s", path.String(), step, ct)
			}
			offset += uint64(step.Index) * StrideOf(ct, l)
			cur = ct.Elem
			fmt.Fprintf(&path, "[%d]", step.Index)
		case Matrix:
			if step.Field != "" || step.Index < 0 || step.Index >= ct.Columns {
				return Extent{}, nil, fmt.Errorf("%s: bad column %v into %s", path.String(), step, ct)
			}
			offset += uint64(step.Index) * StrideOf(Array{Elem: ct.Column, Len: ct.Columns}, l)
			cur = ct.Column
			fmt.Fprintf(&path, "[%d]", step.Index)
		case Vector:
			if step.Field != "" || step.Index < 0 || step.Index >= ct.N {
				return Extent{}, nil, fmt.Errorf("%s: bad component %v into %s", path.String(), step, ct)
			}
			offset += uint64(step.Index) * ct.Elem.Kind.Bytes()
			cur = ct.Elem
			fmt.Fprintf(&path, "[%d]", step.Index)
		default:
			return Extent{}, nil, fmt.Errorf("%s: cannot select %v in %s", path.String(), step, cur)
		}
	}
	return Extent{Offset: offset, Size: SizeOf(cur, l), Path: path.String()}, cur, nil
}

// Leaves returns the extents of every scalar, vector and pointer inside t in
// offset order. Matrices contribute one leaf per column; runtime arrays
// contribute nothing.
func Leaves(t Type, l Layout) []Extent {
	var out []Extent
	collectLeaves(t, l, 0, "", &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func collectLeaves(t Type, l Layout, base uint64, path string, out *[]Extent) {
	switch ct := t.(type) {
	case Scalar, Vector, Pointer:
		*out = append(*out, Extent{Offset: base, Size: SizeOf(ct, l), Path: path})
	case Matrix:
		stride := StrideOf(Array{Elem: ct.Column, Len: ct.Columns}, l)
		for i := 0; i < ct.Columns; i++ {
			collectLeaves(ct.Column, l, base+uint64(i)*stride, fmt.Sprintf("%s[%d]", path, i), out)
		}
	case Array:
		stride := StrideOf(ct, l)
		for i := 0; i < ct.Len; i++ {
			collectLeaves(ct.Elem, l, base+uint64(i)*stride, fmt.Sprintf("%s[%d]", path, i), out)
		}
	case *Struct:
		for i, f := range ct.Fields {
			name := f.Name
			if path != "" {
				name = path + "." + f.Name
			}
			collectLeaves(f.Type, l, base+FieldOffset(ct, l, i), name, out)
		}
	}
}

// Mode selects how whole-aggregate (proxy) loads are checked.
type Mode int

const (
	// ModeSafe checks sizeof(type) including trailing padding.
	ModeSafe Mode = iota
	// ModeFast checks only the bytes fields occupy, merged into runs.
	ModeFast
)

func (m Mode) String() string {
	if m == ModeFast {
		return "fast"
	}
	return "safe"
}

// ParseMode maps "safe" or "fast" to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "safe", "":
		return ModeSafe, nil
	case "fast", "unsafe":
		return ModeFast, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q", name)
	}
}

// ProxyLoad returns the extents an instrumentor checks for a load of a whole
// value of type t.
func ProxyLoad(t Type, l Layout, mode Mode) []Extent {
	size := SizeOf(t, l)
	if mode == ModeSafe || size == 0 {
		return []Extent{{Offset: 0, Size: size, Path: t.String()}}
	}

	var runs []Extent
	for _, leaf := range Leaves(t, l) {
		if n := len(runs); n > 0 && leaf.Offset <= runs[n-1].End() {
			if leaf.End() > runs[n-1].End() {
				runs[n-1].Size = leaf.End() - runs[n-1].Offset
			}
			continue
		}
		runs = append(runs, Extent{Offset: leaf.Offset, Size: leaf.Size, Path: leaf.Path})
	}
	return runs
}
