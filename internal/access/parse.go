package access

import (
	"fmt"
	"strconv"
	"strings"
)

var scalarByName = map[string]Scalar{
	"int8_t": {Int8}, "uint8_t": {Uint8},
	"int16_t": {Int16}, "uint16_t": {Uint16}, "float16_t": {Float16},
	"int": {Int32}, "uint": {Uint32}, "float": {Float32}, "bool": {Bool},
	"int64_t": {Int64}, "uint64_t": {Uint64}, "double": {Float64},
}

var vectorPrefixes = map[string]Scalar{
	"vec": Float, "ivec": Int, "uvec": Uint, "dvec": Dbl, "bvec": {Bool}, "u64vec": U64,
}

// ParseType parses GLSL-style type names: scalars, vecN/ivecN/uvecN/dvecN,
// matN and matCxR, ptr<T>, T[N] (T[] for a runtime array) and names of
// previously declared structs.
func ParseType(name string, structs map[string]*Struct) (Type, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("empty type name")
	}

	if strings.HasSuffix(name, "]") {
		open := strings.LastIndexByte(name, '[')
		if open < 0 {
			return nil, fmt.Errorf("type %q: unbalanced brackets", name)
		}
		elem, err := ParseType(name[:open], structs)
		if err != nil {
			return nil, err
		}
		n := 0
		if count := name[open+1 : len(name)-1]; count != "" {
			if n, err = strconv.Atoi(count); err != nil || n <= 0 {
				return nil, fmt.Errorf("type %q: bad array length %q", name, count)
			}
		}
		return ArrayOf(elem, n), nil
	}

	if strings.HasPrefix(name, "ptr<") && strings.HasSuffix(name, ">") {
		pointee, err := ParseType(name[4:len(name)-1], structs)
		if err != nil {
			return nil, err
		}
		return Pointer{Pointee: pointee}, nil
	}

	if s, ok := scalarByName[name]; ok {
		return s, nil
	}
	for prefix, elem := range vectorPrefixes {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			if n, err := strconv.Atoi(rest); err == nil && n >= 2 && n <= 4 {
				return Vec(elem, n), nil
			}
		}
	}
	if rest, ok := strings.CutPrefix(name, "mat"); ok {
		cols, rows, found := strings.Cut(rest, "x")
		if !found {
			rows = cols
		}
		c, err1 := strconv.Atoi(cols)
		r, err2 := strconv.Atoi(rows)
		if err1 == nil && err2 == nil && c >= 2 && c <= 4 && r >= 2 && r <= 4 {
			return Mat(c, r), nil
		}
	}
	if s, ok := structs[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}
