package registry

import (
	"fmt"
	"math"
)

// ResourceID identifies the buffer a range belongs to. It is a weak
// reference: the registry never dereferences it.
type ResourceID uint64

// ValidRange is one device-address-capable allocation or view.
type ValidRange struct {
	Base     uint64     `json:"base"`
	Size     uint64     `json:"size"`
	Resource ResourceID `json:"resource"`
	Name     string     `json:"name,omitempty"`
}

// End returns the first address past the range, saturating at MaxUint64.
func (r ValidRange) End() uint64 {
	return saturatingEnd(r.Base, r.Size)
}

// Contains reports whether [addr, addr+size) lies inside the range.
func (r ValidRange) Contains(addr, size uint64) bool {
	return contains(r.Base, r.Size, addr, size)
}

func (r ValidRange) String() string {
	if r.Name != "" {
		return fmt.Sprintf("%s [0x%x, 0x%x)", r.Name, r.Base, r.End())
	}
	return fmt.Sprintf("resource %d [0x%x, 0x%x)", r.Resource, r.Base, r.End())
}

// Row is one entry of the device range table.
type Row struct {
	Base uint64
	Size uint64
}

func (r Row) End() uint64 {
	return saturatingEnd(r.Base, r.Size)
}

// Contains is the device containment test. Zero-size accesses are always
// valid; nothing here can wrap around.
func (r Row) Contains(addr, size uint64) bool {
	return contains(r.Base, r.Size, addr, size)
}

func contains(base, rangeSize, addr, size uint64) bool {
	if size == 0 {
		return true
	}
	return addr >= base && size <= rangeSize && addr-base <= rangeSize-size
}

func saturatingEnd(base, size uint64) uint64 {
	if base > math.MaxUint64-size {
		return math.MaxUint64
	}
	return base + size
}
