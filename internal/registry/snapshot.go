package registry

import (
	"encoding/binary"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// DefaultGranuleShift sizes filter granules at 64KiB.
	DefaultGranuleShift = 16

	// Above this many granules the filter is skipped.
	maxFilterGranules       = 1 << 20
	filterFalsePositiveRate = 0.01
)

// Snapshot is the immutable, sorted view of the registry taken at submit
// time. It is tagged with the registry generation it was built from.
type Snapshot struct {
	generation   uint64
	ranges       []ValidRange // base ascending, size descending
	rows         []Row        // union of overlapping ranges, base ascending
	filter       *bloom.BloomFilter
	granuleShift uint
}

func buildSnapshot(generation uint64, ranges []ValidRange, granuleShift uint) *Snapshot {
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Base != ranges[j].Base {
			return ranges[i].Base < ranges[j].Base
		}
		if ranges[i].Size != ranges[j].Size {
			return ranges[i].Size > ranges[j].Size
		}
		return ranges[i].Resource < ranges[j].Resource
	})

	s := &Snapshot{
		generation:   generation,
		ranges:       ranges,
		rows:         coalesce(ranges),
		granuleShift: granuleShift,
	}
	s.filter = s.buildFilter()
	return s
}

// coalesce merges overlapping ranges (views of one allocation) so that a
// single greatest-base-below lookup finds a row containing every valid
// access. Touching but disjoint ranges stay separate rows.
func coalesce(sorted []ValidRange) []Row {
	rows := make([]Row, 0, len(sorted))
	for _, r := range sorted {
		if r.Size == 0 {
			continue
		}
		if n := len(rows); n > 0 {
			last := &rows[n-1]
			if r.Base < last.End() {
				if end := r.End(); end > last.End() {
					last.Size = end - last.Base
				}
				continue
			}
		}
		rows = append(rows, Row{Base: r.Base, Size: r.Size})
	}
	return rows
}

func (s *Snapshot) buildFilter() *bloom.BloomFilter {
	total := uint64(0)
	for _, row := range s.rows {
		total += s.granule(row.End()-1) - s.granule(row.Base) + 1
		if total > maxFilterGranules {
			return nil
		}
	}
	if total == 0 {
		return nil
	}

	filter := bloom.NewWithEstimates(uint(total), filterFalsePositiveRate)
	var key [8]byte
	for _, row := range s.rows {
		for g := s.granule(row.Base); g <= s.granule(row.End()-1); g++ {
			binary.LittleEndian.PutUint64(key[:], g)
			filter.Add(key[:])
		}
	}
	return filter
}

func (s *Snapshot) granule(addr uint64) uint64 {
	return addr >> s.granuleShift
}

// Generation returns the registry generation the snapshot was taken at.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Len returns the number of registered ranges.
func (s *Snapshot) Len() int {
	return len(s.ranges)
}

// Ranges returns the registered ranges sorted by base. Callers must not
// modify the slice.
func (s *Snapshot) Ranges() []ValidRange {
	return s.ranges
}

// Rows returns the coalesced device table rows. Callers must not modify the
// slice.
func (s *Snapshot) Rows() []Row {
	return s.rows
}

// HasFilter reports whether the granule filter was built.
func (s *Snapshot) HasFilter() bool {
	return s.filter != nil
}

// Contains reports whether [addr, addr+size) lies in at least one valid
// range. Same algorithm as the device routine, with a filter fast path for
// addresses in granules no range touches.
func (s *Snapshot) Contains(addr, size uint64) bool {
	if size == 0 {
		return true
	}
	if s.filter != nil {
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], s.granule(addr))
		if !s.filter.Test(key[:]) {
			return false
		}
	}
	return LookupRow(s.rows, addr).Contains(addr, size)
}

// LookupRow returns the row with the greatest base <= addr, or an empty row.
func LookupRow(rows []Row, addr uint64) Row {
	idx := sort.Search(len(rows), func(i int) bool {
		return rows[i].Base > addr
	})
	if idx == 0 {
		return Row{}
	}
	return rows[idx-1]
}

// Resolve returns the smallest registered range containing the access.
func (s *Snapshot) Resolve(addr, size uint64) (ValidRange, bool) {
	var best ValidRange
	found := false
	for _, r := range s.ranges[:s.upperBound(addr)] {
		if r.Contains(addr, max(size, 1)) && (!found || r.Size < best.Size) {
			best, found = r, true
		}
	}
	return best, found
}

// Nearest returns the registered range closest to addr. Ranges containing
// addr win, the smallest first; otherwise the smallest gap wins.
func (s *Snapshot) Nearest(addr uint64) (ValidRange, bool) {
	if len(s.ranges) == 0 {
		return ValidRange{}, false
	}
	var best ValidRange
	bestDist := ^uint64(0)
	for _, r := range s.ranges {
		d := Distance(r, addr)
		if d < bestDist || (d == bestDist && r.Size < best.Size) {
			best, bestDist = r, d
		}
	}
	return best, true
}

// Distance is 0 for addresses inside r, otherwise the byte gap to r.
func Distance(r ValidRange, addr uint64) uint64 {
	switch {
	case addr < r.Base:
		return r.Base - addr
	case addr >= r.End():
		return addr - r.End() + 1
	default:
		return 0
	}
}

// upperBound returns the number of ranges with base <= addr.
func (s *Snapshot) upperBound(addr uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Base > addr
	})
}
