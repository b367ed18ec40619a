package rangetable

import (
	"fmt"

	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// Table reads an encoded range table straight from device memory, the way
// the bounds-check routine does.
type Table struct {
	mem    device.MemoryProvider
	offset uint32
	count  uint32
}

// Open validates the header at offset and binds a reader.
func Open(mem device.MemoryProvider, offset uint32) (*Table, error) {
	count, err := device.ReadUint32(mem, offset+OFFSET_COUNT)
	if err != nil {
		return nil, fmt.Errorf("read range table header: %w", err)
	}
	if uint64(offset)+uint64(HEADER_SIZE)+uint64(count)*ROW_SIZE > uint64(mem.Size()) {
		return nil, utils.ErrDecodeTruncated("range table rows exceed device memory").
			WithContext("count", count).
			WithContext("offset", offset)
	}
	return &Table{mem: mem, offset: offset, count: count}, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return int(t.count)
}

// Row reads row i.
func (t *Table) Row(i int) (registry.Row, error) {
	if i < 0 || uint32(i) >= t.count {
		return registry.Row{}, fmt.Errorf("row %d of %d: %w", i, t.count, device.ErrOutOfBounds)
	}
	at := t.offset + HEADER_SIZE + uint32(i)*ROW_SIZE
	base, err := device.ReadUint64(t.mem, at)
	if err != nil {
		return registry.Row{}, err
	}
	size, err := device.ReadUint64(t.mem, at+8)
	if err != nil {
		return registry.Row{}, err
	}
	return registry.Row{Base: base, Size: size}, nil
}

// Lookup binary-searches for the row with the greatest base <= addr.
func (t *Table) Lookup(addr uint64) (registry.Row, bool) {
	lo, hi := 0, int(t.count)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		row, err := t.Row(mid)
		if err != nil {
			return registry.Row{}, false
		}
		if row.Base <= addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return registry.Row{}, false
	}
	row, err := t.Row(lo - 1)
	if err != nil {
		return registry.Row{}, false
	}
	return row, true
}

// Contains reports whether [addr, addr+size) lies in a valid range.
func (t *Table) Contains(addr, size uint64) bool {
	if size == 0 {
		return true
	}
	row, ok := t.Lookup(addr)
	return ok && row.Contains(addr, size)
}

// Rows reads every row.
func (t *Table) Rows() ([]registry.Row, error) {
	rows := make([]registry.Row, t.count)
	for i := range rows {
		row, err := t.Row(i)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}
