package boundscheck

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/rangetable"
	"github.com/nmxmxh/gpuav/internal/registry"
)

type fixture struct {
	mem      *device.InMemoryProvider
	bindings protocol.Bindings
	table    *rangetable.Table
}

// newFixture lays out, in one provider: range table, error buffer and the
// three correlation buffers.
func newFixture(t *testing.T, ranges []registry.ValidRange, capacity, slots uint32) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{}, nil)
	for _, r := range ranges {
		reg.Insert(r)
	}
	rows := reg.Snapshot().Rows()

	tableSize := rangetable.TableSize(len(rows))
	total := tableSize + protocol.BufferSize(capacity) + 3*protocol.IndexBufferSize(slots)
	mem := device.NewInMemoryProvider(total)

	require.NoError(t, device.WriteUint32(mem, rangetable.OFFSET_COUNT, uint32(len(rows))))
	for i, row := range rows {
		at := uint32(rangetable.HEADER_SIZE + i*rangetable.ROW_SIZE)
		require.NoError(t, device.WriteUint64(mem, at, row.Base))
		require.NoError(t, device.WriteUint64(mem, at+8, row.Size))
	}
	table, err := rangetable.Open(mem, 0)
	require.NoError(t, err)

	off := tableSize
	errs, err := protocol.NewErrorBuffer(mem, off, capacity)
	require.NoError(t, err)
	off += errs.Size()
	idx := make([]*protocol.IndexBuffer, 3)
	for i := range idx {
		idx[i], err = protocol.NewIndexBuffer(mem, off, slots)
		require.NoError(t, err)
		off += protocol.IndexBufferSize(slots)
	}
	return &fixture{
		mem: mem,
		bindings: protocol.Bindings{
			Errors:           errs,
			ActionIndex:      idx[0],
			CmdResourceIndex: idx[1],
			CmdErrorsCount:   idx[2],
		},
		table: table,
	}
}

func TestCheckDetectsAndCorrelates(t *testing.T) {
	f := newFixture(t, []registry.ValidRange{{Base: 0x10000, Size: 64, Resource: 1}}, 8, 2)
	require.NoError(t, f.bindings.ActionIndex.Set(1, 5))
	require.NoError(t, f.bindings.CmdResourceIndex.Set(1, 3))
	r := New(f.table, f.bindings, 0)

	inv := Invocation{ActionSlot: 1, ID: 42}
	assert.True(t, r.Check(inv, 0x10000, 64, 1))
	assert.True(t, r.Check(inv, 0x1003C, 4, 2))
	assert.True(t, r.Check(inv, 0xDEAD, 0, 3), "zero-size access")
	assert.False(t, r.Check(inv, 0x10040, 4, 4), "one past the end")
	assert.False(t, r.Check(inv, 0x1003C, 8, 5), "straddles the end")

	snap, err := f.bindings.Errors.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap.Records, 2)
	rec := snap.Records[0]
	if rec.CheckID != 4 {
		rec = snap.Records[1]
	}
	assert.Equal(t, protocol.KindOutOfBounds, rec.Kind)
	assert.Equal(t, uint32(4), rec.CheckID)
	assert.Equal(t, uint64(0x10040), rec.Address)
	assert.Equal(t, uint64(4), rec.Size)
	assert.Equal(t, uint32(5), rec.ActionIndex)
	assert.Equal(t, uint32(3), rec.CmdResourceIndex)

	stats := r.GetStats()
	assert.Equal(t, uint64(5), stats.Checks)
	assert.Equal(t, uint64(2), stats.Violations)
	assert.Equal(t, uint64(2), stats.Recorded)
}

func TestCheckOneRecordPerFailedCall(t *testing.T) {
	f := newFixture(t, []registry.ValidRange{{Base: 0x10000, Size: 4096, Resource: 1}}, 4096, 1)
	r := New(f.table, f.bindings, 0)

	const invocations = 256
	var wg sync.WaitGroup
	for i := 0; i < invocations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inv := Invocation{ID: uint64(i)}
			r.Check(inv, 0x10000+uint64(i)*16, 16, 1)
			r.Check(inv, 0x10000+4096+uint64(i)*16, 16, 2)
		}(i)
	}
	wg.Wait()

	snap, err := f.bindings.Errors.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Records, invocations)
	assert.False(t, snap.Overflowed())
	for _, rec := range snap.Records {
		assert.Equal(t, uint32(2), rec.CheckID)
	}
}

func TestCheckOverflowAndCap(t *testing.T) {
	f := newFixture(t, nil, 4, 2)
	r := New(f.table, f.bindings, 3)

	for i := 0; i < 10; i++ {
		assert.False(t, r.Check(Invocation{ActionSlot: 0}, 0x1000, 4, 1))
		assert.False(t, r.Check(Invocation{ActionSlot: 1}, 0x2000, 4, 1))
	}

	stats := r.GetStats()
	assert.Equal(t, uint64(20), stats.Violations)
	assert.Equal(t, uint64(14), stats.Suppressed)
	assert.Equal(t, uint64(4), stats.Recorded)
	assert.Equal(t, uint64(2), stats.Overflowed)
	assert.Equal(t, stats.Violations, stats.Recorded+stats.Overflowed+stats.Suppressed)

	snap, err := f.bindings.Errors.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Overflowed())
	assert.Len(t, snap.Records, 4)
}
