package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/device"
)

func newHeap(t *testing.T, size uint32) *Heap {
	t.Helper()
	h, err := NewHeap(device.NewInMemoryProvider(size), nil)
	require.NoError(t, err)
	return h
}

func TestHeap_Basics(t *testing.T) {
	h := newHeap(t, 4*1024*1024)

	b1, err := h.Allocate(Request{Size: 32, Owner: "errors_count"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b1.Offset, h.slabStart)
	assert.Less(t, b1.Offset, h.buddyStart)

	b2, err := h.Allocate(Request{Size: 4096, Owner: "range_table"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b2.Offset, h.buddyStart)

	b3, err := h.Allocate(Request{Size: 64 * 1024, Owner: "error_buffer"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, b3.Offset, h.buddyStart)

	stats := h.GetStats()
	assert.Equal(t, uint64(3), stats.AllocCount)
	assert.Equal(t, uint64(32+4096+64*1024), stats.TotalAllocated)
	assert.Equal(t, 3, stats.LiveBlocks)

	require.NoError(t, h.Free(b1.Offset))
	require.NoError(t, h.Free(b2.Offset))
	require.NoError(t, h.Free(b3.Offset))

	stats = h.GetStats()
	assert.Equal(t, uint64(3), stats.FreeCount)
	assert.Equal(t, stats.TotalAllocated, stats.TotalFreed)
	assert.Zero(t, stats.LiveBlocks)

	assert.Error(t, h.Free(b1.Offset), "double free")
}

func TestHeap_SizeClassesDoNotOverlap(t *testing.T) {
	h := newHeap(t, 2*1024*1024)

	type span struct{ start, end uint32 }
	var spans []span
	for _, size := range []uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256} {
		for i := 0; i < 3; i++ {
			b, err := h.Allocate(Request{Size: size})
			require.NoError(t, err)
			spans = append(spans, span{b.Offset, b.Offset + size})
		}
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
			assert.False(t, overlap, "blocks %v and %v overlap", spans[i], spans[j])
		}
	}
}

func TestHeap_SmallObjectsFillWholePage(t *testing.T) {
	h := newHeap(t, 2*1024*1024)

	// 4096 / 8 = 512 objects on one page.
	seen := map[uint32]bool{}
	for i := 0; i < 512; i++ {
		b, err := h.Allocate(Request{Size: 8})
		require.NoError(t, err)
		require.False(t, seen[b.Offset])
		seen[b.Offset] = true
	}
	assert.Equal(t, 1, h.GetStats().SlabStats[0].SlabCount)
}

func TestHeap_Zeroed(t *testing.T) {
	h := newHeap(t, 2*1024*1024)

	b, err := h.Allocate(Request{Size: 64})
	require.NoError(t, err)
	require.NoError(t, h.Memory().WriteAt(b.Offset, []byte{1, 2, 3, 4}))
	require.NoError(t, h.Free(b.Offset))

	b2, err := h.Allocate(Request{Size: 64, Flags: FlagZeroed})
	require.NoError(t, err)
	assert.Equal(t, b.Offset, b2.Offset, "slot reused")
	v, err := device.ReadUint32(h.Memory(), b2.Offset)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestHeap_SlabReclamation(t *testing.T) {
	h := newHeap(t, 2*1024*1024)

	offsets := make([]uint32, 128)
	for i := range offsets {
		b, err := h.Allocate(Request{Size: 32})
		require.NoError(t, err)
		offsets[i] = b.Offset
	}

	pageStart := offsets[0] &^ uint32(4095)
	for _, off := range offsets {
		assert.Equal(t, pageStart, off&^uint32(4095), "objects should fill one page")
	}

	for _, off := range offsets {
		require.NoError(t, h.Free(off))
	}

	slabStat := h.GetStats().SlabStats[3]
	assert.Equal(t, 3, slabStat.SizeClass)
	assert.Equal(t, uint32(0), slabStat.Allocated)
	assert.Equal(t, uint32(128), slabStat.Capacity)

	assert.Equal(t, uint32(4096), h.FreeCache())
	assert.Equal(t, uint32(0), h.GetStats().SlabStats[3].Capacity)

	// The reclaimed page is reused by a different size class.
	b, err := h.Allocate(Request{Size: 64})
	require.NoError(t, err)
	assert.Equal(t, pageStart, b.Offset)
}

func TestHeap_OutOfMemory(t *testing.T) {
	h := newHeap(t, device.HEAP_SIZE_MIN)

	_, err := h.Allocate(Request{Size: 2 * 1024 * 1024, Owner: "too-big"})
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, uint64(1), h.GetStats().FailedCount)

	_, err = h.Allocate(Request{Size: 0})
	assert.Error(t, err)

	_, err = NewHeap(device.NewInMemoryProvider(4096), nil)
	assert.Error(t, err)
}
