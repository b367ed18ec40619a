package arena

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/device"
)

// Heap is the instrumentation heap: a hybrid allocator over one
// MemoryProvider that places per-submission buffers (range tables, error
// buffers, correlation buffers). Small requests go to the slab region,
// everything else to the buddy region.

var ErrOutOfMemory = errors.New("instrumentation heap out of memory")

type AllocFlags uint32

const (
	FlagZeroed AllocFlags = 1 << 0 // Zero on allocation
)

// Request describes one allocation.
type Request struct {
	Size  uint32
	Owner string
	Flags AllocFlags
}

// Block is a live allocation within the heap.
type Block struct {
	Offset uint32
	Size   uint32
	Owner  string
}

type Heap struct {
	mem    device.MemoryProvider
	logger *slog.Logger

	slab  *SlabAllocator
	buddy *BuddyAllocator

	slabStart  uint32
	buddyStart uint32

	live map[uint32]Block
	mu   sync.Mutex

	totalAllocated uint64
	totalFreed     uint64
	allocCount     uint64
	freeCount      uint64
	failedCount    uint64
}

// NewHeap partitions mem into a reserved prefix, a slab region (1/16th of
// the memory, at least 16 pages) and a buddy region.
func NewHeap(mem device.MemoryProvider, logger *slog.Logger) (*Heap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	size := mem.Size()
	if size < device.HEAP_SIZE_MIN {
		return nil, fmt.Errorf("heap of %d bytes is below the %d byte minimum", size, device.HEAP_SIZE_MIN)
	}

	slabSize := size / 16
	slabSize -= slabSize % SLAB_PAGE_SIZE
	if slabSize < 16*SLAB_PAGE_SIZE {
		slabSize = 16 * SLAB_PAGE_SIZE
	}
	slabStart := uint32(device.HEAP_RESERVED_PREFIX)
	buddyStart := slabStart + slabSize

	buddy, err := NewBuddyAllocator(mem, buddyStart, size-buddyStart)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		mem:        mem,
		logger:     logger.With("component", "heap"),
		slab:       NewSlabAllocator(slabStart, slabSize),
		buddy:      buddy,
		slabStart:  slabStart,
		buddyStart: buddyStart,
		live:       make(map[uint32]Block),
	}
	h.logger.Debug("heap initialized",
		"size", size,
		"slab_bytes", slabSize,
		"buddy_bytes", size-buddyStart)
	return h, nil
}

// Memory returns the provider backing the heap.
func (h *Heap) Memory() device.MemoryProvider {
	return h.mem
}

// Allocate allocates memory based on size
func (h *Heap) Allocate(req Request) (Block, error) {
	if req.Size == 0 {
		return Block{}, fmt.Errorf("allocate %q: zero size", req.Owner)
	}

	var offset uint32
	var err error
	if req.Size <= MAX_SLAB_OBJECT {
		offset, err = h.slab.Allocate(req.Size)
		if errors.Is(err, ErrOutOfMemory) {
			// Slab region full: spill to the buddy region.
			offset, err = h.buddy.Allocate(req.Size)
		}
	} else {
		offset, err = h.buddy.Allocate(req.Size)
	}
	if err != nil {
		atomic.AddUint64(&h.failedCount, 1)
		h.logger.Debug("allocation failed", "owner", req.Owner, "size", req.Size, "error", err)
		return Block{}, fmt.Errorf("allocate %d bytes for %q: %w", req.Size, req.Owner, err)
	}

	if req.Flags&FlagZeroed != 0 {
		if err := device.Zero(h.mem, offset, req.Size); err != nil {
			h.release(offset)
			return Block{}, fmt.Errorf("zero %d bytes at %d: %w", req.Size, offset, err)
		}
	}

	block := Block{Offset: offset, Size: req.Size, Owner: req.Owner}
	h.mu.Lock()
	h.live[offset] = block
	h.mu.Unlock()

	atomic.AddUint64(&h.totalAllocated, uint64(req.Size))
	atomic.AddUint64(&h.allocCount, 1)
	return block, nil
}

// Free frees memory at the given offset
func (h *Heap) Free(offset uint32) error {
	h.mu.Lock()
	block, ok := h.live[offset]
	if ok {
		delete(h.live, offset)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("free of unknown heap offset %d", offset)
	}

	if err := h.release(offset); err != nil {
		return err
	}
	atomic.AddUint64(&h.freeCount, 1)
	atomic.AddUint64(&h.totalFreed, uint64(block.Size))
	return nil
}

func (h *Heap) release(offset uint32) error {
	if offset >= h.slabStart && offset < h.buddyStart {
		return h.slab.Free(offset)
	}
	if offset >= h.buddyStart {
		return h.buddy.Free(offset)
	}
	return fmt.Errorf("invalid heap offset %d", offset)
}

// Statistics

type HeapStats struct {
	TotalAllocated uint64
	TotalFreed     uint64
	AllocCount     uint64
	FreeCount      uint64
	FailedCount    uint64
	LiveBlocks     int

	SlabStats  []SlabStats
	BuddyStats BuddyStats

	OverallFragmentation float32
}

func (h *Heap) GetStats() HeapStats {
	slabStats := h.slab.GetStats()
	buddyStats := h.buddy.GetStats()

	used := uint64(buddyStats.Allocated)
	for _, s := range slabStats {
		used += uint64(s.Allocated) * uint64(s.ObjectSize)
	}
	capacity := uint64(h.slab.totalSize) + uint64(h.buddy.totalSize)

	fragmentation := float32(0)
	if capacity > 0 {
		fragmentation = (1 - float32(used)/float32(capacity)) * 100
	}

	h.mu.Lock()
	live := len(h.live)
	h.mu.Unlock()

	return HeapStats{
		TotalAllocated:       atomic.LoadUint64(&h.totalAllocated),
		TotalFreed:           atomic.LoadUint64(&h.totalFreed),
		AllocCount:           atomic.LoadUint64(&h.allocCount),
		FreeCount:            atomic.LoadUint64(&h.freeCount),
		FailedCount:          atomic.LoadUint64(&h.failedCount),
		LiveBlocks:           live,
		SlabStats:            slabStats,
		BuddyStats:           buddyStats,
		OverallFragmentation: fragmentation,
	}
}

// FreeCache returns empty slab pages to the page pool.
func (h *Heap) FreeCache() uint32 {
	return h.slab.FreeEmptySlabs()
}
