package arena

import (
	"fmt"
	"math/bits"
	"sync"
)

// Slab allocator for small buffers (8B-256B)
// Uses fixed-size object pools with bitmap tracking. Pages are carved from a
// single region shared by all size classes.

const (
	SLAB_PAGE_SIZE  = 4096 // 4KB per slab page
	MAX_SLAB_OBJECT = 256

	slabBitmapWords = SLAB_PAGE_SIZE / 8 / 64
)

var sizeClassSizes = [10]uint32{8, 16, 24, 32, 48, 64, 96, 128, 192, 256}

type SlabAllocator struct {
	baseOffset uint32
	totalSize  uint32

	caches [len(sizeClassSizes)]*SlabCache

	// Page ownership indexed by (offset-baseOffset)/SLAB_PAGE_SIZE
	pages     []*SlabPage
	freePages []uint32
	nextPage  uint32

	mu sync.Mutex
}

type SlabCache struct {
	sizeClass  int
	objectSize uint32
	slabs      []*SlabPage

	allocated uint32
	capacity  uint32
}

type SlabPage struct {
	cache      *SlabCache
	offset     uint32
	freeCount  uint16
	totalCount uint16
	bitmap     [slabBitmapWords]uint64 // 1 = free
}

// NewSlabAllocator manages [baseOffset, baseOffset+totalSize).
func NewSlabAllocator(baseOffset, totalSize uint32) *SlabAllocator {
	totalSize -= totalSize % SLAB_PAGE_SIZE
	sa := &SlabAllocator{
		baseOffset: baseOffset,
		totalSize:  totalSize,
		pages:      make([]*SlabPage, totalSize/SLAB_PAGE_SIZE),
	}
	for i, size := range sizeClassSizes {
		sa.caches[i] = &SlabCache{
			sizeClass:  i,
			objectSize: size,
			slabs:      make([]*SlabPage, 0, 16),
		}
	}
	return sa
}

// Allocate allocates an object of the given size
func (sa *SlabAllocator) Allocate(size uint32) (uint32, error) {
	if size > MAX_SLAB_OBJECT {
		return 0, fmt.Errorf("size %d too large for slab allocator", size)
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	cache := sa.caches[sa.getSizeClass(size)]
	for _, slab := range cache.slabs {
		if slab.freeCount > 0 {
			return cache.allocateFromSlab(slab), nil
		}
	}

	slab, err := sa.allocateNewSlab(cache)
	if err != nil {
		return 0, err
	}
	return cache.allocateFromSlab(slab), nil
}

// Free frees an object at the given offset
func (sa *SlabAllocator) Free(offset uint32) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	slab := sa.findSlab(offset)
	if slab == nil {
		return fmt.Errorf("invalid slab offset %d", offset)
	}
	return slab.cache.free(slab, offset)
}

// ObjectSize returns the size class of the live object at offset.
func (sa *SlabAllocator) ObjectSize(offset uint32) uint32 {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if slab := sa.findSlab(offset); slab != nil {
		return slab.cache.objectSize
	}
	return 0
}

func (sa *SlabAllocator) getSizeClass(size uint32) int {
	for i, classSize := range sizeClassSizes {
		if size <= classSize {
			return i
		}
	}
	return len(sizeClassSizes) - 1
}

func (sa *SlabAllocator) findSlab(offset uint32) *SlabPage {
	if offset < sa.baseOffset || offset-sa.baseOffset >= sa.totalSize {
		return nil
	}
	return sa.pages[(offset-sa.baseOffset)/SLAB_PAGE_SIZE]
}

func (sa *SlabAllocator) allocateNewSlab(cache *SlabCache) (*SlabPage, error) {
	var pageOffset uint32
	switch {
	case len(sa.freePages) > 0:
		pageOffset = sa.freePages[len(sa.freePages)-1]
		sa.freePages = sa.freePages[:len(sa.freePages)-1]
	case sa.nextPage+SLAB_PAGE_SIZE <= sa.totalSize:
		pageOffset = sa.baseOffset + sa.nextPage
		sa.nextPage += SLAB_PAGE_SIZE
	default:
		return nil, fmt.Errorf("slab region exhausted: %w", ErrOutOfMemory)
	}

	objectsPerPage := uint16(SLAB_PAGE_SIZE / cache.objectSize)
	slab := &SlabPage{
		cache:      cache,
		offset:     pageOffset,
		freeCount:  objectsPerPage,
		totalCount: objectsPerPage,
	}
	for i := uint16(0); i < objectsPerPage; i++ {
		slab.bitmap[i/64] |= uint64(1) << (i % 64)
	}

	cache.slabs = append(cache.slabs, slab)
	cache.capacity += uint32(objectsPerPage)
	sa.pages[(pageOffset-sa.baseOffset)/SLAB_PAGE_SIZE] = slab
	return slab, nil
}

func (sc *SlabCache) allocateFromSlab(slab *SlabPage) uint32 {
	for w := range slab.bitmap {
		if slab.bitmap[w] == 0 {
			continue
		}
		bit := bits.TrailingZeros64(slab.bitmap[w])
		slab.bitmap[w] &^= uint64(1) << bit
		slab.freeCount--
		sc.allocated++
		return slab.offset + uint32(w*64+bit)*sc.objectSize
	}
	panic("slab page with free count but empty bitmap")
}

func (sc *SlabCache) free(slab *SlabPage, offset uint32) error {
	relativeOffset := offset - slab.offset
	if relativeOffset%sc.objectSize != 0 {
		return fmt.Errorf("invalid offset alignment")
	}

	objectIndex := uint16(relativeOffset / sc.objectSize)
	if objectIndex >= slab.totalCount {
		return fmt.Errorf("object index out of range")
	}

	word, mask := objectIndex/64, uint64(1)<<(objectIndex%64)
	if slab.bitmap[word]&mask != 0 {
		return fmt.Errorf("double free detected at offset %d", offset)
	}

	slab.bitmap[word] |= mask
	slab.freeCount++
	sc.allocated--
	return nil
}

// Statistics

type SlabStats struct {
	SizeClass   int
	ObjectSize  uint32
	Allocated   uint32
	Capacity    uint32
	SlabCount   int
	Utilization float32
}

func (sa *SlabAllocator) GetStats() []SlabStats {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	stats := make([]SlabStats, len(sa.caches))
	for i, cache := range sa.caches {
		utilization := float32(0)
		if cache.capacity > 0 {
			utilization = float32(cache.allocated) / float32(cache.capacity) * 100
		}
		stats[i] = SlabStats{
			SizeClass:   i,
			ObjectSize:  cache.objectSize,
			Allocated:   cache.allocated,
			Capacity:    cache.capacity,
			SlabCount:   len(cache.slabs),
			Utilization: utilization,
		}
	}
	return stats
}

// FreeEmptySlabs returns completely empty pages to the shared page pool.
func (sa *SlabAllocator) FreeEmptySlabs() uint32 {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	freed := uint32(0)
	for _, cache := range sa.caches {
		kept := make([]*SlabPage, 0, len(cache.slabs))
		for _, slab := range cache.slabs {
			if slab.freeCount < slab.totalCount {
				kept = append(kept, slab)
				continue
			}
			freed += SLAB_PAGE_SIZE
			cache.capacity -= uint32(slab.totalCount)
			sa.pages[(slab.offset-sa.baseOffset)/SLAB_PAGE_SIZE] = nil
			sa.freePages = append(sa.freePages, slab.offset)
		}
		cache.slabs = kept
	}
	return freed
}
