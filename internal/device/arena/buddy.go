package arena

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/gpuav/internal/device"
)

// Buddy allocator for large blocks (4KB-4MB)
// Uses power-of-2 block sizes with automatic coalescing. Free-list links are
// stored in-band in the first word of each free block.

const (
	MIN_BUDDY_SIZE   = 4096            // 4KB
	MAX_BUDDY_SIZE   = 4 * 1024 * 1024 // 4MB
	NUM_BUDDY_LEVELS = 11              // 4KB to 4MB
)

type BuddyAllocator struct {
	mem        device.MemoryProvider
	baseOffset uint32
	totalSize  uint32

	// Free lists for each level (0=4KB, 1=8KB, ..., 10=4MB)
	freeLists [NUM_BUDDY_LEVELS]uint32

	// Allocation bitmap (1 bit per 4KB block)
	bitmap []uint64

	// Level tracking (1 byte per 4KB block)
	blockLevels []uint8

	mu sync.RWMutex
}

// NewBuddyAllocator manages [baseOffset, baseOffset+totalSize) of mem.
// baseOffset must be non-zero: 0 terminates free lists.
func NewBuddyAllocator(mem device.MemoryProvider, baseOffset, totalSize uint32) (*BuddyAllocator, error) {
	if baseOffset == 0 || baseOffset%MIN_BUDDY_SIZE != 0 {
		return nil, fmt.Errorf("buddy base offset %d must be a non-zero multiple of %d", baseOffset, MIN_BUDDY_SIZE)
	}
	totalSize -= totalSize % MIN_BUDDY_SIZE
	if uint64(baseOffset)+uint64(totalSize) > uint64(mem.Size()) {
		return nil, fmt.Errorf("buddy region [%d,+%d) exceeds memory of %d bytes", baseOffset, totalSize, mem.Size())
	}

	numBlocks := int(totalSize / MIN_BUDDY_SIZE)
	ba := &BuddyAllocator{
		mem:         mem,
		baseOffset:  baseOffset,
		totalSize:   totalSize,
		bitmap:      make([]uint64, (numBlocks+63)/64),
		blockLevels: make([]uint8, numBlocks),
	}

	// Seed free lists with the largest blocks that fit, largest first so
	// every block stays aligned to its own size.
	remaining := totalSize
	currentOffset := baseOffset
	for remaining >= MIN_BUDDY_SIZE {
		for level := NUM_BUDDY_LEVELS - 1; level >= 0; level-- {
			size := ba.levelToSize(level)
			if size <= remaining {
				ba.addToFreeList(currentOffset, level)
				currentOffset += size
				remaining -= size
				break
			}
		}
	}

	return ba, nil
}

// Allocate allocates a block of at least the given size
func (ba *BuddyAllocator) Allocate(size uint32) (uint32, error) {
	if size > MAX_BUDDY_SIZE {
		return 0, fmt.Errorf("size %d too large for buddy allocator: %w", size, ErrOutOfMemory)
	}
	if size < MIN_BUDDY_SIZE {
		size = MIN_BUDDY_SIZE
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := ba.sizeToLevel(size)
	offset := ba.findFreeBlock(level)
	if offset == 0 {
		return 0, fmt.Errorf("buddy level %d: %w", level, ErrOutOfMemory)
	}

	ba.markAllocated(offset, level)
	return offset, nil
}

// Free frees a block at the given offset
func (ba *BuddyAllocator) Free(offset uint32) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if !ba.owns(offset) || (offset-ba.baseOffset)%MIN_BUDDY_SIZE != 0 {
		return fmt.Errorf("invalid buddy offset %d", offset)
	}
	if !ba.isAllocatedBlock(offset) {
		return fmt.Errorf("double free detected at offset %d", offset)
	}

	level := ba.getBlockLevel(offset)
	if (offset-ba.baseOffset)%ba.levelToSize(level) != 0 {
		return fmt.Errorf("offset %d is not the start of a level %d block", offset, level)
	}
	ba.markFree(offset, level)
	ba.coalesce(offset, level)
	return nil
}

// BlockSize returns the size of the allocated block at offset.
func (ba *BuddyAllocator) BlockSize(offset uint32) uint32 {
	ba.mu.RLock()
	defer ba.mu.RUnlock()
	if !ba.owns(offset) {
		return 0
	}
	return ba.levelToSize(ba.getBlockLevel(offset))
}

func (ba *BuddyAllocator) owns(offset uint32) bool {
	return offset >= ba.baseOffset && offset-ba.baseOffset < ba.totalSize
}

func (ba *BuddyAllocator) sizeToLevel(size uint32) int {
	level := 0
	blockSize := uint32(MIN_BUDDY_SIZE)
	for blockSize < size && level < NUM_BUDDY_LEVELS-1 {
		blockSize *= 2
		level++
	}
	return level
}

func (ba *BuddyAllocator) levelToSize(level int) uint32 {
	return MIN_BUDDY_SIZE << uint(level)
}

// Helper: Find free block at level or split larger block
func (ba *BuddyAllocator) findFreeBlock(level int) uint32 {
	if ba.freeLists[level] != 0 {
		offset := ba.freeLists[level]
		ba.freeLists[level] = ba.getNextFree(offset)
		return offset
	}

	for l := level + 1; l < NUM_BUDDY_LEVELS; l++ {
		if ba.freeLists[l] != 0 {
			return ba.splitBlock(l, level)
		}
	}
	return 0
}

// Helper: Split block from higher level to target level
func (ba *BuddyAllocator) splitBlock(fromLevel, toLevel int) uint32 {
	offset := ba.freeLists[fromLevel]
	ba.freeLists[fromLevel] = ba.getNextFree(offset)

	for level := fromLevel - 1; level >= toLevel; level-- {
		ba.addToFreeList(offset+ba.levelToSize(level), level)
	}
	return offset
}

// Helper: Coalesce with buddy
func (ba *BuddyAllocator) coalesce(offset uint32, level int) {
	for level < NUM_BUDDY_LEVELS-1 {
		blockSize := ba.levelToSize(level)
		buddyOffset := ba.baseOffset + ((offset - ba.baseOffset) ^ blockSize)

		if !ba.isFree(buddyOffset, level) {
			break
		}
		// A fully free range that is not a listed block of this level
		// belongs to a differently shaped split; stop merging.
		if !ba.removeFromFreeList(buddyOffset, level) {
			break
		}

		if buddyOffset < offset {
			offset = buddyOffset
		}
		level++
	}

	ba.addToFreeList(offset, level)
}

// Helper: Check if every 4KB block of the range is free
func (ba *BuddyAllocator) isFree(offset uint32, level int) bool {
	if offset < ba.baseOffset {
		return false
	}
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE
	if blockIndex+numBlocks > ba.totalSize/MIN_BUDDY_SIZE {
		return false
	}

	for i := uint32(0); i < numBlocks; i++ {
		bitIndex := int(blockIndex + i)
		if ba.bitmap[bitIndex/64]&(uint64(1)<<(bitIndex%64)) != 0 {
			return false
		}
	}
	return true
}

func (ba *BuddyAllocator) isAllocatedBlock(offset uint32) bool {
	bitIndex := int((offset - ba.baseOffset) / MIN_BUDDY_SIZE)
	return ba.bitmap[bitIndex/64]&(uint64(1)<<(bitIndex%64)) != 0
}

func (ba *BuddyAllocator) markAllocated(offset uint32, level int) {
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE
	for i := uint32(0); i < numBlocks; i++ {
		bitIndex := int(blockIndex + i)
		ba.bitmap[bitIndex/64] |= uint64(1) << (bitIndex % 64)
		ba.blockLevels[bitIndex] = uint8(level)
	}
}

func (ba *BuddyAllocator) markFree(offset uint32, level int) {
	numBlocks := ba.levelToSize(level) / MIN_BUDDY_SIZE
	blockIndex := (offset - ba.baseOffset) / MIN_BUDDY_SIZE
	for i := uint32(0); i < numBlocks; i++ {
		bitIndex := int(blockIndex + i)
		ba.bitmap[bitIndex/64] &^= uint64(1) << (bitIndex % 64)
	}
}

func (ba *BuddyAllocator) addToFreeList(offset uint32, level int) {
	nextOffset := ba.freeLists[level]
	if nextOffset == offset {
		panic(fmt.Sprintf("buddy free list cycle at offset %d level %d", offset, level))
	}
	_ = device.WriteUint32(ba.mem, offset, nextOffset)
	ba.freeLists[level] = offset
}

func (ba *BuddyAllocator) removeFromFreeList(offset uint32, level int) bool {
	if ba.freeLists[level] == offset {
		ba.freeLists[level] = ba.getNextFree(offset)
		return true
	}

	current := ba.freeLists[level]
	for current != 0 {
		next := ba.getNextFree(current)
		if next == offset {
			_ = device.WriteUint32(ba.mem, current, ba.getNextFree(offset))
			return true
		}
		current = next
	}
	return false
}

func (ba *BuddyAllocator) getNextFree(offset uint32) uint32 {
	if offset == 0 || !ba.owns(offset) {
		return 0
	}
	next, err := device.ReadUint32(ba.mem, offset)
	if err != nil {
		return 0
	}
	return next
}

func (ba *BuddyAllocator) getBlockLevel(offset uint32) int {
	return int(ba.blockLevels[(offset-ba.baseOffset)/MIN_BUDDY_SIZE])
}

// Statistics

type BuddyStats struct {
	TotalSize     uint32
	Allocated     uint32
	Free          uint32
	Fragmentation float32
	LevelStats    [NUM_BUDDY_LEVELS]LevelStats
}

type LevelStats struct {
	Level      int
	BlockSize  uint32
	FreeBlocks int
}

func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.RLock()
	defer ba.mu.RUnlock()

	stats := BuddyStats{TotalSize: ba.totalSize}

	allocated := uint32(0)
	for i := 0; i < len(ba.blockLevels); i++ {
		if ba.bitmap[i/64]&(uint64(1)<<(i%64)) != 0 {
			allocated += MIN_BUDDY_SIZE
		}
	}
	stats.Allocated = allocated
	stats.Free = ba.totalSize - allocated

	totalFreeBlocks := 0
	for level := 0; level < NUM_BUDDY_LEVELS; level++ {
		count := 0
		for offset := ba.freeLists[level]; offset != 0; offset = ba.getNextFree(offset) {
			count++
			if count > len(ba.blockLevels) {
				panic("buddy free list cycle detected")
			}
		}
		stats.LevelStats[level] = LevelStats{
			Level:      level,
			BlockSize:  ba.levelToSize(level),
			FreeBlocks: count,
		}
		totalFreeBlocks += count
	}

	// Fragmentation = (free blocks - 1) / free 4KB blocks
	if stats.Free > 0 && totalFreeBlocks > 1 {
		stats.Fragmentation = float32(totalFreeBlocks-1) / float32(stats.Free/MIN_BUDDY_SIZE) * 100
	}
	return stats
}
