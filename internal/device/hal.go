package device

import (
	"encoding/binary"
	"errors"
)

// MemoryProvider abstracts host access to device-visible memory that is also
// read and written by shader invocations. Implementations may be backed by an
// in-process byte slice, an mmap'd file or mapped VkDeviceMemory.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicOr32(offset uint32, bits uint32) (uint32, error)
	Close() error
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
var ErrClosed = errors.New("memory provider closed")

// ReadUint32 reads a little-endian u32 without atomics.
func ReadUint32(m MemoryProvider, offset uint32) (uint32, error) {
	var buf [4]byte
	if err := m.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a little-endian u64 without atomics.
func ReadUint64(m MemoryProvider, offset uint32) (uint64, error) {
	var buf [8]byte
	if err := m.ReadAt(offset, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint32 writes a little-endian u32 without atomics.
func WriteUint32(m MemoryProvider, offset uint32, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return m.WriteAt(offset, buf[:])
}

// WriteUint64 writes a little-endian u64 without atomics.
func WriteUint64(m MemoryProvider, offset uint32, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return m.WriteAt(offset, buf[:])
}

// Zero clears size bytes starting at offset.
func Zero(m MemoryProvider, offset, size uint32) error {
	return m.WriteAt(offset, make([]byte, size))
}

func inBounds(offset, length, size uint32) bool {
	end := uint64(offset) + uint64(length)
	return end <= uint64(size)
}
