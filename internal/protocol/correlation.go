package protocol

import (
	"fmt"

	"github.com/nmxmxh/gpuav/internal/device"
)

// IndexBuffer is a `uint index[]` storage buffer: ActionIndexBuffer,
// CmdResourceIndexBuffer and CmdErrorsCountBuffer all use this shape, indexed
// by the action slot an invocation runs under.
type IndexBuffer struct {
	mem    device.MemoryProvider
	offset uint32
	length uint32
}

// IndexBufferSize returns the byte size of an index buffer with n entries.
func IndexBufferSize(n uint32) uint32 {
	if n == 0 {
		return 4
	}
	return n * 4
}

func NewIndexBuffer(mem device.MemoryProvider, offset, length uint32) (*IndexBuffer, error) {
	if offset%4 != 0 {
		return nil, fmt.Errorf("index buffer offset %d: %w", offset, device.ErrMisaligned)
	}
	if uint64(offset)+uint64(IndexBufferSize(length)) > uint64(mem.Size()) {
		return nil, fmt.Errorf("index buffer of %d entries at %d: %w", length, offset, device.ErrOutOfBounds)
	}
	return &IndexBuffer{mem: mem, offset: offset, length: length}, nil
}

func (b *IndexBuffer) Len() uint32    { return b.length }
func (b *IndexBuffer) Offset() uint32 { return b.offset }

// Set writes entry i. Host side, before submission.
func (b *IndexBuffer) Set(i, v uint32) error {
	if i >= b.length {
		return fmt.Errorf("index %d of %d: %w", i, b.length, device.ErrOutOfBounds)
	}
	return b.mem.AtomicStore32(b.offset+i*4, v)
}

// Get reads entry i.
func (b *IndexBuffer) Get(i uint32) (uint32, error) {
	if i >= b.length {
		return 0, fmt.Errorf("index %d of %d: %w", i, b.length, device.ErrOutOfBounds)
	}
	return b.mem.AtomicLoad32(b.offset + i*4)
}

// Increment atomically adds one to entry i and returns the new value.
func (b *IndexBuffer) Increment(i uint32) (uint32, error) {
	if i >= b.length {
		return 0, fmt.Errorf("index %d of %d: %w", i, b.length, device.ErrOutOfBounds)
	}
	return b.mem.AtomicAdd32(b.offset+i*4, 1)
}

// Values copies every entry.
func (b *IndexBuffer) Values() ([]uint32, error) {
	out := make([]uint32, b.length)
	for i := range out {
		v, err := b.mem.AtomicLoad32(b.offset + uint32(i)*4)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Reset zeroes every entry.
func (b *IndexBuffer) Reset() error {
	return device.Zero(b.mem, b.offset, b.length*4)
}

// Bindings groups the per-submission instrumentation buffers bound at the
// reserved descriptor set.
type Bindings struct {
	Errors           *ErrorBuffer
	ActionIndex      *IndexBuffer
	CmdResourceIndex *IndexBuffer
	CmdErrorsCount   *IndexBuffer
}

// Reset prepares the bindings for reuse by another submission.
func (b Bindings) Reset() error {
	if err := b.Errors.Reset(); err != nil {
		return err
	}
	return b.CmdErrorsCount.Reset()
}
