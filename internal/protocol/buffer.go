package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// ErrorBuffer is a view of one submission's error buffer in device memory.
// Instrumented invocations write it concurrently through a Writer; the host
// takes a single Snapshot after the submission completed.
type ErrorBuffer struct {
	mem      device.MemoryProvider
	offset   uint32
	capacity uint32
}

// NewErrorBuffer binds a view at offset. The caller owns zeroing.
func NewErrorBuffer(mem device.MemoryProvider, offset, capacity uint32) (*ErrorBuffer, error) {
	if offset%4 != 0 {
		return nil, fmt.Errorf("error buffer offset %d: %w", offset, device.ErrMisaligned)
	}
	if uint64(offset)+uint64(BufferSize(capacity)) > uint64(mem.Size()) {
		return nil, fmt.Errorf("error buffer of capacity %d at %d: %w", capacity, offset, device.ErrOutOfBounds)
	}
	return &ErrorBuffer{mem: mem, offset: offset, capacity: capacity}, nil
}

func (b *ErrorBuffer) Offset() uint32   { return b.offset }
func (b *ErrorBuffer) Capacity() uint32 { return b.capacity }
func (b *ErrorBuffer) Size() uint32     { return BufferSize(b.capacity) }

// Header returns flags and written_count.
func (b *ErrorBuffer) Header() (flags, written uint32, err error) {
	if flags, err = b.mem.AtomicLoad32(b.offset + OFFSET_FLAGS); err != nil {
		return 0, 0, err
	}
	if written, err = b.mem.AtomicLoad32(b.offset + OFFSET_WRITTEN_COUNT); err != nil {
		return 0, 0, err
	}
	return flags, written, nil
}

// Bytes copies the used portion of the buffer: header plus
// min(written_count, capacity) records.
func (b *ErrorBuffer) Bytes() ([]byte, error) {
	_, written, err := b.Header()
	if err != nil {
		return nil, err
	}
	used := min(written, b.capacity)
	raw := make([]byte, HEADER_SIZE+used*RECORD_SIZE)
	if err := b.mem.ReadAt(b.offset, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Snapshot reads and parses the buffer. Only legal after completion.
func (b *ErrorBuffer) Snapshot() (Snapshot, error) {
	raw, err := b.Bytes()
	if err != nil {
		return Snapshot{}, err
	}
	return Parse(raw, b.capacity)
}

// Reset zeroes the header and every used slot so the buffer can back the
// next submission.
func (b *ErrorBuffer) Reset() error {
	_, written, err := b.Header()
	if err != nil {
		return err
	}
	used := min(written, b.capacity)
	if err := device.Zero(b.mem, b.offset+HEADER_SIZE, used*RECORD_SIZE); err != nil {
		return err
	}
	if err := b.mem.AtomicStore32(b.offset+OFFSET_WRITTEN_COUNT, 0); err != nil {
		return err
	}
	return b.mem.AtomicStore32(b.offset+OFFSET_FLAGS, 0)
}

// recordOffset returns the byte offset of slot i.
func (b *ErrorBuffer) recordOffset(i uint32) uint32 {
	return b.offset + HEADER_SIZE + i*RECORD_SIZE
}

// Snapshot is the host's decoded view of an error buffer.
type Snapshot struct {
	Flags        uint32
	WrittenCount uint32
	Capacity     uint32
	Records      []ErrorRecord
	// Unwritten counts claimed slots whose kind word was still zero.
	Unwritten int
	// Truncated is set when the input ended before the expected records.
	Truncated bool
}

// Overflowed reports whether the overflow flag is set.
func (s Snapshot) Overflowed() bool {
	return s.Flags&FlagOverflow != 0
}

// Dropped returns how many detected violations did not fit in the buffer.
func (s Snapshot) Dropped() uint32 {
	if s.WrittenCount <= s.Capacity {
		return 0
	}
	return s.WrittenCount - s.Capacity
}

// Parse decodes raw error buffer bytes. A capacity of 0 infers it from
// len(raw). Malformed input yields the records that could be decoded plus a
// DECODE_TRUNCATED error.
func Parse(raw []byte, capacity uint32) (Snapshot, error) {
	if len(raw) < HEADER_SIZE {
		return Snapshot{Truncated: true}, utils.ErrDecodeTruncated("error buffer shorter than its header").
			WithContext("length", len(raw))
	}

	snap := Snapshot{
		Flags:        binary.LittleEndian.Uint32(raw[OFFSET_FLAGS:]),
		WrittenCount: binary.LittleEndian.Uint32(raw[OFFSET_WRITTEN_COUNT:]),
		Capacity:     capacity,
	}
	available := uint32((len(raw) - HEADER_SIZE) / RECORD_SIZE)
	if snap.Capacity == 0 {
		snap.Capacity = available
	}

	expected := min(snap.WrittenCount, snap.Capacity)
	count := min(expected, available)
	snap.Records = make([]ErrorRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		start := HEADER_SIZE + i*RECORD_SIZE
		rec, _ := DecodeRecord(raw[start : start+RECORD_SIZE])
		if rec.Kind == KindInvalid {
			snap.Unwritten++
			continue
		}
		snap.Records = append(snap.Records, rec)
	}

	if count < expected {
		snap.Truncated = true
		return snap, utils.ErrDecodeTruncated("error buffer ended before written_count records").
			WithContext("written_count", snap.WrittenCount).
			WithContext("decoded", count)
	}
	return snap, nil
}
