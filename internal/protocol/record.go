package protocol

import (
	"encoding/binary"
	"fmt"
)

// Error buffer wire format, shared with instrumented shader code:
//
//	OutputBuffer { uint flags; uint written_count; uint data[]; }
//
// data holds capacity records of RECORD_WORDS little-endian u32 words.
const (
	OFFSET_FLAGS         = 0
	OFFSET_WRITTEN_COUNT = 4
	HEADER_SIZE          = 8

	RECORD_WORDS = 8
	RECORD_SIZE  = RECORD_WORDS * 4

	// Record word indices
	WORD_KIND               = 0
	WORD_CHECK_ID           = 1
	WORD_ADDRESS_LO         = 2
	WORD_ADDRESS_HI         = 3
	WORD_SIZE_LO            = 4
	WORD_SIZE_HI            = 5
	WORD_ACTION_INDEX       = 6
	WORD_CMD_RESOURCE_INDEX = 7

	FlagOverflow uint32 = 1 << 0
)

// Kind classifies an error record. Zero marks an unwritten slot.
type Kind uint32

const (
	KindInvalid     Kind = 0
	KindOutOfBounds Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindOutOfBounds:
		return "out_of_bounds"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// ErrorRecord is one GPU-reported violation.
type ErrorRecord struct {
	Kind    Kind
	CheckID uint32
	// Address is the faulting device address (addressOrId).
	Address uint64
	// Size is the access size in bytes (sizeOrContext).
	Size             uint64
	ActionIndex      uint32
	CmdResourceIndex uint32
}

// End returns the first byte past the access.
func (r ErrorRecord) End() uint64 {
	return r.Address + r.Size
}

// Words returns the record as its wire words.
func (r ErrorRecord) Words() [RECORD_WORDS]uint32 {
	return [RECORD_WORDS]uint32{
		WORD_KIND:               uint32(r.Kind),
		WORD_CHECK_ID:           r.CheckID,
		WORD_ADDRESS_LO:         uint32(r.Address),
		WORD_ADDRESS_HI:         uint32(r.Address >> 32),
		WORD_SIZE_LO:            uint32(r.Size),
		WORD_SIZE_HI:            uint32(r.Size >> 32),
		WORD_ACTION_INDEX:       r.ActionIndex,
		WORD_CMD_RESOURCE_INDEX: r.CmdResourceIndex,
	}
}

// EncodeRecord writes r into dst, which must hold RECORD_SIZE bytes.
func EncodeRecord(dst []byte, r ErrorRecord) {
	_ = dst[RECORD_SIZE-1]
	for i, w := range r.Words() {
		binary.LittleEndian.PutUint32(dst[i*4:], w)
	}
}

// DecodeRecord reads one record from src.
func DecodeRecord(src []byte) (ErrorRecord, error) {
	if len(src) < RECORD_SIZE {
		return ErrorRecord{}, fmt.Errorf("record needs %d bytes, have %d", RECORD_SIZE, len(src))
	}
	word := func(i int) uint32 {
		return binary.LittleEndian.Uint32(src[i*4:])
	}
	return ErrorRecord{
		Kind:             Kind(word(WORD_KIND)),
		CheckID:          word(WORD_CHECK_ID),
		Address:          uint64(word(WORD_ADDRESS_LO)) | uint64(word(WORD_ADDRESS_HI))<<32,
		Size:             uint64(word(WORD_SIZE_LO)) | uint64(word(WORD_SIZE_HI))<<32,
		ActionIndex:      word(WORD_ACTION_INDEX),
		CmdResourceIndex: word(WORD_CMD_RESOURCE_INDEX),
	}, nil
}

// BufferSize returns the byte size of an error buffer with the given capacity.
func BufferSize(capacity uint32) uint32 {
	return HEADER_SIZE + capacity*RECORD_SIZE
}
