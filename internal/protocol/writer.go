package protocol

import (
	"fmt"

	"github.com/nmxmxh/gpuav/internal/device"
)

// Outcome is what happened to a reported violation.
type Outcome int

const (
	// Recorded: the record occupies a slot of the error buffer.
	Recorded Outcome = iota
	// Overflowed: the buffer was full, the overflow flag is set.
	Overflowed
	// Suppressed: the command already reached its error cap.
	Suppressed
)

func (o Outcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case Overflowed:
		return "overflowed"
	case Suppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Writer is the device-side half of the protocol. It never blocks: the only
// shared state is the atomic written_count cursor, the monotonic overflow
// flag and the per-command errors_count counters.
type Writer struct {
	errors        *ErrorBuffer
	errorsCount   *IndexBuffer
	maxPerCommand uint32
}

// NewWriter creates a writer. maxPerCommand 0 disables the per-command cap.
func NewWriter(errors *ErrorBuffer, errorsCount *IndexBuffer, maxPerCommand uint32) *Writer {
	return &Writer{errors: errors, errorsCount: errorsCount, maxPerCommand: maxPerCommand}
}

// Report claims a slot for rec on behalf of the invocation running under
// actionSlot and writes it.
func (w *Writer) Report(actionSlot uint32, rec ErrorRecord) (Outcome, error) {
	if w.maxPerCommand > 0 && w.errorsCount != nil {
		n, err := w.errorsCount.Increment(actionSlot)
		if err != nil {
			return Suppressed, err
		}
		if n > w.maxPerCommand {
			return Suppressed, nil
		}
	}

	mem := w.errors.mem
	next, err := mem.AtomicAdd32(w.errors.offset+OFFSET_WRITTEN_COUNT, 1)
	if err != nil {
		return Overflowed, err
	}
	slot := next - 1
	if slot >= w.errors.capacity {
		if _, err := mem.AtomicOr32(w.errors.offset+OFFSET_FLAGS, FlagOverflow); err != nil {
			return Overflowed, err
		}
		return Overflowed, nil
	}

	// Body first, kind last: a zero kind marks a slot whose write never landed.
	words := rec.Words()
	base := w.errors.recordOffset(slot)
	for i := RECORD_WORDS - 1; i > WORD_KIND; i-- {
		if err := device.WriteUint32(mem, base+uint32(i)*4, words[i]); err != nil {
			return Recorded, err
		}
	}
	if err := mem.AtomicStore32(base, words[WORD_KIND]); err != nil {
		return Recorded, err
	}
	return Recorded, nil
}
