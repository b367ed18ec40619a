package boundscheck

import (
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/rangetable"
)

// Invocation identifies the shader invocation calling the routine.
type Invocation struct {
	// ActionSlot indexes the per-submission correlation buffers.
	ActionSlot uint32
	// ID is the flattened global invocation index.
	ID uint64
}

// Routine is the device-side bounds check called by instrumented code before
// every physical storage buffer access:
//
//	bool inst_bda_check(uint64 address, uint64 size, uint check_id)
//
// It never blocks and never alters the access; a failed check only emits a
// record. It is safe for concurrent use by any number of invocations.
type Routine struct {
	table            *rangetable.Table
	writer           *protocol.Writer
	actionIndex      *protocol.IndexBuffer
	cmdResourceIndex *protocol.IndexBuffer

	stats Stats
}

// Stats counts routine activity. Recorded+Overflowed+Suppressed == Violations.
type Stats struct {
	Checks     uint64
	Violations uint64
	Recorded   uint64
	Overflowed uint64
	Suppressed uint64
	Faults     uint64
}

// New binds a routine to one submission's range table and instrumentation
// buffers.
func New(table *rangetable.Table, b protocol.Bindings, maxErrorsPerCommand uint32) *Routine {
	return &Routine{
		table:            table,
		writer:           protocol.NewWriter(b.Errors, b.CmdErrorsCount, maxErrorsPerCommand),
		actionIndex:      b.ActionIndex,
		cmdResourceIndex: b.CmdResourceIndex,
	}
}

// Check returns whether [addr, addr+size) lies in a valid range and reports a
// violation otherwise.
func (r *Routine) Check(inv Invocation, addr, size uint64, checkID uint32) bool {
	atomic.AddUint64(&r.stats.Checks, 1)
	if r.table.Contains(addr, size) {
		return true
	}
	atomic.AddUint64(&r.stats.Violations, 1)

	// Correlation reads cannot fail the check: a bad slot reports zeros.
	action, _ := r.actionIndex.Get(inv.ActionSlot)
	cmd, _ := r.cmdResourceIndex.Get(inv.ActionSlot)

	outcome, err := r.writer.Report(inv.ActionSlot, protocol.ErrorRecord{
		Kind:             protocol.KindOutOfBounds,
		CheckID:          checkID,
		Address:          addr,
		Size:             size,
		ActionIndex:      action,
		CmdResourceIndex: cmd,
	})
	if err != nil {
		atomic.AddUint64(&r.stats.Faults, 1)
	}
	switch outcome {
	case protocol.Recorded:
		atomic.AddUint64(&r.stats.Recorded, 1)
	case protocol.Overflowed:
		atomic.AddUint64(&r.stats.Overflowed, 1)
	case protocol.Suppressed:
		atomic.AddUint64(&r.stats.Suppressed, 1)
	}
	return false
}

// GetStats returns activity counters.
func (r *Routine) GetStats() Stats {
	return Stats{
		Checks:     atomic.LoadUint64(&r.stats.Checks),
		Violations: atomic.LoadUint64(&r.stats.Violations),
		Recorded:   atomic.LoadUint64(&r.stats.Recorded),
		Overflowed: atomic.LoadUint64(&r.stats.Overflowed),
		Suppressed: atomic.LoadUint64(&r.stats.Suppressed),
		Faults:     atomic.LoadUint64(&r.stats.Faults),
	}
}
