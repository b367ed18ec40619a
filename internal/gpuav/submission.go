package gpuav

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/boundscheck"
	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/rangetable"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/shader"
	"github.com/nmxmxh/gpuav/internal/utils"
)

var errValidatorClosed = errors.New("validator closed")

// Submission is one QueueSubmit in flight. Its range table, error buffer and
// correlation buffers belong to it alone.
type Submission struct {
	id           uint64
	validator    *Validator
	snapshot     *registry.Snapshot
	correlation  *decoder.Correlation
	instrumented bool
	table        rangetable.DeviceBuffer
	bindings     *bindingSet
	routine      *boundscheck.Routine

	done    chan struct{}
	execErr error

	once   sync.Once
	diags  []decoder.Diagnostic
	result error
}

// QueueSubmit snapshots the registry, encodes the range table, binds the
// instrumentation buffers and starts execution. Encoding failures downgrade
// this submission to uninstrumented execution; they are never returned.
func (v *Validator) QueueSubmit(ctx context.Context, cbs ...*CommandBuffer) (*Submission, error) {
	sub, err := v.track()
	if err != nil {
		return nil, err
	}
	id := sub.id
	atomic.AddUint64(&v.stats.Submissions, 1)

	sub.snapshot = v.registry.Snapshot()
	sub.correlation = &decoder.Correlation{Submission: id, Sites: v, Snapshot: sub.snapshot}

	var dispatches []shader.Dispatch
	for cmdIndex, cb := range cbs {
		info := decoder.CommandBuffer{Name: cb.name}
		for action, rec := range cb.dispatches {
			info.Actions = append(info.Actions, decoder.Action{Name: rec.action, Program: rec.program.Program.Name})
			sub.correlation.Slots = append(sub.correlation.Slots, decoder.Slot{
				CommandBuffer: uint32(cmdIndex),
				Action:        uint32(action),
			})
			dispatches = append(dispatches, shader.Dispatch{
				Program:     rec.program,
				Invocations: rec.invocations,
				Params:      rec.params,
				ActionSlot:  uint32(len(dispatches)),
			})
		}
		sub.correlation.CommandBuffers = append(sub.correlation.CommandBuffers, info)
	}

	if err := sub.instrument(); err != nil {
		atomic.AddUint64(&v.stats.Skipped, 1)
		v.logger.Warn("submission runs without instrumentation",
			"submission", id,
			"generation", sub.snapshot.Generation(),
			"breaker", v.encoder.State(),
			utils.Err(err))
	} else {
		atomic.AddUint64(&v.stats.Instrumented, 1)
	}

	v.logger.Debug("submit",
		"submission", id,
		"command_buffers", len(cbs),
		"actions", len(dispatches),
		"ranges", sub.snapshot.Len(),
		"instrumented", sub.instrumented)

	go func() {
		defer close(sub.done)
		var routine *boundscheck.Routine
		if sub.instrumented {
			routine = sub.routine
		}
		sub.execErr = v.executor.Run(ctx, routine, dispatches)
	}()
	return sub, nil
}

// track registers a new submission unless the validator is closing. The
// submission counts as in flight until finish has released its buffers.
func (v *Validator) track() (*Submission, error) {
	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()
	if v.closed.Load() {
		return nil, errValidatorClosed
	}
	sub := &Submission{
		id:        atomic.AddUint64(&v.nextSubmission, 1),
		validator: v,
		done:      make(chan struct{}),
	}
	v.inflight.Add(1)
	v.pending[sub.id] = sub
	return sub, nil
}

func (v *Validator) untrack(s *Submission) {
	v.lifecycle.Lock()
	delete(v.pending, s.id)
	v.lifecycle.Unlock()
	v.inflight.Done()
}

// instrument encodes the range table and binds the per-submission buffers.
func (s *Submission) instrument() error {
	v := s.validator
	table, err := v.encoder.Encode(s.snapshot)
	if err != nil {
		return err
	}
	reader, err := v.encoder.Open(table)
	if err != nil {
		_ = v.encoder.Release(table)
		return utils.ErrEncodingFailure(s.snapshot.Generation(), err)
	}

	slots := uint32(len(s.correlation.Slots))
	set, err := v.acquireBindings(slots)
	if err != nil {
		_ = v.encoder.Release(table)
		return utils.ErrEncodingFailure(s.snapshot.Generation(), err)
	}
	for slot, c := range s.correlation.Slots {
		if err := set.ActionIndex.Set(uint32(slot), c.Action); err != nil {
			v.releaseBindings(set)
			_ = v.encoder.Release(table)
			return err
		}
		if err := set.CmdResourceIndex.Set(uint32(slot), c.CommandBuffer); err != nil {
			v.releaseBindings(set)
			_ = v.encoder.Release(table)
			return err
		}
	}

	s.table = table
	s.bindings = set
	s.routine = boundscheck.New(reader, set.Bindings, v.config.MaxErrorsPerCommand)
	s.instrumented = true
	return nil
}

func (s *Submission) ID() uint64 {
	return s.id
}

// Instrumented reports whether the submission ran with bounds checking.
func (s *Submission) Instrumented() bool {
	return s.instrumented
}

// Generation returns the registry generation the submission ran against.
func (s *Submission) Generation() uint64 {
	return s.snapshot.Generation()
}

// Done is closed when device work has completed.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// RoutineStats returns bounds-check counters, zero for uninstrumented runs.
func (s *Submission) RoutineStats() boundscheck.Stats {
	if s.routine == nil {
		return boundscheck.Stats{}
	}
	return s.routine.GetStats()
}

// Wait blocks until completion, then decodes the error buffer, emits the
// diagnostics to the validator's sink and releases the submission's buffers.
// Later calls return the same result.
func (s *Submission) Wait(ctx context.Context) ([]decoder.Diagnostic, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, utils.ErrSubmissionIncomplete(s.id, ctx.Err())
	}
	s.once.Do(s.finish)
	return s.diags, s.result
}

func (s *Submission) finish() {
	v := s.validator
	defer v.untrack(s)
	defer s.release()

	if s.execErr != nil {
		// Unexecuted work yields no diagnostics.
		s.result = s.execErr
		return
	}
	if !s.instrumented {
		return
	}

	raw, err := s.bindings.Errors.Bytes()
	if err != nil {
		s.result = err
		return
	}
	counts, err := s.bindings.CmdErrorsCount.Values()
	if err != nil {
		v.logger.Warn("errors_count readback failed", "submission", s.id, utils.Err(err))
	}

	diags, derr := v.decoder.Decode(decoder.Readback{
		ErrorBuffer:         raw,
		Capacity:            s.bindings.capacity,
		ErrorsCount:         counts,
		MaxErrorsPerCommand: v.config.MaxErrorsPerCommand,
	}, s.correlation)
	s.diags = diags
	s.result = derr

	if len(diags) > 0 {
		atomic.AddUint64(&v.stats.Diagnostics, uint64(len(diags)))
		if err := v.sink.Emit(diags...); err != nil {
			v.logger.Error("diagnostic sink failed", "submission", s.id, utils.Err(err))
		}
	}
}

func (s *Submission) release() {
	if !s.instrumented {
		return
	}
	v := s.validator
	if err := v.encoder.Release(s.table); err != nil {
		v.logger.Warn("range table release failed", "submission", s.id, utils.Err(err))
	}
	v.releaseBindings(s.bindings)
	s.bindings = nil
}
