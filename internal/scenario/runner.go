package scenario

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nmxmxh/gpuav/internal/access"
	"github.com/nmxmxh/gpuav/internal/boundscheck"
	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/gpuav"
	"github.com/nmxmxh/gpuav/internal/shader"
)

// SubmissionResult is what one submission of the scenario produced.
type SubmissionResult struct {
	ID           uint64
	Instrumented bool
	Diagnostics  []decoder.Diagnostic
	Stats        boundscheck.Stats
}

// Count returns the number of diagnostics with the given VUID.
func (r SubmissionResult) Count(vuid string) int {
	n := 0
	for _, d := range r.Diagnostics {
		if d.VUID == vuid {
			n++
		}
	}
	return n
}

type Result struct {
	Scenario    string
	Submissions []SubmissionResult
	// Buffers holds every buffer and view the scenario created, by name.
	Buffers map[string]device.BufferInfo
}

// Diagnostics returns every diagnostic in submission order.
func (r *Result) Diagnostics() []decoder.Diagnostic {
	var out []decoder.Diagnostic
	for _, s := range r.Submissions {
		out = append(out, s.Diagnostics...)
	}
	return out
}

// Check compares every submission against the expectation.
func (r *Result) Check(e *Expect) error {
	if e == nil {
		return nil
	}
	for i, s := range r.Submissions {
		if e.OutOfBounds != nil && s.Count(decoder.VUIDOutOfBounds) != *e.OutOfBounds {
			return fmt.Errorf("submission %d: %d out-of-bounds diagnostics, expected %d",
				i+1, s.Count(decoder.VUIDOutOfBounds), *e.OutOfBounds)
		}
		if e.Overflow != nil && (s.Count(decoder.VUIDBufferOverflow) > 0) != *e.Overflow {
			return fmt.Errorf("submission %d: overflow notice present=%v, expected %v",
				i+1, s.Count(decoder.VUIDBufferOverflow) > 0, *e.Overflow)
		}
		if e.CommandLimit != nil && s.Count(decoder.VUIDCommandLimit) != *e.CommandLimit {
			return fmt.Errorf("submission %d: %d command limit notices, expected %d",
				i+1, s.Count(decoder.VUIDCommandLimit), *e.CommandLimit)
		}
		if e.Instrumented != nil && s.Instrumented != *e.Instrumented {
			return fmt.Errorf("submission %d: instrumented=%v, expected %v", i+1, s.Instrumented, *e.Instrumented)
		}
	}
	return nil
}

type runner struct {
	v        *gpuav.Validator
	logger   *slog.Logger
	buffers  map[string]device.BufferInfo
	structs  map[string]*access.Struct
	programs map[string]*shader.Instrumented
}

// Run executes the scenario against v: create buffers, build programs,
// record, create late buffers, then submit and wait Submit.Count times.
func Run(ctx context.Context, v *gpuav.Validator, s *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &runner{
		v:        v,
		logger:   logger.With("component", "scenario", "scenario", s.Name),
		buffers:  make(map[string]device.BufferInfo),
		structs:  make(map[string]*access.Struct),
		programs: make(map[string]*shader.Instrumented),
	}

	if err := r.declareTypes(s.Types); err != nil {
		return nil, err
	}
	if err := r.createBuffers(s.Buffers); err != nil {
		return nil, err
	}
	for _, p := range s.Programs {
		if err := r.buildProgram(p); err != nil {
			return nil, fmt.Errorf("program %q: %w", p.Name, err)
		}
	}

	type pending struct {
		params *shader.ParamBlock
		values map[string]string
	}
	var cbs []*gpuav.CommandBuffer
	var params []pending
	for _, c := range s.CommandBuffers {
		cb := v.NewCommandBuffer(c.Name)
		for _, set := range c.DescriptorSets {
			if err := cb.BindDescriptorSet(set); err != nil {
				return nil, fmt.Errorf("command buffer %q: %w", c.Name, err)
			}
		}
		for _, d := range c.Dispatches {
			prog, ok := r.programs[d.Program]
			if !ok {
				return nil, fmt.Errorf("command buffer %q: unknown program %q", c.Name, d.Program)
			}
			pb := shader.NewParamBlock()
			if err := cb.Dispatch(prog, d.Invocations, pb); err != nil {
				return nil, err
			}
			params = append(params, pending{params: pb, values: d.Params})
		}
		cbs = append(cbs, cb)
	}

	if err := r.createBuffers(s.LateBuffers); err != nil {
		return nil, err
	}
	for _, p := range params {
		for name, value := range p.values {
			n, err := r.value(value)
			if err != nil {
				return nil, fmt.Errorf("param %q: %w", name, err)
			}
			p.params.Set(name, n)
		}
	}
	for _, name := range s.Destroy {
		info, ok := r.buffers[name]
		if !ok {
			return nil, fmt.Errorf("destroy: unknown buffer %q", name)
		}
		if err := v.DestroyBuffer(info.ID); err != nil {
			return nil, err
		}
	}

	res := &Result{Scenario: s.Name, Buffers: r.buffers}
	for i := 0; i < s.Submit.Count; i++ {
		sub, err := v.QueueSubmit(ctx, cbs...)
		if err != nil {
			return res, err
		}
		diags, err := sub.Wait(ctx)
		if err != nil {
			return res, fmt.Errorf("submission %d: %w", sub.ID(), err)
		}
		res.Submissions = append(res.Submissions, SubmissionResult{
			ID:           sub.ID(),
			Instrumented: sub.Instrumented(),
			Diagnostics:  diags,
			Stats:        sub.RoutineStats(),
		})
		r.logger.Info("submission complete",
			"submission", sub.ID(),
			"instrumented", sub.Instrumented(),
			"diagnostics", len(diags))
	}
	return res, nil
}

func (r *runner) declareTypes(decls []TypeDecl) error {
	// Register every name first so structs can point at each other.
	for _, d := range decls {
		if _, dup := r.structs[d.Name]; dup {
			return fmt.Errorf("type %q declared twice", d.Name)
		}
		r.structs[d.Name] = access.StructOf(d.Name)
	}
	for _, d := range decls {
		s := r.structs[d.Name]
		for _, f := range d.Fields {
			t, err := access.ParseType(f.Type, r.structs)
			if err != nil {
				return fmt.Errorf("type %q field %q: %w", d.Name, f.Name, err)
			}
			s.Fields = append(s.Fields, access.F(f.Name, t))
		}
	}
	return nil
}

func (r *runner) createBuffers(decls []BufferDecl) error {
	for _, b := range decls {
		if _, dup := r.buffers[b.Name]; dup {
			return fmt.Errorf("buffer %q declared twice", b.Name)
		}
		size := b.Size
		if b.Type != "" {
			t, err := access.ParseType(b.Type, r.structs)
			if err != nil {
				return fmt.Errorf("buffer %q: %w", b.Name, err)
			}
			layout, err := access.ParseLayout(b.Layout)
			if err != nil {
				return fmt.Errorf("buffer %q: %w", b.Name, err)
			}
			size = access.SizeOf(t, layout) * max(b.Count, 1)
		}

		var info device.BufferInfo
		var err error
		if b.ViewOf != "" {
			parent, ok := r.buffers[b.ViewOf]
			if !ok {
				return fmt.Errorf("view %q: unknown buffer %q", b.Name, b.ViewOf)
			}
			info, err = r.v.CreateBufferView(parent.ID, b.Name, b.Offset, size)
		} else {
			info, err = r.v.CreateBuffer(b.Name, size)
		}
		if err != nil {
			return err
		}
		r.buffers[b.Name] = info
	}

	for _, b := range decls {
		info := r.buffers[b.Name]
		for _, w := range b.Init {
			v, err := r.value(w.Value)
			if err != nil {
				return fmt.Errorf("buffer %q init: %w", b.Name, err)
			}
			size := w.Size
			if size == 0 {
				size = 4
				if strings.HasPrefix(w.Value, "@") {
					size = 8
				}
			}
			if size > 8 {
				return fmt.Errorf("buffer %q init: %d byte write", b.Name, size)
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], v)
			r.v.Memory().Write(info.Address+w.Offset, buf[:size])
		}
	}
	return nil
}

// value resolves a host-side value: a number or "@buffer".
func (r *runner) value(s string) (uint64, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		info, found := r.buffers[name]
		if !found {
			return 0, fmt.Errorf("unknown buffer %q", name)
		}
		return info.Address, nil
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func (r *runner) operand(s string) (shader.Operand, error) {
	switch {
	case strings.HasPrefix(s, "$"):
		return shader.Param(s[1:]), nil
	case len(s) > 1 && s[0] == 'r' && s[1] >= '0' && s[1] <= '9':
		n, err := strconv.Atoi(s[1:])
		if err != nil {
			return shader.Operand{}, fmt.Errorf("bad register %q", s)
		}
		return shader.Register(n), nil
	default:
		v, err := r.value(s)
		if err != nil {
			return shader.Operand{}, err
		}
		return shader.Const(v), nil
	}
}

var ops = map[string]shader.Op{
	"load":       shader.OpLoad,
	"store":      shader.OpStore,
	"proxy_load": shader.OpProxyLoad,
	"atomic_add": shader.OpAtomicAdd,
}

func (r *runner) buildProgram(decl ProgramDecl) error {
	layout, err := access.ParseLayout(decl.Layout)
	if err != nil {
		return err
	}
	p := &shader.Program{Name: decl.Name, Layout: layout}

	for i, d := range decl.Instructions {
		ins, err := r.instruction(d, layout)
		if err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
		p.Instructions = append(p.Instructions, ins)
	}
	inst, err := r.v.Instrument(p)
	if err != nil {
		return err
	}
	r.programs[decl.Name] = inst
	return nil
}

func (r *runner) instruction(d InstructionDecl, layout access.Layout) (shader.Instruction, error) {
	op, ok := ops[d.Op]
	if !ok {
		return shader.Instruction{}, fmt.Errorf("unknown op %q", d.Op)
	}
	base, err := r.operand(d.Base)
	if err != nil {
		return shader.Instruction{}, err
	}
	value, err := r.operand(d.Value)
	if err != nil {
		return shader.Instruction{}, err
	}
	ins := shader.Instruction{
		Op:    op,
		Addr:  shader.Address{Base: base, Offset: d.Offset},
		Size:  d.Size,
		Dst:   -1,
		Value: value,
		Label: d.Label,
	}
	if d.Dst != nil {
		ins.Dst = *d.Dst
	}

	var elem access.Type
	if d.Type != "" {
		if elem, err = access.ParseType(d.Type, r.structs); err != nil {
			return ins, err
		}
		target := elem
		if d.Member != "" {
			steps, err := access.ParsePath(d.Member)
			if err != nil {
				return ins, err
			}
			ext, mt, err := access.Member(elem, layout, steps...)
			if err != nil {
				return ins, err
			}
			ins.Addr.Offset += ext.Offset
			target = mt
			if ins.Label == "" {
				ins.Label = elem.String() + "." + ext.Path
			}
		}
		if op == shader.OpProxyLoad {
			ins.Type = target
		} else if ins.Size == 0 {
			ins.Size = access.SizeOf(target, layout)
		}
	}

	switch d.Stride {
	case "":
	case "auto":
		if elem == nil {
			return ins, fmt.Errorf("stride auto needs a type")
		}
		ins.Addr.Stride = access.SizeOf(elem, layout)
	default:
		if ins.Addr.Stride, err = strconv.ParseUint(d.Stride, 0, 64); err != nil {
			return ins, fmt.Errorf("bad stride %q", d.Stride)
		}
	}

	if d.ValueFrom != "" {
		from, err := r.operand(d.ValueFrom)
		if err != nil {
			return ins, err
		}
		ins.ValueFrom = &shader.Address{Base: from, Offset: d.ValueOffset}
		ins.ValueSize = d.ValueSize
		if ins.ValueSize == 0 {
			ins.ValueSize = 4
		}
	}
	return ins, nil
}
