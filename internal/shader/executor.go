package shader

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/gpuav/internal/boundscheck"
	"github.com/nmxmxh/gpuav/internal/device"
)

// ParamBlock holds dispatch parameters such as buffer device addresses. The
// block is captured by reference when a dispatch is recorded, so values set
// after recording and before submission are the ones the shader sees.
type ParamBlock struct {
	mu     sync.RWMutex
	values map[string]uint64
}

func NewParamBlock() *ParamBlock {
	return &ParamBlock{values: make(map[string]uint64)}
}

func (p *ParamBlock) Set(name string, v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = v
}

func (p *ParamBlock) Get(name string) (uint64, bool) {
	if p == nil {
		return 0, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[name]
	return v, ok
}

// Dispatch is one recorded compute dispatch.
type Dispatch struct {
	Program     *Instrumented
	Invocations uint32
	Params      *ParamBlock
	// ActionSlot is assigned at submission and links the dispatch to its
	// correlation entries.
	ActionSlot uint32
}

// ExecutorConfig configures the invocation worker pool.
type ExecutorConfig struct {
	Workers   int `yaml:"workers" json:"workers"`
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Workers:   runtime.NumCPU(),
		ChunkSize: 64,
	}
}

// Executor runs dispatches against simulated device memory. Invocations of a
// dispatch run concurrently; dispatches run in recording order.
type Executor struct {
	config ExecutorConfig
	mem    *device.AddressSpace
	logger *slog.Logger
}

func NewExecutor(mem *device.AddressSpace, config ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 64
	}
	return &Executor{
		config: config,
		mem:    mem,
		logger: logger.With("component", "executor"),
	}
}

// Run executes the dispatches. A nil routine runs them uninstrumented.
func (e *Executor) Run(ctx context.Context, routine *boundscheck.Routine, dispatches []Dispatch) error {
	for i := range dispatches {
		if err := e.runDispatch(ctx, routine, &dispatches[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runDispatch(ctx context.Context, routine *boundscheck.Routine, d *Dispatch) error {
	if d.Program == nil {
		return fmt.Errorf("dispatch in slot %d has no program", d.ActionSlot)
	}
	e.logger.Debug("dispatch",
		"program", d.Program.Program.Name,
		"invocations", d.Invocations,
		"slot", d.ActionSlot,
		"instrumented", routine != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	chunk := uint32(e.config.ChunkSize)
	for start := uint32(0); start < d.Invocations; start += chunk {
		first := start
		last := start + chunk
		if last > d.Invocations || last < start {
			last = d.Invocations
		}
		g.Go(func() error {
			for id := first; id < last; id++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := e.invoke(routine, d, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// invoke runs one invocation. Out-of-bounds accesses still execute: reads of
// unmapped memory return zeros and writes to it are dropped.
func (e *Executor) invoke(routine *boundscheck.Routine, d *Dispatch, id uint32) error {
	prog := d.Program
	regs := make([]uint64, prog.Registers())
	inv := boundscheck.Invocation{ActionSlot: d.ActionSlot, ID: uint64(id)}

	resolve := func(op Operand) (uint64, error) {
		switch op.Kind {
		case OperandConst:
			return op.Value, nil
		case OperandParam:
			v, ok := d.Params.Get(op.Name)
			if !ok {
				return 0, fmt.Errorf("%s: parameter %q not set", prog.Program.Name, op.Name)
			}
			return v, nil
		case OperandRegister:
			return regs[op.Reg], nil
		}
		return 0, fmt.Errorf("%s: bad operand kind %d", prog.Program.Name, op.Kind)
	}
	address := func(a *Address) (uint64, error) {
		base, err := resolve(a.Base)
		if err != nil {
			return 0, err
		}
		return base + a.Offset + uint64(id)*a.Stride, nil
	}
	check := func(s step, addr uint64) {
		if routine != nil {
			routine.Check(inv, addr, s.size, s.site)
		}
	}

	for i := range prog.Program.Instructions {
		ins := &prog.Program.Instructions[i]
		steps := prog.steps[i]

		switch ins.Op {
		case OpLoad:
			addr, err := address(&ins.Addr)
			if err != nil {
				return err
			}
			check(steps[0], addr)
			v := e.load(addr, ins.Size)
			if ins.Dst >= 0 {
				regs[ins.Dst] = v
			}

		case OpStore:
			addr, err := address(&ins.Addr)
			if err != nil {
				return err
			}
			v, err := resolve(ins.Value)
			if err != nil {
				return err
			}
			check(steps[0], addr)
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], v)
			e.mem.Write(addr, buf[:ins.Size])

		case OpProxyLoad:
			addr, err := address(&ins.Addr)
			if err != nil {
				return err
			}
			for _, s := range steps {
				check(s, addr+s.offset)
			}
			var v uint64
			for _, s := range steps {
				w := e.load(addr+s.offset, min(s.size, 8))
				if s.offset == 0 {
					v = w
				}
			}
			if ins.Dst >= 0 {
				regs[ins.Dst] = v
			}

		case OpAtomicAdd:
			next := 0
			delta, err := resolve(ins.Value)
			if err != nil {
				return err
			}
			if ins.ValueFrom != nil {
				vaddr, err := address(ins.ValueFrom)
				if err != nil {
					return err
				}
				check(steps[next], vaddr)
				next++
				delta = e.load(vaddr, ins.ValueSize)
			}
			addr, err := address(&ins.Addr)
			if err != nil {
				return err
			}
			check(steps[next], addr)
			v, _ := e.mem.AtomicAdd32(addr, uint32(delta))
			if ins.Dst >= 0 {
				regs[ins.Dst] = uint64(v)
			}
		}
	}
	return nil
}

func (e *Executor) load(addr, size uint64) uint64 {
	var buf [8]byte
	e.mem.Read(addr, buf[:size])
	return binary.LittleEndian.Uint64(buf[:])
}
