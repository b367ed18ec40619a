package shader

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/gpuav/internal/access"
)

// OperandKind selects where an operand's value comes from.
type OperandKind int

const (
	// OperandConst is baked into the program.
	OperandConst OperandKind = iota
	// OperandParam is read from the dispatch's ParamBlock at execution time.
	OperandParam
	// OperandRegister is the result of an earlier load by the same invocation.
	OperandRegister
)

// Operand is a 64-bit value: a device address or data.
type Operand struct {
	Kind  OperandKind
	Value uint64
	Name  string
	Reg   int
}

func Const(v uint64) Operand { return Operand{Kind: OperandConst, Value: v} }
func Param(name string) Operand { return Operand{Kind: OperandParam, Name: name} }
func Register(r int) Operand { return Operand{Kind: OperandRegister, Reg: r} }

func (o Operand) String() string {
	switch o.Kind {
	case OperandParam:
		return "$" + o.Name
	case OperandRegister:
		return fmt.Sprintf("r%d", o.Reg)
	default:
		return fmt.Sprintf("0x%x", o.Value)
	}
}

// Op is an instruction opcode. Every op that dereferences a physical storage
// buffer pointer is instrumented.
type Op int

const (
	OpLoad Op = iota
	OpStore
	OpProxyLoad
	OpAtomicAdd
)

func (op Op) String() string {
	switch op {
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpProxyLoad:
		return "proxy_load"
	case OpAtomicAdd:
		return "atomic_add"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Address computes base + Offset + invocationID*Stride.
type Address struct {
	Base   Operand
	Offset uint64
	Stride uint64
}

// Instruction is one instrumented access.
type Instruction struct {
	Op   Op
	Addr Address
	// Size in bytes for load, store and the atomic target (4).
	Size uint64
	// Type of the whole value for proxy loads.
	Type access.Type
	// Dst receives loaded data (up to 8 bytes); -1 discards it.
	Dst int
	// Value written by stores and added by atomics.
	Value Operand
	// ValueFrom, when set, makes the atomic read its value operand through a
	// pointer; that read gets its own check.
	ValueFrom *Address
	ValueSize uint64
	// Label describes the access in diagnostics, e.g. "node.next".
	Label string
}

// Program is a shader entry point as seen after instrumentation.
type Program struct {
	Name         string
	Layout       access.Layout
	Instructions []Instruction
}

// Site identifies one instrumented check for diagnostics.
type Site struct {
	ID          uint32
	Instruction int
	Op          Op
	Role        string
	Label       string
	Size        uint64
	Offset      uint64
}

// step is one bounds check emitted for an instruction.
type step struct {
	site   uint32
	addr   *Address
	offset uint64
	size   uint64
}

// Instrumented is a program with check ids assigned, as produced by the
// instrumentation pass for a given access mode.
type Instrumented struct {
	Program *Program
	Mode    access.Mode
	Sites   []Site
	steps   [][]step
	regs    int
}

var (
	siteMu     sync.Mutex
	nextSiteID uint32 = 1
)

// Instrument assigns check ids and expands proxy loads for the mode. Check
// ids are unique across every instrumented program in the process.
func Instrument(p *Program, mode access.Mode) (*Instrumented, error) {
	inst := &Instrumented{Program: p, Mode: mode, steps: make([][]step, len(p.Instructions))}
	for i := range p.Instructions {
		ins := &p.Instructions[i]
		if err := inst.trackRegisters(ins); err != nil {
			return nil, fmt.Errorf("%s: instruction %d: %w", p.Name, i, err)
		}
		switch ins.Op {
		case OpLoad, OpStore:
			if ins.Size == 0 || ins.Size > 8 {
				return nil, fmt.Errorf("%s: instruction %d: %s of %d bytes", p.Name, i, ins.Op, ins.Size)
			}
			inst.addStep(i, ins, ins.Op.String(), &ins.Addr, 0, ins.Size)
		case OpProxyLoad:
			if ins.Type == nil {
				return nil, fmt.Errorf("%s: instruction %d: proxy load without a type", p.Name, i)
			}
			for _, ext := range access.ProxyLoad(ins.Type, p.Layout, mode) {
				inst.addStep(i, ins, "proxy:"+ext.Path, &ins.Addr, ext.Offset, ext.Size)
			}
		case OpAtomicAdd:
			if ins.ValueFrom != nil {
				if ins.ValueSize == 0 || ins.ValueSize > 8 {
					return nil, fmt.Errorf("%s: instruction %d: atomic value of %d bytes", p.Name, i, ins.ValueSize)
				}
				inst.addStep(i, ins, "atomic.value", ins.ValueFrom, 0, ins.ValueSize)
			}
			size := ins.Size
			if size == 0 {
				size = 4
			}
			if size != 4 {
				return nil, fmt.Errorf("%s: instruction %d: only 32-bit atomics are supported", p.Name, i)
			}
			inst.addStep(i, ins, "atomic.pointer", &ins.Addr, 0, size)
		default:
			return nil, fmt.Errorf("%s: instruction %d: unknown op %s", p.Name, i, ins.Op)
		}
	}
	return inst, nil
}

func (inst *Instrumented) trackRegisters(ins *Instruction) error {
	for _, op := range []Operand{ins.Addr.Base, ins.Value} {
		if op.Kind == OperandRegister {
			if op.Reg < 0 || op.Reg >= inst.regs {
				return fmt.Errorf("register r%d read before written", op.Reg)
			}
		}
	}
	if ins.ValueFrom != nil && ins.ValueFrom.Base.Kind == OperandRegister && ins.ValueFrom.Base.Reg >= inst.regs {
		return fmt.Errorf("register r%d read before written", ins.ValueFrom.Base.Reg)
	}
	if ins.Dst >= inst.regs {
		inst.regs = ins.Dst + 1
	}
	return nil
}

func (inst *Instrumented) addStep(i int, ins *Instruction, role string, addr *Address, offset, size uint64) {
	siteMu.Lock()
	id := nextSiteID
	nextSiteID++
	siteMu.Unlock()

	inst.Sites = append(inst.Sites, Site{
		ID:          id,
		Instruction: i,
		Op:          ins.Op,
		Role:        role,
		Label:       ins.Label,
		Size:        size,
		Offset:      offset,
	})
	inst.steps[i] = append(inst.steps[i], step{site: id, addr: addr, offset: offset, size: size})
}

// Site returns the site with the given check id.
func (inst *Instrumented) Site(id uint32) (Site, bool) {
	for _, s := range inst.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return Site{}, false
}

// Registers returns the number of registers an invocation needs.
func (inst *Instrumented) Registers() int {
	return inst.regs
}
