package shader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/access"
	"github.com/nmxmxh/gpuav/internal/boundscheck"
	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/rangetable"
	"github.com/nmxmxh/gpuav/internal/registry"
)

type harness struct {
	space    *device.AddressSpace
	reg      *registry.Registry
	bindings protocol.Bindings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		space: device.NewAddressSpace(device.AddressSpaceOptions{}),
		reg:   registry.New(registry.Options{}, nil),
	}
}

func (h *harness) buffer(t *testing.T, name string, size uint64) device.BufferInfo {
	t.Helper()
	info, err := h.space.Allocate(name, size)
	require.NoError(t, err)
	h.reg.Insert(registry.ValidRange{Base: info.Address, Size: info.Size, Resource: registry.ResourceID(info.ID), Name: name})
	return info
}

// routine encodes the current registry state the way a submission would.
func (h *harness) routine(t *testing.T, capacity uint32) *boundscheck.Routine {
	t.Helper()
	rows := h.reg.Snapshot().Rows()
	tableSize := rangetable.TableSize(len(rows))
	mem := device.NewInMemoryProvider(tableSize + protocol.BufferSize(capacity) + 3*protocol.IndexBufferSize(1))

	require.NoError(t, device.WriteUint32(mem, rangetable.OFFSET_COUNT, uint32(len(rows))))
	for i, row := range rows {
		at := uint32(rangetable.HEADER_SIZE + i*rangetable.ROW_SIZE)
		require.NoError(t, device.WriteUint64(mem, at, row.Base))
		require.NoError(t, device.WriteUint64(mem, at+8, row.Size))
	}
	table, err := rangetable.Open(mem, 0)
	require.NoError(t, err)

	off := tableSize
	errs, err := protocol.NewErrorBuffer(mem, off, capacity)
	require.NoError(t, err)
	off += errs.Size()
	idx := make([]*protocol.IndexBuffer, 3)
	for i := range idx {
		idx[i], err = protocol.NewIndexBuffer(mem, off, 1)
		require.NoError(t, err)
		off += protocol.IndexBufferSize(1)
	}
	h.bindings = protocol.Bindings{Errors: errs, ActionIndex: idx[0], CmdResourceIndex: idx[1], CmdErrorsCount: idx[2]}
	return boundscheck.New(table, h.bindings, 0)
}

func (h *harness) records(t *testing.T) []protocol.ErrorRecord {
	t.Helper()
	snap, err := h.bindings.Errors.Snapshot()
	require.NoError(t, err)
	return snap.Records
}

func run(t *testing.T, h *harness, r *boundscheck.Routine, p *Program, mode access.Mode, n uint32, params *ParamBlock) *Instrumented {
	t.Helper()
	inst, err := Instrument(p, mode)
	require.NoError(t, err)
	exec := NewExecutor(h.space, ExecutorConfig{Workers: 4, ChunkSize: 16}, nil)
	require.NoError(t, exec.Run(context.Background(), r, []Dispatch{{Program: inst, Invocations: n, Params: params}}))
	return inst
}

func TestInstrumentAssignsUniqueSites(t *testing.T) {
	pair := access.StructOf("Pair", access.F("a", access.Float), access.F("b", access.Vec(access.Float, 3)))
	p := &Program{
		Name:   "sites",
		Layout: access.Std430,
		Instructions: []Instruction{
			{Op: OpLoad, Addr: Address{Base: Const(0x1000)}, Size: 8, Dst: 0},
			{Op: OpProxyLoad, Addr: Address{Base: Register(0)}, Type: pair, Dst: -1},
			{Op: OpAtomicAdd, Addr: Address{Base: Const(0x2000)}, ValueFrom: &Address{Base: Const(0x3000)}, ValueSize: 4, Dst: -1},
		},
	}

	safe, err := Instrument(p, access.ModeSafe)
	require.NoError(t, err)
	assert.Len(t, safe.Sites, 4, "load, one proxy extent, atomic value and pointer")

	fast, err := Instrument(p, access.ModeFast)
	require.NoError(t, err)
	assert.Len(t, fast.Sites, 5, "proxy load splits around the padding after a")

	seen := map[uint32]bool{}
	for _, s := range append(safe.Sites, fast.Sites...) {
		assert.False(t, seen[s.ID], "duplicate site id %d", s.ID)
		seen[s.ID] = true
	}
	site, ok := safe.Site(safe.Sites[2].ID)
	require.True(t, ok)
	assert.Equal(t, "atomic.value", site.Role)
	assert.Equal(t, 1, safe.Registers())
}

func TestInstrumentRejectsBadPrograms(t *testing.T) {
	cases := map[string]Instruction{
		"unwritten register": {Op: OpLoad, Addr: Address{Base: Register(2)}, Size: 4, Dst: -1},
		"wide load":          {Op: OpLoad, Addr: Address{Base: Const(1)}, Size: 16, Dst: -1},
		"untyped proxy":      {Op: OpProxyLoad, Addr: Address{Base: Const(1)}, Dst: -1},
		"64-bit atomic":      {Op: OpAtomicAdd, Addr: Address{Base: Const(1)}, Size: 8, Dst: -1},
	}
	for name, ins := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Instrument(&Program{Name: name, Instructions: []Instruction{ins}}, access.ModeSafe)
			assert.Error(t, err)
		})
	}
}

func TestExecutorStoresAndLoadsPerInvocation(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, "out", 64*4)

	p := &Program{
		Name: "fill",
		Instructions: []Instruction{
			{Op: OpStore, Addr: Address{Base: Const(buf.Address), Stride: 4}, Size: 4, Value: Const(7), Dst: -1},
		},
	}
	run(t, h, nil, p, access.ModeSafe, 64, nil)
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, uint32(7), h.space.ReadUint32(buf.Address+i*4))
	}
}

func TestExecutorReportsOnlyTheOverrunningInvocation(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, "data", 63*4)
	r := h.routine(t, 16)

	p := &Program{
		Name: "overrun",
		Instructions: []Instruction{
			{Op: OpLoad, Addr: Address{Base: Const(buf.Address), Stride: 4}, Size: 4, Dst: -1},
		},
	}
	inst := run(t, h, r, p, access.ModeSafe, 64, nil)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, buf.Address+63*4, recs[0].Address)
	assert.Equal(t, uint64(4), recs[0].Size)
	assert.Equal(t, inst.Sites[0].ID, recs[0].CheckID)
	assert.Equal(t, uint64(64), r.GetStats().Checks)
}

func TestExecutorChecksEveryPointerHop(t *testing.T) {
	h := newHarness(t)
	head := h.buffer(t, "head", 8)
	node := h.buffer(t, "node", 16)
	h.space.WriteUint64(head.Address, node.Address)
	r := h.routine(t, 16)

	p := &Program{
		Name: "chase",
		Instructions: []Instruction{
			{Op: OpLoad, Addr: Address{Base: Const(head.Address)}, Size: 8, Dst: 0, Label: "head"},
			{Op: OpLoad, Addr: Address{Base: Register(0), Offset: 8}, Size: 8, Dst: 1, Label: "node.next"},
			{Op: OpLoad, Addr: Address{Base: Register(0), Offset: 16}, Size: 4, Dst: -1, Label: "node.value"},
		},
	}
	inst := run(t, h, r, p, access.ModeSafe, 1, nil)

	recs := h.records(t)
	require.Len(t, recs, 1, "only the hop past the node is out of bounds")
	assert.Equal(t, node.Address+16, recs[0].Address)
	site, ok := inst.Site(recs[0].CheckID)
	require.True(t, ok)
	assert.Equal(t, "node.value", site.Label)
}

func TestExecutorResolvesParamsAtExecution(t *testing.T) {
	h := newHarness(t)
	params := NewParamBlock()
	p := &Program{
		Name: "late",
		Instructions: []Instruction{
			{Op: OpStore, Addr: Address{Base: Param("dst")}, Size: 4, Value: Const(1), Dst: -1},
		},
	}
	inst, err := Instrument(p, access.ModeSafe)
	require.NoError(t, err)
	exec := NewExecutor(h.space, DefaultExecutorConfig(), nil)
	d := []Dispatch{{Program: inst, Invocations: 1, Params: params}}

	assert.Error(t, exec.Run(context.Background(), nil, d), "unset parameter")

	buf := h.buffer(t, "dst", 4)
	params.Set("dst", buf.Address)
	r := h.routine(t, 4)
	require.NoError(t, exec.Run(context.Background(), r, d))
	assert.Equal(t, uint32(1), h.space.ReadUint32(buf.Address))
	assert.Empty(t, h.records(t))
}

func TestExecutorAtomicChecksValueAndPointer(t *testing.T) {
	h := newHarness(t)
	counter := h.buffer(t, "counter", 4)
	deltas := h.buffer(t, "deltas", 4)
	h.space.WriteUint32(deltas.Address, 2)
	r := h.routine(t, 64)

	p := &Program{
		Name: "accumulate",
		Instructions: []Instruction{
			{Op: OpAtomicAdd, Addr: Address{Base: Const(counter.Address)}, ValueFrom: &Address{Base: Const(deltas.Address)}, ValueSize: 4, Dst: -1},
		},
	}
	run(t, h, r, p, access.ModeSafe, 100, nil)
	assert.Equal(t, uint32(200), h.space.ReadUint32(counter.Address))
	assert.Empty(t, h.records(t))

	bad := &Program{
		Name: "accumulate-bad",
		Instructions: []Instruction{
			{Op: OpAtomicAdd, Addr: Address{Base: Const(counter.Address)}, ValueFrom: &Address{Base: Const(deltas.Address), Offset: 4}, ValueSize: 4, Dst: -1},
		},
	}
	inst := run(t, h, r, bad, access.ModeSafe, 1, nil)
	recs := h.records(t)
	require.Len(t, recs, 1)
	site, _ := inst.Site(recs[0].CheckID)
	assert.Equal(t, "atomic.value", site.Role)
}

func TestProxyLoadModesAgreeOnValidData(t *testing.T) {
	for _, layout := range []access.Layout{access.Std140, access.Std430, access.ScalarLayout, access.Relaxed} {
		for _, mode := range []access.Mode{access.ModeSafe, access.ModeFast} {
			h := newHarness(t)
			elem := access.StructOf("S",
				access.F("a", access.Float),
				access.F("b", access.Vec(access.Float, 3)),
				access.F("m", access.Mat(2, 2)),
				access.F("c", access.ArrayOf(access.Uint, 3)))
			size := access.SizeOf(elem, layout)
			buf := h.buffer(t, "s", size*8)
			r := h.routine(t, 16)

			p := &Program{
				Name:   "proxy",
				Layout: layout,
				Instructions: []Instruction{
					{Op: OpProxyLoad, Addr: Address{Base: Const(buf.Address), Stride: size}, Type: elem, Dst: -1},
				},
			}
			run(t, h, r, p, mode, 8, nil)
			assert.Empty(t, h.records(t), "%s/%s", layout, mode)
		}
	}
}

func TestExecutorStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	buf := h.buffer(t, "b", 4)
	inst, err := Instrument(&Program{
		Name:         "spin",
		Instructions: []Instruction{{Op: OpLoad, Addr: Address{Base: Const(buf.Address)}, Size: 4, Dst: -1}},
	}, access.ModeSafe)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := NewExecutor(h.space, DefaultExecutorConfig(), nil)
	err = exec.Run(ctx, nil, []Dispatch{{Program: inst, Invocations: 1024}})
	assert.ErrorIs(t, err, context.Canceled)
}
