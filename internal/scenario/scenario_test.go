package scenario

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/gpuav"
	"github.com/nmxmxh/gpuav/internal/shader"
	"github.com/nmxmxh/gpuav/internal/sink"
	"github.com/nmxmxh/gpuav/internal/utils"
)

func newValidator(t *testing.T, mutate func(*gpuav.Config)) *gpuav.Validator {
	t.Helper()
	cfg := gpuav.DefaultConfig()
	cfg.HeapSize = device.HEAP_SIZE_MIN
	cfg.Executor = shader.ExecutorConfig{Workers: 2, ChunkSize: 16}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := gpuav.New(cfg, sink.NewCollector(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })
	return v
}

func run(t *testing.T, v *gpuav.Validator, s *Scenario) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return Run(ctx, v, s, nil)
}

func TestExampleScenarios(t *testing.T) {
	files, err := filepath.Glob("../../scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := Load(path)
			require.NoError(t, err)
			res, err := run(t, newValidator(t, nil), s)
			require.NoError(t, err)
			require.Len(t, res.Submissions, s.Submit.Count)
			assert.NoError(t, res.Check(s.Expect))
		})
	}
}

func TestLinkedListReportsDanglingTail(t *testing.T) {
	s, err := Load("../../scenarios/linked_list.yaml")
	require.NoError(t, err)
	res, err := run(t, newValidator(t, nil), s)
	require.NoError(t, err)

	diags := res.Diagnostics()
	require.Len(t, diags, 1)
	d := diags[0]
	assert.Equal(t, decoder.VUIDOutOfBounds, d.VUID)
	assert.Equal(t, res.Buffers["n3"].Address, d.Address)
	assert.Equal(t, uint64(4), d.Size)
	assert.Contains(t, d.Site, "tail.value")
	assert.Equal(t, "traverse", d.CommandBuffer)
}

func TestAtomicsAccumulate(t *testing.T) {
	s, err := Load("../../scenarios/atomics.yaml")
	require.NoError(t, err)
	v := newValidator(t, nil)
	res, err := run(t, v, s)
	require.NoError(t, err)

	counters := res.Buffers["counters"]
	assert.Equal(t, uint32(0), v.Memory().ReadUint32(counters.Address))
	assert.Equal(t, uint32(30), v.Memory().ReadUint32(counters.Address+4))
	assert.Equal(t, uint64(20), res.Submissions[0].Stats.Checks)
}

func TestParticlesPaddingMismatch(t *testing.T) {
	s, err := Load("../../scenarios/particles.yaml")
	require.NoError(t, err)

	// 16 scalar particles fill exactly 9 std430 elements.
	res, err := run(t, newValidator(t, nil), s)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Submissions[0].Count(decoder.VUIDOutOfBounds))
	assert.Equal(t, uint64(576), res.Buffers["particles"].Size)
}

const overflowScenario = `
name: overflow
programs:
  - name: spray
    instructions:
      - {op: store, base: "@small", stride: "4", size: 4, value: "1"}
buffers:
  - {name: small, size: 64}
command_buffers:
  - name: spray
    dispatches:
      - {program: spray, invocations: 100}
expect:
  out_of_bounds: 8
  overflow: true
`

func TestOverflowScenario(t *testing.T) {
	s, err := Parse([]byte(overflowScenario))
	require.NoError(t, err)
	v := newValidator(t, func(cfg *gpuav.Config) { cfg.ErrorBufferCapacity = 8 })
	res, err := run(t, v, s)
	require.NoError(t, err)
	require.NoError(t, res.Check(s.Expect))

	var count uint32
	for _, d := range res.Submissions[0].Diagnostics {
		if d.VUID == decoder.VUIDBufferOverflow {
			count = d.Count
		}
	}
	assert.Equal(t, uint32(84-8), count)
}

func TestCheckReportsMismatch(t *testing.T) {
	one, yes := 1, true
	res := &Result{Submissions: []SubmissionResult{{
		Instrumented: true,
		Diagnostics:  []decoder.Diagnostic{{VUID: decoder.VUIDOutOfBounds}, {VUID: decoder.VUIDOutOfBounds}},
	}}}
	assert.Error(t, res.Check(&Expect{OutOfBounds: &one}))
	assert.Error(t, res.Check(&Expect{Overflow: &yes}))
	assert.NoError(t, res.Check(&Expect{Instrumented: &yes}))
	assert.NoError(t, res.Check(nil))
	assert.Equal(t, 2, res.Submissions[0].Count(decoder.VUIDOutOfBounds))
}

func TestParseDefaults(t *testing.T) {
	s, err := Parse([]byte(overflowScenario))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Submit.Count)

	_, err = Parse([]byte("name: empty\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestRunRejectsBadScenarios(t *testing.T) {
	cases := map[string]string{
		"unknown op": `
programs:
  - name: p
    instructions: [{op: jump, base: "0"}]
command_buffers: [{name: cb}]`,
		"auto stride without type": `
programs:
  - name: p
    instructions: [{op: load, base: "0", size: 4, stride: auto}]
command_buffers: [{name: cb}]`,
		"unknown buffer operand": `
programs:
  - name: p
    instructions: [{op: load, base: "@missing", size: 4}]
command_buffers: [{name: cb}]`,
		"unknown program": `
command_buffers:
  - name: cb
    dispatches: [{program: nope, invocations: 1}]`,
		"unknown struct field": `
types:
  - name: T
    fields: [{name: a, type: uint}]
buffers: [{name: b, type: T}]
programs:
  - name: p
    instructions: [{op: load, base: "@b", type: T, member: z}]
command_buffers: [{name: cb}]`,
		"destroy unknown buffer": `
command_buffers: [{name: cb}]
destroy: [ghost]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := Parse([]byte(doc))
			require.NoError(t, err)
			_, err = run(t, newValidator(t, nil), s)
			assert.Error(t, err)
		})
	}
}

func TestReservedDescriptorSetIsRefused(t *testing.T) {
	s, err := Parse([]byte(`
command_buffers:
  - name: cb
    descriptor_sets: [0, 7]`))
	require.NoError(t, err)
	_, err = run(t, newValidator(t, nil), s)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeReservedDescriptorSet))
}
