package decoder

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/utils"
)

type sites map[uint32]string

func (s sites) DescribeSite(id uint32) (string, bool) {
	v, ok := s[id]
	return v, ok
}

func rawBuffer(flags, written, capacity uint32, recs ...protocol.ErrorRecord) []byte {
	raw := make([]byte, protocol.BufferSize(capacity))
	binary.LittleEndian.PutUint32(raw[protocol.OFFSET_FLAGS:], flags)
	binary.LittleEndian.PutUint32(raw[protocol.OFFSET_WRITTEN_COUNT:], written)
	for i, rec := range recs {
		protocol.EncodeRecord(raw[protocol.HEADER_SIZE+i*protocol.RECORD_SIZE:], rec)
	}
	return raw
}

func correlation() *Correlation {
	reg := registry.New(registry.Options{}, nil)
	reg.Insert(registry.ValidRange{Base: 0x10000, Size: 256, Resource: 1, Name: "vertices"})
	reg.Insert(registry.ValidRange{Base: 0x40000, Size: 64, Resource: 2, Name: "params"})
	return &Correlation{
		Submission: 9,
		CommandBuffers: []CommandBuffer{
			{Name: "frame", Actions: []Action{{Name: "vkCmdDispatch", Program: "skin"}, {Name: "vkCmdDispatch", Program: "cull"}}},
		},
		Slots:    []Slot{{CommandBuffer: 0, Action: 0}, {CommandBuffer: 0, Action: 1}},
		Sites:    sites{7: "load node.value"},
		Snapshot: reg.Snapshot(),
	}
}

func TestDecodeOutOfBounds(t *testing.T) {
	rec := protocol.ErrorRecord{
		Kind: protocol.KindOutOfBounds, CheckID: 7,
		Address: 0x10100, Size: 4, ActionIndex: 1, CmdResourceIndex: 0,
	}
	diags, err := New(nil).Decode(Readback{ErrorBuffer: rawBuffer(0, 1, 4, rec), Capacity: 4}, correlation())
	require.NoError(t, err)
	require.Len(t, diags, 1)

	d := diags[0]
	assert.Equal(t, VUIDOutOfBounds, d.VUID)
	assert.Equal(t, SeverityError, d.Severity)
	assert.Equal(t, uint64(9), d.Submission)
	assert.Equal(t, "frame", d.CommandBuffer)
	assert.Equal(t, "vkCmdDispatch", d.Action)
	assert.Equal(t, "load node.value", d.Site)
	assert.Equal(t, "vertices", d.Nearest)
	assert.Equal(t, uint64(0x10000), d.NearestBase)
	assert.Contains(t, d.Message, "4 bytes at device address 0x10100")
	assert.Contains(t, d.Message, "0 bytes past its end")
	assert.Contains(t, d.Message, `command buffer "frame"`)
}

func TestDecodeStraddlingAccessMentionsOverrun(t *testing.T) {
	rec := protocol.ErrorRecord{Kind: protocol.KindOutOfBounds, Address: 0x40030, Size: 32}
	diags, err := New(nil).Decode(Readback{ErrorBuffer: rawBuffer(0, 1, 1, rec), Capacity: 1}, correlation())
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "params", diags[0].Nearest)
	assert.Equal(t, uint64(0), diags[0].NearestDistance)
	assert.Contains(t, diags[0].Message, "runs past its end")
}

func TestDecodeUnknownCorrelationDoesNotFail(t *testing.T) {
	rec := protocol.ErrorRecord{Kind: protocol.KindOutOfBounds, Address: 0x5, Size: 8, ActionIndex: 40, CmdResourceIndex: 12}
	diags, err := New(nil).Decode(Readback{ErrorBuffer: rawBuffer(0, 1, 1, rec), Capacity: 1}, nil)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Empty(t, diags[0].CommandBuffer)
	assert.Contains(t, diags[0].Message, "Unknown command buffer 12")
}

func TestDecodeOverflowAppendsOneNotice(t *testing.T) {
	const capacity = 4
	recs := make([]protocol.ErrorRecord, capacity)
	for i := range recs {
		recs[i] = protocol.ErrorRecord{Kind: protocol.KindOutOfBounds, Address: 0x90000 + uint64(i)*4, Size: 4}
	}
	raw := rawBuffer(protocol.FlagOverflow, 11, capacity, recs...)

	diags, err := New(nil).Decode(Readback{ErrorBuffer: raw, Capacity: capacity}, correlation())
	require.NoError(t, err)
	require.Len(t, diags, capacity+1)

	notice := diags[capacity]
	assert.Equal(t, VUIDBufferOverflow, notice.VUID)
	assert.Equal(t, SeverityWarning, notice.Severity)
	assert.Equal(t, uint32(7), notice.Count)
	assert.Contains(t, notice.Message, "7 additional")
	for _, d := range diags[:capacity] {
		assert.Equal(t, VUIDOutOfBounds, d.VUID)
	}
}

func TestDecodeCommandLimitNotice(t *testing.T) {
	rec := protocol.ErrorRecord{Kind: protocol.KindOutOfBounds, Address: 0x90000, Size: 4, ActionIndex: 1}
	rb := Readback{
		ErrorBuffer:         rawBuffer(0, 1, 4, rec),
		Capacity:            4,
		ErrorsCount:         []uint32{0, 6},
		MaxErrorsPerCommand: 1,
	}
	diags, err := New(nil).Decode(rb, correlation())
	require.NoError(t, err)
	require.Len(t, diags, 2)
	assert.Equal(t, VUIDCommandLimit, diags[1].VUID)
	assert.Equal(t, uint32(5), diags[1].Count)
	assert.Equal(t, "frame", diags[1].CommandBuffer)
	assert.Contains(t, diags[1].Message, "5 further errors")
}

func TestDecodeTruncatedBufferIsPartial(t *testing.T) {
	recs := []protocol.ErrorRecord{
		{Kind: protocol.KindOutOfBounds, Address: 0x1, Size: 1},
		{Kind: protocol.KindOutOfBounds, Address: 0x2, Size: 1},
	}
	raw := rawBuffer(0, 2, 2, recs...)
	raw = raw[:protocol.HEADER_SIZE+protocol.RECORD_SIZE+3]

	diags, err := New(nil).Decode(Readback{ErrorBuffer: raw, Capacity: 2}, nil)
	require.Error(t, err)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDecodeTruncated))
	require.Len(t, diags, 1)
	assert.Equal(t, uint64(0x1), diags[0].Address)

	diags, err = New(nil).Decode(Readback{ErrorBuffer: raw[:3]}, nil)
	assert.Error(t, err)
	assert.Empty(t, diags)
}

func TestDecodeSkipsUnwrittenSlots(t *testing.T) {
	raw := rawBuffer(0, 2, 2, protocol.ErrorRecord{Kind: protocol.KindOutOfBounds, Address: 0x10, Size: 4})
	diags, err := New(nil).Decode(Readback{ErrorBuffer: raw, Capacity: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, diags, 1)
}

func TestSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityError, SeverityWarning} {
		got, err := ParseSeverity(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseSeverity("fatal")
	assert.Error(t, err)
	assert.Equal(t, fmt.Sprintf("error [%s] boom", VUIDOutOfBounds), Diagnostic{VUID: VUIDOutOfBounds, Message: "boom"}.String())
}
