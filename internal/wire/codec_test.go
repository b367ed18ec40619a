package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/decoder"
)

func TestDiagnosticSurvivesEncoding(t *testing.T) {
	in := decoder.Diagnostic{
		VUID:            decoder.VUIDOutOfBounds,
		Severity:        decoder.SeverityError,
		Message:         "Out of bounds access: 4 bytes at device address 0x10100",
		Submission:      3,
		Address:         0x1_0000_0100,
		Size:            4,
		CheckID:         17,
		Site:            "load node.value",
		CommandBuffer:   "frame",
		Action:          "vkCmdDispatch",
		ActionIndex:     2,
		Nearest:         "vertices",
		NearestBase:     0x1_0000_0000,
		NearestSize:     256,
		NearestDistance: 1,
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOverflowNoticeKeepsCountAndSeverity(t *testing.T) {
	in := decoder.Diagnostic{
		VUID:       decoder.VUIDBufferOverflow,
		Severity:   decoder.SeverityWarning,
		Message:    "Error buffer capacity of 4 records exceeded",
		Submission: 1,
		Count:      12,
	}
	data, err := Marshal(in)
	require.NoError(t, err)
	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, decoder.SeverityWarning, out.Severity)
	assert.Equal(t, uint32(12), out.Count)
	assert.Empty(t, out.Site)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal(nil)
	assert.Error(t, err)
	_, err = Unmarshal([]byte{1, 2, 3})
	assert.Error(t, err)
}
