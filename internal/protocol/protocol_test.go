package protocol

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/utils"
)

func newBindings(t *testing.T, capacity, slots uint32) (Bindings, device.MemoryProvider) {
	t.Helper()
	mem := device.NewInMemoryProvider(BufferSize(capacity) + 3*IndexBufferSize(slots))
	errs, err := NewErrorBuffer(mem, 0, capacity)
	require.NoError(t, err)
	off := errs.Size()
	action, err := NewIndexBuffer(mem, off, slots)
	require.NoError(t, err)
	off += IndexBufferSize(slots)
	cmd, err := NewIndexBuffer(mem, off, slots)
	require.NoError(t, err)
	off += IndexBufferSize(slots)
	count, err := NewIndexBuffer(mem, off, slots)
	require.NoError(t, err)
	return Bindings{Errors: errs, ActionIndex: action, CmdResourceIndex: cmd, CmdErrorsCount: count}, mem
}

func TestRecordLayout(t *testing.T) {
	rec := ErrorRecord{
		Kind:             KindOutOfBounds,
		CheckID:          7,
		Address:          0x0000_0001_2345_6789,
		Size:             16,
		ActionIndex:      3,
		CmdResourceIndex: 2,
	}
	buf := make([]byte, RECORD_SIZE)
	EncodeRecord(buf, rec)

	// kind, checkId, addr lo, addr hi, size lo, size hi, action, cmd
	assert.Equal(t, []byte{1, 0, 0, 0}, buf[0:4])
	assert.Equal(t, []byte{7, 0, 0, 0}, buf[4:8])
	assert.Equal(t, []byte{0x89, 0x67, 0x45, 0x23}, buf[8:12])
	assert.Equal(t, []byte{1, 0, 0, 0}, buf[12:16])
	assert.Equal(t, []byte{16, 0, 0, 0}, buf[16:20])
	assert.Equal(t, []byte{3, 0, 0, 0}, buf[24:28])
	assert.Equal(t, []byte{2, 0, 0, 0}, buf[28:32])

	got, err := DecodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Equal(t, rec.Address+16, got.End())

	_, err = DecodeRecord(buf[:31])
	assert.Error(t, err)
}

func TestWriterRecordsAndSnapshot(t *testing.T) {
	b, _ := newBindings(t, 4, 1)
	w := NewWriter(b.Errors, b.CmdErrorsCount, 0)

	outcome, err := w.Report(0, ErrorRecord{Kind: KindOutOfBounds, CheckID: 1, Address: 0x1000, Size: 4})
	require.NoError(t, err)
	assert.Equal(t, Recorded, outcome)

	snap, err := b.Errors.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Overflowed())
	assert.Equal(t, uint32(1), snap.WrittenCount)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, uint64(0x1000), snap.Records[0].Address)
}

func TestWriterOverflowBound(t *testing.T) {
	const capacity = 16
	const reports = 500
	b, _ := newBindings(t, capacity, 1)
	w := NewWriter(b.Errors, b.CmdErrorsCount, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := w.Report(0, ErrorRecord{Kind: KindOutOfBounds, CheckID: uint32(i), Address: uint64(i), Size: 4})
			assert.NoError(t, err)
			mu.Lock()
			outcomes[o]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity, outcomes[Recorded])
	assert.Equal(t, reports-capacity, outcomes[Overflowed])

	snap, err := b.Errors.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Overflowed())
	assert.Len(t, snap.Records, capacity)
	assert.Equal(t, uint32(reports), snap.WrittenCount)
	assert.Equal(t, uint32(reports-capacity), snap.Dropped())

	// Every retained record is a distinct report.
	seen := map[uint32]bool{}
	for _, r := range snap.Records {
		assert.False(t, seen[r.CheckID])
		seen[r.CheckID] = true
	}
}

func TestWriterPerCommandCap(t *testing.T) {
	b, _ := newBindings(t, 64, 2)
	w := NewWriter(b.Errors, b.CmdErrorsCount, 3)

	for i := 0; i < 10; i++ {
		o, err := w.Report(0, ErrorRecord{Kind: KindOutOfBounds})
		require.NoError(t, err)
		if i < 3 {
			assert.Equal(t, Recorded, o)
		} else {
			assert.Equal(t, Suppressed, o)
		}
	}
	o, err := w.Report(1, ErrorRecord{Kind: KindOutOfBounds})
	require.NoError(t, err)
	assert.Equal(t, Recorded, o, "caps are per command")

	counts, err := b.CmdErrorsCount.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint32{10, 1}, counts)

	snap, err := b.Errors.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap.Records, 4)
	assert.False(t, snap.Overflowed())

	_, err = w.Report(5, ErrorRecord{Kind: KindOutOfBounds})
	assert.ErrorIs(t, err, device.ErrOutOfBounds)
}

func TestResetForResubmission(t *testing.T) {
	b, _ := newBindings(t, 2, 1)
	w := NewWriter(b.Errors, b.CmdErrorsCount, 0)

	for i := 0; i < 5; i++ {
		_, err := w.Report(0, ErrorRecord{Kind: KindOutOfBounds, CheckID: 9})
		require.NoError(t, err)
	}
	first, err := b.Errors.Snapshot()
	require.NoError(t, err)
	require.True(t, first.Overflowed())

	require.NoError(t, b.Reset())
	empty, err := b.Errors.Snapshot()
	require.NoError(t, err)
	assert.Zero(t, empty.Flags)
	assert.Zero(t, empty.WrittenCount)
	assert.Empty(t, empty.Records)

	for i := 0; i < 5; i++ {
		_, err := w.Report(0, ErrorRecord{Kind: KindOutOfBounds, CheckID: 9})
		require.NoError(t, err)
	}
	second, err := b.Errors.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseTruncated(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3}, 0)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDecodeTruncated))

	full := make([]byte, BufferSize(4))
	full[OFFSET_WRITTEN_COUNT] = 3
	for i := 0; i < 3; i++ {
		EncodeRecord(full[HEADER_SIZE+i*RECORD_SIZE:], ErrorRecord{Kind: KindOutOfBounds, CheckID: uint32(i)})
	}

	snap, err := Parse(full, 4)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)

	// Cut in the middle of the third record.
	snap, err = Parse(full[:HEADER_SIZE+2*RECORD_SIZE+10], 4)
	assert.True(t, utils.HasCode(err, utils.ErrCodeDecodeTruncated))
	assert.True(t, snap.Truncated)
	assert.Len(t, snap.Records, 2)
}

func TestParseSkipsUnwrittenSlots(t *testing.T) {
	raw := make([]byte, BufferSize(2))
	raw[OFFSET_WRITTEN_COUNT] = 2
	EncodeRecord(raw[HEADER_SIZE+RECORD_SIZE:], ErrorRecord{Kind: KindOutOfBounds})

	snap, err := Parse(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), snap.Capacity)
	assert.Equal(t, 1, snap.Unwritten)
	assert.Len(t, snap.Records, 1)
}

func TestIndexBuffer(t *testing.T) {
	mem := device.NewInMemoryProvider(64)
	ib, err := NewIndexBuffer(mem, 8, 4)
	require.NoError(t, err)

	require.NoError(t, ib.Set(2, 11))
	v, err := ib.Get(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), v)

	assert.Error(t, ib.Set(4, 1))
	_, err = NewIndexBuffer(mem, 6, 1)
	assert.ErrorIs(t, err, device.ErrMisaligned)
	_, err = NewIndexBuffer(mem, 60, 2)
	assert.ErrorIs(t, err, device.ErrOutOfBounds)

	require.NoError(t, ib.Reset())
	values, err := ib.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0, 0, 0}, values)
}
