package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressSpaceAllocate(t *testing.T) {
	as := NewAddressSpace(AddressSpaceOptions{})

	a, err := as.Allocate("a", 100)
	require.NoError(t, err)
	b, err := as.Allocate("b", 64)
	require.NoError(t, err)

	assert.Equal(t, uint64(DefaultAddressBase), a.Address)
	assert.Zero(t, a.Address%STORAGE_BUFFER_ALIGNMENT)
	assert.Zero(t, b.Address%STORAGE_BUFFER_ALIGNMENT)
	assert.GreaterOrEqual(t, b.Address, a.End()+DefaultAddressGap)

	_, err = as.Allocate("empty", 0)
	assert.Error(t, err)

	got, ok := as.Resolve(a.Address + 99)
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)
	_, ok = as.Resolve(a.End())
	assert.False(t, ok)
}

func TestAddressSpaceRobustAccess(t *testing.T) {
	as := NewAddressSpace(AddressSpaceOptions{})
	buf, err := as.Allocate("buf", 8)
	require.NoError(t, err)

	as.WriteUint64(buf.Address, 0xAABBCCDDEEFF0011)
	assert.Equal(t, uint64(0xAABBCCDDEEFF0011), as.ReadUint64(buf.Address))

	// Straddling the end: the mapped half is read, the rest is zero.
	assert.Equal(t, uint32(0xAABBCCDD), as.ReadUint32(buf.Address+4))
	assert.Equal(t, uint64(0xAABBCCDD), as.ReadUint64(buf.Address+4))

	as.WriteUint32(buf.End(), 5)
	assert.Zero(t, as.ReadUint32(buf.End()))
	assert.Zero(t, as.ReadUint64(0))
}

func TestAddressSpaceViews(t *testing.T) {
	as := NewAddressSpace(AddressSpaceOptions{})
	root, err := as.Allocate("root", 256)
	require.NoError(t, err)

	view, err := as.View(root.ID, "view", 64, 32)
	require.NoError(t, err)
	assert.Equal(t, root.Address+64, view.Address)
	assert.Equal(t, root.ID, view.Parent)

	nested, err := as.View(view.ID, "nested", 8, 8)
	require.NoError(t, err)
	assert.Equal(t, root.Address+72, nested.Address)
	assert.Equal(t, root.ID, nested.Parent)

	as.WriteUint32(nested.Address, 42)
	assert.Equal(t, uint32(42), as.ReadUint32(root.Address+72))

	_, err = as.View(root.ID, "too-big", 200, 100)
	assert.Error(t, err)
	_, err = as.View(12345, "orphan", 0, 1)
	assert.Error(t, err)

	_, ok := as.Free(root.ID)
	require.True(t, ok)
	_, ok = as.Buffer(view.ID)
	assert.False(t, ok, "views die with their root")
	assert.Zero(t, as.ReadUint32(root.Address+72))
}

func TestAddressSpaceAtomicAdd(t *testing.T) {
	as := NewAddressSpace(AddressSpaceOptions{})
	buf, err := as.Allocate("counter", 16)
	require.NoError(t, err)

	v, ok := as.AtomicAdd32(buf.Address+4, 2)
	require.True(t, ok)
	assert.Equal(t, uint32(2), v)

	_, ok = as.AtomicAdd32(buf.Address+2, 1)
	assert.False(t, ok)
	_, ok = as.AtomicAdd32(buf.End(), 1)
	assert.False(t, ok)
}

func TestAddressSpaceStats(t *testing.T) {
	as := NewAddressSpace(AddressSpaceOptions{Gap: 1})
	a, _ := as.Allocate("a", 10)
	_, _ = as.Allocate("b", 20)
	as.Free(a.ID)

	stats := as.Stats()
	assert.Equal(t, 1, stats.LiveBuffers)
	assert.Equal(t, uint64(20), stats.CurrentBytes)
	assert.Equal(t, uint64(10), stats.FreedBytes)
}
