package device

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// First device address handed out. Low addresses stay unmapped so that a
	// null or small integer pointer never aliases a buffer.
	DefaultAddressBase = 0x0000_0001_0000_0000
	// Unmapped gap left after every allocation.
	DefaultAddressGap = 64 * 1024
)

// BufferInfo describes a device-address-capable buffer or view.
type BufferInfo struct {
	ID      uint64
	Name    string
	Address uint64
	Size    uint64
	// Parent is the owning allocation for views, 0 for root allocations.
	Parent uint64
}

// End returns the first address past the buffer.
func (b BufferInfo) End() uint64 {
	return b.Address + b.Size
}

type allocation struct {
	info BufferInfo
	data []byte
}

// AddressSpaceOptions configures address assignment.
type AddressSpaceOptions struct {
	Base      uint64
	Gap       uint64
	Alignment uint64
}

// AddressSpace hands out buffer device addresses and owns the backing bytes
// reached through them. Accesses outside every live allocation behave like
// robust buffer access: reads return zeros and writes are discarded.
type AddressSpace struct {
	mu      sync.RWMutex
	opts    AddressSpaceOptions
	next    uint64
	nextID  uint64
	byID    map[uint64]*allocation
	roots   []*allocation // sorted by address, root allocations only
	freed   uint64
	current uint64
}

// NewAddressSpace creates an address space. Zero option fields take defaults.
func NewAddressSpace(opts AddressSpaceOptions) *AddressSpace {
	if opts.Base == 0 {
		opts.Base = DefaultAddressBase
	}
	if opts.Alignment == 0 {
		opts.Alignment = STORAGE_BUFFER_ALIGNMENT
	}
	if opts.Gap == 0 {
		opts.Gap = DefaultAddressGap
	}
	return &AddressSpace{
		opts: opts,
		next: AlignUp(opts.Base, opts.Alignment),
		byID: make(map[uint64]*allocation),
	}
}

// Allocate creates a root allocation of size bytes.
func (a *AddressSpace) Allocate(name string, size uint64) (BufferInfo, error) {
	if size == 0 {
		return BufferInfo{}, fmt.Errorf("allocate %q: zero size", name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	addr := a.next
	if addr+size < addr {
		return BufferInfo{}, fmt.Errorf("allocate %q: address space exhausted", name)
	}
	a.next = AlignUp(addr+size+a.opts.Gap, a.opts.Alignment)
	a.nextID++

	alloc := &allocation{
		info: BufferInfo{ID: a.nextID, Name: name, Address: addr, Size: size},
		data: alignedBytes(size),
	}
	a.byID[alloc.info.ID] = alloc
	a.roots = append(a.roots, alloc) // addresses only grow, order is preserved
	a.current += size
	return alloc.info, nil
}

// View creates an aliased sub-range of an existing allocation.
func (a *AddressSpace) View(parentID uint64, name string, offset, size uint64) (BufferInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	parent, ok := a.byID[parentID]
	if !ok {
		return BufferInfo{}, fmt.Errorf("view %q: unknown buffer %d", name, parentID)
	}
	root := parent
	if parent.info.Parent != 0 {
		root = a.byID[parent.info.Parent]
		if root == nil {
			return BufferInfo{}, fmt.Errorf("view %q: parent of buffer %d destroyed", name, parentID)
		}
		offset += parent.info.Address - root.info.Address
	}
	if size == 0 || offset > root.info.Size || size > root.info.Size-offset {
		return BufferInfo{}, fmt.Errorf("view %q: range [%d,+%d) exceeds buffer %d", name, offset, size, parentID)
	}

	a.nextID++
	view := &allocation{
		info: BufferInfo{
			ID:      a.nextID,
			Name:    name,
			Address: root.info.Address + offset,
			Size:    size,
			Parent:  root.info.ID,
		},
		data: root.data[offset : offset+size],
	}
	a.byID[view.info.ID] = view
	return view.info, nil
}

// Free releases a buffer or view. Freeing a root also drops its views.
func (a *AddressSpace) Free(id uint64) (BufferInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.byID[id]
	if !ok {
		return BufferInfo{}, false
	}
	delete(a.byID, id)
	if alloc.info.Parent != 0 {
		return alloc.info, true
	}

	for vid, v := range a.byID {
		if v.info.Parent == id {
			delete(a.byID, vid)
		}
	}
	idx := sort.Search(len(a.roots), func(i int) bool {
		return a.roots[i].info.Address >= alloc.info.Address
	})
	if idx < len(a.roots) && a.roots[idx] == alloc {
		a.roots = append(a.roots[:idx], a.roots[idx+1:]...)
	}
	a.current -= alloc.info.Size
	a.freed += alloc.info.Size
	return alloc.info, true
}

// Buffer returns the info of a live buffer or view.
func (a *AddressSpace) Buffer(id uint64) (BufferInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	alloc, ok := a.byID[id]
	if !ok {
		return BufferInfo{}, false
	}
	return alloc.info, true
}

// Resolve returns the root allocation containing addr.
func (a *AddressSpace) Resolve(addr uint64) (BufferInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	root := a.rootAt(addr)
	if root == nil {
		return BufferInfo{}, false
	}
	return root.info, true
}

// Read copies bytes at addr into dst. Bytes outside live allocations read as zero.
func (a *AddressSpace) Read(addr uint64, dst []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := 0; i < len(dst); {
		cur := addr + uint64(i)
		root := a.rootAt(cur)
		if root == nil {
			dst[i] = 0
			i++
			continue
		}
		n := copy(dst[i:], root.data[cur-root.info.Address:])
		i += n
	}
}

// Write copies src to addr. Bytes outside live allocations are discarded.
func (a *AddressSpace) Write(addr uint64, src []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := 0; i < len(src); {
		cur := addr + uint64(i)
		root := a.rootAt(cur)
		if root == nil {
			i++
			continue
		}
		n := copy(root.data[cur-root.info.Address:], src[i:])
		i += n
	}
}

func (a *AddressSpace) ReadUint32(addr uint64) uint32 {
	var buf [4]byte
	a.Read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (a *AddressSpace) ReadUint64(addr uint64) uint64 {
	var buf [8]byte
	a.Read(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (a *AddressSpace) WriteUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.Write(addr, buf[:])
}

func (a *AddressSpace) WriteUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.Write(addr, buf[:])
}

// AtomicAdd32 adds delta to the u32 at addr and returns the new value.
// Unaligned or unmapped targets are discarded and report ok=false.
func (a *AddressSpace) AtomicAdd32(addr uint64, delta uint32) (uint32, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if addr%4 != 0 {
		return 0, false
	}
	root := a.rootAt(addr)
	if root == nil || addr+4 > root.info.End() {
		return 0, false
	}
	ptr := (*uint32)(unsafe.Pointer(&root.data[addr-root.info.Address]))
	return atomic.AddUint32(ptr, delta), true
}

// AddressSpaceStats reports allocation totals.
type AddressSpaceStats struct {
	LiveBuffers  int
	CurrentBytes uint64
	FreedBytes   uint64
	NextAddress  uint64
}

func (a *AddressSpace) Stats() AddressSpaceStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return AddressSpaceStats{
		LiveBuffers:  len(a.byID),
		CurrentBytes: a.current,
		FreedBytes:   a.freed,
		NextAddress:  a.next,
	}
}

func (a *AddressSpace) rootAt(addr uint64) *allocation {
	idx := sort.Search(len(a.roots), func(i int) bool {
		return a.roots[i].info.Address > addr
	})
	if idx == 0 {
		return nil
	}
	root := a.roots[idx-1]
	if addr-root.info.Address >= root.info.Size {
		return nil
	}
	return root
}
