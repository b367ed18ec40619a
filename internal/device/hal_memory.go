package device

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// InMemoryProvider stores device-visible data in a local byte slice. Every
// access holds the read lock so Close never releases memory under a reader.
type InMemoryProvider struct {
	mu   sync.RWMutex
	data []byte
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	return &InMemoryProvider{
		data: alignedBytes(uint64(size)),
	}
}

// alignedBytes returns a zeroed slice backed by uint64 words so every 4-byte
// offset is suitably aligned for atomics.
func alignedBytes(size uint64) []byte {
	words := make([]uint64, (size+7)/8)
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// WrapBytes exposes an existing mapping as a provider. The slice must stay
// valid until Close.
func WrapBytes(data []byte) *InMemoryProvider {
	return &InMemoryProvider{data: data}
}

func (m *InMemoryProvider) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.data))
}

func (m *InMemoryProvider) ReadAt(offset uint32, dest []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uint32(len(dest)), uint32(len(m.data))) {
		return ErrOutOfBounds
	}
	copy(dest, m.data[offset:offset+uint32(len(dest))])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset uint32, src []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return ErrClosed
	}
	if !inBounds(offset, uint32(len(src)), uint32(len(m.data))) {
		return ErrOutOfBounds
	}
	copy(m.data[offset:offset+uint32(len(src))], src)
	return nil
}

func (m *InMemoryProvider) AtomicLoad32(offset uint32) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(ptr)), nil
}

func (m *InMemoryProvider) AtomicStore32(offset uint32, val uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(ptr), val)
	return nil
}

func (m *InMemoryProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32((*uint32)(ptr), delta), nil
}

// AtomicOr32 sets bits and returns the previous value.
func (m *InMemoryProvider) AtomicOr32(offset uint32, bits uint32) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ptr, err := m.ptrAt(offset)
	if err != nil {
		return 0, err
	}
	return atomic.OrUint32((*uint32)(ptr), bits), nil
}

// Close waits for in-progress accesses; later ones fail with ErrClosed.
func (m *InMemoryProvider) Close() error {
	m.mu.Lock()
	m.data = nil
	m.mu.Unlock()
	return nil
}

// ptrAt must be called with the read lock held.
func (m *InMemoryProvider) ptrAt(offset uint32) (unsafe.Pointer, error) {
	if m.data == nil {
		return nil, ErrClosed
	}
	if !inBounds(offset, 4, uint32(len(m.data))) {
		return nil, ErrOutOfBounds
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return unsafe.Pointer(&m.data[offset]), nil
}
