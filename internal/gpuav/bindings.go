package gpuav

import (
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/device/arena"
	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// bindingSet is one submission's output and correlation buffers, placed in
// the instrumentation heap.
type bindingSet struct {
	protocol.Bindings
	capacity uint32
	slots    uint32
	blocks   []arena.Block
}

func (v *Validator) acquireBindings(slots uint32) (*bindingSet, error) {
	capacity := v.config.ErrorBufferCapacity

	v.mu.Lock()
	if sets := v.pool[slots]; len(sets) > 0 {
		set := sets[len(sets)-1]
		v.pool[slots] = sets[:len(sets)-1]
		v.mu.Unlock()
		if set.capacity == capacity {
			atomic.AddUint64(&v.stats.BindingReuses, 1)
			return set, nil
		}
		set.free(v.heap)
	} else {
		v.mu.Unlock()
	}

	set := &bindingSet{capacity: capacity, slots: slots}
	alloc := func(owner string, size uint32) (arena.Block, error) {
		block, err := v.heap.Allocate(arena.Request{Size: size, Owner: owner, Flags: arena.FlagZeroed})
		if err != nil {
			return block, utils.ErrDeviceOutOfMemory(owner, size, err)
		}
		set.blocks = append(set.blocks, block)
		return block, nil
	}
	mem := v.heap.Memory()

	block, err := alloc("error_buffer", protocol.BufferSize(capacity))
	if err != nil {
		set.free(v.heap)
		return nil, err
	}
	if set.Errors, err = protocol.NewErrorBuffer(mem, block.Offset, capacity); err != nil {
		set.free(v.heap)
		return nil, err
	}

	index := []struct {
		owner string
		dst   **protocol.IndexBuffer
	}{
		{"action_index", &set.ActionIndex},
		{"cmd_resource_index", &set.CmdResourceIndex},
		{"cmd_errors_count", &set.CmdErrorsCount},
	}
	for _, ib := range index {
		block, err := alloc(ib.owner, protocol.IndexBufferSize(slots))
		if err != nil {
			set.free(v.heap)
			return nil, err
		}
		if *ib.dst, err = protocol.NewIndexBuffer(mem, block.Offset, slots); err != nil {
			set.free(v.heap)
			return nil, err
		}
	}
	return set, nil
}

// releaseBindings resets the set and keeps it for the next submission with
// the same slot count, or frees it when the pool is full.
func (v *Validator) releaseBindings(set *bindingSet) {
	if err := set.Reset(); err != nil {
		v.logger.Warn("binding reset failed, freeing", utils.Err(err))
		set.free(v.heap)
		return
	}
	v.mu.Lock()
	if !v.closed.Load() && len(v.pool[set.slots]) < v.config.BindingPoolSize {
		v.pool[set.slots] = append(v.pool[set.slots], set)
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()
	set.free(v.heap)
}

func (s *bindingSet) free(heap *arena.Heap) {
	for _, b := range s.blocks {
		_ = heap.Free(b.Offset)
	}
	s.blocks = nil
}
