package gpuav

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/access"
	"github.com/nmxmxh/gpuav/internal/decoder"
	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/device/arena"
	"github.com/nmxmxh/gpuav/internal/rangetable"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/shader"
	"github.com/nmxmxh/gpuav/internal/sink"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// Validator is the device-level GPU-AV context. It tracks device-address
// buffers, instruments programs and validates submissions.
type Validator struct {
	config Config
	mode   access.Mode
	logger *slog.Logger

	registry *registry.Registry
	space    *device.AddressSpace
	heapMem  device.MemoryProvider
	heap     *arena.Heap
	encoder  *rangetable.Encoder
	decoder  *decoder.Decoder
	executor *shader.Executor
	sink     sink.Sink

	mu    sync.Mutex
	views map[uint64][]uint64
	sites map[uint32]siteRef
	pool  map[uint32][]*bindingSet

	nextSubmission uint64

	// lifecycle orders QueueSubmit registration against Close. A submission
	// stays in inflight and pending until its buffers are released.
	lifecycle sync.Mutex
	pending   map[uint64]*Submission
	inflight  sync.WaitGroup
	closed    atomic.Bool
	released  atomic.Bool

	stats Stats
}

type siteRef struct {
	program string
	site    shader.Site
}

// Stats counts validator activity.
type Stats struct {
	Submissions   uint64
	Instrumented  uint64
	Skipped       uint64
	Diagnostics   uint64
	BindingReuses uint64
}

// New creates a validator. Diagnostics go to s; a nil sink logs them.
func New(config Config, s sink.Sink, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	mode, _ := access.ParseMode(config.AccessMode)
	if s == nil {
		s = sink.NewLogSink(logger)
	}

	mem, err := openHeapMemory(config)
	if err != nil {
		return nil, err
	}
	heap, err := arena.NewHeap(mem, logger)
	if err != nil {
		mem.Close()
		return nil, err
	}
	space := device.NewAddressSpace(device.AddressSpaceOptions{})

	v := &Validator{
		config:   config,
		mode:     mode,
		logger:   logger.With("component", "validator"),
		registry: registry.New(registry.Options{GranuleShift: config.GranuleShift}, logger),
		space:    space,
		heapMem:  mem,
		heap:     heap,
		encoder:  rangetable.NewEncoder(heap, config.Breaker, logger),
		decoder:  decoder.New(logger),
		executor: shader.NewExecutor(space, config.Executor, logger),
		sink:     s,
		views:    make(map[uint64][]uint64),
		sites:    make(map[uint32]siteRef),
		pool:     make(map[uint32][]*bindingSet),
		pending:  make(map[uint64]*Submission),
	}
	v.logger.Info("validator ready",
		"descriptor_set", config.DescriptorSet,
		"capacity", config.ErrorBufferCapacity,
		"mode", mode.String(),
		"heap_bytes", config.HeapSize,
		"heap_backing", config.HeapBacking)
	return v, nil
}

func openHeapMemory(config Config) (device.MemoryProvider, error) {
	if config.HeapBacking == HeapBackingShared {
		path := config.SharedHeapPath
		if path == "" {
			path = device.DefaultSharedMemoryPath()
		}
		return device.OpenSharedMemory(device.SharedMemoryOptions{Path: path, Size: config.HeapSize, Create: true})
	}
	return device.NewInMemoryProvider(config.HeapSize), nil
}

// Config returns the validator's configuration.
func (v *Validator) Config() Config {
	return v.config
}

// Memory exposes the simulated device address space for host access to
// application buffers.
func (v *Validator) Memory() *device.AddressSpace {
	return v.space
}

// Registry exposes the range registry.
func (v *Validator) Registry() *registry.Registry {
	return v.registry
}

// CreateBuffer allocates a device-address-capable buffer and registers its
// range.
func (v *Validator) CreateBuffer(name string, size uint64) (device.BufferInfo, error) {
	info, err := v.space.Allocate(name, size)
	if err != nil {
		return device.BufferInfo{}, err
	}
	v.registry.Insert(validRange(info))
	v.logger.Debug("buffer created", "name", name, utils.Hex("address", info.Address), "size", size)
	return info, nil
}

// CreateBufferView registers an aliased sub-range of an existing buffer.
func (v *Validator) CreateBufferView(parent uint64, name string, offset, size uint64) (device.BufferInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, err := v.space.View(parent, name, offset, size)
	if err != nil {
		return device.BufferInfo{}, utils.WrapError(utils.ErrCodeUnknownBuffer, "create buffer view", err).
			WithContext("parent", parent)
	}
	v.views[info.Parent] = append(v.views[info.Parent], info.ID)
	v.registry.Insert(validRange(info))
	return info, nil
}

// DestroyBuffer frees a buffer or view and removes its range. Destroying a
// buffer also removes every view into it; the buffer and its views leave the
// registry together.
func (v *Validator) DestroyBuffer(id uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.space.Free(id)
	if !ok {
		return utils.NewError(utils.ErrCodeUnknownBuffer, "destroy of unknown buffer").WithContext("buffer", id)
	}

	if info.Parent != 0 {
		views := v.views[info.Parent]
		for i, vid := range views {
			if vid == id {
				v.views[info.Parent] = append(views[:i], views[i+1:]...)
				break
			}
		}
		v.registry.Remove(registry.ResourceID(id))
		return nil
	}

	ids := make([]registry.ResourceID, 0, len(v.views[id])+1)
	for _, vid := range v.views[id] {
		ids = append(ids, registry.ResourceID(vid))
	}
	ids = append(ids, registry.ResourceID(id))
	v.registry.Remove(ids...)
	delete(v.views, id)
	return nil
}

func validRange(info device.BufferInfo) registry.ValidRange {
	return registry.ValidRange{
		Base:     info.Address,
		Size:     info.Size,
		Resource: registry.ResourceID(info.ID),
		Name:     info.Name,
	}
}

// Instrument prepares a program for validated dispatch in the configured
// access mode.
func (v *Validator) Instrument(p *shader.Program) (*shader.Instrumented, error) {
	inst, err := shader.Instrument(p, v.mode)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	for _, s := range inst.Sites {
		v.sites[s.ID] = siteRef{program: p.Name, site: s}
	}
	v.mu.Unlock()
	return inst, nil
}

// DescribeSite implements decoder.SiteResolver.
func (v *Validator) DescribeSite(checkID uint32) (string, bool) {
	v.mu.Lock()
	ref, ok := v.sites[checkID]
	v.mu.Unlock()
	if !ok {
		return "", false
	}
	desc := fmt.Sprintf("%s in %s", ref.site.Role, ref.program)
	if ref.site.Label != "" {
		desc = fmt.Sprintf("%s of %s in %s", ref.site.Role, ref.site.Label, ref.program)
	}
	return desc, true
}

// NewCommandBuffer starts recording a command buffer.
func (v *Validator) NewCommandBuffer(name string) *CommandBuffer {
	return &CommandBuffer{validator: v, name: name}
}

// GetStats returns activity counters.
func (v *Validator) GetStats() Stats {
	return Stats{
		Submissions:   atomic.LoadUint64(&v.stats.Submissions),
		Instrumented:  atomic.LoadUint64(&v.stats.Instrumented),
		Skipped:       atomic.LoadUint64(&v.stats.Skipped),
		Diagnostics:   atomic.LoadUint64(&v.stats.Diagnostics),
		BindingReuses: atomic.LoadUint64(&v.stats.BindingReuses),
	}
}

// HeapStats reports instrumentation heap usage.
func (v *Validator) HeapStats() arena.HeapStats {
	return v.heap.GetStats()
}

// EncoderState returns the encoding breaker state.
func (v *Validator) EncoderState() string {
	return v.encoder.State()
}

// Close refuses new submissions, finishes every outstanding one (emitting
// diagnostics nobody waited for), then releases device memory. A Close that
// times out can be retried.
func (v *Validator) Close(ctx context.Context) error {
	v.lifecycle.Lock()
	v.closed.Store(true)
	pending := make([]*Submission, 0, len(v.pending))
	for _, s := range v.pending {
		pending = append(pending, s)
	}
	v.lifecycle.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	for _, s := range pending {
		if _, err := s.Wait(ctx); utils.HasCode(err, utils.ErrCodeSubmissionIncomplete) {
			return err
		}
	}

	// Waits running in other goroutines may still be releasing buffers.
	done := make(chan struct{})
	go func() {
		v.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return utils.WrapError(utils.ErrCodeSubmissionIncomplete, "submissions still in flight at close", ctx.Err())
	}

	if !v.released.CompareAndSwap(false, true) {
		return nil
	}
	v.mu.Lock()
	for slots, sets := range v.pool {
		for _, set := range sets {
			set.free(v.heap)
		}
		delete(v.pool, slots)
	}
	v.mu.Unlock()
	v.logger.Info("validator closed",
		"submissions", atomic.LoadUint64(&v.stats.Submissions),
		"finished_at_close", len(pending))
	return v.heapMem.Close()
}
