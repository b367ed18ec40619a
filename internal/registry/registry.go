package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nmxmxh/gpuav/internal/utils"
)

// Registry tracks every device-address range that is legally reachable. It
// is owned by the device context and mutated by the resource tracker from any
// thread; Snapshot is race-free against concurrent Insert and Remove.
type Registry struct {
	mu           sync.RWMutex
	ranges       map[ResourceID]ValidRange
	generation   uint64
	cached       *Snapshot
	granuleShift uint
	logger       *slog.Logger

	stats Stats
}

// Stats counts registry activity.
type Stats struct {
	Inserts        uint64
	Removes        uint64
	SnapshotsBuilt uint64
	SnapshotReuses uint64
}

// Options configures a registry.
type Options struct {
	// GranuleShift sets the snapshot filter granule to 1<<GranuleShift bytes.
	GranuleShift uint
}

func New(opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.GranuleShift == 0 {
		opts.GranuleShift = DefaultGranuleShift
	}
	return &Registry{
		ranges:       make(map[ResourceID]ValidRange),
		granuleShift: opts.GranuleShift,
		logger:       logger.With("component", "registry"),
	}
}

// Insert registers a range. Inserting an existing resource replaces its range.
func (r *Registry) Insert(v ValidRange) {
	r.mu.Lock()
	r.ranges[v.Resource] = v
	r.generation++
	gen := r.generation
	r.mu.Unlock()

	atomic.AddUint64(&r.stats.Inserts, 1)
	r.logger.Debug("range inserted",
		"resource", v.Resource,
		utils.Hex("base", v.Base),
		"size", v.Size,
		"generation", gen)
}

// Remove drops the ranges of the given resources in one generation, so no
// snapshot sees a partial removal. Unknown resources are ignored.
func (r *Registry) Remove(ids ...ResourceID) {
	removed := 0
	r.mu.Lock()
	for _, id := range ids {
		if _, ok := r.ranges[id]; ok {
			delete(r.ranges, id)
			removed++
		}
	}
	if removed > 0 {
		r.generation++
	}
	r.mu.Unlock()

	if removed < len(ids) {
		r.logger.Debug("remove of unknown resource ignored", "requested", len(ids), "removed", removed)
	}
	atomic.AddUint64(&r.stats.Removes, uint64(removed))
}

// Lookup returns the range registered for a resource.
func (r *Registry) Lookup(id ResourceID) (ValidRange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.ranges[id]
	return v, ok
}

// Len returns the number of registered ranges.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ranges)
}

// Generation increases with every mutation.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Snapshot returns the immutable sorted view of the current ranges. The
// previous snapshot is reused while nothing changed.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	if r.cached != nil && r.cached.generation == r.generation {
		snap := r.cached
		r.mu.RUnlock()
		atomic.AddUint64(&r.stats.SnapshotReuses, 1)
		return snap
	}
	gen := r.generation
	ranges := make([]ValidRange, 0, len(r.ranges))
	for _, v := range r.ranges {
		ranges = append(ranges, v)
	}
	r.mu.RUnlock()

	snap := buildSnapshot(gen, ranges, r.granuleShift)
	atomic.AddUint64(&r.stats.SnapshotsBuilt, 1)

	r.mu.Lock()
	if r.generation == gen && (r.cached == nil || r.cached.generation < gen) {
		r.cached = snap
	}
	r.mu.Unlock()

	r.logger.Debug("snapshot built",
		"generation", gen,
		"ranges", snap.Len(),
		"rows", len(snap.Rows()),
		"filtered", snap.HasFilter())
	return snap
}

// GetStats returns activity counters.
func (r *Registry) GetStats() Stats {
	return Stats{
		Inserts:        atomic.LoadUint64(&r.stats.Inserts),
		Removes:        atomic.LoadUint64(&r.stats.Removes),
		SnapshotsBuilt: atomic.LoadUint64(&r.stats.SnapshotsBuilt),
		SnapshotReuses: atomic.LoadUint64(&r.stats.SnapshotReuses),
	}
}
