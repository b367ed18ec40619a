package rangetable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nmxmxh/gpuav/internal/device/arena"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// Device range table layout:
//
//	RangeTable { uint count; uint reserved; { uint64 base; uint64 size; } ranges[count]; }
//
// Rows are sorted ascending by base with unique bases.
const (
	OFFSET_COUNT    = 0
	OFFSET_RESERVED = 4
	HEADER_SIZE     = 8
	ROW_SIZE        = 16
)

// TableSize returns the byte size of a table with n rows.
func TableSize(n int) uint32 {
	return HEADER_SIZE + uint32(n)*ROW_SIZE
}

// DeviceBuffer is an encoded range table living in the instrumentation heap.
type DeviceBuffer struct {
	Block      arena.Block
	Rows       uint32
	Generation uint64
}

// BreakerConfig configures the encoding circuit breaker.
type BreakerConfig struct {
	// Consecutive failures that open the breaker.
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMax      uint32        `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     5 * time.Second,
		HalfOpenMax:      1,
	}
}

// Encoder serializes registry snapshots into device range tables. Once
// encoding keeps failing the breaker opens and submissions skip
// instrumentation without touching the heap until the reset timeout elapses.
type Encoder struct {
	heap    *arena.Heap
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewEncoder(heap *arena.Heap, cfg BreakerConfig, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rangetable")
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}

	e := &Encoder{heap: heap, logger: logger}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "range-table-encoding",
		MaxRequests: cfg.HalfOpenMax,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("encoding breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return e
}

// Encode allocates a device buffer and writes the snapshot's rows. Failure is
// an ENCODING_FAILURE for this submission only.
func (e *Encoder) Encode(snap *registry.Snapshot) (DeviceBuffer, error) {
	result, err := e.breaker.Execute(func() (interface{}, error) {
		return e.encode(snap)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return DeviceBuffer{}, utils.ErrEncodingFailure(snap.Generation(), err).
				WithContext("breaker", e.breaker.State().String())
		}
		return DeviceBuffer{}, err
	}
	return result.(DeviceBuffer), nil
}

func (e *Encoder) encode(snap *registry.Snapshot) (DeviceBuffer, error) {
	rows := snap.Rows()
	size := TableSize(len(rows))

	block, err := e.heap.Allocate(arena.Request{Size: size, Owner: "range_table"})
	if err != nil {
		return DeviceBuffer{}, utils.ErrEncodingFailure(snap.Generation(),
			utils.ErrDeviceOutOfMemory("range_table", size, err))
	}

	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[OFFSET_COUNT:], uint32(len(rows)))
	binary.LittleEndian.PutUint32(raw[OFFSET_RESERVED:], 0)
	for i, row := range rows {
		at := HEADER_SIZE + i*ROW_SIZE
		binary.LittleEndian.PutUint64(raw[at:], row.Base)
		binary.LittleEndian.PutUint64(raw[at+8:], row.Size)
	}
	if err := e.heap.Memory().WriteAt(block.Offset, raw); err != nil {
		_ = e.heap.Free(block.Offset)
		return DeviceBuffer{}, utils.ErrEncodingFailure(snap.Generation(), fmt.Errorf("upload range table: %w", err))
	}

	e.logger.Debug("range table encoded",
		"generation", snap.Generation(),
		"rows", len(rows),
		"offset", block.Offset,
		"bytes", size)
	return DeviceBuffer{Block: block, Rows: uint32(len(rows)), Generation: snap.Generation()}, nil
}

// Release returns the table's memory to the heap.
func (e *Encoder) Release(buf DeviceBuffer) error {
	return e.heap.Free(buf.Block.Offset)
}

// Open binds a Table reader to an encoded buffer.
func (e *Encoder) Open(buf DeviceBuffer) (*Table, error) {
	return Open(e.heap.Memory(), buf.Block.Offset)
}

// State returns the breaker state name.
func (e *Encoder) State() string {
	return e.breaker.State().String()
}
