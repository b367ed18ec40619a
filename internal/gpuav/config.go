package gpuav

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/gpuav/internal/access"
	"github.com/nmxmxh/gpuav/internal/device"
	"github.com/nmxmxh/gpuav/internal/rangetable"
	"github.com/nmxmxh/gpuav/internal/shader"
	"github.com/nmxmxh/gpuav/internal/sink"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// HeapBacking selects the memory provider behind the instrumentation heap.
const (
	HeapBackingMemory = "memory"
	HeapBackingShared = "shared"
)

// Config configures a Validator.
type Config struct {
	// Records retained per submission before the overflow flag is set.
	ErrorBufferCapacity uint32 `json:"error_buffer_capacity" yaml:"error_buffer_capacity"`
	// Violations recorded per command; 0 disables the cap.
	MaxErrorsPerCommand uint32 `json:"max_errors_per_command" yaml:"max_errors_per_command"`
	// "safe" checks whole-struct loads at sizeof, "fast" per field.
	AccessMode    string `json:"access_mode" yaml:"access_mode"`
	DescriptorSet uint32 `json:"descriptor_set" yaml:"descriptor_set"`

	HeapSize    uint32 `json:"heap_size" yaml:"heap_size"`
	HeapBacking string `json:"heap_backing" yaml:"heap_backing"`
	// SharedHeapPath is used with the shared backing; empty picks a default.
	SharedHeapPath string `json:"shared_heap_path" yaml:"shared_heap_path"`
	// Binding sets kept for reuse per slot count.
	BindingPoolSize int `json:"binding_pool_size" yaml:"binding_pool_size"`

	GranuleShift uint                     `json:"granule_shift" yaml:"granule_shift"`
	Executor     shader.ExecutorConfig    `json:"executor" yaml:"executor"`
	Breaker      rangetable.BreakerConfig `json:"breaker" yaml:"breaker"`
	Throttle     sink.ThrottleConfig      `json:"throttle" yaml:"throttle"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ErrorBufferCapacity: 1024,
		MaxErrorsPerCommand: 0,
		AccessMode:          access.ModeSafe.String(),
		DescriptorSet:       device.DefaultDescriptorSet,
		HeapSize:            device.HEAP_SIZE_DEFAULT,
		HeapBacking:         HeapBackingMemory,
		BindingPoolSize:     4,
		GranuleShift:        16,
		Executor:            shader.DefaultExecutorConfig(),
		Breaker:             rangetable.DefaultBreakerConfig(),
		Throttle:            sink.DefaultThrottleConfig(),
	}
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.ErrorBufferCapacity == 0 {
		return utils.ErrInvalidConfig("error_buffer_capacity", "must be positive")
	}
	if _, err := access.ParseMode(c.AccessMode); err != nil {
		return utils.ErrInvalidConfig("access_mode", err.Error())
	}
	if c.HeapSize < device.HEAP_SIZE_MIN || c.HeapSize > device.HEAP_SIZE_MAX {
		return utils.ErrInvalidConfig("heap_size",
			fmt.Sprintf("must be within [%d, %d]", device.HEAP_SIZE_MIN, device.HEAP_SIZE_MAX))
	}
	switch c.HeapBacking {
	case HeapBackingMemory, HeapBackingShared:
	default:
		return utils.ErrInvalidConfig("heap_backing", fmt.Sprintf("unknown backing %q", c.HeapBacking))
	}
	if c.GranuleShift > 40 {
		return utils.ErrInvalidConfig("granule_shift", "must be at most 40")
	}
	if c.BindingPoolSize < 0 {
		return utils.ErrInvalidConfig("binding_pool_size", "must not be negative")
	}
	if c.Executor.Workers < 0 || c.Executor.ChunkSize < 0 {
		return utils.ErrInvalidConfig("executor", "workers and chunk_size must not be negative")
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, utils.WrapError(utils.ErrCodeInvalidConfig, "parse config", err).
			WithContext("path", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
