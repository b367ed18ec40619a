package device

// Instrumentation descriptor set layout.
// The set index is reserved: application pipelines may not bind a set here
// while GPU-AV is enabled. Binding numbers are shared with the instrumented
// shader code and must not change.

const (
	DefaultDescriptorSet = 7

	BindingErrorBuffer      = 0 // OutputBuffer { uint flags; uint written_count; uint data[]; }
	BindingActionIndex      = 1 // ActionIndexBuffer { uint index[]; }
	BindingCmdResourceIndex = 2 // CmdResourceIndexBuffer { uint index[]; }
	BindingCmdErrorsCount   = 3 // CmdErrorsCountBuffer { uint errors_count[]; }
	BindingRangeTable       = 4 // RangeTable { uint count; uint reserved; uvec4 ranges[]; }

	InstrumentationBindingCount = 5
)

const (
	// Instrumentation heap size (configurable, default 16MB)
	HEAP_SIZE_DEFAULT = 16 * 1024 * 1024
	HEAP_SIZE_MIN     = 1 * 1024 * 1024
	HEAP_SIZE_MAX     = 256 * 1024 * 1024

	// Offset 0 is never handed out so that a zero offset can mean "none".
	HEAP_RESERVED_PREFIX = 4096

	// Storage buffer offsets must respect minStorageBufferOffsetAlignment.
	STORAGE_BUFFER_ALIGNMENT = 256
)

// BindingName returns a readable name for logs.
func BindingName(binding uint32) string {
	switch binding {
	case BindingErrorBuffer:
		return "error_buffer"
	case BindingActionIndex:
		return "action_index"
	case BindingCmdResourceIndex:
		return "cmd_resource_index"
	case BindingCmdErrorsCount:
		return "cmd_errors_count"
	case BindingRangeTable:
		return "range_table"
	default:
		return "unknown"
	}
}

// AlignUp rounds v up to a multiple of align (a power of two).
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
