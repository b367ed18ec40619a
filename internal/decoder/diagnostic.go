package decoder

import "fmt"

// Stable identifiers attached to every diagnostic.
const (
	VUIDOutOfBounds    = "UNASSIGNED-Device address out of bounds"
	VUIDBufferOverflow = "UNASSIGNED-GPU-Assisted-Validation.ErrorBufferOverflow"
	VUIDCommandLimit   = "UNASSIGNED-GPU-Assisted-Validation.MaxErrorsPerCommand"
)

type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warning"
	}
	return "error"
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(name string) (Severity, error) {
	switch name {
	case "error":
		return SeverityError, nil
	case "warning":
		return SeverityWarning, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", name)
	}
}

// Diagnostic is one validation message produced from an error buffer.
type Diagnostic struct {
	VUID       string   `json:"vuid"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Submission uint64   `json:"submission"`

	// Out-of-bounds accesses.
	Address uint64 `json:"address,omitempty"`
	Size    uint64 `json:"size,omitempty"`
	CheckID uint32 `json:"check_id,omitempty"`
	Site    string `json:"site,omitempty"`

	CommandBuffer string `json:"command_buffer,omitempty"`
	Action        string `json:"action,omitempty"`
	ActionIndex   uint32 `json:"action_index,omitempty"`

	// Nearest valid range, when the snapshot had any.
	Nearest         string `json:"nearest,omitempty"`
	NearestBase     uint64 `json:"nearest_base,omitempty"`
	NearestSize     uint64 `json:"nearest_size,omitempty"`
	NearestDistance uint64 `json:"nearest_distance,omitempty"`

	// Count of suppressed violations for overflow and limit notices.
	Count uint32 `json:"count,omitempty"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s [%s] %s", d.Severity, d.VUID, d.Message)
}
