package decoder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nmxmxh/gpuav/internal/protocol"
	"github.com/nmxmxh/gpuav/internal/registry"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// Action is one recorded draw or dispatch.
type Action struct {
	Name    string
	Program string
}

// CommandBuffer is the host record of a command buffer at build time.
// Actions is indexed by action index.
type CommandBuffer struct {
	Name    string
	Actions []Action
}

// Slot is the host-side copy of one action slot's correlation entries.
type Slot struct {
	CommandBuffer uint32
	Action        uint32
}

// SiteResolver describes an instrumented check site by id.
type SiteResolver interface {
	DescribeSite(checkID uint32) (string, bool)
}

// Correlation is everything the host kept about one submission to turn
// records back into messages.
type Correlation struct {
	Submission uint64
	// CommandBuffers is indexed by the cmdResourceIndex written on device.
	CommandBuffers []CommandBuffer
	// Slots is indexed by action slot, parallel to the errors-count buffer.
	Slots []Slot
	Sites SiteResolver
	// Snapshot is the range table the submission ran against.
	Snapshot *registry.Snapshot
}

// Readback is the host copy of a completed submission's output bindings.
type Readback struct {
	ErrorBuffer []byte
	Capacity    uint32
	// ErrorsCount is the errors_count buffer, one counter per action slot.
	ErrorsCount         []uint32
	MaxErrorsPerCommand uint32
}

type Decoder struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger.With("component", "decoder")}
}

// Decode turns a completed submission's readback into diagnostics. Must only
// be called after completion has been observed. Malformed buffers yield the
// diagnostics that could be decoded and a DECODE_TRUNCATED error.
func (d *Decoder) Decode(rb Readback, corr *Correlation) ([]Diagnostic, error) {
	if corr == nil {
		corr = &Correlation{}
	}
	snap, perr := protocol.Parse(rb.ErrorBuffer, rb.Capacity)
	if perr != nil {
		d.logger.Warn("error buffer truncated, decoding what is available",
			"submission", corr.Submission,
			"bytes", len(rb.ErrorBuffer),
			"decoded", len(snap.Records),
			utils.Err(perr))
	}
	if snap.Unwritten > 0 {
		d.logger.Warn("claimed error slots were never written",
			"submission", corr.Submission,
			"slots", snap.Unwritten)
	}

	diags := make([]Diagnostic, 0, len(snap.Records)+1)
	for _, rec := range snap.Records {
		diags = append(diags, d.outOfBounds(rec, corr))
	}
	diags = append(diags, d.commandLimits(rb, corr)...)

	if snap.Overflowed() {
		dropped := snap.Dropped()
		msg := fmt.Sprintf("Error buffer capacity of %d records exceeded; further GPU-AV errors in this submission were suppressed", snap.Capacity)
		if dropped > 0 {
			msg = fmt.Sprintf("Error buffer capacity of %d records exceeded; %d additional GPU-AV errors in this submission were suppressed", snap.Capacity, dropped)
		}
		diags = append(diags, Diagnostic{
			VUID:       VUIDBufferOverflow,
			Severity:   SeverityWarning,
			Message:    msg,
			Submission: corr.Submission,
			Count:      dropped,
		})
	}

	d.logger.Debug("decoded error buffer",
		"submission", corr.Submission,
		"written", snap.WrittenCount,
		"records", len(snap.Records),
		"overflow", snap.Overflowed(),
		"diagnostics", len(diags))
	return diags, perr
}

func (d *Decoder) outOfBounds(rec protocol.ErrorRecord, corr *Correlation) Diagnostic {
	diag := Diagnostic{
		VUID:        VUIDOutOfBounds,
		Severity:    SeverityError,
		Submission:  corr.Submission,
		Address:     rec.Address,
		Size:        rec.Size,
		CheckID:     rec.CheckID,
		ActionIndex: rec.ActionIndex,
	}
	if corr.Sites != nil {
		diag.Site, _ = corr.Sites.DescribeSite(rec.CheckID)
	}

	if int(rec.CmdResourceIndex) < len(corr.CommandBuffers) {
		cb := corr.CommandBuffers[rec.CmdResourceIndex]
		diag.CommandBuffer = cb.Name
		if int(rec.ActionIndex) < len(cb.Actions) {
			diag.Action = cb.Actions[rec.ActionIndex].Name
		}
	}

	if corr.Snapshot != nil {
		if near, ok := corr.Snapshot.Nearest(rec.Address); ok {
			diag.Nearest = near.Name
			if diag.Nearest == "" {
				diag.Nearest = fmt.Sprintf("resource %d", near.Resource)
			}
			diag.NearestBase = near.Base
			diag.NearestSize = near.Size
			diag.NearestDistance = registry.Distance(near, rec.Address)
		}
	}

	diag.Message = renderOutOfBounds(diag, rec, corr.Snapshot)
	return diag
}

func renderOutOfBounds(diag Diagnostic, rec protocol.ErrorRecord, snap *registry.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Out of bounds access: %d bytes at device address 0x%x", rec.Size, rec.Address)
	if rec.End() < rec.Address {
		b.WriteString(" (range wraps the address space)")
	}
	if diag.Site != "" {
		fmt.Fprintf(&b, " by %s", diag.Site)
	}
	fmt.Fprintf(&b, " (check %d).", rec.CheckID)

	switch {
	case diag.CommandBuffer != "" && diag.Action != "":
		fmt.Fprintf(&b, " Command: %s (action %d) in command buffer %q.", diag.Action, rec.ActionIndex, diag.CommandBuffer)
	case diag.CommandBuffer != "":
		fmt.Fprintf(&b, " Command buffer %q, unknown action %d.", diag.CommandBuffer, rec.ActionIndex)
	default:
		fmt.Fprintf(&b, " Unknown command buffer %d.", rec.CmdResourceIndex)
	}

	switch {
	case diag.Nearest != "" && diag.NearestDistance == 0:
		fmt.Fprintf(&b, " The access starts inside %s [0x%x, 0x%x) but runs past its end.",
			diag.Nearest, diag.NearestBase, diag.NearestBase+diag.NearestSize)
	case diag.Nearest != "" && rec.Address < diag.NearestBase:
		fmt.Fprintf(&b, " Nearest valid range: %s [0x%x, 0x%x), the access starts %d bytes before it.",
			diag.Nearest, diag.NearestBase, diag.NearestBase+diag.NearestSize, diag.NearestBase-rec.Address)
	case diag.Nearest != "":
		fmt.Fprintf(&b, " Nearest valid range: %s [0x%x, 0x%x), the access starts %d bytes past its end.",
			diag.Nearest, diag.NearestBase, diag.NearestBase+diag.NearestSize, diag.NearestDistance-1)
	case snap != nil:
		b.WriteString(" No valid device address ranges were registered at submission.")
	}
	return b.String()
}

// commandLimits reports commands whose violations hit the per-command cap.
func (d *Decoder) commandLimits(rb Readback, corr *Correlation) []Diagnostic {
	if rb.MaxErrorsPerCommand == 0 {
		return nil
	}
	var out []Diagnostic
	for slot, n := range rb.ErrorsCount {
		if n <= rb.MaxErrorsPerCommand {
			continue
		}
		suppressed := n - rb.MaxErrorsPerCommand
		diag := Diagnostic{
			VUID:       VUIDCommandLimit,
			Severity:   SeverityWarning,
			Submission: corr.Submission,
			Count:      suppressed,
		}
		where := fmt.Sprintf("action slot %d", slot)
		if slot < len(corr.Slots) {
			s := corr.Slots[slot]
			diag.ActionIndex = s.Action
			if int(s.CommandBuffer) < len(corr.CommandBuffers) {
				cb := corr.CommandBuffers[s.CommandBuffer]
				diag.CommandBuffer = cb.Name
				if int(s.Action) < len(cb.Actions) {
					diag.Action = cb.Actions[s.Action].Name
					where = fmt.Sprintf("%s (action %d) in command buffer %q", diag.Action, s.Action, cb.Name)
				}
			}
		}
		diag.Message = fmt.Sprintf("%s reported more than %d GPU-AV errors; %d further errors were suppressed",
			where, rb.MaxErrorsPerCommand, suppressed)
		out = append(out, diag)
	}
	return out
}
