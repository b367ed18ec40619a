package wire

import (
	"fmt"

	capnp "zombiezen.com/go/capnproto2"

	"github.com/nmxmxh/gpuav/internal/decoder"
)

// Marshal encodes d as a single-segment Cap'n Proto message.
func Marshal(d decoder.Diagnostic) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	out, err := NewRootDiagnostic(seg)
	if err != nil {
		return nil, err
	}

	out.SetSubmission(d.Submission)
	out.SetAddress(d.Address)
	out.SetSize(d.Size)
	out.SetNearestBase(d.NearestBase)
	out.SetNearestSize(d.NearestSize)
	out.SetNearestDistance(d.NearestDistance)
	out.SetCheckId(d.CheckID)
	out.SetActionIndex(d.ActionIndex)
	out.SetCount(d.Count)
	if d.Severity == decoder.SeverityWarning {
		out.SetSeverity(Severity_warning)
	} else {
		out.SetSeverity(Severity_error)
	}

	texts := []struct {
		set func(string) error
		v   string
	}{
		{out.SetVuid, d.VUID},
		{out.SetMessage, d.Message},
		{out.SetSite, d.Site},
		{out.SetCommandBuffer, d.CommandBuffer},
		{out.SetAction, d.Action},
		{out.SetNearest, d.Nearest},
	}
	for _, t := range texts {
		if t.v == "" {
			continue
		}
		if err := t.set(t.v); err != nil {
			return nil, fmt.Errorf("encode diagnostic: %w", err)
		}
	}
	return msg.Marshal()
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(data []byte) (decoder.Diagnostic, error) {
	if len(data) == 0 {
		return decoder.Diagnostic{}, fmt.Errorf("decode diagnostic: empty frame")
	}
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return decoder.Diagnostic{}, fmt.Errorf("decode diagnostic: %w", err)
	}
	in, err := ReadRootDiagnostic(msg)
	if err != nil {
		return decoder.Diagnostic{}, fmt.Errorf("decode diagnostic: %w", err)
	}

	d := decoder.Diagnostic{
		Submission:      in.Submission(),
		Address:         in.Address(),
		Size:            in.Size(),
		NearestBase:     in.NearestBase(),
		NearestSize:     in.NearestSize(),
		NearestDistance: in.NearestDistance(),
		CheckID:         in.CheckId(),
		ActionIndex:     in.ActionIndex(),
		Count:           in.Count(),
		Severity:        decoder.SeverityError,
	}
	if in.Severity() == Severity_warning {
		d.Severity = decoder.SeverityWarning
	}

	texts := []struct {
		get func() (string, error)
		dst *string
	}{
		{in.Vuid, &d.VUID},
		{in.Message, &d.Message},
		{in.Site, &d.Site},
		{in.CommandBuffer, &d.CommandBuffer},
		{in.Action, &d.Action},
		{in.Nearest, &d.Nearest},
	}
	for _, t := range texts {
		v, err := t.get()
		if err != nil {
			return d, fmt.Errorf("decode diagnostic: %w", err)
		}
		*t.dst = v
	}
	return d, nil
}
