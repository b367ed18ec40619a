package device

import "fmt"

// Owner bitmask for instrumentation bindings.
type Owner uint32

const (
	OwnerHost   Owner = 1 << 0
	OwnerShader Owner = 1 << 1
)

// AccessMode defines how a binding is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
	AccessMultiWriter
)

// BindingPolicy declares who can access a binding and when.
type BindingPolicy struct {
	Binding    uint32
	Access     AccessMode
	WriterMask Owner
	ReaderMask Owner
	// Host reads are only coherent after the submission's fence signalled.
	HostReadsAfterCompletion bool
}

// PolicyFor returns the canonical policy for an instrumentation binding.
func PolicyFor(binding uint32) BindingPolicy {
	switch binding {
	case BindingErrorBuffer, BindingCmdErrorsCount:
		return BindingPolicy{
			Binding:                  binding,
			Access:                   AccessMultiWriter,
			WriterMask:               OwnerShader,
			ReaderMask:               OwnerShader | OwnerHost,
			HostReadsAfterCompletion: true,
		}
	case BindingActionIndex, BindingCmdResourceIndex, BindingRangeTable:
		return BindingPolicy{
			Binding:    binding,
			Access:     AccessSingleWriter,
			WriterMask: OwnerHost,
			ReaderMask: OwnerShader,
		}
	default:
		return BindingPolicy{
			Binding: binding,
			Access:  AccessReadOnly,
		}
	}
}

// CheckWrite reports whether owner may write the binding.
func (p BindingPolicy) CheckWrite(owner Owner) error {
	if p.Access == AccessReadOnly || p.WriterMask&owner == 0 {
		return fmt.Errorf("binding %s: write not permitted for owner %#x", BindingName(p.Binding), uint32(owner))
	}
	return nil
}

// CheckHostRead reports whether the host may read the binding now.
func (p BindingPolicy) CheckHostRead(completed bool) error {
	if p.ReaderMask&OwnerHost == 0 && p.WriterMask&OwnerHost == 0 {
		return fmt.Errorf("binding %s: host read not permitted", BindingName(p.Binding))
	}
	if p.HostReadsAfterCompletion && !completed {
		return fmt.Errorf("binding %s: host read before completion", BindingName(p.Binding))
	}
	return nil
}
