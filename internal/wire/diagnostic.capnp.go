// Accessors for diagnostic.capnp.

package wire

import (
	capnp "zombiezen.com/go/capnproto2"
)

type Severity uint16

const (
	Severity_error   Severity = 0
	Severity_warning Severity = 1
)

func (c Severity) String() string {
	switch c {
	case Severity_error:
		return "error"
	case Severity_warning:
		return "warning"
	default:
		return ""
	}
}

type Diagnostic struct{ capnp.Struct }

var diagnosticSize = capnp.ObjectSize{DataSize: 64, PointerCount: 6}

func NewDiagnostic(s *capnp.Segment) (Diagnostic, error) {
	st, err := capnp.NewStruct(s, diagnosticSize)
	return Diagnostic{st}, err
}

func NewRootDiagnostic(s *capnp.Segment) (Diagnostic, error) {
	st, err := capnp.NewRootStruct(s, diagnosticSize)
	return Diagnostic{st}, err
}

func ReadRootDiagnostic(msg *capnp.Message) (Diagnostic, error) {
	root, err := msg.RootPtr()
	return Diagnostic{root.Struct()}, err
}

func (s Diagnostic) Submission() uint64 {
	return s.Struct.Uint64(0)
}

func (s Diagnostic) SetSubmission(v uint64) {
	s.Struct.SetUint64(0, v)
}

func (s Diagnostic) Address() uint64 {
	return s.Struct.Uint64(8)
}

func (s Diagnostic) SetAddress(v uint64) {
	s.Struct.SetUint64(8, v)
}

func (s Diagnostic) Size() uint64 {
	return s.Struct.Uint64(16)
}

func (s Diagnostic) SetSize(v uint64) {
	s.Struct.SetUint64(16, v)
}

func (s Diagnostic) NearestBase() uint64 {
	return s.Struct.Uint64(24)
}

func (s Diagnostic) SetNearestBase(v uint64) {
	s.Struct.SetUint64(24, v)
}

func (s Diagnostic) NearestSize() uint64 {
	return s.Struct.Uint64(32)
}

func (s Diagnostic) SetNearestSize(v uint64) {
	s.Struct.SetUint64(32, v)
}

func (s Diagnostic) NearestDistance() uint64 {
	return s.Struct.Uint64(40)
}

func (s Diagnostic) SetNearestDistance(v uint64) {
	s.Struct.SetUint64(40, v)
}

func (s Diagnostic) CheckId() uint32 {
	return s.Struct.Uint32(48)
}

func (s Diagnostic) SetCheckId(v uint32) {
	s.Struct.SetUint32(48, v)
}

func (s Diagnostic) ActionIndex() uint32 {
	return s.Struct.Uint32(52)
}

func (s Diagnostic) SetActionIndex(v uint32) {
	s.Struct.SetUint32(52, v)
}

func (s Diagnostic) Count() uint32 {
	return s.Struct.Uint32(56)
}

func (s Diagnostic) SetCount(v uint32) {
	s.Struct.SetUint32(56, v)
}

func (s Diagnostic) Severity() Severity {
	return Severity(s.Struct.Uint16(60))
}

func (s Diagnostic) SetSeverity(v Severity) {
	s.Struct.SetUint16(60, uint16(v))
}

func (s Diagnostic) Vuid() (string, error) {
	p, err := s.Struct.Ptr(0)
	return p.Text(), err
}

func (s Diagnostic) HasVuid() bool {
	p, err := s.Struct.Ptr(0)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetVuid(v string) error {
	return s.Struct.SetText(0, v)
}

func (s Diagnostic) Message() (string, error) {
	p, err := s.Struct.Ptr(1)
	return p.Text(), err
}

func (s Diagnostic) HasMessage() bool {
	p, err := s.Struct.Ptr(1)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetMessage(v string) error {
	return s.Struct.SetText(1, v)
}

func (s Diagnostic) Site() (string, error) {
	p, err := s.Struct.Ptr(2)
	return p.Text(), err
}

func (s Diagnostic) HasSite() bool {
	p, err := s.Struct.Ptr(2)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetSite(v string) error {
	return s.Struct.SetText(2, v)
}

func (s Diagnostic) CommandBuffer() (string, error) {
	p, err := s.Struct.Ptr(3)
	return p.Text(), err
}

func (s Diagnostic) HasCommandBuffer() bool {
	p, err := s.Struct.Ptr(3)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetCommandBuffer(v string) error {
	return s.Struct.SetText(3, v)
}

func (s Diagnostic) Action() (string, error) {
	p, err := s.Struct.Ptr(4)
	return p.Text(), err
}

func (s Diagnostic) HasAction() bool {
	p, err := s.Struct.Ptr(4)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetAction(v string) error {
	return s.Struct.SetText(4, v)
}

func (s Diagnostic) Nearest() (string, error) {
	p, err := s.Struct.Ptr(5)
	return p.Text(), err
}

func (s Diagnostic) HasNearest() bool {
	p, err := s.Struct.Ptr(5)
	return p.IsValid() || err != nil
}

func (s Diagnostic) SetNearest(v string) error {
	return s.Struct.SetText(5, v)
}
