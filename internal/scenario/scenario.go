package scenario

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes an application workload to run under validation:
// buffers, struct types, programs, command buffers and submissions.
type Scenario struct {
	Name           string        `yaml:"name"`
	Description    string        `yaml:"description"`
	Types          []TypeDecl    `yaml:"types"`
	Buffers        []BufferDecl  `yaml:"buffers"`
	Programs       []ProgramDecl `yaml:"programs"`
	CommandBuffers []CommandDecl `yaml:"command_buffers"`
	// LateBuffers are created after recording and before the first submit.
	LateBuffers []BufferDecl `yaml:"late_buffers"`
	// Destroy names buffers destroyed after recording and before submit.
	Destroy []string   `yaml:"destroy"`
	Submit  SubmitDecl `yaml:"submit"`
	Expect  *Expect    `yaml:"expect"`
}

type TypeDecl struct {
	Name   string      `yaml:"name"`
	Fields []FieldDecl `yaml:"fields"`
}

type FieldDecl struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// BufferDecl creates a buffer, or a view when ViewOf is set. Size may be
// given directly or as Count elements of Type under Layout.
type BufferDecl struct {
	Name   string      `yaml:"name"`
	Size   uint64      `yaml:"size"`
	Type   string      `yaml:"type"`
	Layout string      `yaml:"layout"`
	Count  uint64      `yaml:"count"`
	ViewOf string      `yaml:"view_of"`
	Offset uint64      `yaml:"offset"`
	Init   []WriteDecl `yaml:"init"`
}

// WriteDecl stores a value into a buffer before submission. Value is an
// operand: a number or "@buffer" for that buffer's device address.
type WriteDecl struct {
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size"`
	Value  string `yaml:"value"`
}

type ProgramDecl struct {
	Name         string            `yaml:"name"`
	Layout       string            `yaml:"layout"`
	Instructions []InstructionDecl `yaml:"instructions"`
}

// InstructionDecl is one access. Base and Value are operands: a number,
// "@buffer" (address fixed when the program is built), "$param" (read at
// execution) or "rN" (a register).
type InstructionDecl struct {
	Op     string `yaml:"op"`
	Base   string `yaml:"base"`
	Offset uint64 `yaml:"offset"`
	// Type and Member select a member of Type: its offset is added to
	// Offset and its size becomes the access size.
	Type   string `yaml:"type"`
	Member string `yaml:"member"`
	Stride string `yaml:"stride"`
	Size   uint64 `yaml:"size"`
	Dst    *int   `yaml:"dst"`
	Value  string `yaml:"value"`

	ValueFrom   string `yaml:"value_from"`
	ValueOffset uint64 `yaml:"value_offset"`
	ValueSize   uint64 `yaml:"value_size"`
	Label       string `yaml:"label"`
}

type CommandDecl struct {
	Name           string         `yaml:"name"`
	DescriptorSets []uint32       `yaml:"descriptor_sets"`
	Dispatches     []DispatchDecl `yaml:"dispatches"`
}

type DispatchDecl struct {
	Program     string            `yaml:"program"`
	Invocations uint32            `yaml:"invocations"`
	Params      map[string]string `yaml:"params"`
}

type SubmitDecl struct {
	Count int `yaml:"count"`
}

// Expect states the diagnostics each submission should produce.
type Expect struct {
	OutOfBounds  *int  `yaml:"out_of_bounds"`
	Overflow     *bool `yaml:"overflow"`
	CommandLimit *int  `yaml:"command_limit"`
	Instrumented *bool `yaml:"instrumented"`
}

// Parse decodes a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if s.Submit.Count == 0 {
		s.Submit.Count = 1
	}
	if len(s.CommandBuffers) == 0 {
		return nil, fmt.Errorf("scenario %q records no command buffers", s.Name)
	}
	return &s, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}
