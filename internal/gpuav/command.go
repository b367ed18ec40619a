package gpuav

import (
	"fmt"

	"github.com/nmxmxh/gpuav/internal/shader"
	"github.com/nmxmxh/gpuav/internal/utils"
)

// CommandBuffer records dispatches for later submission. Recording captures
// programs and parameter blocks, never buffer addresses or the range table.
type CommandBuffer struct {
	validator  *Validator
	name       string
	dispatches []recorded
	sets       []uint32
}

type recorded struct {
	action      string
	program     *shader.Instrumented
	invocations uint32
	params      *shader.ParamBlock
}

func (cb *CommandBuffer) Name() string {
	return cb.name
}

// BindDescriptorSet records an application descriptor set binding. The set
// index reserved for instrumentation is refused.
func (cb *CommandBuffer) BindDescriptorSet(set uint32) error {
	if set == cb.validator.config.DescriptorSet {
		return utils.ErrReservedDescriptorSet(set).WithContext("command_buffer", cb.name)
	}
	cb.sets = append(cb.sets, set)
	return nil
}

// Dispatch records a compute dispatch of an instrumented program.
func (cb *CommandBuffer) Dispatch(program *shader.Instrumented, invocations uint32, params *shader.ParamBlock) error {
	if program == nil {
		return fmt.Errorf("dispatch in %q: nil program", cb.name)
	}
	cb.dispatches = append(cb.dispatches, recorded{
		action:      "vkCmdDispatch",
		program:     program,
		invocations: invocations,
		params:      params,
	})
	return nil
}

// Actions returns the number of recorded actions.
func (cb *CommandBuffer) Actions() int {
	return len(cb.dispatches)
}
