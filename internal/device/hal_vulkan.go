//go:build vulkan

package device

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// VulkanMemoryProvider exposes host-visible, host-coherent VkDeviceMemory as a
// MemoryProvider. Shader atomics and host atomics meet on the same mapping.
type VulkanMemoryProvider struct {
	*InMemoryProvider
	dev vk.Device
	mem vk.DeviceMemory
}

// NewVulkanMemoryProvider allocates and maps size bytes of memory of the given
// type. The type must be HOST_VISIBLE | HOST_COHERENT.
func NewVulkanMemoryProvider(dev vk.Device, memoryTypeIndex uint32, size uint32) (*VulkanMemoryProvider, error) {
	var mem vk.DeviceMemory
	ret := vk.AllocateMemory(dev, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(size),
		MemoryTypeIndex: memoryTypeIndex,
	}, nil, &mem)
	if ret != vk.Success {
		return nil, fmt.Errorf("vkAllocateMemory(%d bytes): %w", size, vk.Error(ret))
	}

	var ptr unsafe.Pointer
	ret = vk.MapMemory(dev, mem, 0, vk.DeviceSize(size), 0, &ptr)
	if ret != vk.Success || ptr == nil {
		vk.FreeMemory(dev, mem, nil)
		return nil, fmt.Errorf("vkMapMemory(%d bytes): %w", size, vk.Error(ret))
	}

	return &VulkanMemoryProvider{
		InMemoryProvider: WrapBytes(unsafe.Slice((*byte)(ptr), size)),
		dev:              dev,
		mem:              mem,
	}, nil
}

// Memory returns the underlying device memory handle for buffer binding.
func (v *VulkanMemoryProvider) Memory() vk.DeviceMemory {
	return v.mem
}

func (v *VulkanMemoryProvider) Close() error {
	if v.mem == vk.NullDeviceMemory {
		return nil
	}
	_ = v.InMemoryProvider.Close()
	vk.UnmapMemory(v.dev, v.mem)
	vk.FreeMemory(v.dev, v.mem, nil)
	v.mem = vk.NullDeviceMemory
	return nil
}

// InstrumentationLayoutBindings returns the bindings of the reserved
// instrumentation descriptor set, all storage buffers.
func InstrumentationLayoutBindings(stages vk.ShaderStageFlagBits) []vk.DescriptorSetLayoutBinding {
	binds := make([]vk.DescriptorSetLayoutBinding, 0, InstrumentationBindingCount)
	for b := uint32(0); b < InstrumentationBindingCount; b++ {
		binds = append(binds, vk.DescriptorSetLayoutBinding{
			Binding:         b,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(stages),
		})
	}
	return binds
}

// CreateInstrumentationSetLayout creates the descriptor set layout bound at
// DefaultDescriptorSet.
func CreateInstrumentationSetLayout(dev vk.Device, stages vk.ShaderStageFlagBits) (vk.DescriptorSetLayout, error) {
	binds := InstrumentationLayoutBindings(stages)
	var layout vk.DescriptorSetLayout
	ret := vk.CreateDescriptorSetLayout(dev, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
	}, nil, &layout)
	if ret != vk.Success {
		return layout, fmt.Errorf("vkCreateDescriptorSetLayout: %w", vk.Error(ret))
	}
	return layout, nil
}
