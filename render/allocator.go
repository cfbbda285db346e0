package render

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// MemoryUsage selects the memory class a buffer is allocated from.
type MemoryUsage int

const (
	// MemoryUsageGPUOnly allocates device-local memory, reachable only
	// through transfer commands.
	MemoryUsageGPUOnly MemoryUsage = iota
	// MemoryUsageCPUToGPU allocates host-visible, host-coherent memory that
	// can be mapped and written directly.
	MemoryUsageCPUToGPU
)

// Allocation is the memory half of a buffer. It only ever exists inside a
// BoundBuffer.
type Allocation struct {
	memory core1_0.DeviceMemory
	size   int
	mapped []byte
}

// BoundBuffer pairs a buffer handle with its backing allocation. The two are
// created together and destroyed together, never separately.
type BoundBuffer struct {
	buffer     core1_0.Buffer
	allocation *Allocation
}

// Size reports the allocation size in bytes.
func (b *BoundBuffer) Size() int {
	if b == nil || b.allocation == nil {
		return 0
	}
	return b.allocation.size
}

// Allocator is the narrow surface the buffer manager needs from GPU memory
// management: paired create/destroy, mapping, and a synchronous one-shot copy.
type Allocator interface {
	// CreateBuffer creates a buffer of the given size and usage in the given
	// memory class. On success both halves of the pair exist; on failure
	// neither does.
	CreateBuffer(size int, usage core1_0.BufferUsageFlags, memoryUsage MemoryUsage) (*BoundBuffer, error)

	// Map exposes the buffer's memory as a byte slice. The mapping stays
	// valid until Unmap or DestroyBuffer. Only host-visible buffers can be
	// mapped.
	Map(buffer *BoundBuffer) ([]byte, error)

	// Unmap releases a mapping. Safe to call on an unmapped buffer.
	Unmap(buffer *BoundBuffer)

	// DestroyBuffer releases both halves of the pair. Mapped buffers are
	// unmapped first.
	DestroyBuffer(buffer *BoundBuffer)

	// CopyBuffer records a one-shot transfer of size bytes from src to dst on
	// the given queue and waits for it to complete.
	CopyBuffer(src, dst *BoundBuffer, size int, queue core1_0.Queue, pool core1_0.CommandPool) error
}

// DeviceAllocator implements Allocator directly on the logical device.
type DeviceAllocator struct {
	device         core1_0.CoreDeviceDriver
	instance       core1_0.CoreInstanceDriver
	physicalDevice core1_0.PhysicalDevice
}

var _ Allocator = (*DeviceAllocator)(nil)

// NewDeviceAllocator returns an allocator backed by the given device. The
// instance driver and physical device are needed to query memory types.
func NewDeviceAllocator(device core1_0.CoreDeviceDriver, instance core1_0.CoreInstanceDriver, physicalDevice core1_0.PhysicalDevice) *DeviceAllocator {
	return &DeviceAllocator{
		device:         device,
		instance:       instance,
		physicalDevice: physicalDevice,
	}
}

func (a *DeviceAllocator) memoryProperties(memoryUsage MemoryUsage) core1_0.MemoryPropertyFlags {
	if memoryUsage == MemoryUsageCPUToGPU {
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	}
	return core1_0.MemoryPropertyDeviceLocal
}

func (a *DeviceAllocator) CreateBuffer(size int, usage core1_0.BufferUsageFlags, memoryUsage MemoryUsage) (*BoundBuffer, error) {
	buffer, _, err := a.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, initFailuref(err, "allocator: create buffer of %d bytes", size)
	}

	memRequirements := a.device.GetBufferMemoryRequirements(buffer)
	memoryTypeIndex, err := a.findMemoryType(memRequirements.MemoryTypeBits, a.memoryProperties(memoryUsage))
	if err != nil {
		a.device.DestroyBuffer(buffer, nil)
		return nil, err
	}

	memory, _, err := a.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		a.device.DestroyBuffer(buffer, nil)
		return nil, initFailuref(err, "allocator: allocate %d bytes", memRequirements.Size)
	}

	_, err = a.device.BindBufferMemory(buffer, memory, 0)
	if err != nil {
		a.device.FreeMemory(memory, nil)
		a.device.DestroyBuffer(buffer, nil)
		return nil, initFailure(err, "allocator: bind buffer memory")
	}

	return &BoundBuffer{
		buffer: buffer,
		allocation: &Allocation{
			memory: memory,
			size:   size,
		},
	}, nil
}

func (a *DeviceAllocator) Map(buffer *BoundBuffer) ([]byte, error) {
	if buffer == nil || buffer.allocation == nil {
		return nil, stateError("allocator: map")
	}
	if buffer.allocation.mapped != nil {
		return buffer.allocation.mapped, nil
	}

	ptr, _, err := a.device.MapMemory(buffer.allocation.memory, 0, buffer.allocation.size, 0)
	if err != nil {
		return nil, initFailure(err, "allocator: map memory")
	}

	buffer.allocation.mapped = unsafe.Slice((*byte)(ptr), buffer.allocation.size)
	return buffer.allocation.mapped, nil
}

func (a *DeviceAllocator) Unmap(buffer *BoundBuffer) {
	if buffer == nil || buffer.allocation == nil || buffer.allocation.mapped == nil {
		return
	}
	a.device.UnmapMemory(buffer.allocation.memory)
	buffer.allocation.mapped = nil
}

func (a *DeviceAllocator) DestroyBuffer(buffer *BoundBuffer) {
	if buffer == nil {
		return
	}
	a.Unmap(buffer)
	a.device.DestroyBuffer(buffer.buffer, nil)
	if buffer.allocation != nil {
		a.device.FreeMemory(buffer.allocation.memory, nil)
		buffer.allocation = nil
	}
	buffer.buffer = core1_0.Buffer{}
}

func (a *DeviceAllocator) CopyBuffer(src, dst *BoundBuffer, size int, queue core1_0.Queue, pool core1_0.CommandPool) error {
	if src == nil || dst == nil {
		return stateError("allocator: copy buffer")
	}

	buffers, _, err := a.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return initFailure(err, "allocator: allocate transfer command buffer")
	}
	commandBuffer := buffers[0]
	defer a.device.FreeCommandBuffers(commandBuffer)

	_, err = a.device.BeginCommandBuffer(commandBuffer, core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return initFailure(err, "allocator: begin transfer")
	}

	err = a.device.CmdCopyBuffer(commandBuffer, src.buffer, dst.buffer, core1_0.BufferCopy{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      size,
	})
	if err != nil {
		return initFailure(err, "allocator: record copy")
	}

	_, err = a.device.EndCommandBuffer(commandBuffer)
	if err != nil {
		return initFailure(err, "allocator: end transfer")
	}

	_, err = a.device.QueueSubmit(queue, nil, core1_0.SubmitInfo{
		CommandBuffers: []core1_0.CommandBuffer{commandBuffer},
	})
	if err != nil {
		return initFailure(err, "allocator: submit transfer")
	}

	_, err = a.device.QueueWaitIdle(queue)
	if err != nil {
		return initFailure(err, "allocator: wait for transfer")
	}
	return nil
}

func (a *DeviceAllocator) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := a.instance.GetPhysicalDeviceMemoryProperties(a.physicalDevice)
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)

		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}

	return 0, errors.Mark(errors.New("allocator: no suitable memory type"), ErrInitialization)
}
