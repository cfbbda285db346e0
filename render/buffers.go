package render

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// UniformBufferSize is the byte size of one UniformBufferObject as written to
// a mapped uniform buffer.
var UniformBufferSize = int(unsafe.Sizeof(UniformBufferObject{}))

// BufferManager owns the vertex buffer, the index buffer and one persistently
// mapped uniform buffer per frame slot. It is the only component allowed to
// destroy them.
type BufferManager struct {
	allocator     Allocator
	graphicsQueue core1_0.Queue
	commandPool   core1_0.CommandPool

	vertexBuffer *BoundBuffer
	indexBuffer  *BoundBuffer
	indexCount   int

	uniformBuffers []*BoundBuffer
	uniformMapped  [][]byte

	framesInFlight int
}

// NewBufferManager uploads the vertex and index data to device-local buffers
// through staging copies on the graphics queue, and creates FramesInFlight
// host-visible uniform buffers, mapped for the manager's whole lifetime. Any
// failure rolls back every buffer created so far; no partially built manager
// is ever returned.
func NewBufferManager(
	vertices []Vertex,
	indices []uint16,
	allocator Allocator,
	graphicsQueue core1_0.Queue,
	commandPool core1_0.CommandPool,
	cfg Config,
) (*BufferManager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(vertices) == 0 || len(indices) == 0 {
		return nil, errors.Mark(errors.New("buffer manager: vertex and index data must not be empty"), ErrInitialization)
	}

	m := &BufferManager{
		allocator:      allocator,
		graphicsQueue:  graphicsQueue,
		commandPool:    commandPool,
		indexCount:     len(indices),
		framesInFlight: cfg.FramesInFlight,
	}

	// Every buffer registers for rollback the moment it exists, so a failure
	// at any later step leaves nothing behind.
	var created []*BoundBuffer
	rollback := func() {
		for _, buffer := range created {
			allocator.DestroyBuffer(buffer)
		}
	}

	var err error
	m.vertexBuffer, err = m.uploadDeviceLocal(vertices, core1_0.BufferUsageVertexBuffer)
	if err != nil {
		rollback()
		return nil, errors.WithMessage(err, "buffer manager: vertex buffer")
	}
	created = append(created, m.vertexBuffer)

	m.indexBuffer, err = m.uploadDeviceLocal(indices, core1_0.BufferUsageIndexBuffer)
	if err != nil {
		rollback()
		return nil, errors.WithMessage(err, "buffer manager: index buffer")
	}
	created = append(created, m.indexBuffer)

	for i := 0; i < cfg.FramesInFlight; i++ {
		uniform, err := allocator.CreateBuffer(UniformBufferSize, core1_0.BufferUsageUniformBuffer, MemoryUsageCPUToGPU)
		if err != nil {
			rollback()
			return nil, errors.WithMessagef(err, "buffer manager: uniform buffer %d", i)
		}
		created = append(created, uniform)

		mapped, err := allocator.Map(uniform)
		if err != nil {
			rollback()
			return nil, errors.WithMessagef(err, "buffer manager: map uniform buffer %d", i)
		}

		m.uniformBuffers = append(m.uniformBuffers, uniform)
		m.uniformMapped = append(m.uniformMapped, mapped)
	}

	cfg.Logger.Debug("geometry uploaded",
		"vertices", len(vertices),
		"indices", len(indices),
		"uniformSlots", cfg.FramesInFlight)
	return m, nil
}

// uploadDeviceLocal runs the staging pattern: write the payload into a
// host-visible staging buffer, create the device-local destination, copy on
// the graphics queue, and destroy the staging buffer on every path.
func (m *BufferManager) uploadDeviceLocal(data any, usage core1_0.BufferUsageFlags) (*BoundBuffer, error) {
	size := binary.Size(data)
	if size <= 0 {
		return nil, errors.Mark(errors.Newf("upload: payload has no fixed size"), ErrInitialization)
	}

	staging, err := m.allocator.CreateBuffer(size, core1_0.BufferUsageTransferSrc, MemoryUsageCPUToGPU)
	if err != nil {
		return nil, err
	}
	defer m.allocator.DestroyBuffer(staging)

	mapped, err := m.allocator.Map(staging)
	if err != nil {
		return nil, err
	}
	if err := writeBytes(mapped, data); err != nil {
		return nil, err
	}
	m.allocator.Unmap(staging)

	destination, err := m.allocator.CreateBuffer(size, core1_0.BufferUsageTransferDst|usage, MemoryUsageGPUOnly)
	if err != nil {
		return nil, err
	}

	err = m.allocator.CopyBuffer(staging, destination, size, m.graphicsQueue, m.commandPool)
	if err != nil {
		m.allocator.DestroyBuffer(destination)
		return nil, err
	}

	return destination, nil
}

// downloadBuffer copies a device-local buffer back to host memory through a
// staging buffer. Test-only path for verifying uploads; nothing in the frame
// loop reads GPU memory.
func (m *BufferManager) downloadBuffer(source *BoundBuffer, size int) ([]byte, error) {
	staging, err := m.allocator.CreateBuffer(size, core1_0.BufferUsageTransferDst, MemoryUsageCPUToGPU)
	if err != nil {
		return nil, err
	}
	defer m.allocator.DestroyBuffer(staging)

	err = m.allocator.CopyBuffer(source, staging, size, m.graphicsQueue, m.commandPool)
	if err != nil {
		return nil, err
	}

	mapped, err := m.allocator.Map(staging)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, mapped)
	m.allocator.Unmap(staging)
	return out, nil
}

// UpdateUniformBuffer copies the uniform struct into the slot's mapped
// pointer. The memory is host-coherent, so no flush follows the copy.
func (m *BufferManager) UpdateUniformBuffer(frameIndex int, ubo *UniformBufferObject) error {
	if frameIndex < 0 || frameIndex >= m.framesInFlight {
		return rangeError("update uniform buffer", frameIndex, m.framesInFlight)
	}
	if frameIndex >= len(m.uniformMapped) || m.uniformMapped[frameIndex] == nil {
		return stateError("update uniform buffer")
	}
	return writeBytes(m.uniformMapped[frameIndex], ubo)
}

// VertexBuffer returns the device-local vertex buffer handle.
func (m *BufferManager) VertexBuffer() core1_0.Buffer {
	return m.vertexBuffer.buffer
}

// IndexBuffer returns the device-local index buffer handle.
func (m *BufferManager) IndexBuffer() core1_0.Buffer {
	return m.indexBuffer.buffer
}

// IndexCount reports how many indices the index buffer holds.
func (m *BufferManager) IndexCount() int {
	return m.indexCount
}

// UniformBuffers returns the per-frame uniform buffer handles, one per slot,
// in slot order.
func (m *BufferManager) UniformBuffers() []core1_0.Buffer {
	out := make([]core1_0.Buffer, 0, len(m.uniformBuffers))
	for _, buffer := range m.uniformBuffers {
		out = append(out, buffer.buffer)
	}
	return out
}

// Destroy unmaps every uniform buffer and releases every buffer pair the
// manager owns.
func (m *BufferManager) Destroy() {
	for _, uniform := range m.uniformBuffers {
		m.allocator.Unmap(uniform)
		m.allocator.DestroyBuffer(uniform)
	}
	m.uniformBuffers = nil
	m.uniformMapped = nil

	if m.indexBuffer != nil {
		m.allocator.DestroyBuffer(m.indexBuffer)
		m.indexBuffer = nil
	}
	if m.vertexBuffer != nil {
		m.allocator.DestroyBuffer(m.vertexBuffer)
		m.vertexBuffer = nil
	}
}

// writeBytes serializes data into dst using the platform byte order Vulkan
// shares with the host.
func writeBytes(dst []byte, data any) error {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, common.ByteOrder, data)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "serialize payload"), ErrState)
	}
	if buf.Len() > len(dst) {
		return errors.Mark(errors.Newf("payload of %d bytes exceeds mapped region of %d bytes", buf.Len(), len(dst)), ErrState)
	}
	copy(dst, buf.Bytes())
	return nil
}
