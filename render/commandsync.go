package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
)

// QueueFamilyIndices holds the queue families a device must provide before we
// can render to a surface.
type QueueFamilyIndices struct {
	GraphicsFamily *int
	PresentFamily  *int
}

// IsComplete reports whether both families were found.
func (i *QueueFamilyIndices) IsComplete() bool {
	return i.GraphicsFamily != nil && i.PresentFamily != nil
}

// FindQueueFamilies locates the graphics and present queue families for a
// physical device against the given surface.
func FindQueueFamilies(instance core1_0.CoreInstanceDriver, surfaceExtension khr_surface.ExtensionDriver, device core1_0.PhysicalDevice, surface khr_surface.Surface) (QueueFamilyIndices, error) {
	indices := QueueFamilyIndices{}
	queueFamilies := instance.GetPhysicalDeviceQueueFamilyProperties(device)

	for queueFamilyIdx, queueFamily := range queueFamilies {
		if (queueFamily.QueueFlags & core1_0.QueueGraphics) != 0 {
			indices.GraphicsFamily = new(int)
			*indices.GraphicsFamily = queueFamilyIdx
		}

		supported, _, err := surfaceExtension.GetPhysicalDeviceSurfaceSupport(surface, device, queueFamilyIdx)
		if err != nil {
			return indices, initFailure(err, "query surface support")
		}

		if supported {
			indices.PresentFamily = new(int)
			*indices.PresentFamily = queueFamilyIdx
		}

		if indices.IsComplete() {
			break
		}
	}

	return indices, nil
}

// CommandSyncManager owns the command pool, the per-frame command buffers and
// the double-buffered semaphore/fence set. One slot exists per frame in
// flight; a slot's fence must be signaled before its command buffer is reused.
type CommandSyncManager struct {
	device         core1_0.CoreDeviceDriver
	framesInFlight int

	commandPool    core1_0.CommandPool
	commandBuffers []core1_0.CommandBuffer

	imageAvailableSemaphores []core1_0.Semaphore
	renderFinishedSemaphores []core1_0.Semaphore
	inFlightFences           []core1_0.Fence

	poolCreated bool
	initialized bool
}

// NewCommandSyncManager derives the graphics queue family from the physical
// device and surface, creates a resettable command pool, and allocates one
// command buffer, one semaphore pair, and one pre-signaled fence per frame
// slot. Fences start signaled so the first frame does not block forever.
func NewCommandSyncManager(
	device core1_0.CoreDeviceDriver,
	instance core1_0.CoreInstanceDriver,
	surfaceExtension khr_surface.ExtensionDriver,
	physicalDevice core1_0.PhysicalDevice,
	surface khr_surface.Surface,
	cfg Config,
) (*CommandSyncManager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	indices, err := FindQueueFamilies(instance, surfaceExtension, physicalDevice, surface)
	if err != nil {
		return nil, err
	}
	if indices.GraphicsFamily == nil {
		return nil, errors.Mark(errors.New("command sync: no graphics queue family"), ErrInitialization)
	}

	m := &CommandSyncManager{
		device:         device,
		framesInFlight: cfg.FramesInFlight,
	}

	m.commandPool, _, err = device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: *indices.GraphicsFamily,
	})
	if err != nil {
		return nil, initFailure(err, "command sync: create command pool")
	}
	m.poolCreated = true

	m.commandBuffers, _, err = device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        m.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: cfg.FramesInFlight,
	})
	if err != nil {
		m.Destroy()
		return nil, initFailure(err, "command sync: allocate command buffers")
	}

	for i := 0; i < cfg.FramesInFlight; i++ {
		imageAvailable, _, err := device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			m.Destroy()
			return nil, initFailuref(err, "command sync: create image-available semaphore %d", i)
		}
		m.imageAvailableSemaphores = append(m.imageAvailableSemaphores, imageAvailable)

		renderFinished, _, err := device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
		if err != nil {
			m.Destroy()
			return nil, initFailuref(err, "command sync: create render-finished semaphore %d", i)
		}
		m.renderFinishedSemaphores = append(m.renderFinishedSemaphores, renderFinished)

		fence, _, err := device.CreateFence(nil, core1_0.FenceCreateInfo{
			Flags: core1_0.FenceCreateSignaled,
		})
		if err != nil {
			m.Destroy()
			return nil, initFailuref(err, "command sync: create in-flight fence %d", i)
		}
		m.inFlightFences = append(m.inFlightFences, fence)
	}

	m.initialized = true
	cfg.Logger.Debug("command and sync objects ready",
		"framesInFlight", cfg.FramesInFlight,
		"graphicsFamily", *indices.GraphicsFamily)
	return m, nil
}

// FramesInFlight reports the configured slot count.
func (m *CommandSyncManager) FramesInFlight() int {
	return m.framesInFlight
}

func (m *CommandSyncManager) checkFrameIndex(what string, frameIndex int) error {
	if frameIndex < 0 || frameIndex >= m.framesInFlight {
		return rangeError(what, frameIndex, m.framesInFlight)
	}
	if !m.initialized {
		return stateError(what)
	}
	return nil
}

// WaitForFence blocks until the slot's fence is signaled. The wait is
// unbounded; this is the frame loop's only blocking point.
func (m *CommandSyncManager) WaitForFence(frameIndex int) error {
	if err := m.checkFrameIndex("wait for fence", frameIndex); err != nil {
		return err
	}
	_, err := m.device.WaitForFences(true, common.NoTimeout, m.inFlightFences[frameIndex])
	if err != nil {
		return frameFailure(err, "wait for in-flight fence")
	}
	return nil
}

// ResetFence clears the slot's fence so the next submission can signal it.
func (m *CommandSyncManager) ResetFence(frameIndex int) error {
	if err := m.checkFrameIndex("reset fence", frameIndex); err != nil {
		return err
	}
	_, err := m.device.ResetFences(m.inFlightFences[frameIndex])
	if err != nil {
		return frameFailure(err, "reset in-flight fence")
	}
	return nil
}

// CommandPool returns the pool backing the per-frame command buffers.
func (m *CommandSyncManager) CommandPool() (core1_0.CommandPool, error) {
	if !m.initialized {
		return core1_0.CommandPool{}, stateError("get command pool")
	}
	return m.commandPool, nil
}

// CommandBuffer returns the slot's command buffer.
func (m *CommandSyncManager) CommandBuffer(frameIndex int) (core1_0.CommandBuffer, error) {
	if err := m.checkFrameIndex("get command buffer", frameIndex); err != nil {
		return core1_0.CommandBuffer{}, err
	}
	return m.commandBuffers[frameIndex], nil
}

// ImageAvailableSemaphore returns the semaphore signaled when the slot's
// swapchain image is ready to be rendered to.
func (m *CommandSyncManager) ImageAvailableSemaphore(frameIndex int) (core1_0.Semaphore, error) {
	if err := m.checkFrameIndex("get image-available semaphore", frameIndex); err != nil {
		return core1_0.Semaphore{}, err
	}
	return m.imageAvailableSemaphores[frameIndex], nil
}

// RenderFinishedSemaphore returns the semaphore signaled when the slot's
// submitted work completes on the graphics queue.
func (m *CommandSyncManager) RenderFinishedSemaphore(frameIndex int) (core1_0.Semaphore, error) {
	if err := m.checkFrameIndex("get render-finished semaphore", frameIndex); err != nil {
		return core1_0.Semaphore{}, err
	}
	return m.renderFinishedSemaphores[frameIndex], nil
}

// InFlightFence returns the fence signaled when the slot's submission retires.
func (m *CommandSyncManager) InFlightFence(frameIndex int) (core1_0.Fence, error) {
	if err := m.checkFrameIndex("get in-flight fence", frameIndex); err != nil {
		return core1_0.Fence{}, err
	}
	return m.inFlightFences[frameIndex], nil
}

// Destroy tears everything down. Order matters on a live device: command
// buffers are freed first, then semaphores and fences, then the pool.
func (m *CommandSyncManager) Destroy() {
	if len(m.commandBuffers) > 0 {
		m.device.FreeCommandBuffers(m.commandBuffers...)
		m.commandBuffers = nil
	}

	for _, semaphore := range m.imageAvailableSemaphores {
		m.device.DestroySemaphore(semaphore, nil)
	}
	m.imageAvailableSemaphores = nil

	for _, semaphore := range m.renderFinishedSemaphores {
		m.device.DestroySemaphore(semaphore, nil)
	}
	m.renderFinishedSemaphores = nil

	for _, fence := range m.inFlightFences {
		m.device.DestroyFence(fence, nil)
	}
	m.inFlightFences = nil

	if m.poolCreated {
		m.device.DestroyCommandPool(m.commandPool, nil)
		m.commandPool = core1_0.CommandPool{}
		m.poolCreated = false
	}
	m.initialized = false
}
