package render

import (
	"time"

	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// imageSource is the slice of the swapchain the frame driver needs: acquire
// and present. SwapchainManager implements it.
type imageSource interface {
	AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error)
	Present(presentQueue core1_0.Queue, waitSemaphore core1_0.Semaphore, imageIndex int) (common.VkResult, error)
}

// commandRecorder re-records a frame slot's command buffer against a
// swapchain image. PipelineManager implements it.
type commandRecorder interface {
	RecordCommandBuffer(frameIndex, imageIndex int) error
}

// FrameDriver runs the per-frame sequence: wait and reset the slot's fence,
// acquire an image, re-record and submit the slot's command buffer, present,
// advance. At most FramesInFlight frames are ever submitted but not yet
// fenced-complete; the unbounded fence wait at the top of each frame is the
// loop's backpressure.
type FrameDriver struct {
	device      core1_0.CoreDeviceDriver
	images      imageSource
	commandSync *CommandSyncManager
	buffers     *BufferManager
	recorder    commandRecorder

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue

	framesInFlight int
	currentFrame   int
}

// NewFrameDriver wires the managers into a frame loop. The frame-slot count
// is taken from the command/sync manager, which owns the slots.
func NewFrameDriver(
	device core1_0.CoreDeviceDriver,
	images imageSource,
	commandSync *CommandSyncManager,
	buffers *BufferManager,
	recorder commandRecorder,
	graphicsQueue core1_0.Queue,
	presentQueue core1_0.Queue,
) *FrameDriver {
	return &FrameDriver{
		device:         device,
		images:         images,
		commandSync:    commandSync,
		buffers:        buffers,
		recorder:       recorder,
		graphicsQueue:  graphicsQueue,
		presentQueue:   presentQueue,
		framesInFlight: commandSync.FramesInFlight(),
	}
}

// CurrentFrame returns the frame slot the next DrawFrame call will use.
func (d *FrameDriver) CurrentFrame() int {
	return d.currentFrame
}

// DrawFrame renders one frame with the given uniform contents. Acquire,
// submit, and present failures are fatal here: no swapchain recreation
// happens at this layer.
func (d *FrameDriver) DrawFrame(ubo *UniformBufferObject) error {
	frame := d.currentFrame

	err := d.commandSync.WaitForFence(frame)
	if err != nil {
		return err
	}
	err = d.commandSync.ResetFence(frame)
	if err != nil {
		return err
	}

	imageAvailable, err := d.commandSync.ImageAvailableSemaphore(frame)
	if err != nil {
		return err
	}
	imageIndex, _, err := d.images.AcquireNextImage(common.NoTimeout, imageAvailable)
	if err != nil {
		return frameFailure(err, "acquire swapchain image")
	}

	commandBuffer, err := d.commandSync.CommandBuffer(frame)
	if err != nil {
		return err
	}
	_, err = d.device.ResetCommandBuffer(commandBuffer, 0)
	if err != nil {
		return frameFailure(err, "reset command buffer")
	}
	err = d.recorder.RecordCommandBuffer(frame, imageIndex)
	if err != nil {
		return err
	}

	err = d.buffers.UpdateUniformBuffer(frame, ubo)
	if err != nil {
		return err
	}

	renderFinished, err := d.commandSync.RenderFinishedSemaphore(frame)
	if err != nil {
		return err
	}
	inFlight, err := d.commandSync.InFlightFence(frame)
	if err != nil {
		return err
	}

	_, err = d.device.QueueSubmit(d.graphicsQueue, &inFlight,
		core1_0.SubmitInfo{
			WaitSemaphores:   []core1_0.Semaphore{imageAvailable},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   []core1_0.CommandBuffer{commandBuffer},
			SignalSemaphores: []core1_0.Semaphore{renderFinished},
		},
	)
	if err != nil {
		return frameFailure(err, "submit draw commands")
	}

	_, err = d.images.Present(d.presentQueue, renderFinished, imageIndex)
	if err != nil {
		return frameFailure(err, "present swapchain image")
	}

	d.currentFrame = (d.currentFrame + 1) % d.framesInFlight
	return nil
}
