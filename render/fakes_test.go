package render

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/core/v3/loader"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
)

// requireKind asserts an error carries the given kind mark. Marks attach
// metadata outside the unwrap chain, so this must go through the error
// library's own Is rather than testify's stdlib-backed ErrorIs.
func requireKind(t *testing.T, err error, kind error) {
	t.Helper()
	require.Error(t, err)
	require.Truef(t, errors.Is(err, kind), "error %q does not carry kind %q", err, kind)
}

// fakeDeviceDriver embeds the device driver interface and overrides only the
// methods the managers call, recording every call by name so tests can assert
// counts and ordering. Unimplemented methods panic through the nil embed.
type fakeDeviceDriver struct {
	core1_0.CoreDeviceDriver

	calls []string

	// failOn makes the named method return this error once.
	failOn  string
	failErr error

	commandPoolFlags   core1_0.CommandPoolCreateFlags
	commandBufferCount int
	fenceFlags         []core1_0.FenceCreateFlags

	layoutBindings  []core1_0.DescriptorSetLayoutBinding
	poolMaxSets     int
	descriptorWrite []core1_0.WriteDescriptorSet

	pipelineCreateInfos  []core1_0.GraphicsPipelineCreateInfo
	framebufferExtents   []core1_0.Extent2D
	drawIndexedArgs      [][5]int
	viewports            []core1_0.Viewport
	scissors             []core1_0.Rect2D
	renderPassClearCount int
}

func (f *fakeDeviceDriver) record(name string) error {
	f.calls = append(f.calls, name)
	if f.failOn == name {
		f.failOn = ""
		return f.failErr
	}
	return nil
}

func (f *fakeDeviceDriver) callCount(name string) int {
	count := 0
	for _, call := range f.calls {
		if call == name {
			count++
		}
	}
	return count
}

func (f *fakeDeviceDriver) callIndex(name string) int {
	for i, call := range f.calls {
		if call == name {
			return i
		}
	}
	return -1
}

func (f *fakeDeviceDriver) lastCallIndex(name string) int {
	last := -1
	for i, call := range f.calls {
		if call == name {
			last = i
		}
	}
	return last
}

func (f *fakeDeviceDriver) CreateCommandPool(allocationCallbacks *loader.AllocationCallbacks, o core1_0.CommandPoolCreateInfo) (core1_0.CommandPool, common.VkResult, error) {
	if err := f.record("CreateCommandPool"); err != nil {
		return core1_0.CommandPool{}, core1_0.VKErrorUnknown, err
	}
	f.commandPoolFlags = o.Flags
	return core1_0.CommandPool{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) AllocateCommandBuffers(o core1_0.CommandBufferAllocateInfo) ([]core1_0.CommandBuffer, common.VkResult, error) {
	if err := f.record("AllocateCommandBuffers"); err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	f.commandBufferCount = o.CommandBufferCount
	return make([]core1_0.CommandBuffer, o.CommandBufferCount), core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) FreeCommandBuffers(buffers ...core1_0.CommandBuffer) {
	_ = f.record("FreeCommandBuffers")
}

func (f *fakeDeviceDriver) CreateSemaphore(allocationCallbacks *loader.AllocationCallbacks, o core1_0.SemaphoreCreateInfo) (core1_0.Semaphore, common.VkResult, error) {
	if err := f.record("CreateSemaphore"); err != nil {
		return core1_0.Semaphore{}, core1_0.VKErrorUnknown, err
	}
	return core1_0.Semaphore{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CreateFence(allocationCallbacks *loader.AllocationCallbacks, o core1_0.FenceCreateInfo) (core1_0.Fence, common.VkResult, error) {
	if err := f.record("CreateFence"); err != nil {
		return core1_0.Fence{}, core1_0.VKErrorUnknown, err
	}
	f.fenceFlags = append(f.fenceFlags, o.Flags)
	return core1_0.Fence{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) WaitForFences(waitForAll bool, timeout time.Duration, fences ...core1_0.Fence) (common.VkResult, error) {
	if err := f.record("WaitForFences"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) ResetFences(fences ...core1_0.Fence) (common.VkResult, error) {
	if err := f.record("ResetFences"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) ResetCommandBuffer(buffer core1_0.CommandBuffer, flags core1_0.CommandBufferResetFlags) (common.VkResult, error) {
	if err := f.record("ResetCommandBuffer"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) QueueSubmit(queue core1_0.Queue, fence *core1_0.Fence, submits ...core1_0.SubmitInfo) (common.VkResult, error) {
	if err := f.record("QueueSubmit"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) DestroySemaphore(semaphore core1_0.Semaphore, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroySemaphore")
}

func (f *fakeDeviceDriver) DestroyFence(fence core1_0.Fence, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyFence")
}

func (f *fakeDeviceDriver) DestroyCommandPool(pool core1_0.CommandPool, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyCommandPool")
}

func (f *fakeDeviceDriver) CreateDescriptorSetLayout(allocationCallbacks *loader.AllocationCallbacks, o core1_0.DescriptorSetLayoutCreateInfo) (core1_0.DescriptorSetLayout, common.VkResult, error) {
	if err := f.record("CreateDescriptorSetLayout"); err != nil {
		return core1_0.DescriptorSetLayout{}, core1_0.VKErrorUnknown, err
	}
	f.layoutBindings = o.Bindings
	return core1_0.DescriptorSetLayout{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CreateDescriptorPool(allocationCallbacks *loader.AllocationCallbacks, o core1_0.DescriptorPoolCreateInfo) (core1_0.DescriptorPool, common.VkResult, error) {
	if err := f.record("CreateDescriptorPool"); err != nil {
		return core1_0.DescriptorPool{}, core1_0.VKErrorUnknown, err
	}
	f.poolMaxSets = o.MaxSets
	return core1_0.DescriptorPool{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) AllocateDescriptorSets(o core1_0.DescriptorSetAllocateInfo) ([]core1_0.DescriptorSet, common.VkResult, error) {
	if err := f.record("AllocateDescriptorSets"); err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	return make([]core1_0.DescriptorSet, len(o.SetLayouts)), core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) UpdateDescriptorSets(writes []core1_0.WriteDescriptorSet, copies []core1_0.CopyDescriptorSet) error {
	if err := f.record("UpdateDescriptorSets"); err != nil {
		return err
	}
	f.descriptorWrite = append(f.descriptorWrite, writes...)
	return nil
}

func (f *fakeDeviceDriver) DestroyDescriptorSetLayout(layout core1_0.DescriptorSetLayout, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyDescriptorSetLayout")
}

func (f *fakeDeviceDriver) DestroyDescriptorPool(pool core1_0.DescriptorPool, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyDescriptorPool")
}

func (f *fakeDeviceDriver) CreateRenderPass(allocationCallbacks *loader.AllocationCallbacks, o core1_0.RenderPassCreateInfo) (core1_0.RenderPass, common.VkResult, error) {
	if err := f.record("CreateRenderPass"); err != nil {
		return core1_0.RenderPass{}, core1_0.VKErrorUnknown, err
	}
	return core1_0.RenderPass{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CreateShaderModule(allocationCallbacks *loader.AllocationCallbacks, o core1_0.ShaderModuleCreateInfo) (core1_0.ShaderModule, common.VkResult, error) {
	if err := f.record("CreateShaderModule"); err != nil {
		return core1_0.ShaderModule{}, core1_0.VKErrorUnknown, err
	}
	return core1_0.ShaderModule{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) DestroyShaderModule(module core1_0.ShaderModule, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyShaderModule")
}

func (f *fakeDeviceDriver) CreatePipelineLayout(allocationCallbacks *loader.AllocationCallbacks, o core1_0.PipelineLayoutCreateInfo) (core1_0.PipelineLayout, common.VkResult, error) {
	if err := f.record("CreatePipelineLayout"); err != nil {
		return core1_0.PipelineLayout{}, core1_0.VKErrorUnknown, err
	}
	return core1_0.PipelineLayout{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CreateGraphicsPipelines(cache *core1_0.PipelineCache, allocationCallbacks *loader.AllocationCallbacks, o ...core1_0.GraphicsPipelineCreateInfo) ([]core1_0.Pipeline, common.VkResult, error) {
	if err := f.record("CreateGraphicsPipelines"); err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	f.pipelineCreateInfos = append(f.pipelineCreateInfos, o...)
	return make([]core1_0.Pipeline, len(o)), core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CreateFramebuffer(allocationCallbacks *loader.AllocationCallbacks, o core1_0.FramebufferCreateInfo) (core1_0.Framebuffer, common.VkResult, error) {
	if err := f.record("CreateFramebuffer"); err != nil {
		return core1_0.Framebuffer{}, core1_0.VKErrorUnknown, err
	}
	f.framebufferExtents = append(f.framebufferExtents, core1_0.Extent2D{Width: o.Width, Height: o.Height})
	return core1_0.Framebuffer{}, core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) DestroyFramebuffer(framebuffer core1_0.Framebuffer, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyFramebuffer")
}

func (f *fakeDeviceDriver) DestroyPipeline(pipeline core1_0.Pipeline, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyPipeline")
}

func (f *fakeDeviceDriver) DestroyPipelineLayout(layout core1_0.PipelineLayout, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyPipelineLayout")
}

func (f *fakeDeviceDriver) DestroyRenderPass(renderPass core1_0.RenderPass, allocationCallbacks *loader.AllocationCallbacks) {
	_ = f.record("DestroyRenderPass")
}

func (f *fakeDeviceDriver) BeginCommandBuffer(buffer core1_0.CommandBuffer, o core1_0.CommandBufferBeginInfo) (common.VkResult, error) {
	if err := f.record("BeginCommandBuffer"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) EndCommandBuffer(buffer core1_0.CommandBuffer) (common.VkResult, error) {
	if err := f.record("EndCommandBuffer"); err != nil {
		return core1_0.VKErrorUnknown, err
	}
	return core1_0.VKSuccess, nil
}

func (f *fakeDeviceDriver) CmdBeginRenderPass(buffer core1_0.CommandBuffer, contents core1_0.SubpassContents, o core1_0.RenderPassBeginInfo) error {
	if err := f.record("CmdBeginRenderPass"); err != nil {
		return err
	}
	f.renderPassClearCount = len(o.ClearValues)
	return nil
}

func (f *fakeDeviceDriver) CmdEndRenderPass(buffer core1_0.CommandBuffer) {
	_ = f.record("CmdEndRenderPass")
}

func (f *fakeDeviceDriver) CmdBindPipeline(buffer core1_0.CommandBuffer, bindPoint core1_0.PipelineBindPoint, pipeline core1_0.Pipeline) {
	_ = f.record("CmdBindPipeline")
}

func (f *fakeDeviceDriver) CmdSetViewport(buffer core1_0.CommandBuffer, viewports ...core1_0.Viewport) {
	_ = f.record("CmdSetViewport")
	f.viewports = append(f.viewports, viewports...)
}

func (f *fakeDeviceDriver) CmdSetScissor(buffer core1_0.CommandBuffer, scissors ...core1_0.Rect2D) {
	_ = f.record("CmdSetScissor")
	f.scissors = append(f.scissors, scissors...)
}

func (f *fakeDeviceDriver) CmdBindVertexBuffers(buffer core1_0.CommandBuffer, firstBinding int, buffers []core1_0.Buffer, offsets []int) {
	_ = f.record("CmdBindVertexBuffers")
}

func (f *fakeDeviceDriver) CmdBindIndexBuffer(buffer core1_0.CommandBuffer, indexBuffer core1_0.Buffer, offset int, indexType core1_0.IndexType) {
	_ = f.record("CmdBindIndexBuffer")
}

func (f *fakeDeviceDriver) CmdBindDescriptorSets(buffer core1_0.CommandBuffer, bindPoint core1_0.PipelineBindPoint, layout core1_0.PipelineLayout, firstSet int, sets []core1_0.DescriptorSet, dynamicOffsets []int) {
	_ = f.record("CmdBindDescriptorSets")
}

func (f *fakeDeviceDriver) CmdDrawIndexed(buffer core1_0.CommandBuffer, indexCount, instanceCount int, firstIndex uint32, vertexOffset int, firstInstance uint32) {
	_ = f.record("CmdDrawIndexed")
	f.drawIndexedArgs = append(f.drawIndexedArgs, [5]int{indexCount, instanceCount, int(firstIndex), vertexOffset, int(firstInstance)})
}

// fakeInstanceDriver reports a single queue family that supports graphics.
type fakeInstanceDriver struct {
	core1_0.CoreInstanceDriver
}

func (f *fakeInstanceDriver) GetPhysicalDeviceQueueFamilyProperties(device core1_0.PhysicalDevice) []*core1_0.QueueFamilyProperties {
	return []*core1_0.QueueFamilyProperties{
		{
			QueueFlags: core1_0.QueueGraphics,
			QueueCount: 1,
		},
	}
}

// fakeSurfaceDriver reports present support on every queue family.
type fakeSurfaceDriver struct {
	khr_surface.ExtensionDriver
}

func (f *fakeSurfaceDriver) GetPhysicalDeviceSurfaceSupport(surface khr_surface.Surface, device core1_0.PhysicalDevice, queueFamilyIndex int) (bool, common.VkResult, error) {
	return true, core1_0.VKSuccess, nil
}

// fakeAllocator backs buffers with plain byte slices keyed by pair identity.
type fakeAllocator struct {
	stores map[*BoundBuffer][]byte

	createCalls int
	// failCreateAt makes the Nth CreateBuffer call fail (1-based).
	failCreateAt int

	destroyed int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{stores: map[*BoundBuffer][]byte{}}
}

func (a *fakeAllocator) live() int {
	return len(a.stores)
}

func (a *fakeAllocator) CreateBuffer(size int, usage core1_0.BufferUsageFlags, memoryUsage MemoryUsage) (*BoundBuffer, error) {
	a.createCalls++
	if a.failCreateAt != 0 && a.createCalls == a.failCreateAt {
		return nil, errors.Mark(errors.New("fake allocator: create failed"), ErrInitialization)
	}
	buffer := &BoundBuffer{allocation: &Allocation{size: size}}
	a.stores[buffer] = make([]byte, size)
	return buffer, nil
}

func (a *fakeAllocator) Map(buffer *BoundBuffer) ([]byte, error) {
	store, ok := a.stores[buffer]
	if !ok {
		return nil, stateError("fake allocator: map")
	}
	return store, nil
}

func (a *fakeAllocator) Unmap(buffer *BoundBuffer) {}

func (a *fakeAllocator) DestroyBuffer(buffer *BoundBuffer) {
	if _, ok := a.stores[buffer]; ok {
		delete(a.stores, buffer)
		a.destroyed++
	}
}

func (a *fakeAllocator) CopyBuffer(src, dst *BoundBuffer, size int, queue core1_0.Queue, pool core1_0.CommandPool) error {
	srcStore, ok := a.stores[src]
	if !ok {
		return stateError("fake allocator: copy source")
	}
	dstStore, ok := a.stores[dst]
	if !ok {
		return stateError("fake allocator: copy destination")
	}
	copy(dstStore[:size], srcStore[:size])
	return nil
}

var _ Allocator = (*fakeAllocator)(nil)
