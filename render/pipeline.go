package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

// PipelineManager owns the render pass, the pipeline layout, the graphics
// pipeline and the per-image framebuffers, and records the quad's draw
// sequence into the per-frame command buffers. It reads the swapchain's
// format and extent but never owns swapchain resources.
type PipelineManager struct {
	device      core1_0.CoreDeviceDriver
	commandSync *CommandSyncManager
	buffers     *BufferManager
	descriptors *DescriptorManager

	renderPass       core1_0.RenderPass
	pipelineLayout   core1_0.PipelineLayout
	graphicsPipeline core1_0.Pipeline
	framebuffers     []core1_0.Framebuffer
	extent           core1_0.Extent2D

	renderPassCreated bool
	layoutCreated     bool
	pipelineCreated   bool
}

// NewPipelineManager builds the single-subpass render pass for the given
// swapchain image format and the graphics pipeline around the supplied SPIR-V
// bytecode. Viewport and scissor are dynamic, so the pipeline survives
// swapchain recreation; only framebuffers are rebuilt on resize.
func NewPipelineManager(
	device core1_0.CoreDeviceDriver,
	imageFormat core1_0.Format,
	commandSync *CommandSyncManager,
	buffers *BufferManager,
	descriptors *DescriptorManager,
	vertShaderCode []byte,
	fragShaderCode []byte,
) (*PipelineManager, error) {
	m := &PipelineManager{
		device:      device,
		commandSync: commandSync,
		buffers:     buffers,
		descriptors: descriptors,
	}

	err := m.createRenderPass(imageFormat)
	if err != nil {
		return nil, err
	}

	err = m.createGraphicsPipeline(vertShaderCode, fragShaderCode)
	if err != nil {
		m.Destroy()
		return nil, err
	}

	return m, nil
}

func (m *PipelineManager) createRenderPass(imageFormat core1_0.Format) error {
	renderPass, _, err := m.device.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         imageFormat,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput,
				DstAccessMask: core1_0.AccessColorAttachmentWrite,
			},
		},
	})
	if err != nil {
		return initFailure(err, "pipeline manager: create render pass")
	}

	m.renderPass = renderPass
	m.renderPassCreated = true
	return nil
}

// bytecodeWords reinterprets raw SPIR-V bytes as the 32-bit words the shader
// module call expects. Corrupt files with a dangling tail are rejected.
func bytecodeWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Mark(errors.Newf("shader bytecode length %d is not a multiple of 4", len(code)), ErrInitialization)
	}

	words := make([]uint32, len(code)/4)
	for i := 0; i < len(words); i++ {
		byteIndex := i * 4
		words[i] = uint32(code[byteIndex]) |
			uint32(code[byteIndex+1])<<8 |
			uint32(code[byteIndex+2])<<16 |
			uint32(code[byteIndex+3])<<24
	}
	return words, nil
}

func (m *PipelineManager) createGraphicsPipeline(vertShaderCode, fragShaderCode []byte) error {
	vertWords, err := bytecodeWords(vertShaderCode)
	if err != nil {
		return errors.WithMessage(err, "vertex shader")
	}
	vertShader, _, err := m.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: vertWords,
	})
	if err != nil {
		return initFailure(err, "pipeline manager: create vertex shader module")
	}
	defer m.device.DestroyShaderModule(vertShader, nil)

	fragWords, err := bytecodeWords(fragShaderCode)
	if err != nil {
		return errors.WithMessage(err, "fragment shader")
	}
	fragShader, _, err := m.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: fragWords,
	})
	if err != nil {
		return initFailure(err, "pipeline manager: create fragment shader module")
	}
	defer m.device.DestroyShaderModule(fragShader, nil)

	m.pipelineLayout, _, err = m.device.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{
			m.descriptors.Layout(),
		},
	})
	if err != nil {
		return initFailure(err, "pipeline manager: create pipeline layout")
	}
	m.layoutCreated = true

	pipelines, _, err := m.device.CreateGraphicsPipelines(nil, nil,
		core1_0.GraphicsPipelineCreateInfo{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				{
					Stage:  core1_0.StageVertex,
					Module: vertShader,
					Name:   "main",
				},
				{
					Stage:  core1_0.StageFragment,
					Module: fragShader,
					Name:   "main",
				},
			},
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
				VertexBindingDescriptions:   vertexBindingDescriptions(),
				VertexAttributeDescriptions: vertexAttributeDescriptions(),
			},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology:               core1_0.PrimitiveTopologyTriangleList,
				PrimitiveRestartEnable: false,
			},
			// Viewport and scissor are set while recording; only the counts
			// are baked into the pipeline.
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: make([]core1_0.Viewport, 1),
				Scissors:  make([]core1_0.Rect2D, 1),
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{
					core1_0.DynamicStateViewport,
					core1_0.DynamicStateScissor,
				},
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				DepthClampEnable:        false,
				RasterizerDiscardEnable: false,

				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    core1_0.CullModeBack,
				FrontFace:   core1_0.FrontFaceCounterClockwise,

				DepthBiasEnable: false,

				LineWidth: 1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				SampleShadingEnable:  false,
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				LogicOpEnabled: false,
				LogicOp:        core1_0.LogicOpCopy,

				BlendConstants: [4]float32{0, 0, 0, 0},
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					{
						BlendEnabled:   false,
						ColorWriteMask: core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha,
					},
				},
			},
			Layout:            m.pipelineLayout,
			RenderPass:        m.renderPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	)
	if err != nil {
		return initFailure(err, "pipeline manager: create graphics pipeline")
	}
	m.graphicsPipeline = pipelines[0]
	m.pipelineCreated = true

	return nil
}

// CreateFramebuffers builds one framebuffer per swapchain image view at the
// given extent. On failure the framebuffers already created are left in
// place; the caller must invoke DestroyFramebuffers before retrying.
func (m *PipelineManager) CreateFramebuffers(imageViews []core1_0.ImageView, extent core1_0.Extent2D) error {
	m.extent = extent
	for i, imageView := range imageViews {
		framebuffer, _, err := m.device.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass: m.renderPass,
			Layers:     1,
			Attachments: []core1_0.ImageView{
				imageView,
			},
			Width:  extent.Width,
			Height: extent.Height,
		})
		if err != nil {
			return initFailuref(err, "pipeline manager: create framebuffer %d", i)
		}

		m.framebuffers = append(m.framebuffers, framebuffer)
	}

	return nil
}

// DestroyFramebuffers destroys every framebuffer and clears the collection.
// Callable on its own so swapchain recreation does not rebuild the render
// pass or pipeline.
func (m *PipelineManager) DestroyFramebuffers() {
	for _, framebuffer := range m.framebuffers {
		m.device.DestroyFramebuffer(framebuffer, nil)
	}
	m.framebuffers = nil
}

// FramebufferCount reports how many framebuffers currently exist.
func (m *PipelineManager) FramebufferCount() int {
	return len(m.framebuffers)
}

// RecordCommandBuffer records the full draw sequence for one frame slot
// against one swapchain image: render pass with an opaque black clear, the
// quad pipeline, full-extent viewport and scissor, vertex/index/descriptor
// bindings, and a single indexed draw.
func (m *PipelineManager) RecordCommandBuffer(frameIndex, imageIndex int) error {
	commandBuffer, err := m.commandSync.CommandBuffer(frameIndex)
	if err != nil {
		return err
	}
	if imageIndex < 0 || imageIndex >= len(m.framebuffers) {
		return errors.Mark(errors.Newf("record: image index %d outside [0, %d)", imageIndex, len(m.framebuffers)), ErrOutOfRange)
	}
	descriptorSet, err := m.descriptors.DescriptorSet(frameIndex)
	if err != nil {
		return err
	}

	_, err = m.device.BeginCommandBuffer(commandBuffer, core1_0.CommandBufferBeginInfo{})
	if err != nil {
		return frameFailure(err, "begin command buffer")
	}

	err = m.device.CmdBeginRenderPass(commandBuffer, core1_0.SubpassContentsInline,
		core1_0.RenderPassBeginInfo{
			RenderPass:  m.renderPass,
			Framebuffer: m.framebuffers[imageIndex],
			RenderArea: core1_0.Rect2D{
				Offset: core1_0.Offset2D{X: 0, Y: 0},
				Extent: m.extent,
			},
			ClearValues: []core1_0.ClearValue{
				core1_0.ClearValueFloat{0, 0, 0, 1},
			},
		})
	if err != nil {
		return frameFailure(err, "begin render pass")
	}

	m.device.CmdBindPipeline(commandBuffer, core1_0.PipelineBindPointGraphics, m.graphicsPipeline)
	m.device.CmdSetViewport(commandBuffer, core1_0.Viewport{
		X:        0,
		Y:        0,
		Width:    float32(m.extent.Width),
		Height:   float32(m.extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	})
	m.device.CmdSetScissor(commandBuffer, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: 0, Y: 0},
		Extent: m.extent,
	})
	m.device.CmdBindVertexBuffers(commandBuffer, 0, []core1_0.Buffer{m.buffers.VertexBuffer()}, []int{0})
	m.device.CmdBindIndexBuffer(commandBuffer, m.buffers.IndexBuffer(), 0, core1_0.IndexTypeUInt16)
	m.device.CmdBindDescriptorSets(commandBuffer, core1_0.PipelineBindPointGraphics, m.pipelineLayout, 0, []core1_0.DescriptorSet{
		descriptorSet,
	}, nil)
	m.device.CmdDrawIndexed(commandBuffer, m.buffers.IndexCount(), 1, 0, 0, 0)
	m.device.CmdEndRenderPass(commandBuffer)

	_, err = m.device.EndCommandBuffer(commandBuffer)
	if err != nil {
		return frameFailure(err, "end command buffer")
	}

	return nil
}

// Destroy tears down in dependency order: framebuffers, then the pipeline,
// then its layout, then the render pass.
func (m *PipelineManager) Destroy() {
	m.DestroyFramebuffers()

	if m.pipelineCreated {
		m.device.DestroyPipeline(m.graphicsPipeline, nil)
		m.graphicsPipeline = core1_0.Pipeline{}
		m.pipelineCreated = false
	}
	if m.layoutCreated {
		m.device.DestroyPipelineLayout(m.pipelineLayout, nil)
		m.pipelineLayout = core1_0.PipelineLayout{}
		m.layoutCreated = false
	}
	if m.renderPassCreated {
		m.device.DestroyRenderPass(m.renderPass, nil)
		m.renderPass = core1_0.RenderPass{}
		m.renderPassCreated = false
	}
}
