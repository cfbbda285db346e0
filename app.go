package main

import (
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/veandco/go-sdl2/sdl"
	"github.com/vkngwrapper/core/v3"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v3/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
	vkng_sdl2 "github.com/vkngwrapper/integrations/sdl2/v3"
	vkngmath "github.com/vkngwrapper/math"
	"golang.org/x/exp/slog"

	"vulkanquad/render"
)

var validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
var deviceExtensions = []string{khr_swapchain.ExtensionName}

const enableValidationLayers = true

const (
	vertShaderPath = "shaders/quad.vert.spv"
	fragShaderPath = "shaders/quad.frag.spv"
)

type application struct {
	logger *slog.Logger
	cfg    render.Config

	window *sdl.Window

	globalDriver   core1_0.GlobalDriver
	instanceDriver core1_0.CoreInstanceDriver
	deviceDriver   core1_0.CoreDeviceDriver

	debugDriver      ext_debug_utils.ExtensionDriver
	debugMessenger   ext_debug_utils.DebugUtilsMessenger
	surfaceExtension khr_surface.ExtensionDriver
	surface          khr_surface.Surface

	physicalDevice core1_0.PhysicalDevice

	graphicsQueue core1_0.Queue
	presentQueue  core1_0.Queue

	swapchain   *render.SwapchainManager
	commandSync *render.CommandSyncManager
	allocator   *render.DeviceAllocator
	buffers     *render.BufferManager
	descriptors *render.DescriptorManager
	pipeline    *render.PipelineManager
	frames      *render.FrameDriver
}

func (app *application) Run() error {
	err := app.initWindow()
	if err != nil {
		return err
	}

	err = app.initVulkan()
	if err != nil {
		return err
	}
	defer app.cleanup()

	return app.mainLoop()
}

func (app *application) initWindow() error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return err
	}

	window, err := sdl.CreateWindow("Vulkan Quad", sdl.WINDOWPOS_UNDEFINED, sdl.WINDOWPOS_UNDEFINED, 800, 600, sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return err
	}
	app.window = window

	app.globalDriver, err = core.CreateDriverFromProcAddr(sdl.VulkanGetVkGetInstanceProcAddr())
	if err != nil {
		return err
	}

	return nil
}

func (app *application) initVulkan() error {
	err := app.createInstance()
	if err != nil {
		return err
	}

	err = app.setupDebugMessenger()
	if err != nil {
		return err
	}

	err = app.createSurface()
	if err != nil {
		return err
	}

	err = app.pickPhysicalDevice()
	if err != nil {
		return err
	}

	err = app.createLogicalDevice()
	if err != nil {
		return err
	}

	app.swapchain, err = render.NewSwapchainManager(app.deviceDriver, app.instanceDriver, app.surfaceExtension, app.physicalDevice, app.surface, app.window)
	if err != nil {
		return err
	}

	app.commandSync, err = render.NewCommandSyncManager(app.deviceDriver, app.instanceDriver, app.surfaceExtension, app.physicalDevice, app.surface, app.cfg)
	if err != nil {
		return err
	}

	app.allocator = render.NewDeviceAllocator(app.deviceDriver, app.instanceDriver, app.physicalDevice)

	commandPool, err := app.commandSync.CommandPool()
	if err != nil {
		return err
	}

	app.buffers, err = render.NewBufferManager(render.QuadVertices(), render.QuadIndices(), app.allocator, app.graphicsQueue, commandPool, app.cfg)
	if err != nil {
		return err
	}

	app.descriptors, err = render.NewDescriptorManager(app.deviceDriver, app.cfg)
	if err != nil {
		return err
	}

	err = app.descriptors.CreateDescriptorSets(app.buffers.UniformBuffers())
	if err != nil {
		return err
	}

	// Shader bytecode comes from disk, not the binary: a missing or corrupt
	// .spv is a fatal startup error.
	vertShaderCode, err := os.ReadFile(vertShaderPath)
	if err != nil {
		return errors.Wrapf(err, "read vertex shader %s", vertShaderPath)
	}
	fragShaderCode, err := os.ReadFile(fragShaderPath)
	if err != nil {
		return errors.Wrapf(err, "read fragment shader %s", fragShaderPath)
	}

	app.pipeline, err = render.NewPipelineManager(app.deviceDriver, app.swapchain.ImageFormat(), app.commandSync, app.buffers, app.descriptors, vertShaderCode, fragShaderCode)
	if err != nil {
		return err
	}

	err = app.pipeline.CreateFramebuffers(app.swapchain.ImageViews(), app.swapchain.Extent())
	if err != nil {
		return err
	}

	app.frames = render.NewFrameDriver(app.deviceDriver, app.swapchain, app.commandSync, app.buffers, app.pipeline, app.graphicsQueue, app.presentQueue)

	app.logger.Info("vulkan initialized",
		"framesInFlight", app.commandSync.FramesInFlight(),
		"swapchainImages", app.swapchain.ImageCount())
	return nil
}

func (app *application) mainLoop() error {
	rendering := true

appLoop:
	for {
		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch e := event.(type) {
			case *sdl.QuitEvent:
				break appLoop
			case *sdl.WindowEvent:
				switch e.Event {
				case sdl.WINDOWEVENT_MINIMIZED:
					rendering = false
				case sdl.WINDOWEVENT_RESTORED:
					rendering = true
				case sdl.WINDOWEVENT_RESIZED:
					w, h := app.window.GetSize()
					if w > 0 && h > 0 {
						rendering = true
						err := app.recreateSwapchain()
						if err != nil {
							return err
						}
					} else {
						rendering = false
					}
				}
			}
		}
		if rendering {
			ubo := app.nextUniforms()
			err := app.frames.DrawFrame(&ubo)
			if err != nil {
				return err
			}
		}
	}

	_, err := app.deviceDriver.DeviceWaitIdle()
	return err
}

// nextUniforms spins the quad a quarter turn per second around Z with a fixed
// camera.
func (app *application) nextUniforms() render.UniformBufferObject {
	currentTime := hrtime.Now().Seconds()
	timePeriod := math.Mod(currentTime, 4.0)

	ubo := render.UniformBufferObject{}
	ubo.Model.SetRotationZ(timePeriod * math.Pi / 2.0)
	ubo.View.SetLookAt(
		&vkngmath.Vec3[float32]{X: 2, Y: 2, Z: 2},
		&vkngmath.Vec3[float32]{X: 0, Y: 0, Z: 0},
		&vkngmath.Vec3[float32]{X: 0, Y: 0, Z: 1},
	)

	extent := app.swapchain.Extent()
	aspectRatio := float32(extent.Width) / float32(extent.Height)

	ubo.Proj.SetPerspective(math.Pi/4.0, aspectRatio, 0.1, 10.0)
	return ubo
}

// recreateSwapchain rebuilds the swapchain and framebuffers after a resize.
// The render pass and pipeline survive because viewport and scissor are
// dynamic.
func (app *application) recreateSwapchain() error {
	w, h := app.window.VulkanGetDrawableSize()
	if w == 0 || h == 0 {
		return nil
	}
	if (app.window.GetFlags() & sdl.WINDOW_MINIMIZED) != 0 {
		return nil
	}

	_, err := app.deviceDriver.DeviceWaitIdle()
	if err != nil {
		return err
	}

	app.pipeline.DestroyFramebuffers()

	err = app.swapchain.Recreate()
	if err != nil {
		return err
	}

	err = app.pipeline.CreateFramebuffers(app.swapchain.ImageViews(), app.swapchain.Extent())
	if err != nil {
		return err
	}

	app.logger.Info("swapchain recreated", "width", w, "height", h)
	return nil
}

func (app *application) cleanup() {
	if app.pipeline != nil {
		app.pipeline.Destroy()
	}
	if app.swapchain != nil {
		app.swapchain.Destroy()
	}
	if app.descriptors != nil {
		app.descriptors.Destroy()
	}
	if app.buffers != nil {
		app.buffers.Destroy()
	}
	if app.commandSync != nil {
		app.commandSync.Destroy()
	}

	if app.deviceDriver != nil {
		app.deviceDriver.DestroyDevice(nil)
	}

	if app.debugMessenger.Initialized() {
		app.debugDriver.DestroyDebugUtilsMessenger(app.debugMessenger, nil)
	}

	if app.surface.Initialized() {
		app.surfaceExtension.DestroySurface(app.surface, nil)
	}

	if app.instanceDriver != nil {
		app.instanceDriver.DestroyInstance(nil)
	}

	if app.window != nil {
		app.window.Destroy()
	}
	sdl.Quit()
}

func (app *application) createInstance() error {
	instanceOptions := core1_0.InstanceCreateInfo{
		ApplicationName:    "Vulkan Quad",
		ApplicationVersion: common.CreateVersion(1, 0, 0),
		EngineName:         "No Engine",
		EngineVersion:      common.CreateVersion(1, 0, 0),
		APIVersion:         common.Vulkan1_2,
	}

	sdlExtensions := app.window.VulkanGetInstanceExtensions()
	extensions, _, err := app.globalDriver.AvailableExtensions()
	if err != nil {
		return err
	}

	for _, ext := range sdlExtensions {
		_, hasExt := extensions[ext]
		if !hasExt {
			return errors.Newf("create instance: missing required extension %s", ext)
		}
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext)
	}

	if enableValidationLayers {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, ext_debug_utils.ExtensionName)
	}

	_, enumerationSupported := extensions[khr_portability_enumeration.ExtensionName]
	if enumerationSupported {
		instanceOptions.EnabledExtensionNames = append(instanceOptions.EnabledExtensionNames, khr_portability_enumeration.ExtensionName)
		instanceOptions.Flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	layers, _, err := app.globalDriver.AvailableLayers()
	if err != nil {
		return err
	}

	if enableValidationLayers {
		for _, layer := range validationLayers {
			_, hasValidation := layers[layer]
			if !hasValidation {
				return errors.Newf("create instance: validation layer %s not available, install the LunarG Vulkan SDK", layer)
			}
			instanceOptions.EnabledLayerNames = append(instanceOptions.EnabledLayerNames, layer)
		}

		instanceOptions.Next = app.debugMessengerOptions()
	}

	app.instanceDriver, _, err = app.globalDriver.CreateInstance(nil, instanceOptions)
	if err != nil {
		return err
	}

	return nil
}

func (app *application) debugMessengerOptions() ext_debug_utils.DebugUtilsMessengerCreateInfo {
	return ext_debug_utils.DebugUtilsMessengerCreateInfo{
		MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
		MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
		UserCallback:    app.logDebug,
	}
}

func (app *application) setupDebugMessenger() error {
	if !enableValidationLayers {
		return nil
	}

	var err error
	app.debugDriver = ext_debug_utils.CreateExtensionDriverFromCoreDriver(app.instanceDriver)
	app.debugMessenger, _, err = app.debugDriver.CreateDebugUtilsMessenger(nil, app.debugMessengerOptions())
	if err != nil {
		return err
	}

	return nil
}

func (app *application) createSurface() error {
	app.surfaceExtension = khr_surface.CreateExtensionDriverFromCoreDriver(app.instanceDriver)
	surface, err := vkng_sdl2.CreateSurface(app.instanceDriver.Instance(), app.surfaceExtension, app.window)
	if err != nil {
		return err
	}

	app.surface = surface
	return nil
}

func (app *application) pickPhysicalDevice() error {
	physicalDevices, _, err := app.instanceDriver.EnumeratePhysicalDevices()
	if err != nil {
		return err
	}

	for _, device := range physicalDevices {
		if app.isDeviceSuitable(device) {
			app.physicalDevice = device
			break
		}
	}

	if !app.physicalDevice.Initialized() {
		return errors.New("failed to find a suitable GPU")
	}

	return nil
}

func (app *application) createLogicalDevice() error {
	indices, err := render.FindQueueFamilies(app.instanceDriver, app.surfaceExtension, app.physicalDevice, app.surface)
	if err != nil {
		return err
	}

	uniqueQueueFamilies := []int{*indices.GraphicsFamily}
	if uniqueQueueFamilies[0] != *indices.PresentFamily {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *indices.PresentFamily)
	}

	var queueFamilyOptions []core1_0.DeviceQueueCreateInfo
	queuePriority := float32(1.0)
	for _, queueFamily := range uniqueQueueFamilies {
		queueFamilyOptions = append(queueFamilyOptions, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: queueFamily,
			QueuePriorities:  []float32{queuePriority},
		})
	}

	var extensionNames []string
	extensionNames = append(extensionNames, deviceExtensions...)

	// Needed to run on top of MoltenVK and other portability implementations
	extensions, _, err := app.instanceDriver.EnumerateDeviceExtensionProperties(app.physicalDevice)
	if err != nil {
		return err
	}

	_, supported := extensions[khr_portability_subset.ExtensionName]
	if supported {
		extensionNames = append(extensionNames, khr_portability_subset.ExtensionName)
	}

	app.deviceDriver, _, err = app.instanceDriver.CreateDevice(app.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueFamilyOptions,
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return err
	}

	app.graphicsQueue = app.deviceDriver.GetQueue(*indices.GraphicsFamily, 0)
	app.presentQueue = app.deviceDriver.GetQueue(*indices.PresentFamily, 0)
	return nil
}

func (app *application) isDeviceSuitable(device core1_0.PhysicalDevice) bool {
	indices, err := render.FindQueueFamilies(app.instanceDriver, app.surfaceExtension, device, app.surface)
	if err != nil || !indices.IsComplete() {
		return false
	}

	if !app.checkDeviceExtensionSupport(device) {
		return false
	}

	support, err := render.QuerySwapchainSupport(app.surfaceExtension, device, app.surface)
	if err != nil {
		return false
	}

	return len(support.Formats) > 0 && len(support.PresentModes) > 0
}

func (app *application) checkDeviceExtensionSupport(device core1_0.PhysicalDevice) bool {
	extensions, _, err := app.instanceDriver.EnumerateDeviceExtensionProperties(device)
	if err != nil {
		return false
	}

	for _, extension := range deviceExtensions {
		_, hasExtension := extensions[extension]
		if !hasExtension {
			return false
		}
	}

	return true
}

func (app *application) logDebug(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	app.logger.Warn("validation layer message",
		"severity", severity.String(),
		"type", msgType.String(),
		"message", data.Message)
	return false
}
