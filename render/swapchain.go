package render

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

// DrawableSizer reports the window's drawable size in pixels. The SDL window
// satisfies it.
type DrawableSizer interface {
	VulkanGetDrawableSize() (int32, int32)
}

// SwapchainSupportDetails is everything the surface reports about what a
// swapchain may look like.
type SwapchainSupportDetails struct {
	Capabilities *khr_surface.SurfaceCapabilities
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode
}

// QuerySwapchainSupport collects a physical device's surface capabilities,
// formats and present modes.
func QuerySwapchainSupport(surfaceExtension khr_surface.ExtensionDriver, device core1_0.PhysicalDevice, surface khr_surface.Surface) (SwapchainSupportDetails, error) {
	var details SwapchainSupportDetails
	var err error

	details.Capabilities, _, err = surfaceExtension.GetPhysicalDeviceSurfaceCapabilities(surface, device)
	if err != nil {
		return details, initFailure(err, "query surface capabilities")
	}

	details.Formats, _, err = surfaceExtension.GetPhysicalDeviceSurfaceFormats(surface, device)
	if err != nil {
		return details, initFailure(err, "query surface formats")
	}

	details.PresentModes, _, err = surfaceExtension.GetPhysicalDeviceSurfacePresentModes(surface, device)
	if err != nil {
		return details, initFailure(err, "query surface present modes")
	}
	return details, nil
}

// SwapchainManager owns the swapchain, its images, and the derived image
// views. The whole set lives and dies together: resizing destroys and
// recreates everything, never an individual image.
type SwapchainManager struct {
	device             core1_0.CoreDeviceDriver
	instance           core1_0.CoreInstanceDriver
	surfaceExtension   khr_surface.ExtensionDriver
	swapchainExtension khr_swapchain.ExtensionDriver
	physicalDevice     core1_0.PhysicalDevice
	surface            khr_surface.Surface
	window             DrawableSizer

	swapchain   khr_swapchain.Swapchain
	images      []core1_0.Image
	imageViews  []core1_0.ImageView
	imageFormat core1_0.Format
	extent      core1_0.Extent2D

	created bool
}

// NewSwapchainManager creates the swapchain and its image views sized to the
// window's current drawable size.
func NewSwapchainManager(
	device core1_0.CoreDeviceDriver,
	instance core1_0.CoreInstanceDriver,
	surfaceExtension khr_surface.ExtensionDriver,
	physicalDevice core1_0.PhysicalDevice,
	surface khr_surface.Surface,
	window DrawableSizer,
) (*SwapchainManager, error) {
	m := &SwapchainManager{
		device:             device,
		instance:           instance,
		surfaceExtension:   surfaceExtension,
		swapchainExtension: khr_swapchain.CreateExtensionDriverFromCoreDriver(device),
		physicalDevice:     physicalDevice,
		surface:            surface,
		window:             window,
	}

	err := m.create()
	if err != nil {
		m.Destroy()
		return nil, err
	}
	return m, nil
}

func (m *SwapchainManager) create() error {
	support, err := QuerySwapchainSupport(m.surfaceExtension, m.physicalDevice, m.surface)
	if err != nil {
		return err
	}

	surfaceFormat := chooseSurfaceFormat(support.Formats)
	presentMode := choosePresentMode(support.PresentModes)
	extent := m.chooseExtent(support.Capabilities)

	imageCount := support.Capabilities.MinImageCount + 1
	if support.Capabilities.MaxImageCount > 0 && support.Capabilities.MaxImageCount < imageCount {
		imageCount = support.Capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int

	indices, err := FindQueueFamilies(m.instance, m.surfaceExtension, m.physicalDevice, m.surface)
	if err != nil {
		return err
	}
	if !indices.IsComplete() {
		return errors.Mark(errors.New("swapchain: device lacks graphics or present queue family"), ErrInitialization)
	}

	if *indices.GraphicsFamily != *indices.PresentFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, *indices.GraphicsFamily, *indices.PresentFamily)
	}

	swapchain, _, err := m.swapchainExtension.CreateSwapchain(nil, khr_swapchain.SwapchainCreateInfo{
		Surface: m.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   support.Capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	})
	if err != nil {
		return initFailure(err, "swapchain: create")
	}
	m.swapchain = swapchain
	m.imageFormat = surfaceFormat.Format
	m.extent = extent
	m.created = true

	m.images, _, err = m.swapchainExtension.GetSwapchainImages(m.swapchain)
	if err != nil {
		return initFailure(err, "swapchain: get images")
	}

	for _, image := range m.images {
		view, _, err := m.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   m.imageFormat,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return initFailure(err, "swapchain: create image view")
		}
		m.imageViews = append(m.imageViews, view)
	}

	return nil
}

// Recreate tears down the image views and swapchain together and builds a
// fresh set at the window's current size. The caller must ensure the device
// is idle first.
func (m *SwapchainManager) Recreate() error {
	m.Destroy()
	return m.create()
}

// AcquireNextImage hands out the next presentable image index, signaling the
// given semaphore when the image is actually ready.
func (m *SwapchainManager) AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error) {
	return m.swapchainExtension.AcquireNextImage(m.swapchain, timeout, &semaphore, nil)
}

// Present queues the image for presentation once the wait semaphore signals.
func (m *SwapchainManager) Present(presentQueue core1_0.Queue, waitSemaphore core1_0.Semaphore, imageIndex int) (common.VkResult, error) {
	return m.swapchainExtension.QueuePresent(presentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{waitSemaphore},
		Swapchains:     []khr_swapchain.Swapchain{m.swapchain},
		ImageIndices:   []int{imageIndex},
	})
}

// ImageFormat returns the swapchain image format.
func (m *SwapchainManager) ImageFormat() core1_0.Format {
	return m.imageFormat
}

// Extent returns the swapchain extent in pixels.
func (m *SwapchainManager) Extent() core1_0.Extent2D {
	return m.extent
}

// ImageViews returns one view per swapchain image, in image order.
func (m *SwapchainManager) ImageViews() []core1_0.ImageView {
	return m.imageViews
}

// ImageCount reports how many presentable images the swapchain owns.
func (m *SwapchainManager) ImageCount() int {
	return len(m.images)
}

// Destroy releases the image views and the swapchain. Framebuffers built on
// the views must be destroyed by their owner first.
func (m *SwapchainManager) Destroy() {
	for _, imageView := range m.imageViews {
		m.device.DestroyImageView(imageView, nil)
	}
	m.imageViews = nil
	m.images = nil

	if m.created {
		m.swapchainExtension.DestroySwapchain(m.swapchain, nil)
		m.swapchain = khr_swapchain.Swapchain{}
		m.created = false
	}
}

func chooseSurfaceFormat(availableFormats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range availableFormats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}

	return availableFormats[0]
}

func choosePresentMode(availablePresentModes []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range availablePresentModes {
		if presentMode == khr_surface.PresentModeMailbox {
			return presentMode
		}
	}

	return khr_surface.PresentModeFIFO
}

func (m *SwapchainManager) chooseExtent(capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	widthInt, heightInt := m.window.VulkanGetDrawableSize()
	width := int(widthInt)
	height := int(heightInt)

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}
