package render

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// DescriptorManager owns the descriptor set layout, the descriptor pool, and
// the per-frame descriptor sets binding each slot's uniform buffer to the
// vertex stage.
type DescriptorManager struct {
	device         core1_0.CoreDeviceDriver
	framesInFlight int

	layout core1_0.DescriptorSetLayout
	pool   core1_0.DescriptorPool
	sets   []core1_0.DescriptorSet

	layoutCreated bool
	poolCreated   bool
}

// NewDescriptorManager creates the single-binding layout (uniform buffer,
// vertex stage) and a pool sized for exactly one set per frame slot.
func NewDescriptorManager(device core1_0.CoreDeviceDriver, cfg Config) (*DescriptorManager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &DescriptorManager{
		device:         device,
		framesInFlight: cfg.FramesInFlight,
	}

	var err error
	m.layout, _, err = device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: 1,
				StageFlags:      core1_0.StageVertex,
			},
		},
	})
	if err != nil {
		return nil, initFailure(err, "descriptor manager: create set layout")
	}
	m.layoutCreated = true

	m.pool, _, err = device.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: cfg.FramesInFlight,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: cfg.FramesInFlight,
			},
		},
	})
	if err != nil {
		m.Destroy()
		return nil, initFailure(err, "descriptor manager: create pool")
	}
	m.poolCreated = true

	return m, nil
}

// Layout returns the descriptor set layout the pipeline layout references.
func (m *DescriptorManager) Layout() core1_0.DescriptorSetLayout {
	return m.layout
}

// CreateDescriptorSets allocates one set per frame slot and points each set's
// binding 0 at the corresponding uniform buffer, offset 0, range equal to the
// uniform struct size. Exactly FramesInFlight buffers are required.
func (m *DescriptorManager) CreateDescriptorSets(uniformBuffers []core1_0.Buffer) error {
	if len(uniformBuffers) != m.framesInFlight {
		return errors.Mark(
			errors.Newf("descriptor manager: need exactly %d uniform buffers, got %d", m.framesInFlight, len(uniformBuffers)),
			ErrState)
	}

	allocLayouts := make([]core1_0.DescriptorSetLayout, m.framesInFlight)
	for i := range allocLayouts {
		allocLayouts[i] = m.layout
	}

	sets, _, err := m.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: m.pool,
		SetLayouts:     allocLayouts,
	})
	if err != nil {
		return initFailure(err, "descriptor manager: allocate sets")
	}
	m.sets = sets

	for i := 0; i < m.framesInFlight; i++ {
		err = m.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
			{
				DstSet:          m.sets[i],
				DstBinding:      0,
				DstArrayElement: 0,

				DescriptorType: core1_0.DescriptorTypeUniformBuffer,

				BufferInfo: []core1_0.DescriptorBufferInfo{
					{
						Buffer: uniformBuffers[i],
						Offset: 0,
						Range:  UniformBufferSize,
					},
				},
			},
		}, nil)
		if err != nil {
			return initFailuref(err, "descriptor manager: write set %d", i)
		}
	}

	return nil
}

// DescriptorSet returns the slot's descriptor set.
func (m *DescriptorManager) DescriptorSet(frameIndex int) (core1_0.DescriptorSet, error) {
	if frameIndex < 0 || frameIndex >= m.framesInFlight {
		return core1_0.DescriptorSet{}, rangeError("get descriptor set", frameIndex, m.framesInFlight)
	}
	if frameIndex >= len(m.sets) {
		return core1_0.DescriptorSet{}, stateError("get descriptor set")
	}
	return m.sets[frameIndex], nil
}

// Destroy releases the layout and the pool. Destroying the pool frees its
// sets, so the local collection is simply cleared.
func (m *DescriptorManager) Destroy() {
	if m.layoutCreated {
		m.device.DestroyDescriptorSetLayout(m.layout, nil)
		m.layout = core1_0.DescriptorSetLayout{}
		m.layoutCreated = false
	}
	if m.poolCreated {
		m.device.DestroyDescriptorPool(m.pool, nil)
		m.pool = core1_0.DescriptorPool{}
		m.poolCreated = false
	}
	m.sets = nil
}
